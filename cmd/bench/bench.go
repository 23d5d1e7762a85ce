package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"

	"github.com/archivechain/poa/bandwidth"
	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/initialization"
	"github.com/archivechain/poa/persistence"
	"github.com/archivechain/poa/proving"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/validation"
	"github.com/archivechain/poa/verifying"
)

type testCase struct {
	cfg      *config.Config
	size     uint64
	archives int
}

func main() {
	datadir := flag.String("datadir", os.TempDir(), "filesystem datadir path")
	size := flag.String("size", "16M", "archive size")
	archives := flag.Int("archives", 8, "archives per batch")
	single := flag.Bool("single", false, "whether to execute a single test instead of the complete set")
	flag.Parse()

	archiveSize, err := bytefmt.ToBytes(*size)
	if err != nil {
		log.Fatalf("invalid size: %v", err)
	}
	log.Printf("bench config: datadir: %v, size: %v, archives: %d", *datadir, bytefmt.ByteSize(archiveSize), *archives)

	cases := genTestCases(*datadir, archiveSize, *archives, *single)
	data := make([][]string, 0, len(cases))
	for i, tc := range cases {
		log.Printf("test %v/%v starting...", i+1, len(cases))
		tStart := time.Now()
		row, err := runCase(context.Background(), tc)
		if err != nil {
			log.Fatalf("test %v/%v failed: %v", i+1, len(cases), err)
		}
		log.Printf("test %v/%v completed, %v", i+1, len(cases), time.Since(tStart))
		data = append(data, row)
	}

	header := []string{"size", "chunk", "samples", "archives", "ingest", "prove", "verify", "verify-batch"}
	report(*datadir, header, data)
}

func runCase(ctx context.Context, tc testCase) ([]string, error) {
	dir, err := os.MkdirTemp(tc.cfg.DataDir, "poa-bench-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	cfg := *tc.cfg
	cfg.DataDir = dir

	init, err := initialization.NewInitializer(&cfg, initialization.WithLogger(zap.NewNop()))
	if err != nil {
		return nil, err
	}
	signer, err := shared.GenerateSigner(rand.Reader)
	if err != nil {
		return nil, err
	}

	t := time.Now()
	ids := make([]shared.ArchiveID, 0, tc.archives)
	for i := 0; i < tc.archives; i++ {
		c, err := init.Ingest(ctx, io.LimitReader(rand.Reader, int64(tc.size)), tc.size, shared.ContentStandard)
		if err != nil {
			return nil, err
		}
		ids = append(ids, c.ArchiveID)
	}
	eIngest := time.Since(t)

	store := persistence.NewFileStore(dir)
	prover, err := proving.NewProver(cfg.Proof, signer, store)
	if err != nil {
		return nil, err
	}
	seed := proving.ChallengeSeed(shared.Hash{}, 1)

	t = time.Now()
	batch, err := prover.GenerateBatch(ctx, 1, seed, ids)
	if err != nil {
		return nil, err
	}
	eProve := time.Since(t)

	t = time.Now()
	for _, env := range batch {
		c, err := store.Commitment(ctx, env.ArchiveID())
		if err != nil {
			return nil, err
		}
		if verdict, err := verifying.Verify(env.Storage, env.Opening, c, 1, cfg.Proof.NumSamples); err != nil {
			return nil, fmt.Errorf("proof is %v: %w", verdict, err)
		}
	}
	eVerify := time.Since(t)

	bw, err := bandwidth.NewVerifier(cfg.Bandwidth)
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewValidator(cfg.Proof, store, bw)
	if err != nil {
		return nil, err
	}
	t = time.Now()
	results, err := validator.VerifyBatch(ctx, 1, batch)
	if err != nil {
		return nil, err
	}
	if failed, ok := validation.FirstFailure(results); ok {
		return nil, fmt.Errorf("proof of %v is %v: %w", failed.Envelope.ArchiveID(), failed.Verdict, failed.Err)
	}
	eBatch := time.Since(t)

	return []string{
		bytefmt.ByteSize(tc.size),
		bytefmt.ByteSize(cfg.Proof.ChunkSize),
		strconv.FormatUint(uint64(cfg.Proof.NumSamples), 10),
		strconv.Itoa(tc.archives),
		eIngest.Round(time.Millisecond).String(),
		eProve.Round(time.Millisecond).String(),
		eVerify.Round(time.Millisecond).String(),
		eBatch.Round(time.Millisecond).String(),
	}, nil
}

func report(datadir string, header []string, data [][]string) {
	fmt.Printf("\n\nBENCHMARKS: datadir=%v, host=%v\n", datadir, host())

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetBorder(true)
	table.AppendBulk(data)
	table.Render()
}

func genTestCases(datadir string, size uint64, archives int, single bool) []testCase {
	def := config.DefaultConfig()
	def.DataDir = datadir
	cases := make([]testCase, 0)

	if single {
		return append(cases, testCase{cfg: def, size: size, archives: archives})
	}

	// Various chunk sizes.
	for chunk := uint64(config.MinChunkSize) << 4; chunk <= config.MaxChunkSize; chunk <<= 2 {
		cfg := *def
		cfg.Proof.ChunkSize = chunk
		cases = append(cases, testCase{cfg: &cfg, size: size, archives: archives})
	}

	// Various sample counts.
	for samples := uint(5); samples <= 80; samples <<= 1 {
		cfg := *def
		cfg.Proof.NumSamples = samples
		cases = append(cases, testCase{cfg: &cfg, size: size, archives: archives})
	}

	// Various archive sizes.
	for i := uint(1); i <= 4; i++ {
		cases = append(cases, testCase{cfg: def, size: size >> i, archives: archives << i})
	}

	return cases
}

func host() string {
	model, cores := "unknown cpu", 0
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		model = infos[0].ModelName
		for _, info := range infos {
			cores += int(info.Cores)
		}
	}
	total := "unknown"
	if vm, err := mem.VirtualMemory(); err == nil {
		total = bytefmt.ByteSize(vm.Total)
	}
	return fmt.Sprintf("%s (%d cores, %s memory)", model, cores, total)
}
