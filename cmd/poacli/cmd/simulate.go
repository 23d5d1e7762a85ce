package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/archivechain/poa/internal/node"
	"github.com/archivechain/poa/ledger"
	"github.com/archivechain/poa/persistence"
	"github.com/archivechain/poa/shared"
)

func newSimulateCmd(g *globals) *cobra.Command {
	var (
		nodes       int
		heights     uint64
		archives    int
		archiveSize string
		replicas    int
		stake       uint64
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process network of validators and print the ledger",
		Long: `simulate ingests random archives into an in-memory storage engine, assigns
each archive to several nodes and runs consensus for the given number of
heights. Every height the nodes prove their custody, exchange proofs, elect a
proposer and finalize a block whose rewards are applied to a shared in-memory
ledger.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if nodes < 1 || archives < 1 || replicas < 1 {
				return fmt.Errorf("invalid simulation; expected: nodes, archives and replicas >= 1, given: %d, %d, %d",
					nodes, archives, replicas)
			}
			size, err := bytefmt.ToBytes(archiveSize)
			if err != nil {
				return fmt.Errorf("invalid `archive-size`: %w", err)
			}

			store := persistence.NewMemStore()
			ids := make([]shared.ArchiveID, 0, archives)
			for i := 0; i < archives; i++ {
				data := make([]byte, size)
				if _, err := rand.Read(data); err != nil {
					return err
				}
				c, err := store.Put(data, cfg.Proof.ChunkSize, shared.ContentClass(i%4))
				if err != nil {
					return err
				}
				ids = append(ids, c.ArchiveID)
			}

			registry := shared.NewMemRegistry()
			signers := make([]*shared.Signer, 0, nodes)
			for i := 0; i < nodes; i++ {
				s, err := shared.GenerateSigner(rand.Reader)
				if err != nil {
					return err
				}
				signers = append(signers, s)
				registry.Put(shared.NodeInfo{ID: s.NodeID(), Type: shared.FullArchive, Stake: stake, Capacity: 10 * shared.TB})
				for r := 0; r < replicas && r < archives; r++ {
					registry.Assign(s.NodeID(), ids[(i+r)%archives])
				}
			}

			tokens := ledger.NewMemLedger()
			cluster, err := node.NewCluster(cfg, signers, registry, store, tokens, logger)
			if err != nil {
				return err
			}
			defer cluster.Close()

			ctx, stop := interruptible(context.Background())
			defer stop()
			start := time.Now()
			for h := shared.Height(1); h <= shared.Height(heights); h++ {
				blocks, err := cluster.Step(ctx, h)
				if err != nil {
					return err
				}
				hash, err := blocks[0].Hash()
				if err != nil {
					return err
				}
				logger.Info("cli: height finalized",
					zap.Uint64("height", uint64(h)),
					zap.Stringer("proposer", blocks[0].Proposer),
					zap.String("hash", hash.ShortString()),
					zap.Int("proofs", len(blocks[0].Batch)),
				)
			}

			data := make([][]string, 0, nodes)
			for _, s := range signers {
				id := s.NodeID()
				data = append(data, []string{
					id.String(),
					strconv.FormatUint(tokens.Credited(id), 10),
					strconv.FormatUint(tokens.Debited(id), 10),
				})
			}
			report(g, fmt.Sprintf("LEDGER: %d heights in %v, burned %d, treasury %d",
				heights, time.Since(start).Round(time.Millisecond), tokens.Burned(), tokens.Treasury()),
				[]string{"node", "credited", "debited"}, data)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&nodes, "nodes", 4, "number of validators")
	flags.Uint64Var(&heights, "heights", 3, "number of heights to finalize")
	flags.IntVar(&archives, "archives", 3, "number of archives")
	flags.StringVar(&archiveSize, "archive-size", "64K", "size of every archive")
	flags.IntVar(&replicas, "replicas", 2, "number of nodes holding every archive")
	flags.Uint64Var(&stake, "stake", 100_000_000, "stake of every validator")
	return cmd
}
