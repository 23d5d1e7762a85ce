package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/archivechain/poa/persistence"
	"github.com/archivechain/poa/proving"
	"github.com/archivechain/poa/shared"
)

const (
	proofFileName   = "proof.bin"
	openingFileName = "opening.bin"
)

// challenge identifies the storage challenge of an epoch.
type challenge struct {
	epoch uint64
	prev  string
}

func (c *challenge) addFlags(flags *pflag.FlagSet) {
	flags.Uint64Var(&c.epoch, "epoch", 1, "epoch of the challenge")
	flags.StringVar(&c.prev, "prev", "", "hash of the last finalized block, in hex (zero if empty)")
}

func (c *challenge) seed() (shared.Hash, error) {
	var prev shared.Hash
	if c.prev != "" {
		b, err := hex.DecodeString(c.prev)
		if err != nil || len(b) != shared.HashSize {
			return prev, fmt.Errorf("invalid `prev`; expected: %d bytes in hex, given: %q", shared.HashSize, c.prev)
		}
		copy(prev[:], b)
	}
	return proving.ChallengeSeed(prev, shared.Epoch(c.epoch)), nil
}

func newProveCmd(g *globals) *cobra.Command {
	var (
		ch  challenge
		out string
	)
	cmd := &cobra.Command{
		Use:   "prove <archive-id>",
		Short: "Answer the storage challenge of an epoch for a stored archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			id, err := shared.ParseArchiveID(args[0])
			if err != nil {
				return err
			}
			signer, err := loadKey(cfg.DataDir)
			if err != nil {
				return err
			}
			seed, err := ch.seed()
			if err != nil {
				return err
			}

			prover, err := proving.NewProver(cfg.Proof, signer, persistence.NewFileStore(cfg.DataDir), proving.WithLogger(logger))
			if err != nil {
				return err
			}
			ctx, stop := interruptible(context.Background())
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, cfg.Proof.ChallengeTimeout)
			defer cancel()
			proof, opening, err := prover.Generate(ctx, id, shared.Epoch(ch.epoch), seed)
			if err != nil {
				return fmt.Errorf("proof generation error: %w", err)
			}

			if out == "" {
				out = persistence.ArchiveDir(cfg.DataDir, id)
			}
			if err := writeProof(out, proof, opening); err != nil {
				return err
			}
			_, err = fmt.Fprintf(g.out, "digest:  %s\nsamples: %d\nwritten: %s\n",
				proof.Digest, len(opening.Chunks), out)
			return err
		},
	}
	ch.addFlags(cmd.Flags())
	cmd.Flags().StringVar(&out, "out", "", "directory to write the proof to (the archive directory if empty)")
	return cmd
}

func writeProof(dir string, p *shared.StorageProof, o *shared.Opening) error {
	if err := os.MkdirAll(dir, shared.OwnerReadWriteExec); err != nil {
		return fmt.Errorf("dir creation failure: %v", err)
	}
	pb, err := p.Encode()
	if err != nil {
		return err
	}
	ob, err := o.Encode()
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(filepath.Join(dir, proofFileName), bytes.NewReader(pb)); err != nil {
		return fmt.Errorf("write proof: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, openingFileName), bytes.NewReader(ob)); err != nil {
		return fmt.Errorf("write opening: %w", err)
	}
	return nil
}

func readProof(dir string) (*shared.StorageProof, *shared.Opening, error) {
	pb, err := os.ReadFile(filepath.Join(dir, proofFileName))
	if err != nil {
		return nil, nil, err
	}
	ob, err := os.ReadFile(filepath.Join(dir, openingFileName))
	if err != nil {
		return nil, nil, err
	}
	p, err := shared.DecodeStorageProof(pb)
	if err != nil {
		return nil, nil, err
	}
	o, err := shared.DecodeOpening(ob)
	if err != nil {
		return nil, nil, err
	}
	return p, o, nil
}
