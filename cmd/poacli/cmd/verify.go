package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archivechain/poa/persistence"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/verifying"
)

func newVerifyCmd(g *globals) *cobra.Command {
	var ch challenge
	cmd := &cobra.Command{
		Use:   "verify <proof-dir>",
		Short: "Verify a storage proof against the commitment of its archive",
		Long: `verify reads the proof and opening written by prove and checks them against
the archive commitment held in the data directory. The challenge seed is only
checked when --prev is given; the epoch of the proof is used unless --epoch is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			p, o, err := readProof(args[0])
			if err != nil {
				return fmt.Errorf("read proof: %w", err)
			}
			c, err := persistence.NewFileStore(cfg.DataDir).Commitment(context.Background(), p.ArchiveID)
			if err != nil {
				return fmt.Errorf("commitment of %v: %w", p.ArchiveID, err)
			}

			if !cmd.Flags().Changed("epoch") {
				ch.epoch = uint64(p.Epoch)
			}
			epoch := shared.Epoch(ch.epoch)
			opts := []verifying.OptionFunc{verifying.WithLogger(logger)}
			if ch.prev != "" {
				seed, err := ch.seed()
				if err != nil {
					return err
				}
				opts = append(opts, verifying.WithExpectedSeed(seed))
			}

			verdict, err := verifying.Verify(p, o, c, epoch, cfg.Proof.NumSamples, opts...)
			if _, werr := fmt.Fprintf(g.out, "verdict: %v\n", verdict); werr != nil {
				return werr
			}
			if err != nil {
				return fmt.Errorf("proof of node %v is %v: %w", p.NodeID, verdict, err)
			}
			return nil
		},
	}
	ch.addFlags(cmd.Flags())
	return cmd
}
