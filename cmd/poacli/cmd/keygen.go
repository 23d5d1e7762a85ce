package cmd

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archivechain/poa/shared"
)

func newKeygenCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the node identity",
		Long: `keygen creates the ed25519 key of the node in the data directory and
prints the node id. An existing key is never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			signer, err := shared.GenerateSigner(rand.Reader)
			if err != nil {
				return fmt.Errorf("failed to generate identity: %w", err)
			}
			err = saveKey(cfg.DataDir, signer)
			if errors.Is(err, ErrKeyFileExists) {
				return fmt.Errorf("%w: delete %s to create a new identity", err, edKeyFileName)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(g.out, signer.NodeID().Hex())
			return err
		},
	}
}
