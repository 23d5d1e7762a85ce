package cmd

import (
	"context"
	"fmt"
	"os"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/archivechain/poa/initialization"
	"github.com/archivechain/poa/shared"
)

func newIngestCmd(g *globals) *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Store a file as an archive and print its commitment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			cc, err := shared.ParseContentClass(class)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			init, err := initialization.NewInitializer(cfg, initialization.WithLogger(logger))
			if err != nil {
				return err
			}
			ctx, stop := interruptible(context.Background())
			defer stop()
			c, err := init.Ingest(ctx, f, uint64(info.Size()), cc)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", args[0], err)
			}
			logger.Debug("cli: archive ingested", zap.Stringer("archive", c.ArchiveID))

			_, err = fmt.Fprintf(g.out, "archive: %s\nroot:    %s\nsize:    %s\nchunks:  %d\nclass:   %v\n",
				c.ArchiveID.Hex(), c.Root, bytefmt.ByteSize(c.Size), c.NumChunks, c.Class)
			return err
		},
	}
	cmd.Flags().StringVar(&class, "class", shared.ContentStandard.String(), "content class (standard, media, dataset, critical)")
	return cmd
}
