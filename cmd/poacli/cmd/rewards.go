package cmd

import (
	"fmt"
	"strconv"

	"code.cloudfoundry.org/bytefmt"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/archivechain/poa/longevity"
	"github.com/archivechain/poa/quality"
	"github.com/archivechain/poa/rewards"
	"github.com/archivechain/poa/shared"
)

func newRewardsCmd(g *globals) *cobra.Command {
	var (
		size      string
		stored    string
		storage   float64
		bandwidth float64
		uptime    float64
		rarity    float64
		periods   uint64
	)
	cmd := &cobra.Command{
		Use:   "rewards",
		Short: "Print the rewards a node earns under the configured economics",
		Long: `rewards prints the per-proof reward of every content class and the monthly
custody reward of every node type, for a node with the given quality
sub-scores and an archive held for the given number of longevity periods.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			archiveSize, err := bytefmt.ToBytes(size)
			if err != nil {
				return fmt.Errorf("invalid `size`: %w", err)
			}
			storedBytes, err := bytefmt.ToBytes(stored)
			if err != nil {
				return fmt.Errorf("invalid `stored`: %w", err)
			}

			q := quality.Composite(cfg.Quality,
				shared.RatioFromFloat(storage),
				shared.RatioFromFloat(bandwidth),
				shared.RatioFromFloat(uptime),
			)
			lm := longevity.Multiplier(periods*cfg.Longevity.EpochsPerPeriod, cfg.Longevity.EpochsPerPeriod, cfg.Longevity.Tiers)

			_, _ = fmt.Fprintf(g.out, "quality: %v (multiplier %v), longevity multiplier: %v\n\n",
				q, rewards.QualityMultiplier(cfg.Rewards, q), lm)

			data := make([][]string, 0, 4)
			for class := shared.ContentStandard; class <= shared.ContentCritical; class++ {
				rec := rewards.Reward(cfg.Rewards, rewards.Input{
					Class:     class,
					Size:      archiveSize,
					Quality:   q,
					Rarity:    shared.RatioFromFloat(rarity),
					Longevity: lm,
				})
				data = append(data, []string{
					class.String(),
					strconv.FormatUint(rec.Base, 10),
					rec.Multipliers.Quality.String(),
					rec.Multipliers.Rarity.String(),
					rec.Multipliers.Size.String(),
					rec.Multipliers.Longevity.String(),
					strconv.FormatUint(rec.Total, 10),
				})
			}
			report(g, fmt.Sprintf("PER PROOF: archive size %s", bytefmt.ByteSize(archiveSize)),
				[]string{"class", "base", "quality", "rarity", "size", "longevity", "reward"}, data)

			data = data[:0]
			for _, nt := range []shared.NodeType{shared.FullArchive, shared.LightStorage, shared.Relay, shared.Gateway} {
				data = append(data, []string{
					nt.String(),
					strconv.FormatUint(cfg.Rewards.RatePerTB(nt), 10),
					strconv.FormatUint(rewards.MonthlyCustody(cfg.Rewards, nt, storedBytes, q, lm), 10),
				})
			}
			report(g, fmt.Sprintf("MONTHLY CUSTODY: stored %s", bytefmt.ByteSize(storedBytes)),
				[]string{"node type", "rate per TB", "reward"}, data)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&size, "size", "1G", "archive size")
	flags.StringVar(&stored, "stored", "10T", "bytes held for custody")
	flags.Float64Var(&storage, "storage", 1, "storage proof pass rate (0-1)")
	flags.Float64Var(&bandwidth, "bandwidth", 1, "bandwidth score (0-1)")
	flags.Float64Var(&uptime, "longevity-score", 1, "longevity score (0-1)")
	flags.Float64Var(&rarity, "rarity", 1, "rarity multiplier of the archive")
	flags.Uint64Var(&periods, "periods", 0, "continuous longevity periods the archive was held")
	return cmd
}

func report(g *globals, title string, header []string, data [][]string) {
	_, _ = fmt.Fprintf(g.out, "%s\n", title)

	table := tablewriter.NewWriter(g.out)
	table.SetHeader(header)
	table.SetBorder(true)
	table.AppendBulk(data)
	table.Render()
	_, _ = fmt.Fprintln(g.out)
}
