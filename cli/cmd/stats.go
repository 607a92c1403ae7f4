package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/cli/render"
)

// StatsCommand returns the stats command: repository-wide aggregates.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Show aggregated audit statistics",
		Flags:  ReadOnlyFlags(),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	rd, closer, err := openReader(c)
	if err != nil {
		return err
	}
	defer closer()

	stats, err := rd.Stats(c.Context)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return r.RenderTUI("stats_audits", stats)
	}
	return r.Render(stats)
}
