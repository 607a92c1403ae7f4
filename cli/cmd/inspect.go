package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/cli/render"
)

// InspectCommand returns the inspect command: the deep view of one audit.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a single audit by ID",
		ArgsUsage: "<audit-id>",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "events",
				Usage: "Show the event log instead of the audit detail",
			},
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("audit-id required", 1)
	}
	auditID := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	rd, closer, err := openReader(c)
	if err != nil {
		return err
	}
	defer closer()

	if c.Bool("events") {
		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for --events", 1)
		}
		events, err := rd.Events(c.Context, auditID)
		if err != nil {
			return err
		}
		return r.Render(events)
	}

	detail, err := rd.InspectAudit(c.Context, auditID)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return r.RenderTUI("inspect_audit", detail)
	}
	return r.Render(detail)
}
