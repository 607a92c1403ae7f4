package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/cli/reader"
	"github.com/veritaslabs/veritas/cli/render"
)

// listWarningThreshold is the result count above which we suggest --limit.
const listWarningThreshold = 100

// ListCommand returns the list command. List is a thin slice view;
// inspect carries the deep view of a single audit.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List recent audits",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status: queued, running, completed, aborted, error",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of audits to return",
				Value: 50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of audits to skip",
				Value: 0,
			},
		),
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for list", 1)
	}

	rd, closer, err := openReader(c)
	if err != nil {
		return err
	}
	defer closer()

	opts := reader.ListOptions{
		Status: c.String("status"),
		Limit:  c.Int("limit"),
		Offset: c.Int("offset"),
	}
	items, err := rd.ListAudits(c.Context, opts)
	if err != nil {
		return err
	}

	if len(items) > listWarningThreshold && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(items))
	}

	return r.Render(items)
}
