package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/cli/render"
	"github.com/veritaslabs/veritas/types"
)

// VersionResponse is the version command's payload. All components share
// a single version; the engine stamps the same one into its wire frames.
type VersionResponse struct {
	Version         string `json:"version"`
	Commit          string `json:"commit"`
	ContractVersion string `json:"contract_version"`
}

// VersionCommand returns the version command. It never touches the
// database or spawns an engine.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}

		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version", 1)
		}

		return r.Render(VersionResponse{
			Version:         types.Version,
			Commit:          commit,
			ContractVersion: types.ContractVersion,
		})
	}
}
