package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/archive"
	"github.com/veritaslabs/veritas/cli/render"
	"github.com/veritaslabs/veritas/log"
)

// ArchiveCommand returns the archive command: export one finished audit
// to a filesystem directory or an s3://bucket/prefix destination.
func ArchiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "Export a finished audit to a directory or S3 prefix",
		ArgsUsage: "<audit-id>",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "dest",
				Usage: "Destination: a directory path or s3://bucket/prefix",
			},
			&cli.StringFlag{
				Name:  "screenshot-dir",
				Usage: "Root directory holding screenshot files",
			},
		),
		Action: archiveAction,
	}
}

func archiveAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("audit-id required", 1)
	}
	auditID := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for archive", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	destSpec := firstNonEmpty(c.String("dest"), cfg.Archive.Destination)
	if destSpec == "" {
		return cli.Exit("destination required: pass --dest or set archive.destination in the config", 1)
	}

	dest, err := archive.ParseDestination(c.Context, destSpec)
	if err != nil {
		return err
	}
	defer func() { _ = dest.Close() }()

	repo, err := openRepo(c, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	screenshotDir := firstNonEmpty(c.String("screenshot-dir"), cfg.Storage.ScreenshotDir)
	exporter := archive.NewExporter(repo, dest, screenshotDir, log.NewServiceLogger("archive"))

	manifest, err := exporter.Export(c.Context, auditID)
	if err != nil {
		return err
	}
	return r.Render(manifest)
}
