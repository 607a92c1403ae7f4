// Package cmd provides the subcommands for the veritas binary.
package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/cli/config"
	"github.com/veritaslabs/veritas/cli/reader"
	"github.com/veritaslabs/veritas/store"
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only valid for inspect and stats.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (inspect, stats only)",
	}

	// ConfigFlag points at the veritas.yaml configuration file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to veritas.yaml",
		EnvVars: []string{"VERITAS_CONFIG"},
	}

	// DBFlag overrides the SQLite database path.
	DBFlag = &cli.StringFlag{
		Name:    "db",
		Usage:   "Path to the audit database",
		EnvVars: []string{"VERITAS_DB"},
	}
)

// defaultDBPath is used when neither --db nor the config file names one.
const defaultDBPath = "veritas.db"

// ReadOnlyFlags returns the shared flags for all read-only commands.
// --tui is included everywhere so unsupported commands can reject it with
// a clear message instead of a generic "flag not defined" error.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
		ConfigFlag,
		DBFlag,
	}
}

// loadConfig reads the config file when --config is set; otherwise an
// empty config so flags alone can drive every command.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

// dbPath resolves the database location: flag, then config, then default.
func dbPath(c *cli.Context, cfg *config.Config) string {
	if p := c.String("db"); p != "" {
		return p
	}
	if cfg.Storage.DBPath != "" {
		return cfg.Storage.DBPath
	}
	return defaultDBPath
}

// openRepo opens the repository for one command invocation.
func openRepo(c *cli.Context, cfg *config.Config) (*store.Repository, error) {
	db, err := store.Open(dbPath(c, cfg))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store.NewRepository(db), nil
}

// openReader opens the read-side layer for list/inspect/stats commands.
func openReader(c *cli.Context) (reader.Reader, func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	repo, err := openRepo(c, cfg)
	if err != nil {
		return nil, nil, err
	}
	return reader.NewStoreReader(repo), func() { _ = repo.Close() }, nil
}

// isStderrTTY reports whether stderr is a terminal.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
