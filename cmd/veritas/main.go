// Package main provides the veritas CLI entrypoint.
//
// Usage:
//
//	veritas <command> [subcommand] [options]
//
// serve runs the daemon; audit runs one audit to completion. Everything
// else is read-only. Exit codes for `audit` mirror the engine's:
//   - 0: completed
//   - 1: error
//   - 2: aborted
//   - 3: invalid input
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/cli/cmd"
	"github.com/veritaslabs/veritas/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	// A local .env is a convenience for development; absence is normal.
	_ = godotenv.Load()

	app := &cli.App{
		Name:           "veritas",
		Usage:          "URL trust audit CLI",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.AuditCommand(),
			cmd.ListCommand(),
			cmd.InspectCommand(),
			cmd.StatsCommand(),
			cmd.ArchiveCommand(),
			cmd.DebugCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors. This
		// branch handles unexpected errors that were not wrapped.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit() so the audit
// command's engine-mirrored codes reach the shell intact.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
