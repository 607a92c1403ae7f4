// Package main provides the veritas-engine entrypoint: one process per
// audit, spawned by the runner.
//
// Usage:
//
//	veritas-engine <url> --audit-id <id> --tier <tier> [options]
//
// Stdout belongs exclusively to IPC; all diagnostics go to stderr.
// Exit codes:
//   - 0: completed
//   - 1: error
//   - 2: aborted
//   - 3: invalid input
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/agents/graph"
	"github.com/veritaslabs/veritas/agents/judge"
	"github.com/veritaslabs/veritas/agents/scout"
	"github.com/veritaslabs/veritas/agents/security"
	"github.com/veritaslabs/veritas/agents/vision"
	"github.com/veritaslabs/veritas/engine"
	"github.com/veritaslabs/veritas/ipc"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/types"
)

func main() {
	os.Exit(run(os.Args))
}

// spawnArgs is the parsed spawn invocation.
type spawnArgs struct {
	url           string
	tier          types.Tier
	verdictMode   types.VerdictMode
	meta          types.SpawnMeta
	modules       []string
	screenshotDir string
	// stdoutFallback records the runner's respawn permission marker. The
	// transport itself follows --ipc-mode.
	stdoutFallback bool
}

// parseSpawnArgs parses the runner's spawn format: the URL positionally
// first, flags after. The URL comes first so the invocation reads the
// same in queue and stdout mode and in shell history.
func parseSpawnArgs(argv []string) (*spawnArgs, error) {
	if len(argv) < 2 {
		return nil, fmt.Errorf("usage: veritas-engine <url> --audit-id <id> [options]")
	}
	rawURL := argv[1]
	if strings.HasPrefix(rawURL, "-") {
		return nil, fmt.Errorf("url must be the first argument")
	}

	fs := flag.NewFlagSet("veritas-engine", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tier := fs.String("tier", string(types.TierStandardAudit), "audit tier")
	verdictMode := fs.String("verdict-mode", string(types.VerdictModeSimple), "verdict mode")
	auditID := fs.String("audit-id", "", "audit ID (required)")
	ipcMode := fs.String("ipc-mode", string(types.IPCModeQueue), "IPC transport")
	attempt := fs.Int("attempt", 1, "spawn attempt")
	modules := fs.String("modules", "", "comma-separated security modules")
	screenshotDir := fs.String("screenshot-dir", defaultScreenshotDir(), "screenshot root")
	stdoutFallback := fs.Bool("use-stdout-fallback", false, "permit the runner's stdout respawn on queue failure")
	if err := fs.Parse(argv[2:]); err != nil {
		return nil, err
	}

	parsedTier, err := types.ParseTier(*tier)
	if err != nil {
		return nil, err
	}
	parsedMode, err := types.ParseVerdictMode(*verdictMode)
	if err != nil {
		return nil, err
	}
	parsedIPC, err := types.ParseIPCMode(*ipcMode)
	if err != nil {
		return nil, err
	}

	args := &spawnArgs{
		url:         rawURL,
		tier:        parsedTier,
		verdictMode: parsedMode,
		meta: types.SpawnMeta{
			AuditID: *auditID,
			Attempt: *attempt,
			IPCMode: parsedIPC,
		},
		screenshotDir:  *screenshotDir,
		stdoutFallback: *stdoutFallback,
	}
	if *modules != "" {
		for _, m := range strings.Split(*modules, ",") {
			if m = strings.TrimSpace(m); m != "" {
				args.modules = append(args.modules, m)
			}
		}
	}
	if err := args.meta.Validate(); err != nil {
		return nil, err
	}
	return args, nil
}

func defaultScreenshotDir() string {
	if dir := os.Getenv("VERITAS_SCREENSHOT_DIR"); dir != "" {
		return dir
	}
	return "screenshots"
}

// builtinRegistry wires the five built-in agents.
func builtinRegistry() *agent.Registry {
	return &agent.Registry{
		Scout:    scout.New(),
		Security: security.New(),
		Vision:   vision.New(),
		Graph:    graph.New(),
		Judge:    judge.New(),
	}
}

func run(argv []string) int {
	args, err := parseSpawnArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return engine.ExitInvalidInput
	}

	logger := log.NewLogger(&args.meta)

	eng, err := engine.New(engine.Config{
		Meta:          args.meta,
		URL:           args.url,
		Tier:          args.tier,
		VerdictMode:   args.verdictMode,
		Modules:       args.modules,
		Registry:      builtinRegistry(),
		Transport:     ipc.NewTransport(args.meta.IPCMode, os.Stdout),
		Logger:        logger,
		ScreenshotDir: args.screenshotDir,
	})
	if err != nil {
		logger.Error("engine setup failed", map[string]any{"error": err.Error()})
		return engine.ExitInvalidInput
	}

	// SIGTERM from the runner means cancel: finish the current phase,
	// publish the terminal events, drain, exit 2.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	return eng.Run(ctx)
}
