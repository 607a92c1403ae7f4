package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/metrics"
	"github.com/veritaslabs/veritas/runner"
	"github.com/veritaslabs/veritas/store"
	"github.com/veritaslabs/veritas/types"
)

// Exit codes for the one-shot audit command mirror the engine's:
// completed, error, aborted, invalid input.
const (
	exitCompleted    = 0
	exitError        = 1
	exitAborted      = 2
	exitInvalidInput = 3
)

// AuditCommand returns the one-shot audit command: run a single audit to
// completion and print the verdict. The daemonless path for scripts and
// local use; serve is the long-lived one.
func AuditCommand() *cli.Command {
	return &cli.Command{
		Name:      "audit",
		Usage:     "Run one audit to completion and print the verdict",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			ConfigFlag,
			DBFlag,
			&cli.StringFlag{
				Name:  "tier",
				Usage: "Audit tier: quick_scan, standard_audit, deep_forensic",
				Value: "standard_audit",
			},
			&cli.StringFlag{
				Name:  "verdict-mode",
				Usage: "Verdict mode: simple or expert",
				Value: "simple",
			},
			&cli.StringSliceFlag{
				Name:  "module",
				Usage: "Enable a specific analysis module (repeatable)",
			},
			&cli.StringFlag{
				Name:  "audit-id",
				Usage: "Audit ID (defaults to a fresh UUID)",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "Path to the engine binary",
			},
			&cli.StringFlag{
				Name:  "ipc-mode",
				Usage: "First-attempt IPC transport: queue or stdout",
			},
			&cli.StringFlag{
				Name:  "write-policy",
				Usage: "Persistence policy: strict, buffered, noop",
			},
			&cli.IntFlag{
				Name:  "retry-window",
				Usage: "Retry window size for the buffered policy",
			},
			&cli.StringFlag{
				Name:  "screenshot-dir",
				Usage: "Root directory for screenshot files",
			},
			&cli.BoolFlag{
				Name:  "use-stdout-fallback",
				Usage: "Respawn in stdout mode when queue transport fails at startup",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the result report",
			},
		},
		Action: auditAction,
	}
}

func auditAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("url required", exitInvalidInput)
	}
	rawURL := c.Args().First()

	tier, err := types.ParseTier(c.String("tier"))
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	mode, err := types.ParseVerdictMode(c.String("verdict-mode"))
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}

	rcfg := runner.Config{
		EnginePath:     firstNonEmpty(c.String("engine"), cfg.Engine.Path),
		WritePolicy:    firstNonEmpty(c.String("write-policy"), cfg.Engine.WritePolicy),
		RetryWindow:    c.Int("retry-window"),
		ScreenshotDir:  firstNonEmpty(c.String("screenshot-dir"), cfg.Storage.ScreenshotDir),
		StdoutFallback: c.Bool("use-stdout-fallback") || cfg.Engine.UseStdoutFallback,
	}
	if rcfg.RetryWindow == 0 {
		rcfg.RetryWindow = cfg.Engine.RetryWindow
	}
	ipcFlag := firstNonEmpty(c.String("ipc-mode"), cfg.Engine.IPCMode)
	if ipcFlag != "" {
		ipcMode, err := types.ParseIPCMode(ipcFlag)
		if err != nil {
			return cli.Exit(err.Error(), exitInvalidInput)
		}
		rcfg.IPCMode = ipcMode
	}

	repo, err := openRepo(c, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	auditID := c.String("audit-id")
	if auditID == "" {
		auditID = uuid.NewString()
	}

	logger := log.NewServiceLogger("audit")
	collector := metrics.NewCollector(rcfg.WritePolicy, "sqlite", "engine")
	run := runner.New(repo, nil, nil, collector, rcfg, logger)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	req := &runner.AuditRequest{
		AuditID:     auditID,
		URL:         rawURL,
		Tier:        tier,
		VerdictMode: mode,
		Modules:     c.StringSlice("module"),
	}
	result, err := run.Execute(ctx, req)
	if err != nil {
		return fmt.Errorf("audit failed to start: %w", err)
	}

	if !c.Bool("quiet") {
		printAuditResult(c, repo, auditID, result)
	}

	return cli.Exit("", outcomeToExitCode(result.Outcome))
}

func outcomeToExitCode(o *runner.Outcome) int {
	switch o.Status {
	case types.StatusCompleted:
		return exitCompleted
	case types.StatusAborted:
		return exitAborted
	default:
		if o.ErrorKind == runner.KindInvalidInput {
			return exitInvalidInput
		}
		return exitError
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printAuditResult(c *cli.Context, repo *store.Repository, auditID string, result *runner.Result) {
	fmt.Printf("\naudit_id=%s, attempt=%d, status=%s, duration=%s\n",
		auditID,
		result.Attempt,
		result.Outcome.Status,
		result.Duration.Round(time.Millisecond),
	)
	fmt.Printf("ipc_mode=%s, events=%d\n", result.IPCMode, result.EventCount)

	row, err := repo.Get(context.WithoutCancel(c.Context), auditID)
	if err == nil && row.TrustScore.Valid {
		fmt.Printf("\n=== Verdict ===\n")
		fmt.Printf("Trust Score:  %d / 100\n", row.TrustScore.Int64)
		fmt.Printf("Risk Level:   %s\n", row.RiskLevel.String)
		if row.VerdictSummary.Valid {
			fmt.Printf("Summary:      %s\n", row.VerdictSummary.String)
		}
		if row.SiteType.Valid {
			fmt.Printf("Site Type:    %s\n", row.SiteType.String)
		}
		if row.Degraded {
			fmt.Printf("Degraded:     yes\n")
		}
	}

	if result.Outcome.Status == types.StatusError {
		fmt.Printf("\n=== Error ===\n")
		fmt.Printf("Kind:         %s\n", result.Outcome.ErrorKind)
		fmt.Printf("Message:      %s\n", result.Outcome.Message)
		fmt.Printf("Exit Code:    %d\n", result.Outcome.ExitCode)
	}

	fmt.Printf("\n=== Ingestion ===\n")
	fmt.Printf("Events Total:     %d\n", result.PolicyStats.TotalEvents)
	fmt.Printf("Events Persisted: %d\n", result.PolicyStats.EventsPersisted)
	fmt.Printf("Events Dropped:   %d\n", result.PolicyStats.EventsDropped)

	if result.Screenshots.Accepted > 0 || result.Screenshots.Rejected > 0 {
		fmt.Printf("\n=== Screenshots ===\n")
		fmt.Printf("Accepted:         %d\n", result.Screenshots.Accepted)
		fmt.Printf("Rejected:         %d\n", result.Screenshots.Rejected)
		fmt.Printf("Total Bytes:      %d\n", result.Screenshots.TotalBytes)
	}

	if result.Stderr != "" && result.Outcome.Status != types.StatusCompleted {
		fmt.Printf("\n=== Engine Stderr ===\n%s", result.Stderr)
	}
}
