package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/cli/render"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/proxy"
	"github.com/veritaslabs/veritas/runner"
	"github.com/veritaslabs/veritas/types"
)

// DebugCommand returns the debug command with subcommands. Debug
// commands are read-only by default; any mutation must be explicitly
// requested (e.g. --commit on proxy resolution).
func DebugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "Diagnostic tools (resolve proxy, engine)",
		Subcommands: []*cli.Command{
			debugResolveCommand(),
			debugEngineCommand(),
		},
	}
}

func debugResolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Resolve entities for debugging",
		Subcommands: []*cli.Command{
			debugResolveProxyCommand(),
		},
	}
}

func debugResolveProxyCommand() *cli.Command {
	return &cli.Command{
		Name:      "proxy",
		Usage:     "Resolve a proxy endpoint from a configured pool",
		ArgsUsage: "<pool>",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "commit",
				Usage: "Commit the resolution (advance rotation counters)",
			},
			&cli.StringFlag{
				Name:  "strategy",
				Usage: "Strategy override: round_robin, random, or sticky",
			},
			&cli.StringFlag{
				Name:  "sticky-key",
				Usage: "Explicit sticky key for selection",
			},
			&cli.StringFlag{
				Name:  "audit-id",
				Usage: "Audit ID for audit-scoped sticky derivation",
			},
			&cli.StringFlag{
				Name:  "domain",
				Usage: "Domain for domain-scoped sticky derivation",
			},
			&cli.StringFlag{
				Name:  "origin",
				Usage: "Origin for origin-scoped sticky derivation",
			},
		),
		Action: debugResolveProxyAction,
	}
}

// ResolveProxyResponse is the debug proxy resolution payload. The
// endpoint is always redacted; passwords never leave the config.
type ResolveProxyResponse struct {
	Pool      string                      `json:"pool"`
	Endpoint  types.ProxyEndpointRedacted `json:"endpoint"`
	Committed bool                        `json:"committed"`
}

func debugResolveProxyAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("pool name required", 1)
	}
	poolName := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for debug commands", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pools := cfg.ProxyPools()
	if len(pools) == 0 {
		return cli.Exit("no proxy pools configured: add a proxies section to the config", 1)
	}

	selector := proxy.NewSelector(log.NewServiceLogger("debug"))
	for i := range pools {
		if err := selector.RegisterPool(&pools[i]); err != nil {
			return cli.Exit(fmt.Sprintf("register pool %q: %v", pools[i].Name, err), 1)
		}
	}

	req := proxy.SelectRequest{
		Pool:      poolName,
		StickyKey: c.String("sticky-key"),
		AuditID:   c.String("audit-id"),
		Domain:    c.String("domain"),
		Origin:    c.String("origin"),
		Commit:    c.Bool("commit"),
	}
	if strategy := c.String("strategy"); strategy != "" {
		s := types.ProxyStrategy(strategy)
		req.StrategyOverride = &s
	}

	endpoint, err := selector.Select(req)
	if err != nil {
		return cli.Exit(fmt.Sprintf("proxy selection failed: %v", err), 1)
	}

	return r.Render(&ResolveProxyResponse{
		Pool:      poolName,
		Endpoint:  endpoint.Redact(),
		Committed: req.Commit,
	})
}

// EngineResolution is the debug engine payload: where the runner would
// find the engine binary for the current config and flags.
type EngineResolution struct {
	Configured string `json:"configured,omitempty"`
	Resolved   string `json:"resolved"`
	Found      bool   `json:"found"`
	Error      string `json:"error,omitempty"`
}

func debugEngineCommand() *cli.Command {
	return &cli.Command{
		Name:  "engine",
		Usage: "Show engine binary resolution",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "engine",
				Usage: "Path override to resolve",
			},
		),
		Action: debugEngineAction,
	}
}

func debugEngineAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for debug commands", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	configured := firstNonEmpty(c.String("engine"), cfg.Engine.Path)
	resp := &EngineResolution{Configured: configured}
	resolved, err := runner.ResolveEngineBinary(configured)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Resolved = resolved
		resp.Found = true
	}
	return r.Render(resp)
}
