// Package security implements the technical analysis stage: independent
// security modules fanned out in timeout tiers. Module failures are
// absorbed as findings; the stage itself never fails.
package security

import (
	"context"
	"fmt"
	"time"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/engine"
	"github.com/veritaslabs/veritas/types"
)

// Module is one security check. Modules run against a read-only snapshot
// and must honor ctx.
type Module interface {
	Name() string
	Tier() engine.FanoutTier
	Check(ctx context.Context, snap *types.AuditState, tk *agent.Toolkit) types.ModuleResult
}

// Agent dispatches the enabled modules and merges their results.
type Agent struct {
	modules     []Module
	parallelism int
}

// New creates the security agent with the built-in module set:
// url_heuristics and tls_config (fast), headers (medium), content_scan
// (deep).
func New() *Agent {
	return &Agent{
		modules: []Module{
			&urlHeuristics{},
			&tlsConfig{},
			&headers{},
			&contentScan{},
		},
		parallelism: engine.DefaultFanoutParallelism,
	}
}

// WithModules replaces the module set, for tests and custom deployments.
func (a *Agent) WithModules(modules ...Module) *Agent {
	a.modules = modules
	return a
}

// Name implements agent.Agent.
func (a *Agent) Name() string { return "security" }

// Analyze runs every enabled module. A module timeout or panic-free error
// becomes a module_error finding inside its result; Analyze itself only
// fails on a cancelled context.
func (a *Agent) Analyze(ctx context.Context, snap *types.AuditState, tk *agent.Toolkit) (*types.StatePatch, error) {
	enabled := a.enabledModules(snap)
	results := make([]types.ModuleResult, len(enabled))

	tasks := make([]engine.Task, len(enabled))
	for i, mod := range enabled {
		i, mod := i, mod
		tasks[i] = engine.Task{
			Name: mod.Name(),
			Tier: mod.Tier(),
			Run: func(taskCtx context.Context) error {
				start := time.Now()
				results[i] = mod.Check(taskCtx, snap, tk)
				results[i].Module = mod.Name()
				results[i].DurationMS = time.Since(start).Milliseconds()
				return taskCtx.Err()
			},
		}
	}

	outcomes := engine.Dispatch(ctx, tasks, a.parallelism)
	if ctx.Err() != nil {
		return nil, agent.WrapError(agent.KindAgentTimeout, ctx.Err())
	}

	merged := make(map[string]types.ModuleResult, len(enabled))
	for i, out := range outcomes {
		res := results[i]
		if out.TimedOut {
			res.TimedOut = true
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", agent.KindModuleTimeout, "tier deadline exceeded"))
			res.Findings = append(res.Findings, types.Finding{
				PatternType: agent.KindModuleTimeout,
				Category:    "module",
				Severity:    types.SeverityInfo,
				Confidence:  1,
				Description: fmt.Sprintf("security module %s hit its %s-tier deadline", out.Name, out.Tier),
			})
		}
		merged[out.Name] = res

		for _, f := range res.Findings {
			_ = tk.Bus.Finding(types.PhaseSecurity, f)
		}
	}

	return &types.StatePatch{SecurityResults: merged}, nil
}

// enabledModules filters by the audit's module list; an empty list enables
// everything.
func (a *Agent) enabledModules(snap *types.AuditState) []Module {
	if len(snap.EnabledModules) == 0 {
		return a.modules
	}
	want := make(map[string]bool, len(snap.EnabledModules))
	for _, name := range snap.EnabledModules {
		want[name] = true
	}
	var out []Module
	for _, mod := range a.modules {
		if want[mod.Name()] {
			out = append(out, mod)
		}
	}
	return out
}

// latestUsableResult returns the most recent usable scout harvest, if any.
func latestUsableResult(snap *types.AuditState) *types.ScoutResult {
	for i := len(snap.ScoutResults) - 1; i >= 0; i-- {
		if snap.ScoutResults[i].Usable {
			return &snap.ScoutResults[i]
		}
	}
	return nil
}

var _ agent.Agent = (*Agent)(nil)
