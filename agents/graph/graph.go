// Package graph implements the entity verification stage: OSINT sources
// fanned out in timeout tiers, each behind its own circuit breaker. Source
// failures become sub-reports and source_unavailable findings, never a
// stage failure.
package graph

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/engine"
	"github.com/veritaslabs/veritas/types"
)

// Source is one OSINT lookup. Sources run against a read-only snapshot and
// must honor ctx.
type Source interface {
	Name() string
	Tier() engine.FanoutTier
	Lookup(ctx context.Context, snap *types.AuditState, tk *agent.Toolkit) ([]types.GraphEntity, error)
}

// Agent dispatches the OSINT sources and merges their reports.
type Agent struct {
	sources     []Source
	breakers    map[string]*gobreaker.CircuitBreaker[[]types.GraphEntity]
	parallelism int
}

// New creates the graph agent with the built-in source set: dns_records
// (fast), whois_lite (medium), reputation_feeds (deep).
func New() *Agent {
	return newAgent([]Source{
		newDNSRecords(),
		newWhoisLite(),
		newReputationFeeds(nil),
	})
}

// WithSources replaces the source set, for tests and custom deployments.
func WithSources(sources ...Source) *Agent { return newAgent(sources) }

func newAgent(sources []Source) *Agent {
	a := &Agent{
		sources:     sources,
		breakers:    make(map[string]*gobreaker.CircuitBreaker[[]types.GraphEntity], len(sources)),
		parallelism: engine.DefaultFanoutParallelism,
	}
	for _, src := range sources {
		a.breakers[src.Name()] = gobreaker.NewCircuitBreaker[[]types.GraphEntity](gobreaker.Settings{
			Name:        "osint:" + src.Name(),
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		})
	}
	return a
}

// Name implements agent.Agent.
func (a *Agent) Name() string { return "graph" }

// Analyze runs every source. Source errors and timeouts degrade the report
// and surface as source_unavailable findings; Analyze itself only fails on
// a cancelled context.
func (a *Agent) Analyze(ctx context.Context, snap *types.AuditState, tk *agent.Toolkit) (*types.StatePatch, error) {
	reports := make([]types.SourceReport, len(a.sources))

	tasks := make([]engine.Task, len(a.sources))
	for i, src := range a.sources {
		i, src := i, src
		tasks[i] = engine.Task{
			Name: src.Name(),
			Tier: src.Tier(),
			Run: func(taskCtx context.Context) error {
				start := time.Now()
				entities, err := a.breakers[src.Name()].Execute(func() ([]types.GraphEntity, error) {
					return src.Lookup(taskCtx, snap, tk)
				})
				reports[i] = types.SourceReport{
					Source:     src.Name(),
					Entities:   entities,
					DurationMS: time.Since(start).Milliseconds(),
				}
				if err != nil {
					reports[i].Err = err.Error()
				}
				return taskCtx.Err()
			},
		}
	}

	outcomes := engine.Dispatch(ctx, tasks, a.parallelism)
	if ctx.Err() != nil {
		return nil, agent.WrapError(agent.KindAgentTimeout, ctx.Err())
	}

	report := &types.GraphReport{}
	for i, out := range outcomes {
		sub := reports[i]
		if out.TimedOut {
			sub.TimedOut = true
			if sub.Err == "" {
				sub.Err = agent.KindSourceTimeout
			}
		}
		if sub.Err != "" {
			report.Degraded = true
			f := types.Finding{
				PatternType: agent.KindSourceUnavailable,
				Category:    "osint",
				Severity:    types.SeverityInfo,
				Confidence:  1,
				Description: fmt.Sprintf("source %s unavailable: %s", out.Name, sub.Err),
			}
			_ = tk.Bus.Finding(types.PhaseGraph, f)
		}
		report.Sources = append(report.Sources, sub)
		report.Entities = append(report.Entities, sub.Entities...)
	}

	_ = tk.Bus.PhaseProgress(types.PhaseGraph,
		fmt.Sprintf("%d sources, %d entities", len(report.Sources), len(report.Entities)))
	return &types.StatePatch{Graph: report}, nil
}

// auditHost extracts the hostname the sources verify.
func auditHost(snap *types.AuditState) string {
	u, err := url.Parse(snap.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

var _ agent.Agent = (*Agent)(nil)
