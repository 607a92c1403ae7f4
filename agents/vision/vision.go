// Package vision implements the screenshot analysis stage. Each pass sends
// one screenshot to a VLM client and costs one credit; passes run
// sequentially, each under its own deadline, and stop the moment the credit
// budget runs out.
package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/types"
)

// passDeadline bounds a single VLM call. The stage cap allows four full
// passes at this deadline.
const passDeadline = 10 * time.Second

// Request is one screenshot pass with its page context.
type Request struct {
	Screenshot types.Screenshot
	PageURL    string
	PageTitle  string
	TextDigest string
}

// Observation is what the model reported for one screenshot.
type Observation struct {
	Findings   []types.Finding
	Notes      []string
	Confidence float64
}

// VLMClient analyzes one screenshot. Implementations must honor ctx.
type VLMClient interface {
	Name() string
	Describe(ctx context.Context, req Request) (*Observation, error)
}

// Agent runs the vision passes for one iteration.
type Agent struct {
	client  VLMClient
	breaker *gobreaker.CircuitBreaker[*Observation]
}

// New creates the vision agent over the built-in heuristic client.
func New() *Agent { return NewWithClient(&heuristicClient{}) }

// NewWithClient creates the vision agent over a custom client, wrapped in a
// circuit breaker so a dead remote endpoint fails fast instead of burning
// the stage cap one timeout at a time.
func NewWithClient(client VLMClient) *Agent {
	return &Agent{
		client: client,
		breaker: gobreaker.NewCircuitBreaker[*Observation](gobreaker.Settings{
			Name:        "vlm:" + client.Name(),
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
	}
}

// Name implements agent.Agent.
func (a *Agent) Name() string { return "vision" }

// Analyze examines the screenshots not yet covered by earlier iterations.
// A partial report is still returned when credits run out mid-stage, with
// the credit-exhaustion error alongside it.
func (a *Agent) Analyze(ctx context.Context, snap *types.AuditState, tk *agent.Toolkit) (*types.StatePatch, error) {
	shots := pendingScreenshots(snap)
	remaining := snap.Tier.Limits().MaxVLMCredits - snap.VLMCallsUsed

	report := &types.VisionReport{}
	var exhausted bool

	for _, shot := range shots {
		if remaining <= 0 {
			exhausted = true
			break
		}
		remaining--
		report.CreditsUsed++

		_ = tk.Bus.PhaseProgress(types.PhaseVision, fmt.Sprintf("pass %d: %s", report.CreditsUsed, shot.req.Screenshot.Path))

		obs, err := a.describe(ctx, shot.req)
		if err != nil {
			if ctx.Err() != nil {
				return patchFor(report), agent.WrapError(agent.KindAgentTimeout, ctx.Err())
			}
			report.Degraded = true
			if errors.Is(err, gobreaker.ErrOpenState) {
				// Open breaker: the client was never called, so the credit
				// was not spent, and every further pass would fail the same
				// way.
				report.CreditsUsed--
				report.TemporalNotes = append(report.TemporalNotes, "vlm unavailable, remaining passes skipped")
				return patchFor(report), agent.WrapError(agent.KindVLMUnavailable, err)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				report.TemporalNotes = append(report.TemporalNotes,
					fmt.Sprintf("%s: pass on %s", agent.KindVLMTimeout, shot.req.Screenshot.Path))
				continue
			}
			report.TemporalNotes = append(report.TemporalNotes,
				fmt.Sprintf("%s: %v", agent.KindVLMUnavailable, err))
			continue
		}

		for i := range obs.Findings {
			f := obs.Findings[i]
			idx := shot.req.Screenshot.Index
			f.ScreenshotIndex = &idx
			report.Findings = append(report.Findings, f)
			_ = tk.Bus.Finding(types.PhaseVision, f)
		}
		report.TemporalNotes = append(report.TemporalNotes, obs.Notes...)
		if obs.Confidence > report.Confidence {
			report.Confidence = obs.Confidence
		}
	}

	if exhausted {
		return patchFor(report), agent.NewError(agent.KindVLMCreditExhausted,
			fmt.Sprintf("credit budget spent with %d screenshots unexamined", len(shots)-report.CreditsUsed))
	}
	return patchFor(report), nil
}

// describe runs one pass under its own deadline, through the breaker.
func (a *Agent) describe(ctx context.Context, req Request) (*Observation, error) {
	passCtx, cancel := context.WithTimeout(ctx, passDeadline)
	defer cancel()
	return a.breaker.Execute(func() (*Observation, error) {
		return a.client.Describe(passCtx, req)
	})
}

func patchFor(report *types.VisionReport) *types.StatePatch {
	return &types.StatePatch{Vision: report, VLMCallsDelta: report.CreditsUsed}
}

type pendingShot struct {
	req Request
}

// pendingScreenshots lists screenshots no earlier iteration examined. One
// pass costs exactly one credit, so the credits already spent count the
// screenshots already covered, in harvest order.
func pendingScreenshots(snap *types.AuditState) []pendingShot {
	var all []pendingShot
	for i := range snap.ScoutResults {
		page := &snap.ScoutResults[i]
		for _, shot := range page.Screenshots {
			all = append(all, pendingShot{req: Request{
				Screenshot: shot,
				PageURL:    page.FinalURL,
				PageTitle:  page.Title,
				TextDigest: page.TextDigest,
			}})
		}
	}
	if snap.VLMCallsUsed >= len(all) {
		return nil
	}
	return all[snap.VLMCallsUsed:]
}

// heuristicClient is the built-in offline client: it scores the page
// context that accompanies the screenshot instead of the pixels. It keeps
// the stage exercised on deployments without a VLM endpoint.
type heuristicClient struct{}

func (*heuristicClient) Name() string { return "heuristic" }

var urgencyCues = []string{"countdown", "expires in", "only today", "hurry", "last chance"}

var badgeCues = []string{"mcafee secure", "norton secured", "100% safe", "verified by visa"}

var credentialCues = []string{"password", "credit card", "card number", "cvv", "ssn"}

func (*heuristicClient) Describe(_ context.Context, req Request) (*Observation, error) {
	obs := &Observation{Confidence: 0.4}
	body := strings.ToLower(req.TextDigest + " " + req.PageTitle)

	hit := func(cues []string) string {
		for _, c := range cues {
			if strings.Contains(body, c) {
				return c
			}
		}
		return ""
	}

	if cue := hit(urgencyCues); cue != "" {
		obs.Findings = append(obs.Findings, types.Finding{
			PatternType: "urgency_overlay",
			Category:    "visual",
			Severity:    types.SeverityMedium,
			Confidence:  0.5,
			Description: "page presents urgency cue " + strconvQuote(cue),
		})
	}
	if cue := hit(badgeCues); cue != "" {
		obs.Findings = append(obs.Findings, types.Finding{
			PatternType: "trust_badge_claim",
			Category:    "visual",
			Severity:    types.SeverityLow,
			Confidence:  0.4,
			Description: "page displays the unverifiable trust badge " + strconvQuote(cue),
		})
	}
	if cue := hit(credentialCues); cue != "" {
		obs.Findings = append(obs.Findings, types.Finding{
			PatternType: "credential_prompt",
			Category:    "visual",
			Severity:    types.SeverityHigh,
			Confidence:  0.6,
			Description: "page solicits sensitive input near " + strconvQuote(cue),
		})
	}

	obs.Notes = append(obs.Notes, "examined "+req.PageURL)
	if len(obs.Findings) > 0 {
		obs.Confidence = 0.6
	}
	return obs, nil
}

func strconvQuote(s string) string { return `"` + s + `"` }

var _ agent.Agent = (*Agent)(nil)
