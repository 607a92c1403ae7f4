package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// FanoutTier classifies a fan-out task by its timeout class. Tasks dispatch
// tier by tier: everything fast, then medium, then deep.
type FanoutTier string

const (
	FanoutFast   FanoutTier = "fast"
	FanoutMedium FanoutTier = "medium"
	FanoutDeep   FanoutTier = "deep"
)

// Timeout is the per-task deadline of the tier.
func (t FanoutTier) Timeout() time.Duration {
	switch t {
	case FanoutMedium:
		return 10 * time.Second
	case FanoutDeep:
		return 30 * time.Second
	default:
		return 5 * time.Second
	}
}

// DefaultFanoutParallelism bounds concurrent tasks within one tier.
const DefaultFanoutParallelism = 4

// Task is one unit of in-stage fan-out work: a security module or an OSINT
// source. Run receives a context carrying the tier deadline.
type Task struct {
	Name string
	Tier FanoutTier
	Run  func(ctx context.Context) error
}

// TaskResult is one task's outcome. A timed-out or failed task is reported
// here and never fails the dispatch.
type TaskResult struct {
	Name     string
	Tier     FanoutTier
	Err      error
	TimedOut bool
	Duration time.Duration
}

// Dispatch runs tasks in tier order: all tasks of a tier in parallel under
// the parallelism bound, the tier waiting for its tasks or their deadlines,
// then the next tier. Results come back in task order. Dispatch only
// returns early when the parent context is cancelled.
func Dispatch(ctx context.Context, tasks []Task, parallelism int) []TaskResult {
	if parallelism <= 0 {
		parallelism = DefaultFanoutParallelism
	}
	results := make([]TaskResult, len(tasks))

	for _, tier := range []FanoutTier{FanoutFast, FanoutMedium, FanoutDeep} {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(parallelism)
		for i := range tasks {
			if tasks[i].Tier != tier {
				continue
			}
			i := i
			g.Go(func() error {
				results[i] = runTask(gctx, tasks[i])
				// Task failures stay in the result; an error return would
				// cancel the tier's siblings.
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

func runTask(ctx context.Context, t Task) TaskResult {
	taskCtx, cancel := context.WithTimeout(ctx, t.Tier.Timeout())
	defer cancel()

	start := time.Now()
	err := t.Run(taskCtx)
	elapsed := time.Since(start)

	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(err != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded))
	return TaskResult{
		Name:     t.Name,
		Tier:     t.Tier,
		Err:      err,
		TimedOut: timedOut,
		Duration: elapsed,
	}
}
