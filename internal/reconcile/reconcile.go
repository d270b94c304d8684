// Package reconcile runs the fast and exhaustive strategies against one
// target at the same time, waits for both, and classifies what they found.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/probe"
	"github.com/anstrom/gapscan/internal/scanning"
	"github.com/anstrom/gapscan/internal/strategy"
)

// Outcome is what one strategy produced.
type Outcome struct {
	Name     string
	Source   ports.Source
	Result   probe.Result
	Err      error
	Started  time.Time
	Finished time.Time
}

// Ran reports whether the strategy was configured at all.
func (o Outcome) Ran() bool { return o.Name != "" }

// OK reports whether the strategy completed without error.
func (o Outcome) OK() bool { return o.Ran() && o.Err == nil }

// Hooks are invoked while strategies run. Finished fires as soon as each
// strategy returns, before the join, and may be called from two goroutines
// at once.
type Hooks struct {
	Started  func(name string, source ports.Source)
	Finished func(o Outcome)
}

// Reconciliation is the merged view of both strategies.
type Reconciliation struct {
	Fast       Outcome
	Exhaustive Outcome

	// Anomalies are ports found by the exhaustive strategy only.
	Anomalies ports.Set
	// Consolidated is the union of both sets, the deep-inspection input.
	Consolidated ports.Set
	Warnings     []scanning.Warning
}

// Empty reports whether neither strategy found an open port.
func (r Reconciliation) Empty() bool {
	return r.Consolidated.IsEmpty()
}

// Reconciler pairs a fast strategy with an optional exhaustive one.
type Reconciler struct {
	fast       strategy.Strategy
	exhaustive strategy.Strategy
	logger     *slog.Logger
}

// New creates a reconciler. exhaustive may be nil, in which case only the
// fast strategy runs and no anomalies are reported.
func New(fast, exhaustive strategy.Strategy, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{fast: fast, exhaustive: exhaustive, logger: logger}
}

// Reconcile runs both strategies concurrently and merges their results.
// On cancellation the returned Reconciliation still carries the partial
// sets gathered so far.
func (r *Reconciler) Reconcile(ctx context.Context, target string, hooks Hooks) (Reconciliation, error) {
	fast, exhaustive := r.Run(ctx, target, hooks)
	return Merge(target, fast, exhaustive)
}

// Run starts both strategies together and returns once both have finished.
func (r *Reconciler) Run(ctx context.Context, target string, hooks Hooks) (fast, exhaustive Outcome) {
	var wg sync.WaitGroup
	launch := func(s strategy.Strategy, out *Outcome) {
		if s == nil {
			return
		}
		if hooks.Started != nil {
			hooks.Started(s.Name(), s.Source())
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := Outcome{Name: s.Name(), Source: s.Source(), Started: time.Now()}
			o.Result, o.Err = s.Produce(ctx, target)
			o.Finished = time.Now()
			r.logger.Debug("strategy finished",
				"target", target, "strategy", o.Name, "open", o.Result.Set.Len(),
				"duration", o.Finished.Sub(o.Started), "error", o.Err)
			if hooks.Finished != nil {
				hooks.Finished(o)
			}
			*out = o
		}()
	}

	launch(r.fast, &fast)
	launch(r.exhaustive, &exhaustive)
	wg.Wait()
	return fast, exhaustive
}

// Merge classifies two finished strategy outcomes. It is a pure function
// of its inputs.
func Merge(target string, fast, exhaustive Outcome) (Reconciliation, error) {
	rec := Reconciliation{Fast: fast, Exhaustive: exhaustive}
	rec.Consolidated = fast.Result.Set.Union(exhaustive.Result.Set)

	if err := canceled(fast.Err, exhaustive.Err); err != nil {
		return rec, gerrors.ErrCanceled(target, err)
	}

	switch {
	case !fast.OK() && !exhaustive.OK():
		return rec, bothFailed(fast, exhaustive)
	case !exhaustive.Ran():
		// single-strategy pass, nothing to compare against
	case !exhaustive.OK():
		rec.warn(exhaustive.Source, fmt.Sprintf(
			"exhaustive strategy failed, ports outside the curated list were not checked: %v", exhaustive.Err))
	case !fast.OK():
		rec.warn(fast.Source, fmt.Sprintf(
			"fast strategy failed, anomalies cannot be classified: %v", fast.Err))
	default:
		rec.Anomalies = exhaustive.Result.Set.Difference(fast.Result.Set)
		if exhaustive.Result.Set.IsEmpty() && !fast.Result.Set.IsEmpty() {
			rec.warn(exhaustive.Source, fmt.Sprintf(
				"exhaustive strategy found no open ports while fast strategy found %d; the probe engine likely failed under high concurrency",
				fast.Result.Set.Len()))
		}
	}

	for _, o := range []Outcome{fast, exhaustive} {
		if o.OK() && o.Result.Stats.Unavailable > 0 {
			rec.warn(o.Source, fmt.Sprintf(
				"%s strategy: %d of %d probes could not run (probe capability unavailable); coverage is incomplete",
				o.Name, o.Result.Stats.Unavailable, o.Result.Stats.Total))
		}
	}

	if unreachable(fast, exhaustive) {
		return rec, gerrors.ErrTargetUnreachable(target, probe.ErrUnreachable)
	}
	return rec, nil
}

func (r *Reconciliation) warn(source ports.Source, msg string) {
	r.Warnings = append(r.Warnings, scanning.Warning{
		Code:    gerrors.CodeReconciliationAnomaly,
		Message: msg,
		Source:  source.String(),
	})
}

func canceled(errs ...error) error {
	for _, err := range errs {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}

func bothFailed(fast, exhaustive Outcome) error {
	for _, o := range []Outcome{fast, exhaustive} {
		if o.Err != nil && !gerrors.IsCode(o.Err, gerrors.CodeProbeEngineUnavailable) && gerrors.IsFatal(o.Err) {
			return o.Err
		}
	}
	return gerrors.ErrProbeEngineUnavailable(errors.Join(fast.Err, exhaustive.Err))
}

// unreachable reports whether every strategy that completed saw only
// routing failures.
func unreachable(outcomes ...Outcome) bool {
	seen := false
	for _, o := range outcomes {
		if !o.OK() {
			continue
		}
		if !o.Result.Stats.AllUnreachable() {
			return false
		}
		seen = true
	}
	return seen
}
