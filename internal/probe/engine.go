package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/ports"
)

// Options tunes a single Probe call.
type Options struct {
	Timeout        time.Duration
	MaxConcurrency int
	Source         ports.Source
}

// Validate checks the options against the engine contract.
func (o Options) Validate() error {
	if o.Timeout <= 0 {
		return gerrors.New(gerrors.CodeValidation, "probe timeout must be positive")
	}
	if o.MaxConcurrency < 1 {
		return gerrors.New(gerrors.CodeValidation, "max concurrency must be at least 1")
	}
	return nil
}

// Stats counts probe outcomes of one Probe call.
type Stats struct {
	Total       int           `json:"total"`
	Open        int           `json:"open"`
	Closed      int           `json:"closed"`
	Filtered    int           `json:"filtered"`
	Errored     int           `json:"errored"`
	Unreachable int           `json:"unreachable"`
	Unavailable int           `json:"unavailable"`
	Duration    time.Duration `json:"duration"`
}

// Completed returns the number of probes that produced an outcome.
func (s Stats) Completed() int {
	return s.Open + s.Closed + s.Filtered
}

// AllUnreachable reports whether every completed probe failed to route.
func (s Stats) AllUnreachable() bool {
	return s.Completed() > 0 && s.Unreachable == s.Completed()
}

// Result is the output of a Probe call.
type Result struct {
	Set     ports.Set `json:"set"`
	Stats   Stats     `json:"stats"`
	Partial bool      `json:"partial"`
}

// Recorder receives per-probe measurements. The metrics package provides
// the Prometheus-backed implementation.
type Recorder interface {
	ProbeStarted(source ports.Source)
	ProbeFinished(source ports.Source, state ports.State, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ProbeStarted(ports.Source) {}
func (nopRecorder) ProbeFinished(ports.Source, ports.State, time.Duration) {}

// Engine dispatches probes through a Prober with bounded concurrency.
// An Engine is safe for concurrent use; each Probe call accumulates into
// its own set.
type Engine struct {
	prober   Prober
	logger   *slog.Logger
	shared   *Gate
	limiter  *rate.Limiter
	recorder Recorder
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMaxInFlight caps probes in flight across all concurrent Probe calls.
func WithMaxInFlight(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.shared = NewGate(n, nil)
		}
	}
}

// WithGate admits every probe through g as well as the per-call gate. The
// deep-inspection driver can hold the same gate.
func WithGate(g *Gate) EngineOption {
	return func(e *Engine) { e.shared = g }
}

// WithRateLimit caps the probe start rate. A zero rate disables the limit.
func WithRateLimit(perSecond float64, burst int) EngineOption {
	return func(e *Engine) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRecorder sets the measurement sink.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// NewEngine creates a probe engine backed by p.
func NewEngine(p Prober, opts ...EngineOption) *Engine {
	e := &Engine{
		prober:   p,
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type outcome struct {
	key     ports.Key
	attempt Attempt
}

// Probe sends one probe per key to target, with at most opts.MaxConcurrency
// in flight, and returns the open ports found.
//
// When ctx is cancelled the probes already dispatched are cancelled too and
// Probe returns the partial result together with ctx.Err().
func (e *Engine) Probe(ctx context.Context, target string, keys []ports.Key, opts Options) (Result, error) {
	if err := e.validate(target, keys, opts); err != nil {
		return Result{}, err
	}

	if pf, ok := e.prober.(Preflighter); ok {
		if err := pf.Preflight(ctx, opts.MaxConcurrency); err != nil {
			return Result{}, gerrors.ErrProbeEngineUnavailable(err).
				WithContext("source", opts.Source.String())
		}
	}

	start := time.Now()
	gate := NewGate(opts.MaxConcurrency, e.shared)
	outcomes := make(chan outcome, opts.MaxConcurrency)

	// The collector goroutine is the only writer of the builder.
	var (
		stats Stats
		set   ports.Set
	)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		b := ports.NewBuilder(64)
		for o := range outcomes {
			stats.tally(o.attempt)
			b.Add(ports.Record{
				Key:    o.key,
				State:  o.attempt.State,
				Source: opts.Source,
				RTT:    o.attempt.RTT,
			})
		}
		set = b.Set()
	}()

	var wg sync.WaitGroup
	dispatched := 0
dispatch:
	for _, key := range keys {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				break dispatch
			}
		}
		if err := gate.Acquire(ctx); err != nil {
			break dispatch
		}
		dispatched++
		wg.Add(1)
		go func(key ports.Key) {
			defer wg.Done()
			defer gate.Release()
			outcomes <- outcome{key: key, attempt: e.attempt(ctx, target, key, opts)}
		}(key)
	}

	wg.Wait()
	close(outcomes)
	<-collected

	stats.Total = len(keys)
	stats.Duration = time.Since(start)
	res := Result{Set: set, Stats: stats}

	if err := ctx.Err(); err != nil {
		res.Partial = true
		e.logger.Debug("probe run interrupted",
			"target", target, "source", opts.Source, "dispatched", dispatched, "open", set.Len())
		return res, err
	}

	if stats.Unavailable > 0 && stats.Unavailable == stats.Completed() {
		return res, gerrors.ErrProbeEngineUnavailable(ErrUnavailable).
			WithContext("source", opts.Source.String())
	}

	e.logger.Debug("probe run finished",
		"target", target, "source", opts.Source, "ports", len(keys),
		"open", stats.Open, "closed", stats.Closed, "filtered", stats.Filtered,
		"duration", stats.Duration)
	return res, nil
}

func (e *Engine) attempt(ctx context.Context, target string, key ports.Key, opts Options) Attempt {
	e.recorder.ProbeStarted(opts.Source)
	pctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	a := e.prober.Attempt(pctx, target, key, opts.Timeout)
	if a.State != ports.Open && a.State != ports.Closed {
		a.State = ports.Filtered
	}
	e.recorder.ProbeFinished(opts.Source, a.State, time.Since(start))
	return a
}

func (e *Engine) validate(target string, keys []ports.Key, opts Options) error {
	if target == "" {
		return gerrors.ErrInvalidTarget(target)
	}
	if len(keys) == 0 {
		return gerrors.New(gerrors.CodeValidation, "no ports to probe")
	}
	for _, k := range keys {
		if k.Port == 0 {
			return gerrors.New(gerrors.CodeValidation, fmt.Sprintf("port %s out of range", k))
		}
	}
	return opts.Validate()
}

func (s *Stats) tally(a Attempt) {
	switch a.State {
	case ports.Open:
		s.Open++
	case ports.Closed:
		s.Closed++
	default:
		s.Filtered++
	}
	switch {
	case a.Err == nil:
	case errors.Is(a.Err, ErrUnavailable):
		s.Unavailable++
	case errors.Is(a.Err, ErrUnreachable):
		s.Unreachable++
	default:
		s.Errored++
	}
}
