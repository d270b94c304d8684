// Package session drives one scan of one target through its states:
// both strategies run together, their results are reconciled once both
// are done, the consolidated ports are deep-inspected and the result is
// handed to a report sink. Progress is published to an Observer; the
// session itself never prints.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/inspect"
	"github.com/anstrom/gapscan/internal/logging"
	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/reconcile"
	"github.com/anstrom/gapscan/internal/scanning"
)

const (
	dirPerm         = 0o750
	dirTimeLayout   = "20060102_1504"
	sinkGracePeriod = 30 * time.Second
)

// Sink consumes a finished result. dir is the session output directory.
type Sink interface {
	Write(ctx context.Context, dir string, result *scanning.ScanResult) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, dir string, result *scanning.ScanResult) error

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, dir string, result *scanning.ScanResult) error {
	return f(ctx, dir, result)
}

// Inspector runs the deep-inspection pass. *inspect.Driver implements it.
type Inspector interface {
	Inspect(ctx context.Context, target string, set ports.Set) (inspect.Report, error)
}

// Resolver resolves a host name. *net.Resolver implements it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Metrics receives one call per finished session.
type Metrics interface {
	RecordSession(outcome string, d time.Duration, anomalies int)
	RecordStrategy(source ports.Source, status string, d time.Duration, open int)
}

type nopMetrics struct{}

func (nopMetrics) RecordSession(string, time.Duration, int) {}

func (nopMetrics) RecordStrategy(ports.Source, string, time.Duration, int) {}

// Options tune a session.
type Options struct {
	// Protocol of the scanned ports, recorded on the result.
	Protocol ports.Protocol
	// OutputDir is the parent of the per-session directory. Empty means no
	// directory is created and sinks receive "".
	OutputDir string
	// DirSuffix is appended to the session directory name, e.g. "_udp".
	DirSuffix string
	// Timeout bounds the whole session. Zero means no bound.
	Timeout time.Duration
}

// Outcome is the single terminal result of a session.
type Outcome struct {
	State    State
	Result   *scanning.ScanResult
	Err      error
	ExitCode int
	Dir      string
	// ReportErr is the sink failure, if any. It does not change State.
	ReportErr error
}

// Session is a single-use scan of one target.
type Session struct {
	target     string
	reconciler *reconcile.Reconciler
	deep       Inspector
	sink       Sink
	observer   Observer
	resolver   Resolver
	logger     *logging.Logger
	metrics    Metrics
	opts       Options
	now        func() time.Time

	mu     sync.Mutex
	state  State
	result *scanning.ScanResult
	ran    bool

	emitMu sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

// WithInspector enables the deep-inspection pass.
func WithInspector(in Inspector) Option {
	return func(s *Session) { s.deep = in }
}

// WithSink sets the report sink.
func WithSink(sink Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithOptions sets the session options.
func WithOptions(o Options) Option {
	return func(s *Session) { s.opts = o }
}

// New creates a session for target.
func New(target string, rec *reconcile.Reconciler, opts ...Option) *Session {
	s := &Session{
		target:     target,
		reconciler: rec,
		observer:   Observers(nil),
		resolver:   net.DefaultResolver,
		logger:     logging.Default(),
		metrics:    nopMetrics{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.result = scanning.NewScanResult(target, s.opts.Protocol)
	s.logger = s.logger.WithComponent("session").WithScanID(s.result.ID).WithTarget(target)
	return s
}

// ID returns the session identifier, also used as the result ID.
func (s *Session) ID() string { return s.result.ID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes the session. It must be called at most once.
func (s *Session) Run(ctx context.Context) Outcome {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return Outcome{State: Failed, Err: errors.New("session already ran"), ExitCode: gerrors.ExitUnreachable}
	}
	s.ran = true
	s.mu.Unlock()

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	res := s.result
	s.logger.InfoScan("Scan session starting", s.target)

	address, err := s.resolve(ctx)
	if err != nil {
		return s.fail(ctx, err, false)
	}
	res.Address = address

	s.transition(Scanning)
	fast, exhaustive := s.reconciler.Run(ctx, address, reconcile.Hooks{
		Started:  s.strategyStarted,
		Finished: s.strategyFinished,
	})

	// Both strategies are done here; nothing below runs concurrently
	// with a strategy.
	s.transition(Reconciling)
	rec, err := reconcile.Merge(s.target, fast, exhaustive)
	s.apply(rec)
	if err != nil {
		return s.fail(ctx, err, true)
	}

	if rec.Empty() {
		res.Empty = true
		s.logger.InfoScan("No open ports found, skipping deep inspection", s.target)
	} else if s.deep != nil {
		s.transition(DeepRunning)
		report, err := s.deep.Inspect(ctx, address, rec.Consolidated)
		res.Deep = report.Services
		res.OS = report.OS
		for _, w := range report.Warnings {
			s.warn(w)
		}
		if err != nil {
			return s.fail(ctx, gerrors.ErrCanceled(s.target, err), true)
		}
	}

	s.transition(ReportReady)
	res.Complete()
	dir, reportErr := s.report(ctx)
	s.transition(Done)

	code := gerrors.ExitCompleted
	outcome := "completed"
	if res.Empty {
		code = gerrors.ExitNoOpenPorts
		outcome = "empty"
	}
	s.metrics.RecordSession(outcome, res.Duration, res.Anomalies.Len())
	s.logger.InfoScan("Scan session finished", s.target,
		"fast", res.Fast.Len(), "exhaustive", res.Exhaustive.Len(),
		"anomalies", res.Anomalies.Len(), "duration", res.Duration)

	return Outcome{
		State:     Done,
		Result:    res.Clone(),
		ExitCode:  code,
		Dir:       dir,
		ReportErr: reportErr,
	}
}

// resolve maps the target to one address, preferring IPv4.
func (s *Session) resolve(ctx context.Context) (string, error) {
	if ip := net.ParseIP(s.target); ip != nil {
		return s.target, nil
	}
	addrs, err := s.resolver.LookupHost(ctx, s.target)
	if err != nil {
		if ctx.Err() != nil {
			return "", gerrors.ErrCanceled(s.target, ctx.Err())
		}
		return "", gerrors.ErrTargetUnreachable(s.target, err)
	}
	if len(addrs) == 0 {
		return "", gerrors.ErrTargetUnreachable(s.target, errors.New("no addresses"))
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, nil
		}
	}
	return addrs[0], nil
}

func (s *Session) apply(rec reconcile.Reconciliation) {
	res := s.result
	res.Fast = rec.Fast.Result.Set
	res.Exhaustive = rec.Exhaustive.Result.Set
	res.Anomalies = rec.Anomalies
	res.FastStats = rec.Fast.Result.Stats
	if rec.Exhaustive.Ran() {
		stats := rec.Exhaustive.Result.Stats
		res.ExhaustiveStats = &stats
	}
	for _, w := range rec.Warnings {
		s.warn(w)
	}
}

// fail moves the session to Failed. Once scanning has begun the partial
// result is then handed to the sink, outside the cancelled context.
func (s *Session) fail(ctx context.Context, err error, scanned bool) Outcome {
	res := s.result
	res.Error = err.Error()
	if gerrors.IsCode(err, gerrors.CodeCanceled) {
		res.Partial = true
	}
	res.Complete()
	s.transitionErr(Failed, err)

	var (
		dir       string
		reportErr error
	)
	if scanned {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkGracePeriod)
		dir, reportErr = s.report(wctx)
		cancel()
	}

	code := gerrors.ExitCode(err)
	outcome := "failed"
	if code == gerrors.ExitCanceled {
		outcome = "canceled"
	}
	s.metrics.RecordSession(outcome, res.Duration, res.Anomalies.Len())
	s.logger.ErrorScan("Scan session failed", s.target, err, "partial", res.Partial)

	return Outcome{
		State:     Failed,
		Result:    res.Clone(),
		Err:       err,
		ExitCode:  code,
		Dir:       dir,
		ReportErr: reportErr,
	}
}

// report creates the output directory and hands a copy of the result to
// the sink. Failures are returned, never escalated.
func (s *Session) report(ctx context.Context) (string, error) {
	if s.sink == nil {
		return "", nil
	}
	dir, err := s.outputDir()
	if err != nil {
		s.logger.WarnScan("Could not create output directory", s.target, "error", err)
		return "", err
	}
	if err := s.sink.Write(ctx, dir, s.result.Clone()); err != nil {
		err = gerrors.WrapWithTarget(gerrors.CodeReportFailed, "report sink failed", s.target, err)
		s.logger.WarnScan("Report sink failed", s.target, "error", err)
		s.emit(Event{Kind: EventReportWritten, Dir: dir, Err: err.Error()})
		return dir, err
	}
	s.emit(Event{Kind: EventReportWritten, Dir: dir})
	return dir, nil
}

func (s *Session) outputDir() (string, error) {
	if s.opts.OutputDir == "" {
		return "", nil
	}
	name := fmt.Sprintf("scan_results_%s_%s%s", dirSafe(s.target), s.now().Format(dirTimeLayout), s.opts.DirSuffix)
	dir := filepath.Join(s.opts.OutputDir, name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", gerrors.WrapWithTarget(gerrors.CodeDirectoryCreate, "failed to create output directory", s.target, err)
	}
	return dir, nil
}

// dirSafe replaces characters that cannot appear in a directory name,
// such as the colons of an IPv6 address.
func dirSafe(target string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, target)
}

func (s *Session) strategyStarted(name string, source ports.Source) {
	s.emit(Event{Kind: EventStrategyStarted, Strategy: name, Source: source})
}

func (s *Session) strategyFinished(o reconcile.Outcome) {
	status := "ok"
	e := Event{Kind: EventStrategyFinished, Strategy: o.Name, Source: o.Source, Set: o.Result.Set}
	if o.Err != nil {
		status = "error"
		e.Err = o.Err.Error()
	}
	s.metrics.RecordStrategy(o.Source, status, o.Finished.Sub(o.Started), o.Result.Set.Len())
	s.emit(e)
}

func (s *Session) warn(w scanning.Warning) {
	s.result.AddWarning(w)
	s.logger.WarnScan(w.Message, s.target, "code", w.Code, "source", w.Source)
	s.emit(Event{Kind: EventWarning, Warning: &w})
}

func (s *Session) transition(to State) {
	s.transitionErr(to, nil)
}

func (s *Session) transitionErr(to State, err error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	e := Event{Kind: EventStateChanged, From: from, To: to}
	if err != nil {
		e.Err = err.Error()
	}
	s.logger.Debug("Session state changed", "from", from.String(), "to", to.String())
	s.emit(e)
}

// emit serializes observer calls; strategy hooks fire from two goroutines.
func (s *Session) emit(e Event) {
	e.SessionID = s.result.ID
	e.Target = s.target
	e.Time = s.now()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.observer.Observe(e)
}
