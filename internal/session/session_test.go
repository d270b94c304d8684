package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/inspect"
	"github.com/anstrom/gapscan/internal/logging"
	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/probe"
	"github.com/anstrom/gapscan/internal/reconcile"
	"github.com/anstrom/gapscan/internal/scanning"
)

type fakeStrategy struct {
	name    string
	source  ports.Source
	set     ports.Set
	err     error
	release chan struct{}
}

func (f *fakeStrategy) Name() string         { return f.name }
func (f *fakeStrategy) Source() ports.Source { return f.source }

func (f *fakeStrategy) Produce(ctx context.Context, _ string) (probe.Result, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return probe.Result{Set: f.set, Partial: true}, ctx.Err()
		}
	}
	stats := probe.Stats{Total: 100, Open: f.set.Len(), Closed: 100 - f.set.Len()}
	return probe.Result{Set: f.set, Stats: stats}, f.err
}

func tcpSet(src ports.Source, nums ...uint16) ports.Set {
	records := make([]ports.Record, len(nums))
	for i, n := range nums {
		records[i] = ports.Record{Key: ports.TCPKey(n), State: ports.Open, Source: src}
	}
	return ports.Of(records...)
}

func fastStrategy(nums ...uint16) *fakeStrategy {
	return &fakeStrategy{name: "fast", source: ports.FastScan, set: tcpSet(ports.FastScan, nums...)}
}

func exhaustiveStrategy(nums ...uint16) *fakeStrategy {
	return &fakeStrategy{name: "exhaustive", source: ports.ExhaustiveScan, set: tcpSet(ports.ExhaustiveScan, nums...)}
}

type fakeInspector struct {
	mu    sync.Mutex
	calls []ports.Set
}

func (f *fakeInspector) Inspect(_ context.Context, _ string, set ports.Set) (inspect.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, set)
	f.mu.Unlock()

	rep := inspect.Report{Services: make(map[ports.Key]scanning.ServiceInfo)}
	for _, k := range set.Keys() {
		rep.Services[k] = scanning.ServiceInfo{Name: "svc-" + k.String()}
	}
	return rep, nil
}

type captureSink struct {
	mu      sync.Mutex
	dirs    []string
	results []*scanning.ScanResult
	err     error
}

func (c *captureSink) Write(ctx context.Context, dir string, r *scanning.ScanResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.dirs = append(c.dirs, dir)
	c.results = append(c.results, r)
	return c.err
}

type staticResolver struct {
	addrs []string
	err   error
}

func (r staticResolver) LookupHost(context.Context, string) ([]string, error) {
	return r.addrs, r.err
}

func newSession(t *testing.T, fast, exhaustive *fakeStrategy, opts ...Option) (*Session, *Recorder) {
	t.Helper()
	rec := &Recorder{}
	// A nil *fakeStrategy must not become a non-nil interface.
	r := reconcile.New(fast, nil, nil)
	if exhaustive != nil {
		r = reconcile.New(fast, exhaustive, nil)
	}
	base := []Option{
		WithObserver(rec),
		WithLogger(logging.Discard()),
		WithOptions(Options{Protocol: ports.TCP, OutputDir: t.TempDir()}),
	}
	return New("127.0.0.1", r, append(base, opts...)...), rec
}

func TestSessionEndToEndAnomaly(t *testing.T) {
	deep := &fakeInspector{}
	sink := &captureSink{}
	s, rec := newSession(t, fastStrategy(22, 80, 443), exhaustiveStrategy(22, 80, 443, 6520),
		WithInspector(deep), WithSink(sink))

	out := s.Run(context.Background())
	require.NoError(t, out.Err)
	assert.Equal(t, Done, out.State)
	assert.Equal(t, gerrors.ExitCompleted, out.ExitCode)
	assert.NoError(t, out.ReportErr)

	require.Len(t, deep.calls, 1)
	assert.Equal(t, []ports.Key{ports.TCPKey(22), ports.TCPKey(80), ports.TCPKey(443), ports.TCPKey(6520)}, deep.calls[0].Keys())

	res := out.Result
	require.Equal(t, 1, res.Anomalies.Len())
	anomaly, ok := res.Anomalies.Get(ports.TCPKey(6520))
	require.True(t, ok)
	assert.Equal(t, ports.ExhaustiveScan, anomaly.Source)
	assert.Len(t, res.Deep, 4)
	assert.False(t, res.Empty)
	assert.False(t, res.Partial)
	require.NotNil(t, res.ExhaustiveStats)

	assert.Equal(t, []State{Scanning, Reconciling, DeepRunning, ReportReady, Done}, rec.States())

	require.Len(t, sink.dirs, 1)
	base := filepath.Base(sink.dirs[0])
	assert.True(t, strings.HasPrefix(base, "scan_results_127.0.0.1_"), base)
	fi, err := os.Stat(sink.dirs[0])
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0o750), fi.Mode().Perm()&0o750)
	assert.Equal(t, sink.dirs[0], out.Dir)
}

func TestSessionBothEmpty(t *testing.T) {
	deep := &fakeInspector{}
	s, rec := newSession(t, fastStrategy(), exhaustiveStrategy(), WithInspector(deep), WithSink(&captureSink{}))

	out := s.Run(context.Background())
	require.NoError(t, out.Err)
	assert.Equal(t, Done, out.State)
	assert.Equal(t, gerrors.ExitNoOpenPorts, out.ExitCode)
	assert.True(t, out.Result.Empty)
	assert.Empty(t, deep.calls, "deep inspection must not run")
	assert.Equal(t, []State{Scanning, Reconciling, ReportReady, Done}, rec.States())
}

func TestSessionExhaustiveUnavailable(t *testing.T) {
	exh := exhaustiveStrategy()
	exh.err = gerrors.ErrProbeEngineUnavailable(errors.New("too many open files"))
	deep := &fakeInspector{}
	s, rec := newSession(t, fastStrategy(22, 80), exh, WithInspector(deep))

	out := s.Run(context.Background())
	require.NoError(t, out.Err)
	assert.Equal(t, gerrors.ExitCompleted, out.ExitCode)
	assert.True(t, out.Result.HasWarning(gerrors.CodeReconciliationAnomaly))
	assert.True(t, out.Result.Anomalies.IsEmpty())
	require.Len(t, deep.calls, 1)
	assert.Equal(t, 2, deep.calls[0].Len())

	var warnings int
	for _, e := range rec.Events() {
		if e.Kind == EventWarning {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestSessionBothUnavailable(t *testing.T) {
	f, e := fastStrategy(), exhaustiveStrategy()
	f.err = gerrors.ErrProbeEngineUnavailable(errors.New("no sockets"))
	e.err = gerrors.ErrProbeEngineUnavailable(errors.New("no sockets"))
	s, rec := newSession(t, f, e)

	out := s.Run(context.Background())
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, gerrors.ExitUnreachable, out.ExitCode)
	assert.True(t, gerrors.IsCode(out.Err, gerrors.CodeProbeEngineUnavailable))
	assert.Equal(t, []State{Scanning, Reconciling, Failed}, rec.States())
}

func TestSessionJoinBarrier(t *testing.T) {
	exh := exhaustiveStrategy(22, 6520)
	exh.release = make(chan struct{})

	fastDone := make(chan struct{})
	var once sync.Once
	obs := ObserverFunc(func(e Event) {
		if e.Kind == EventStrategyFinished && e.Strategy == "fast" {
			once.Do(func() { close(fastDone) })
		}
	})
	rec := &Recorder{}
	s, _ := newSession(t, fastStrategy(22), exh, WithObserver(Observers{rec, obs}))

	done := make(chan Outcome, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast strategy never finished")
	}

	// Fast is done but exhaustive is blocked: still scanning.
	assert.Equal(t, Scanning, s.State())
	select {
	case <-done:
		t.Fatal("session finished before exhaustive strategy")
	case <-time.After(50 * time.Millisecond):
	}

	close(exh.release)
	out := <-done
	require.NoError(t, out.Err)
	assert.Equal(t, "{6520/tcp}", out.Result.Anomalies.String())

	// The interim fast set was published before reconciliation.
	var sawFastSet, reconciledAfter bool
	for _, e := range rec.Events() {
		if e.Kind == EventStrategyFinished && e.Strategy == "fast" {
			sawFastSet = e.Set.Contains(ports.TCPKey(22))
		}
		if e.Kind == EventStateChanged && e.To == Reconciling {
			reconciledAfter = sawFastSet
		}
	}
	assert.True(t, reconciledAfter)
}

func TestSessionCancellation(t *testing.T) {
	exh := exhaustiveStrategy(22, 6520)
	exh.release = make(chan struct{})
	sink := &captureSink{}
	deep := &fakeInspector{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := ObserverFunc(func(e Event) {
		if e.Kind == EventStrategyFinished && e.Strategy == "fast" {
			cancel()
		}
	})
	rec := &Recorder{}
	s, _ := newSession(t, fastStrategy(22, 80), exh,
		WithObserver(Observers{rec, obs}), WithSink(sink), WithInspector(deep))

	out := s.Run(ctx)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, gerrors.ExitCanceled, out.ExitCode)
	assert.True(t, gerrors.IsCode(out.Err, gerrors.CodeCanceled))
	assert.Empty(t, deep.calls)

	res := out.Result
	assert.True(t, res.Partial)
	assert.Equal(t, 2, res.Fast.Len())
	assert.True(t, res.Anomalies.IsEmpty())

	require.Len(t, sink.results, 1, "partial result still reaches the sink")
	assert.True(t, sink.results[0].Partial)
	assert.Equal(t, Failed, rec.States()[len(rec.States())-1])

	failedAt, reportAt := -1, -1
	for i, e := range rec.Events() {
		switch {
		case e.Kind == EventStateChanged && e.To == Failed:
			failedAt = i
		case e.Kind == EventReportWritten:
			reportAt = i
		}
	}
	require.NotEqual(t, -1, failedAt)
	require.NotEqual(t, -1, reportAt)
	assert.Less(t, failedAt, reportAt, "report_written follows the terminal transition")
}

func TestSessionTimeout(t *testing.T) {
	exh := exhaustiveStrategy(22)
	exh.release = make(chan struct{})
	s, _ := newSession(t, fastStrategy(22), exh,
		WithOptions(Options{Timeout: 50 * time.Millisecond}))

	out := s.Run(context.Background())
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, gerrors.ExitCanceled, out.ExitCode)
	assert.True(t, out.Result.Partial)
}

func TestSessionUnresolvableTarget(t *testing.T) {
	sink := &captureSink{}
	rec := &Recorder{}
	r := reconcile.New(fastStrategy(22), nil, nil)
	s := New("does-not-exist.invalid", r,
		WithResolver(staticResolver{err: errors.New("no such host")}),
		WithObserver(rec), WithSink(sink), WithLogger(logging.Discard()))

	out := s.Run(context.Background())
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, gerrors.ExitUnreachable, out.ExitCode)
	assert.True(t, gerrors.IsCode(out.Err, gerrors.CodeTargetUnreachable))
	assert.Empty(t, sink.results)
	assert.Equal(t, []State{Failed}, rec.States())
}

func TestSessionResolvesHostName(t *testing.T) {
	r := reconcile.New(fastStrategy(22), nil, nil)
	s := New("host.example", r,
		WithResolver(staticResolver{addrs: []string{"2001:db8::1", "192.0.2.10"}}),
		WithLogger(logging.Discard()))

	out := s.Run(context.Background())
	require.NoError(t, out.Err)
	assert.Equal(t, "192.0.2.10", out.Result.Address)
	assert.Equal(t, "host.example", out.Result.Target)
}

func TestSessionSinkFailureIsNotFatal(t *testing.T) {
	sink := &captureSink{err: errors.New("disk full")}
	s, _ := newSession(t, fastStrategy(22), nil, WithSink(sink))

	out := s.Run(context.Background())
	assert.Equal(t, Done, out.State)
	assert.Equal(t, gerrors.ExitCompleted, out.ExitCode)
	require.Error(t, out.ReportErr)
	assert.True(t, gerrors.IsCode(out.ReportErr, gerrors.CodeReportFailed))
}

func TestSessionSingleStrategy(t *testing.T) {
	s, rec := newSession(t, fastStrategy(53, 161), nil, WithOptions(Options{Protocol: ports.UDP}))

	out := s.Run(context.Background())
	require.NoError(t, out.Err)
	assert.Nil(t, out.Result.ExhaustiveStats)
	assert.True(t, out.Result.Anomalies.IsEmpty())
	assert.Equal(t, ports.UDP, out.Result.Protocol)
	assert.Equal(t, []State{Scanning, Reconciling, ReportReady, Done}, rec.States())
}

func TestSessionRunsOnce(t *testing.T) {
	s, _ := newSession(t, fastStrategy(22), nil)
	first := s.Run(context.Background())
	require.NoError(t, first.Err)

	second := s.Run(context.Background())
	assert.Equal(t, Failed, second.State)
	assert.Error(t, second.Err)
}

func TestOutputDirSuffix(t *testing.T) {
	dir := t.TempDir()
	sink := &captureSink{}
	r := reconcile.New(fastStrategy(53), nil, nil)
	s := New("::1", r, WithSink(sink), WithLogger(logging.Discard()),
		WithOptions(Options{OutputDir: dir, DirSuffix: "_udp"}))
	s.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	out := s.Run(context.Background())
	require.NoError(t, out.Err)
	assert.Equal(t, filepath.Join(dir, "scan_results___1_20260304_0506_udp"), out.Dir)
}

func TestEventJSON(t *testing.T) {
	t.Run("transition out of idle keeps from", func(t *testing.T) {
		data, err := json.Marshal(Event{Kind: EventStateChanged, From: Idle, To: Scanning})
		require.NoError(t, err)
		assert.Contains(t, string(data), `"from":"idle"`)
		assert.Contains(t, string(data), `"to":"scanning"`)
	})

	t.Run("other kinds omit states", func(t *testing.T) {
		data, err := json.Marshal(Event{Kind: EventWarning, Warning: &scanning.Warning{Message: "m"}})
		require.NoError(t, err)
		assert.NotContains(t, string(data), `"from"`)
		assert.NotContains(t, string(data), `"to"`)
		assert.Contains(t, string(data), `"kind":"warning"`)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "deep_running", DeepRunning.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, Done.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, ReportReady.Terminal())
}
