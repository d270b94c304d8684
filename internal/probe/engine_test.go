package probe_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/probe"
	"github.com/anstrom/gapscan/internal/probe/mocks"
)

// inFlightProber counts concurrent Attempt calls.
type inFlightProber struct {
	current atomic.Int64
	peak    atomic.Int64
	delay   time.Duration
	open    map[uint16]bool
}

func (p *inFlightProber) Attempt(ctx context.Context, _ string, key ports.Key, _ time.Duration) probe.Attempt {
	n := p.current.Add(1)
	defer p.current.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return probe.Attempt{State: ports.Filtered}
	}
	if p.open[key.Port] {
		return probe.Attempt{State: ports.Open, RTT: p.delay}
	}
	return probe.Attempt{State: ports.Closed}
}

type unavailableProber struct{ probe.ProberFunc }

func (unavailableProber) Preflight(context.Context, int) error {
	return probe.ErrUnavailable
}

func opts(k int) probe.Options {
	return probe.Options{Timeout: time.Second, MaxConcurrency: k, Source: ports.ExhaustiveScan}
}

func TestEngineBoundsConcurrency(t *testing.T) {
	for _, k := range []int{1, 3, 16} {
		p := &inFlightProber{delay: 2 * time.Millisecond}
		e := probe.NewEngine(p)

		_, err := e.Probe(context.Background(), "10.0.0.1", ports.Range(ports.TCP, 1, 200), opts(k))
		require.NoError(t, err)
		assert.LessOrEqual(t, p.peak.Load(), int64(k), "k=%d", k)
		assert.Positive(t, p.peak.Load())
	}
}

func TestEngineSharedGateCapsConcurrentCalls(t *testing.T) {
	p := &inFlightProber{delay: 2 * time.Millisecond}
	e := probe.NewEngine(p, probe.WithMaxInFlight(5))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Probe(context.Background(), "10.0.0.1", ports.Range(ports.TCP, 1, 100), opts(10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.peak.Load(), int64(5))
}

func TestEngineExternalGate(t *testing.T) {
	g := probe.NewGate(4, nil)
	// Another holder, e.g. the deep-inspection driver, owns two slots.
	require.NoError(t, g.Acquire(context.Background()))
	require.NoError(t, g.Acquire(context.Background()))
	defer g.Release()
	defer g.Release()

	p := &inFlightProber{delay: 2 * time.Millisecond}
	e := probe.NewEngine(p, probe.WithGate(g))
	_, err := e.Probe(context.Background(), "10.0.0.1", ports.Range(ports.TCP, 1, 50), opts(10))
	require.NoError(t, err)
	assert.LessOrEqual(t, p.peak.Load(), int64(2))
	assert.Equal(t, 2, g.InFlight())
}

func TestEngineClassifiesAndKeepsOnlyOpen(t *testing.T) {
	p := probe.ProberFunc(func(_ context.Context, _ string, key ports.Key, _ time.Duration) probe.Attempt {
		switch key.Port {
		case 22, 80:
			return probe.Attempt{State: ports.Open, RTT: time.Millisecond}
		case 81:
			return probe.Attempt{State: ports.Filtered}
		case 82:
			return probe.Attempt{State: ports.Filtered, Err: probe.ErrUnreachable}
		case 83:
			return probe.Attempt{State: ports.Filtered, Err: errors.New("no route")}
		}
		return probe.Attempt{State: ports.Closed}
	})
	e := probe.NewEngine(p)

	keys := []ports.Key{ports.TCPKey(80), ports.TCPKey(22), ports.TCPKey(81), ports.TCPKey(82), ports.TCPKey(83), ports.TCPKey(84)}
	res, err := e.Probe(context.Background(), "host", keys, probe.Options{Timeout: time.Second, MaxConcurrency: 4, Source: ports.FastScan})
	require.NoError(t, err)

	assert.Equal(t, []ports.Key{ports.TCPKey(22), ports.TCPKey(80)}, res.Set.Keys())
	r, _ := res.Set.Get(ports.TCPKey(22))
	assert.Equal(t, ports.FastScan, r.Source)
	assert.Equal(t, time.Millisecond, r.RTT)

	assert.Equal(t, 6, res.Stats.Total)
	assert.Equal(t, 2, res.Stats.Open)
	assert.Equal(t, 1, res.Stats.Closed)
	assert.Equal(t, 3, res.Stats.Filtered)
	assert.Equal(t, 1, res.Stats.Unreachable)
	assert.Equal(t, 1, res.Stats.Errored)
	assert.False(t, res.Partial)
	assert.False(t, res.Stats.AllUnreachable())
}

func TestEngineValidation(t *testing.T) {
	e := probe.NewEngine(probe.ProberFunc(func(context.Context, string, ports.Key, time.Duration) probe.Attempt {
		t.Fatal("prober must not be called")
		return probe.Attempt{}
	}))
	good := []ports.Key{ports.TCPKey(80)}

	tests := []struct {
		name   string
		target string
		keys   []ports.Key
		opts   probe.Options
		code   gerrors.ErrorCode
	}{
		{"empty target", "", good, opts(1), gerrors.CodeTargetInvalid},
		{"no ports", "h", nil, opts(1), gerrors.CodeValidation},
		{"port zero", "h", []ports.Key{ports.TCPKey(0)}, opts(1), gerrors.CodeValidation},
		{"zero timeout", "h", good, probe.Options{MaxConcurrency: 1}, gerrors.CodeValidation},
		{"zero concurrency", "h", good, probe.Options{Timeout: time.Second}, gerrors.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Probe(context.Background(), tt.target, tt.keys, tt.opts)
			require.Error(t, err)
			assert.True(t, gerrors.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestEngineCancellationKeepsPartialResults(t *testing.T) {
	var started atomic.Int64
	p := probe.ProberFunc(func(ctx context.Context, _ string, key ports.Key, _ time.Duration) probe.Attempt {
		started.Add(1)
		if key.Port <= 5 {
			return probe.Attempt{State: ports.Open}
		}
		<-ctx.Done()
		return probe.Attempt{State: ports.Filtered}
	})
	e := probe.NewEngine(p)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	begin := time.Now()
	res, err := e.Probe(ctx, "host", ports.Range(ports.TCP, 1, 1000), probe.Options{
		Timeout: 10 * time.Second, MaxConcurrency: 10, Source: ports.ExhaustiveScan,
	})
	elapsed := time.Since(begin)

	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Partial)
	assert.Equal(t, 5, res.Set.Len())
	assert.Less(t, elapsed, 2*time.Second, "in-flight probes must stop on cancellation")
	assert.Less(t, started.Load(), int64(1000))
}

func TestEnginePerProbeTimeoutIsEnforced(t *testing.T) {
	p := probe.ProberFunc(func(ctx context.Context, _ string, _ ports.Key, _ time.Duration) probe.Attempt {
		<-ctx.Done()
		return probe.Attempt{State: ports.Open}
	})
	e := probe.NewEngine(p)

	begin := time.Now()
	_, err := e.Probe(context.Background(), "host", ports.Range(ports.TCP, 1, 4), probe.Options{
		Timeout: 20 * time.Millisecond, MaxConcurrency: 4,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), time.Second)
}

func TestEngineUnavailable(t *testing.T) {
	t.Run("preflight", func(t *testing.T) {
		e := probe.NewEngine(unavailableProber{})
		_, err := e.Probe(context.Background(), "host", ports.TopTCP(), opts(5000))
		require.Error(t, err)
		assert.True(t, gerrors.IsCode(err, gerrors.CodeProbeEngineUnavailable))
		assert.ErrorIs(t, err, probe.ErrUnavailable)
	})

	t.Run("every attempt", func(t *testing.T) {
		e := probe.NewEngine(probe.ProberFunc(func(context.Context, string, ports.Key, time.Duration) probe.Attempt {
			return probe.Attempt{State: ports.Filtered, Err: probe.ErrUnavailable}
		}))
		_, err := e.Probe(context.Background(), "host", ports.Range(ports.TCP, 1, 10), opts(2))
		assert.True(t, gerrors.IsCode(err, gerrors.CodeProbeEngineUnavailable))
	})
}

func TestEngineWithMockProber(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := mocks.NewMockProber(ctrl)
	m.EXPECT().
		Attempt(gomock.Any(), "192.0.2.10", ports.TCPKey(443), 200*time.Millisecond).
		Return(probe.Attempt{State: ports.Open, RTT: 4 * time.Millisecond}).
		Times(1)
	m.EXPECT().
		Attempt(gomock.Any(), "192.0.2.10", ports.TCPKey(8443), 200*time.Millisecond).
		Return(probe.Attempt{State: ports.Closed}).
		Times(1)

	e := probe.NewEngine(m)
	res, err := e.Probe(context.Background(), "192.0.2.10",
		[]ports.Key{ports.TCPKey(443), ports.TCPKey(8443)},
		probe.Options{Timeout: 200 * time.Millisecond, MaxConcurrency: 2, Source: ports.FastScan})
	require.NoError(t, err)
	assert.Equal(t, []ports.Key{ports.TCPKey(443)}, res.Set.Keys())
}

func TestEngineRateLimit(t *testing.T) {
	e := probe.NewEngine(&inFlightProber{}, probe.WithRateLimit(50, 1))

	begin := time.Now()
	_, err := e.Probe(context.Background(), "host", ports.Range(ports.TCP, 1, 5), opts(5))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 60*time.Millisecond)
}

type countingRecorder struct {
	mu       sync.Mutex
	started  int
	finished map[ports.State]int
}

func (r *countingRecorder) ProbeStarted(ports.Source) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *countingRecorder) ProbeFinished(_ ports.Source, s ports.State, _ time.Duration) {
	r.mu.Lock()
	r.finished[s]++
	r.mu.Unlock()
}

func TestEngineRecorder(t *testing.T) {
	rec := &countingRecorder{finished: map[ports.State]int{}}
	p := &inFlightProber{open: map[uint16]bool{3: true}}
	e := probe.NewEngine(p, probe.WithRecorder(rec))

	_, err := e.Probe(context.Background(), "host", ports.Range(ports.TCP, 1, 4), opts(2))
	require.NoError(t, err)
	assert.Equal(t, 4, rec.started)
	assert.Equal(t, 1, rec.finished[ports.Open])
	assert.Equal(t, 3, rec.finished[ports.Closed])
}
