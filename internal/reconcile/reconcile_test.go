package reconcile

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/probe"
)

// fakeStrategy returns a fixed set, optionally after release is closed.
type fakeStrategy struct {
	name    string
	source  ports.Source
	set     ports.Set
	stats   probe.Stats
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
	return probe.Result{Set: f.set, Stats: f.stats}, f.err
}

func tcpSet(src ports.Source, nums ...uint16) ports.Set {
	records := make([]ports.Record, len(nums))
	for i, n := range nums {
		records[i] = ports.Record{Key: ports.TCPKey(n), State: ports.Open, Source: src}
	}
	return ports.Of(records...)
}

func fast(nums ...uint16) *fakeStrategy {
	return &fakeStrategy{name: "fast", source: ports.FastScan, set: tcpSet(ports.FastScan, nums...)}
}

func exhaustive(nums ...uint16) *fakeStrategy {
	return &fakeStrategy{name: "exhaustive", source: ports.ExhaustiveScan, set: tcpSet(ports.ExhaustiveScan, nums...)}
}

func outcome(s *fakeStrategy) Outcome {
	return Outcome{Name: s.name, Source: s.source, Result: probe.Result{Set: s.set, Stats: s.stats}, Err: s.err}
}

func ports16(s ports.Set) []uint16 {
	out := []uint16{}
	for _, k := range s.Keys() {
		out = append(out, k.Port)
	}
	return out
}

func TestMergeAnomaliesAreExhaustiveMinusFast(t *testing.T) {
	tests := []struct {
		name string
		a, b []uint16
		want []uint16
	}{
		{"disjoint", []uint16{1, 2, 3}, []uint16{4, 5}, []uint16{4, 5}},
		{"exhaustive subset of fast", []uint16{22, 80, 443, 8080}, []uint16{22, 443}, []uint16{}},
		{"equal", []uint16{22}, []uint16{22}, []uint16{}},
		{"hidden port", []uint16{22, 80, 443}, []uint16{22, 80, 443, 6520}, []uint16{6520}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Merge("t", outcome(fast(tt.a...)), outcome(exhaustive(tt.b...)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ports16(rec.Anomalies))
			assert.Empty(t, rec.Warnings)
			for _, r := range rec.Anomalies.Records() {
				assert.Equal(t, ports.ExhaustiveScan, r.Source)
			}
		})
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	f, e := outcome(fast(443, 22, 80)), outcome(exhaustive(6520, 22, 9000, 80, 443))

	first, err := Merge("t", f, e)
	require.NoError(t, err)
	second, err := Merge("t", f, e)
	require.NoError(t, err)

	assert.Equal(t, first.Anomalies.Records(), second.Anomalies.Records())
	assert.Equal(t, []uint16{6520, 9000}, ports16(first.Anomalies))
	assert.Equal(t, []uint16{22, 80, 443, 6520, 9000}, ports16(first.Consolidated))
}

func TestMergeEmptyExhaustiveWarns(t *testing.T) {
	rec, err := Merge("t", outcome(fast(80)), outcome(exhaustive()))
	require.NoError(t, err)
	require.Len(t, rec.Warnings, 1)
	assert.Equal(t, gerrors.CodeReconciliationAnomaly, rec.Warnings[0].Code)
	assert.Equal(t, "exhaustive", rec.Warnings[0].Source)
	assert.True(t, rec.Anomalies.IsEmpty())
}

func TestMergePartiallyUnavailableWarns(t *testing.T) {
	t.Run("exhaustive lost most of its range", func(t *testing.T) {
		e := exhaustive()
		e.stats = probe.Stats{Total: 10000, Closed: 999, Filtered: 9001, Unavailable: 9001}
		rec, err := Merge("t", outcome(fast(22, 80)), outcome(e))
		require.NoError(t, err)

		require.NotEmpty(t, rec.Warnings)
		var found bool
		for _, w := range rec.Warnings {
			if w.Source == "exhaustive" && strings.Contains(w.Message, "9001 of 10000") {
				found = true
				assert.Equal(t, gerrors.CodeReconciliationAnomaly, w.Code)
			}
		}
		assert.True(t, found, "warnings: %+v", rec.Warnings)
	})

	t.Run("fast lost a few probes", func(t *testing.T) {
		f := fast(22)
		f.stats = probe.Stats{Total: 1000, Open: 1, Closed: 996, Filtered: 3, Unavailable: 3}
		rec, err := Merge("t", outcome(f), outcome(exhaustive(22)))
		require.NoError(t, err)
		require.Len(t, rec.Warnings, 1)
		assert.Equal(t, "fast", rec.Warnings[0].Source)
		assert.Contains(t, rec.Warnings[0].Message, "3 of 1000")
	})

	t.Run("full coverage stays quiet", func(t *testing.T) {
		f, e := fast(22), exhaustive(22)
		f.stats = probe.Stats{Total: 1000, Open: 1, Closed: 999}
		e.stats = probe.Stats{Total: 65535, Open: 1, Closed: 65534}
		rec, err := Merge("t", outcome(f), outcome(e))
		require.NoError(t, err)
		assert.Empty(t, rec.Warnings)
	})
}

func TestMergeUnavailableStrategy(t *testing.T) {
	unavailable := gerrors.ErrProbeEngineUnavailable(probe.ErrUnavailable)

	t.Run("exhaustive unavailable", func(t *testing.T) {
		e := exhaustive()
		e.err = unavailable
		rec, err := Merge("t", outcome(fast(80)), outcome(e))
		require.NoError(t, err)
		require.Len(t, rec.Warnings, 1)
		assert.Equal(t, gerrors.CodeReconciliationAnomaly, rec.Warnings[0].Code)
		assert.Equal(t, []uint16{80}, ports16(rec.Consolidated))
	})

	t.Run("fast unavailable", func(t *testing.T) {
		f := fast()
		f.err = unavailable
		rec, err := Merge("t", outcome(f), outcome(exhaustive(22, 80)))
		require.NoError(t, err)
		require.Len(t, rec.Warnings, 1)
		assert.Equal(t, "fast", rec.Warnings[0].Source)
		assert.Equal(t, []uint16{22, 80}, ports16(rec.Consolidated))
	})

	t.Run("both unavailable", func(t *testing.T) {
		f, e := fast(), exhaustive()
		f.err, e.err = unavailable, unavailable
		_, err := Merge("t", outcome(f), outcome(e))
		assert.True(t, gerrors.IsCode(err, gerrors.CodeProbeEngineUnavailable))
	})

	t.Run("single strategy unavailable", func(t *testing.T) {
		f := fast()
		f.err = unavailable
		_, err := Merge("t", outcome(f), Outcome{})
		assert.True(t, gerrors.IsCode(err, gerrors.CodeProbeEngineUnavailable))
	})
}

func TestMergeBothEmpty(t *testing.T) {
	rec, err := Merge("t", outcome(fast()), outcome(exhaustive()))
	require.NoError(t, err)
	assert.True(t, rec.Empty())
	assert.Empty(t, rec.Warnings)
}

func TestMergeUnreachableTarget(t *testing.T) {
	f, e := fast(), exhaustive()
	f.stats = probe.Stats{Filtered: 1000, Unreachable: 1000}
	e.stats = probe.Stats{Filtered: 65535, Unreachable: 65535}

	_, err := Merge("t", outcome(f), outcome(e))
	assert.True(t, gerrors.IsCode(err, gerrors.CodeTargetUnreachable))

	e.stats = probe.Stats{Filtered: 65535, Unreachable: 10}
	_, err = Merge("t", outcome(f), outcome(e))
	assert.NoError(t, err)
}

func TestMergeSingleStrategy(t *testing.T) {
	rec, err := Merge("t", outcome(fast(53, 161)), Outcome{})
	require.NoError(t, err)
	assert.True(t, rec.Anomalies.IsEmpty())
	assert.Empty(t, rec.Warnings)
	assert.Equal(t, 2, rec.Consolidated.Len())
}

func TestReconcileWaitsForBothStrategies(t *testing.T) {
	f := fast(22, 80)
	e := exhaustive(22, 80, 6520)
	e.release = make(chan struct{})

	fastDone := make(chan Outcome, 1)
	var mu sync.Mutex
	var started []string
	hooks := Hooks{
		Started: func(name string, _ ports.Source) {
			mu.Lock()
			started = append(started, name)
			mu.Unlock()
		},
		Finished: func(o Outcome) {
			if o.Source == ports.FastScan {
				fastDone <- o
			}
		},
	}

	done := make(chan Reconciliation, 1)
	go func() {
		rec, err := New(f, e, nil).Reconcile(context.Background(), "t", hooks)
		assert.NoError(t, err)
		done <- rec
	}()

	// fast results are delivered while exhaustive is still blocked
	select {
	case o := <-fastDone:
		assert.Equal(t, []uint16{22, 80}, ports16(o.Result.Set))
	case <-time.After(2 * time.Second):
		t.Fatal("fast outcome was not reported before the join")
	}

	select {
	case <-done:
		t.Fatal("reconcile returned before the exhaustive strategy finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(e.release)
	select {
	case rec := <-done:
		assert.Equal(t, []uint16{6520}, ports16(rec.Anomalies))
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile did not finish after release")
	}
	assert.ElementsMatch(t, []string{"fast", "exhaustive"}, started)
}

func TestReconcileCancellationKeepsPartialSets(t *testing.T) {
	f := fast(22)
	e := exhaustive(22, 9999)
	e.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	rec, err := New(f, e, nil).Reconcile(ctx, "t", Hooks{})
	require.Error(t, err)
	assert.True(t, gerrors.IsCode(err, gerrors.CodeCanceled))
	assert.Equal(t, []uint16{22}, ports16(rec.Fast.Result.Set))
	assert.Equal(t, []uint16{22, 9999}, ports16(rec.Exhaustive.Result.Set))
	assert.True(t, rec.Exhaustive.Result.Partial)
}
