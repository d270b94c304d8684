package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

func set(src ports.Source, keys ...ports.Key) ports.Set {
	records := make([]ports.Record, len(keys))
	for i, k := range keys {
		records[i] = ports.Record{Key: k, State: ports.Open, Source: src, RTT: 1200 * time.Microsecond}
	}
	return ports.Of(records...)
}

// sampleResult is the 6520/tcp anomaly case: the fast pass missed one port
// that the exhaustive pass found.
func sampleResult() *scanning.ScanResult {
	r := scanning.NewScanResult("db01.example.net", ports.TCP)
	r.Address = "192.0.2.10"
	r.Fast = set(ports.FastScan, ports.TCPKey(22), ports.TCPKey(80), ports.TCPKey(443))
	r.Exhaustive = set(ports.ExhaustiveScan, ports.TCPKey(22), ports.TCPKey(80), ports.TCPKey(443), ports.TCPKey(6520))
	r.Anomalies = set(ports.ExhaustiveScan, ports.TCPKey(6520))
	r.Deep[ports.TCPKey(22)] = scanning.ServiceInfo{
		Name: "ssh", Product: "OpenSSH", Version: "9.6p1", Confidence: 10, Inspector: "ssh",
	}
	r.Deep[ports.TCPKey(80)] = scanning.ServiceInfo{
		Name: "http", Product: "nginx", Version: "1.24.0", Confidence: 8, Inspector: "banner",
		Scripts: map[string]string{"http-title": "Welcome"},
	}
	r.Deep[ports.TCPKey(443)] = scanning.UnknownService("banner", errors.New("no service signal"))
	r.Deep[ports.TCPKey(6520)] = scanning.ServiceInfo{Name: "postgresql", Confidence: 2, Inspector: "banner"}
	r.OS = &scanning.OSGuess{Family: "linux", Confidence: "medium", Score: 5, Source: "heuristic"}
	r.Complete()
	return r
}

type recordingSink struct {
	name string
	err  error

	mu   sync.Mutex
	seen []*scanning.ScanResult
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, _ string, r *scanning.ScanResult) error {
	s.mu.Lock()
	s.seen = append(s.seen, r)
	s.mu.Unlock()
	// Scribble on the copy; the other sinks must not notice.
	r.Deep[ports.TCPKey(1)] = scanning.ServiceInfo{Name: s.name}
	return s.err
}

type sinkCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *sinkCounter) RecordSinkWrite(sink, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[sink+":"+status]++
}

func TestMultiWritesEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	counter := &sinkCounter{}
	m := NewMulti(counter, a, b)

	r := sampleResult()
	require.NoError(t, m.Write(context.Background(), t.TempDir(), r))

	require.Len(t, a.seen, 1)
	require.Len(t, b.seen, 1)
	assert.NotSame(t, a.seen[0], b.seen[0])
	assert.NotContains(t, r.Deep, ports.TCPKey(1), "sinks must receive copies")
	assert.Equal(t, "a", a.seen[0].Deep[ports.TCPKey(1)].Name)
	assert.Equal(t, "b", b.seen[0].Deep[ports.TCPKey(1)].Name)
	assert.Equal(t, map[string]int{"a:ok": 1, "b:ok": 1}, counter.counts)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, "multi", m.Name())
}

func TestMultiJoinsFailures(t *testing.T) {
	boom := errors.New("disk full")
	bad := &recordingSink{name: "bad", err: boom}
	good := &recordingSink{name: "good"}
	worse := &recordingSink{name: "worse", err: errors.New("timeout")}
	counter := &sinkCounter{}

	err := NewMulti(counter, bad, good, worse).Write(context.Background(), "", sampleResult())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad sink: disk full")
	assert.Contains(t, err.Error(), "worse sink: timeout")
	assert.Len(t, good.seen, 1, "a failing sink must not stop the others")
	assert.Equal(t, 1, counter.counts["bad:error"])
	assert.Equal(t, 1, counter.counts["good:ok"])
}

func TestMultiWithoutRecorder(t *testing.T) {
	assert.NoError(t, NewMulti(nil, &recordingSink{name: "x"}).Write(context.Background(), "", sampleResult()))
	assert.NoError(t, NewMulti(nil).Write(context.Background(), "", sampleResult()))
}

func TestSummarize(t *testing.T) {
	r := sampleResult()
	r.AddWarning(scanning.Warning{Code: gerrors.CodeInspectionFailed, Message: "nmap unavailable"})

	s := Summarize(r)
	assert.Equal(t, r.ID, s.ID)
	assert.Equal(t, "tcp", s.Protocol)
	assert.Equal(t, []string{"22/tcp", "80/tcp", "443/tcp"}, s.Fast)
	assert.Equal(t, []string{"6520/tcp"}, s.Anomalies)
	assert.Equal(t, []string{"22/tcp", "80/tcp", "443/tcp", "6520/tcp"}, s.Combined)
	assert.Equal(t, "linux", s.OS)
	assert.Equal(t, 1, s.Warnings)
	assert.Equal(t, 3, s.Identified)
	assert.False(t, s.Empty)
}

func TestSummarizeEmpty(t *testing.T) {
	r := scanning.NewScanResult("10.0.0.1", ports.UDP)
	r.Empty = true
	r.Complete()

	s := Summarize(r)
	assert.Empty(t, s.Combined)
	assert.NotNil(t, s.Combined)
	assert.True(t, s.Empty)
	assert.Equal(t, "", s.OS)
}
