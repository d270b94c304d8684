// Package report provides the sinks a finished scan result is handed to:
// JSON and text files in the session directory, a SQL history table, a
// Prometheus textfile and a Pub/Sub topic.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

const maxParallelSinks = 4

// Sink writes one scan result.
type Sink interface {
	Name() string
	Write(ctx context.Context, dir string, result *scanning.ScanResult) error
}

// Recorder receives one call per sink write.
type Recorder interface {
	RecordSinkWrite(sink, status string)
}

// Multi writes to several sinks concurrently. Every sink is attempted;
// the failures are joined.
type Multi struct {
	sinks    []Sink
	recorder Recorder
}

// NewMulti creates a fan-out sink. recorder may be nil.
func NewMulti(recorder Recorder, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, recorder: recorder}
}

// Name implements Sink.
func (m *Multi) Name() string { return "multi" }

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Write implements Sink.
func (m *Multi) Write(ctx context.Context, dir string, result *scanning.ScanResult) error {
	errs := make([]error, len(m.sinks))

	var g errgroup.Group
	g.SetLimit(maxParallelSinks)
	for i, s := range m.sinks {
		g.Go(func() error {
			// Each sink gets its own copy; none of them may see another's edits.
			err := s.Write(ctx, dir, result.Clone())
			if err != nil {
				errs[i] = fmt.Errorf("%s sink: %w", s.Name(), err)
			}
			m.record(s.Name(), err)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Multi) record(name string, err error) {
	if m.recorder == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.recorder.RecordSinkWrite(name, status)
}

// Summary is the compact form of a result used by the text and Pub/Sub
// sinks.
type Summary struct {
	ID         string        `json:"id"`
	Target     string        `json:"target"`
	Address    string        `json:"address,omitempty"`
	Protocol   string        `json:"protocol"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration"`
	Fast       []string      `json:"fast"`
	Anomalies  []string      `json:"anomalies"`
	Combined   []string      `json:"combined"`
	OS         string        `json:"os,omitempty"`
	Warnings   int           `json:"warnings"`
	Partial    bool          `json:"partial"`
	Empty      bool          `json:"empty"`
	Error      string        `json:"error,omitempty"`
	Identified int           `json:"identified"`
}

// Summarize builds the summary of r.
func Summarize(r *scanning.ScanResult) Summary {
	s := Summary{
		ID:        r.ID,
		Target:    r.Target,
		Address:   r.Address,
		Protocol:  r.Protocol.String(),
		StartTime: r.StartTime,
		Duration:  r.Duration,
		Fast:      keyStrings(r.Fast.Keys()),
		Anomalies: keyStrings(r.Anomalies.Keys()),
		Combined:  keyStrings(r.Consolidated().Keys()),
		Warnings:  len(r.Warnings),
		Partial:   r.Partial,
		Empty:     r.Empty,
		Error:     r.Error,
	}
	if r.OS != nil {
		s.OS = r.OS.Family
	}
	for _, info := range r.Deep {
		if !info.Unknown {
			s.Identified++
		}
	}
	return s
}

func keyStrings(keys []ports.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
