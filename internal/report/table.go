package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

// SummaryFile is the human-readable summary in the session directory.
const SummaryFile = "summary.txt"

// TableSink renders a text summary with a port table. The summary is
// written to summary.txt and, when set, to an extra writer such as stdout.
type TableSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTableSink creates a table sink. out may be nil.
func NewTableSink(out io.Writer) *TableSink {
	return &TableSink{out: out}
}

// Name implements Sink.
func (*TableSink) Name() string { return "table" }

// Write implements Sink.
func (t *TableSink) Write(_ context.Context, dir string, result *scanning.ScanResult) error {
	var buf bytes.Buffer
	if err := Render(&buf, result); err != nil {
		return err
	}

	if dir != "" {
		if err := WriteAtomic(filepath.Join(dir, SummaryFile), buf.Bytes()); err != nil {
			return err
		}
	}
	if t.out != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, err := t.out.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return nil
}

// Render writes the summary of r to w.
func Render(w io.Writer, r *scanning.ScanResult) error {
	s := Summarize(r)

	fmt.Fprintf(w, "Target:    %s", s.Target)
	if s.Address != "" && s.Address != s.Target {
		fmt.Fprintf(w, " (%s)", s.Address)
	}
	fmt.Fprintf(w, "\nProtocol:  %s\nStarted:   %s\nDuration:  %s\n",
		s.Protocol, s.StartTime.Format("2006-01-02 15:04:05"), s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Fast:      %s\n", list(s.Fast))
	fmt.Fprintf(w, "Missed:    %s\n", list(s.Anomalies))
	fmt.Fprintf(w, "Combined:  %s\n", list(s.Combined))
	if r.OS != nil {
		fmt.Fprintf(w, "OS guess:  %s (%s confidence, %s)\n", r.OS.Family, r.OS.Confidence, r.OS.Source)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "Warning:   [%s] %s\n", warn.Code, warn.Message)
	}
	switch {
	case s.Error != "":
		fmt.Fprintf(w, "Error:     %s\n", s.Error)
	case s.Empty:
		fmt.Fprintln(w, "No open ports found.")
	}
	if s.Partial {
		fmt.Fprintln(w, "Result is partial: the scan was interrupted.")
	}

	combined := r.Consolidated()
	if combined.IsEmpty() {
		return nil
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.Header("Port", "Source", "Anomaly", "Service", "Product", "Version", "RTT")
	for _, rec := range combined.Records() {
		info := r.Deep[rec.Key]
		anomaly := ""
		if r.Anomalies.Contains(rec.Key) {
			anomaly = "yes"
		}
		service := info.Name
		if info.Unknown && service == "" {
			service = "unknown"
		}
		if err := table.Append([]string{
			rec.Key.String(),
			rec.Source.String(),
			anomaly,
			service,
			info.Product,
			info.Version,
			rtt(rec),
		}); err != nil {
			return fmt.Errorf("render table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}

func list(keys []string) string {
	if len(keys) == 0 {
		return "-"
	}
	return strings.Join(keys, ", ")
}

func rtt(r ports.Record) string {
	if r.RTT <= 0 {
		return ""
	}
	return r.RTT.Round(100*time.Microsecond).String()
}
