package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/session"
)

// consoleObserver prints session progress for an operator. Sessions never
// write to the terminal themselves.
type consoleObserver struct {
	out     io.Writer
	verbose bool

	info  *color.Color
	ok    *color.Color
	warn  *color.Color
	fail  *color.Color
	faint *color.Color
}

func newConsoleObserver(out io.Writer, verbose bool) *consoleObserver {
	return &consoleObserver{
		out:     out,
		verbose: verbose,
		info:    color.New(color.FgCyan),
		ok:      color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		fail:    color.New(color.FgRed, color.Bold),
		faint:   color.New(color.Faint),
	}
}

func (c *consoleObserver) Observe(e session.Event) {
	switch e.Kind {
	case session.EventStrategyStarted:
		c.info.Fprintf(c.out, "[%s] %s scan started against %s\n", e.Source, e.Strategy, e.Target)
	case session.EventStrategyFinished:
		if e.Err != "" {
			c.fail.Fprintf(c.out, "[%s] %s scan failed: %s\n", e.Source, e.Strategy, e.Err)
			return
		}
		c.ok.Fprintf(c.out, "[%s] %s scan found %d open: %s\n", e.Source, e.Strategy, e.Set.Len(), keyList(e.Set))
	case session.EventWarning:
		if e.Warning != nil {
			c.warn.Fprintf(c.out, "warning: %s\n", e.Warning.Message)
		}
	case session.EventReportWritten:
		if e.Err != "" {
			c.warn.Fprintf(c.out, "writing results failed: %s\n", e.Err)
			return
		}
		if e.Dir != "" {
			c.info.Fprintf(c.out, "results written to %s\n", e.Dir)
		}
	case session.EventStateChanged:
		switch {
		case e.To == session.Failed:
			c.fail.Fprintf(c.out, "scan of %s failed: %s\n", e.Target, e.Err)
		case e.To == session.DeepRunning:
			c.info.Fprintln(c.out, "running deep inspection")
		case c.verbose:
			c.faint.Fprintf(c.out, "%s -> %s\n", e.From, e.To)
		}
	}
}

func keyList(s ports.Set) string {
	if s.Len() == 0 {
		return "none"
	}
	keys := s.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ", ")
}

// printOutcome writes the final line of a session.
func printOutcome(out io.Writer, o session.Outcome) {
	if o.Result == nil {
		return
	}
	r := o.Result
	label := color.New(color.Bold).Sprint(r.Target)
	switch {
	case o.Err != nil:
		fmt.Fprintf(out, "%s: %s\n", label, color.RedString("failed (exit %d)", o.ExitCode))
	case r.Anomalies.Len() > 0:
		fmt.Fprintf(out, "%s: %s\n", label, color.YellowString("fast scan missed %s", keyList(r.Anomalies)))
	case r.Empty:
		fmt.Fprintf(out, "%s: %s\n", label, color.YellowString("no open %s ports", r.Protocol))
	default:
		fmt.Fprintf(out, "%s: %s\n", label, color.GreenString("%d open %s ports in %s", r.Consolidated().Len(), r.Protocol, r.Duration.Round(time.Millisecond)))
	}
}
