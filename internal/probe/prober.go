// Package probe implements the probe engine: bounded-concurrency dispatch of
// single-port connectivity probes against one target, and the probe
// capabilities that back it (TCP connect, UDP payload probes).
//
// The engine never writes files or prints. Per-probe failures are absorbed
// into the returned data; only an unavailable probe capability or invalid
// input is reported as an error.
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/anstrom/gapscan/internal/ports"
)

//go:generate mockgen -destination=mocks/mock_prober.go -package=mocks github.com/anstrom/gapscan/internal/probe Prober

var (
	// ErrUnavailable marks a probe capability that cannot run at all in this
	// environment, as opposed to a single probe failing.
	ErrUnavailable = errors.New("probe capability unavailable")

	// ErrUnreachable marks a probe whose target could not be routed to.
	ErrUnreachable = errors.New("host unreachable")
)

// Attempt is the classified outcome of a single probe. Err is informational
// and only set for failures other than a timeout or an explicit refusal.
type Attempt struct {
	State ports.State
	RTT   time.Duration
	Err   error
}

// Prober sends one connectivity probe to host for key and classifies it.
type Prober interface {
	Attempt(ctx context.Context, host string, key ports.Key, timeout time.Duration) Attempt
}

// Preflighter is implemented by probers that can verify up front whether
// they are able to run at the requested concurrency.
type Preflighter interface {
	Preflight(ctx context.Context, concurrency int) error
}

// Mux routes probes to a prober per protocol.
type Mux map[ports.Protocol]Prober

// Attempt implements Prober.
func (m Mux) Attempt(ctx context.Context, host string, key ports.Key, timeout time.Duration) Attempt {
	p, ok := m[key.Protocol]
	if !ok {
		return Attempt{State: ports.Filtered, Err: ErrUnavailable}
	}
	return p.Attempt(ctx, host, key, timeout)
}

// Preflight checks every routed prober that supports it.
func (m Mux) Preflight(ctx context.Context, concurrency int) error {
	for _, p := range m {
		if pf, ok := p.(Preflighter); ok {
			if err := pf.Preflight(ctx, concurrency); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, host string, key ports.Key, timeout time.Duration) Attempt

// Attempt implements Prober.
func (f ProberFunc) Attempt(ctx context.Context, host string, key ports.Key, timeout time.Duration) Attempt {
	return f(ctx, host, key, timeout)
}
