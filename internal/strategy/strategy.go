// Package strategy provides the port-selection strategies driven by the
// reconciler. Each strategy is a port list plus probe tuning; all of them
// delegate to the same probe engine.
package strategy

import (
	"context"
	"time"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/probe"
)

// Strategy produces the open port set of one target.
type Strategy interface {
	Name() string
	Source() ports.Source
	Produce(ctx context.Context, target string) (probe.Result, error)
}

// Prober is the part of the probe engine a strategy needs.
type Prober interface {
	Probe(ctx context.Context, target string, keys []ports.Key, opts probe.Options) (probe.Result, error)
}

// Tuning holds the per-probe timeout and in-flight bound of a strategy.
type Tuning struct {
	Timeout        time.Duration
	MaxConcurrency int
}

// PortStrategy probes a fixed list of ports.
type PortStrategy struct {
	name   string
	engine Prober
	keys   []ports.Key
	tuning Tuning
	source ports.Source
}

// New creates a strategy over an explicit port list.
func New(name string, engine Prober, keys []ports.Key, source ports.Source, t Tuning) *PortStrategy {
	return &PortStrategy{
		name:   name,
		engine: engine,
		keys:   keys,
		tuning: t,
		source: source,
	}
}

// NewFast probes the curated top-1000 TCP ports.
func NewFast(engine Prober, t Tuning) *PortStrategy {
	return New("fast", engine, ports.TopTCP(), ports.FastScan, t)
}

// NewExhaustive probes every TCP port.
func NewExhaustive(engine Prober, t Tuning) *PortStrategy {
	return New("exhaustive", engine, ports.AllTCP(), ports.ExhaustiveScan, t)
}

// NewTopUDP probes the curated top-100 UDP ports.
func NewTopUDP(engine Prober, t Tuning) *PortStrategy {
	return New("udp-top", engine, ports.TopUDP(), ports.FastScan, t)
}

// Name returns a short identifier for logs and events.
func (s *PortStrategy) Name() string { return s.name }

// Source returns the provenance tag stamped on produced records.
func (s *PortStrategy) Source() ports.Source { return s.source }

// Ports returns the number of ports probed per run.
func (s *PortStrategy) Ports() int { return len(s.keys) }

// Produce implements Strategy.
func (s *PortStrategy) Produce(ctx context.Context, target string) (probe.Result, error) {
	return s.engine.Probe(ctx, target, s.keys, probe.Options{
		Timeout:        s.tuning.Timeout,
		MaxConcurrency: s.tuning.MaxConcurrency,
		Source:         s.source,
	})
}
