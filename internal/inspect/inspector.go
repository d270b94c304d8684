// Package inspect runs the deep-inspection pass over the consolidated port
// set of a session. Each open port is handed to exactly one Inspector,
// chosen by a Router, under a small concurrency gate. A batch backend may
// take over the whole set at once.
package inspect

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

// ErrBackendUnavailable is returned by a BatchInspector whose external
// tooling cannot run on this host.
var ErrBackendUnavailable = errors.New("inspection backend unavailable")

// ErrNoSignal means a port answered nothing an inspector could use.
var ErrNoSignal = errors.New("no service signal")

// Inspector extracts service information from one open port.
type Inspector interface {
	Name() string
	Inspect(ctx context.Context, target string, key ports.Key, timeout time.Duration) (scanning.ServiceInfo, error)
}

// BatchInspector inspects a whole port set in one run.
type BatchInspector interface {
	Name() string
	InspectAll(ctx context.Context, target string, set ports.Set, timeout time.Duration) (map[ports.Key]scanning.ServiceInfo, *scanning.OSGuess, error)
}

// Matcher selects the keys a route applies to.
type Matcher func(ports.Key) bool

// OnPorts matches the given ports of one protocol.
func OnPorts(proto ports.Protocol, nums ...uint16) Matcher {
	return func(k ports.Key) bool {
		return k.Protocol == proto && slices.Contains(nums, k.Port)
	}
}

// OnProtocol matches every port of one protocol.
func OnProtocol(proto ports.Protocol) Matcher {
	return func(k ports.Key) bool { return k.Protocol == proto }
}

type route struct {
	match     Matcher
	inspector Inspector
}

// Router picks the inspector for a key. Routes are tried in registration
// order; the fallback handles everything else.
type Router struct {
	routes   []route
	fallback Inspector
}

// NewRouter creates a router that sends unmatched keys to fallback.
func NewRouter(fallback Inspector) *Router {
	return &Router{fallback: fallback}
}

// Handle registers in for keys accepted by match.
func (r *Router) Handle(match Matcher, in Inspector) *Router {
	r.routes = append(r.routes, route{match: match, inspector: in})
	return r
}

// Route returns the inspector responsible for key.
func (r *Router) Route(key ports.Key) Inspector {
	for _, rt := range r.routes {
		if rt.match(key) {
			return rt.inspector
		}
	}
	return r.fallback
}

// DefaultRouter wires the native inspectors: DNS on 53, SNMP on 161/udp,
// SSH on 22 and the banner grabber for the rest.
func DefaultRouter() *Router {
	ssh := NewSSHInspector()
	return NewRouter(NewBannerInspector(WithSSHUpgrade(ssh))).
		Handle(OnPorts(ports.TCP, 53), NewDNSInspector("tcp")).
		Handle(OnPorts(ports.UDP, 53), NewDNSInspector("udp")).
		Handle(OnPorts(ports.UDP, 161), NewSNMPInspector()).
		Handle(OnPorts(ports.TCP, 22), ssh)
}

// Func adapts a function to the Inspector interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, target string, key ports.Key, timeout time.Duration) (scanning.ServiceInfo, error)
}

// Name implements Inspector.
func (f Func) Name() string { return f.ID }

// Inspect implements Inspector.
func (f Func) Inspect(ctx context.Context, target string, key ports.Key, timeout time.Duration) (scanning.ServiceInfo, error) {
	return f.Fn(ctx, target, key, timeout)
}
