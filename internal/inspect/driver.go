package inspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/probe"
	"github.com/anstrom/gapscan/internal/scanning"
)

const (
	defaultConcurrency = 10
	defaultTimeout     = 10 * time.Second
)

// Recorder receives one call per finished inspection.
type Recorder interface {
	RecordInspection(inspector, status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordInspection(string, string) {}

// Report is the output of a deep-inspection pass.
type Report struct {
	Services map[ports.Key]scanning.ServiceInfo
	OS       *scanning.OSGuess
	Warnings []scanning.Warning
}

// Driver runs the deep-inspection pass.
type Driver struct {
	router      *Router
	batch       BatchInspector
	concurrency int
	timeout     time.Duration
	parent      *probe.Gate
	logger      *slog.Logger
	recorder    Recorder
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithConcurrency bounds the number of ports inspected at once.
func WithConcurrency(n int) DriverOption {
	return func(d *Driver) { d.concurrency = n }
}

// WithTimeout sets the per-port inspection timeout.
func WithTimeout(t time.Duration) DriverOption {
	return func(d *Driver) { d.timeout = t }
}

// WithBatch makes b the first choice. The router is used when b reports
// ErrBackendUnavailable or fails.
func WithBatch(b BatchInspector) DriverOption {
	return func(d *Driver) { d.batch = b }
}

// WithSharedGate chains the driver gate to a process-wide gate.
func WithSharedGate(g *probe.Gate) DriverOption {
	return func(d *Driver) { d.parent = g }
}

// WithDriverLogger sets the logger.
func WithDriverLogger(l *slog.Logger) DriverOption {
	return func(d *Driver) { d.logger = l }
}

// WithInspectionRecorder sets the measurement sink.
func WithInspectionRecorder(r Recorder) DriverOption {
	return func(d *Driver) { d.recorder = r }
}

// NewDriver creates a driver routing ports through router.
func NewDriver(router *Router, opts ...DriverOption) *Driver {
	d := &Driver{
		router:      router,
		concurrency: defaultConcurrency,
		timeout:     defaultTimeout,
		logger:      slog.Default(),
		recorder:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.router == nil {
		d.router = DefaultRouter()
	}
	return d
}

// Inspect inspects exactly the ports of set. Per-port failures are recorded
// as unknown services. The only error returned is the context's, in which
// case the report holds what finished before cancellation.
func (d *Driver) Inspect(ctx context.Context, target string, set ports.Set) (Report, error) {
	rep := Report{Services: make(map[ports.Key]scanning.ServiceInfo, set.Len())}
	if set.IsEmpty() {
		return rep, nil
	}

	if d.batch != nil {
		done, err := d.inspectBatch(ctx, target, set, &rep)
		if err != nil {
			return rep, err
		}
		if done {
			return rep, nil
		}
	}

	if err := d.inspectEach(ctx, target, set, &rep); err != nil {
		return rep, err
	}
	rep.OS = GuessOS(set, rep.Services)
	return rep, nil
}

func (d *Driver) inspectBatch(ctx context.Context, target string, set ports.Set, rep *Report) (bool, error) {
	name := d.batch.Name()
	// The batch covers every port, so it gets the budget of the whole set.
	budget := d.timeout * time.Duration(set.Len())
	services, osGuess, err := d.batch.InspectAll(ctx, target, set, budget)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		d.recorder.RecordInspection(name, "unavailable")
		msg := fmt.Sprintf("%s backend failed, using native inspectors: %v", name, err)
		if errors.Is(err, ErrBackendUnavailable) {
			msg = fmt.Sprintf("%s backend unavailable, using native inspectors", name)
		}
		d.logger.Warn("Batch inspection fell back", "inspector", name, "target", target, "error", err)
		rep.Warnings = append(rep.Warnings, scanning.Warning{
			Code:    gerrors.CodeInspectionFailed,
			Message: msg,
			Source:  ports.DeepScan.String(),
		})
		return false, nil
	}

	for _, key := range set.Keys() {
		info, ok := services[key]
		if !ok {
			info = scanning.UnknownService(name, ErrNoSignal)
		}
		rep.Services[key] = info
		d.recorder.RecordInspection(name, status(info))
	}
	rep.OS = osGuess
	if rep.OS == nil {
		rep.OS = GuessOS(set, rep.Services)
	}
	return true, nil
}

func (d *Driver) inspectEach(ctx context.Context, target string, set ports.Set, rep *Report) error {
	gate := probe.NewGate(d.concurrency, d.parent)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, key := range set.Keys() {
		if err := gate.Acquire(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(key ports.Key) {
			defer wg.Done()
			defer gate.Release()

			info := d.inspectOne(ctx, target, key)
			mu.Lock()
			rep.Services[key] = info
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	return ctx.Err()
}

func (d *Driver) inspectOne(ctx context.Context, target string, key ports.Key) scanning.ServiceInfo {
	in := d.router.Route(key)
	if in == nil {
		return scanning.UnknownService("", ErrNoSignal)
	}

	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	info, err := in.Inspect(pctx, target, key, d.timeout)
	if err != nil {
		d.logger.Debug("Inspection failed",
			"inspector", in.Name(), "target", target, "port", key.String(),
			"duration", time.Since(start), "error", err)
		unknown := scanning.UnknownService(in.Name(), err)
		unknown.Name = info.Name
		unknown.Banner = info.Banner
		d.recorder.RecordInspection(in.Name(), "error")
		return unknown
	}
	if info.Inspector == "" {
		info.Inspector = in.Name()
	}
	d.recorder.RecordInspection(in.Name(), status(info))
	return info
}

func status(info scanning.ServiceInfo) string {
	if info.Unknown {
		return "unknown"
	}
	return "identified"
}
