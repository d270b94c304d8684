package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/anstrom/gapscan/internal/config"
	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/inspect"
	"github.com/anstrom/gapscan/internal/logging"
	"github.com/anstrom/gapscan/internal/metrics"
	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/probe"
	"github.com/anstrom/gapscan/internal/reconcile"
	"github.com/anstrom/gapscan/internal/report"
	"github.com/anstrom/gapscan/internal/session"
	"github.com/anstrom/gapscan/internal/strategy"
)

// runner holds everything that outlives a single session: the probe
// engine, the deep-inspection driver and the sinks. scan runs one session
// per call and watch reuses it across scheduled runs.
type runner struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
	engine   *probe.Engine
	deep     session.Inspector
	sink     *report.Multi
	observer session.Observer
	closers  []io.Closer
}

// newRunner wires the components described by cfg. out receives the
// table summary; skipDeep disables deep inspection regardless of cfg.
func newRunner(ctx context.Context, cfg *config.Config, logger *logging.Logger, out io.Writer, skipDeep bool, observers ...session.Observer) (*runner, error) {
	r := &runner{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.GetGlobalMetrics(),
		observer: session.Observers(observers),
	}

	tcp, err := probe.NewTCPProber(probe.WithRetries(cfg.Scan.Retries), probe.WithProxy(cfg.Scan.Proxy))
	if err != nil {
		return nil, gerrors.ErrProbeEngineUnavailable(err)
	}
	mux := probe.Mux{ports.TCP: tcp, ports.UDP: probe.NewUDPProber()}

	engineOpts := []probe.EngineOption{
		probe.WithLogger(logger.WithComponent("probe").Logger),
		probe.WithRateLimit(cfg.Scan.RateLimit, cfg.Scan.RateBurst),
		probe.WithRecorder(r.metrics),
	}
	var gate *probe.Gate
	if cfg.Scan.MaxInFlight > 0 {
		gate = probe.NewGate(cfg.Scan.MaxInFlight, nil)
		engineOpts = append(engineOpts, probe.WithGate(gate))
	}
	r.engine = probe.NewEngine(mux, engineOpts...)

	if cfg.Deep.Enabled && !skipDeep {
		r.deep = newDeepDriver(cfg.Deep, logger, r.metrics, gate)
	}

	sinks, err := r.openSinks(ctx, out)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.sink = report.NewMulti(r.metrics, sinks...)
	return r, nil
}

func newDeepDriver(cfg config.DeepConfig, logger *logging.Logger, m *metrics.PrometheusMetrics, gate *probe.Gate) *inspect.Driver {
	deepLogger := logger.WithComponent("deep").Logger
	opts := []inspect.DriverOption{
		inspect.WithConcurrency(cfg.Concurrency),
		inspect.WithTimeout(cfg.Timeout),
		inspect.WithDriverLogger(deepLogger),
		inspect.WithInspectionRecorder(m),
	}
	if gate != nil {
		opts = append(opts, inspect.WithSharedGate(gate))
	}
	if cfg.Backend == config.BackendNmap {
		opts = append(opts, inspect.WithBatch(inspect.NewNmapInspector(inspect.NmapOptions{
			Scripts:           cfg.Scripts,
			OSDetection:       cfg.OSDetection,
			SkipHostDiscovery: cfg.SkipHostDiscovery,
			TimingTemplate:    cfg.TimingTemplate,
		}, deepLogger)))
	}
	return inspect.NewDriver(inspect.DefaultRouter(), opts...)
}

func (r *runner) openSinks(ctx context.Context, out io.Writer) ([]report.Sink, error) {
	var sinks []report.Sink
	for _, name := range r.cfg.Output.Sinks {
		switch name {
		case config.SinkJSON:
			sinks = append(sinks, report.NewJSONSink())
		case config.SinkTable:
			sinks = append(sinks, report.NewTableSink(out))
		case config.SinkMetrics:
			sinks = append(sinks, report.NewMetricsSink(r.metrics))
		case config.SinkSQL:
			s, err := report.OpenSQL(ctx, r.cfg.Database.Driver, r.cfg.Database.DSN)
			if err != nil {
				return nil, gerrors.Wrap(gerrors.CodeReportFailed, "open sql sink", err)
			}
			r.closers = append(r.closers, s)
			sinks = append(sinks, s)
		case config.SinkPubSub:
			s, err := report.NewPubSubSink(ctx, r.cfg.PubSub.ProjectID, r.cfg.PubSub.TopicID)
			if err != nil {
				return nil, gerrors.Wrap(gerrors.CodeReportFailed, "open pubsub sink", err)
			}
			r.closers = append(r.closers, s)
			sinks = append(sinks, s)
		default:
			return nil, fmt.Errorf("unknown sink %q", name)
		}
	}
	return sinks, nil
}

// tcpSession builds the primary session: fast and exhaustive TCP passes.
func (r *runner) tcpSession(target string) *session.Session {
	scan := r.cfg.Scan
	fast := strategy.NewFast(r.engine, strategy.Tuning{Timeout: scan.FastTimeout, MaxConcurrency: scan.FastConcurrency})
	exhaustive := strategy.NewExhaustive(r.engine, strategy.Tuning{Timeout: scan.ExhaustiveTimeout, MaxConcurrency: scan.ExhaustiveConcurrency})
	return r.newSession(target, reconcile.New(fast, exhaustive, r.logger.Logger), ports.TCP, "")
}

// udpSession builds the secondary sweep: top UDP ports, no exhaustive pass.
func (r *runner) udpSession(target string) *session.Session {
	scan := r.cfg.Scan
	udp := strategy.NewTopUDP(r.engine, strategy.Tuning{Timeout: scan.UDPTimeout, MaxConcurrency: scan.UDPConcurrency})
	return r.newSession(target, reconcile.New(udp, nil, r.logger.Logger), ports.UDP, "_udp")
}

func (r *runner) newSession(target string, rec *reconcile.Reconciler, proto ports.Protocol, suffix string) *session.Session {
	opts := []session.Option{
		session.WithSink(r.sink),
		session.WithObserver(r.observer),
		session.WithLogger(r.logger),
		session.WithMetrics(r.metrics),
		session.WithOptions(session.Options{
			Protocol:  proto,
			OutputDir: r.cfg.Output.Directory,
			DirSuffix: suffix,
			Timeout:   r.cfg.Scan.SessionTimeout,
		}),
	}
	if r.deep != nil {
		opts = append(opts, session.WithInspector(r.deep))
	}
	return session.New(target, rec, opts...)
}

// scan runs the TCP session and, when enabled, the UDP sweep. The exit
// code is the TCP session's unless the UDP sweep was cancelled.
func (r *runner) scan(ctx context.Context, target string) ([]session.Outcome, int, error) {
	tcp := r.tcpSession(target).Run(ctx)
	outcomes := []session.Outcome{tcp}
	code, err := tcp.ExitCode, tcp.Err

	if !r.cfg.Scan.EnableSecondaryUDPPass || !sweepable(tcp) {
		return outcomes, code, err
	}
	udp := r.udpSession(target).Run(ctx)
	outcomes = append(outcomes, udp)
	if udp.ExitCode == gerrors.ExitCanceled {
		return outcomes, udp.ExitCode, udp.Err
	}
	return outcomes, code, err
}

// sweepable reports whether the UDP sweep should follow a TCP outcome:
// only after a completed or empty TCP session.
func sweepable(o session.Outcome) bool {
	return o.ExitCode == gerrors.ExitCompleted || o.ExitCode == gerrors.ExitNoOpenPorts
}

// runOnce adapts scan to the scheduler.
func (r *runner) runOnce(ctx context.Context, target string) (int, error) {
	_, code, err := r.scan(ctx, target)
	return code, err
}

func (r *runner) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
