package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/anstrom/gapscan/internal/api"
	"github.com/anstrom/gapscan/internal/config"
	"github.com/anstrom/gapscan/internal/logging"
	"github.com/anstrom/gapscan/internal/metrics"
	"github.com/anstrom/gapscan/internal/session"
)

var scanSkipDeep bool

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Scan one host with the fast and exhaustive strategies",
	Long: `Scan a host name or IP address. A fast pass over the top 1000 TCP
ports and an exhaustive pass over all 65535 run at the same time. Ports
the fast pass missed are reported as anomalies, and every open port is
handed to deep inspection for service and OS fingerprinting.

Exit status: 0 completed, 1 no open ports, 2 target unreachable or
probing unavailable, 3 cancelled.`,
	Example: `  gapscan scan 192.0.2.10
  gapscan scan db01.example.net --udp --output-dir /var/lib/gapscan
  gapscan scan 10.0.0.5 --skip-deep --sinks json,sql
  gapscan scan host.internal --deep-backend nmap --serve`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		bindScanFlags(cmd)
		return nil
	},
	RunE: runScan,
}

// scanFlags maps scan-tuning flags onto configuration keys. They are
// shared by scan and watch, so binding happens in PreRunE.
var scanFlags = []struct {
	name string
	key  string
}{
	{"fast-timeout", "scan.fast_timeout"},
	{"fast-concurrency", "scan.fast_concurrency"},
	{"exhaustive-timeout", "scan.exhaustive_timeout"},
	{"exhaustive-concurrency", "scan.exhaustive_concurrency"},
	{"udp", "scan.enable_secondary_udp_pass"},
	{"session-timeout", "scan.session_timeout"},
	{"max-in-flight", "scan.max_in_flight"},
	{"rate-limit", "scan.rate_limit"},
	{"retries", "scan.retries"},
	{"proxy", "scan.proxy"},
	{"output-dir", "output.directory"},
	{"sinks", "output.sinks"},
	{"deep-backend", "deep.backend"},
	{"serve", "server.enabled"},
	{"listen", "server.listen_addr"},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addScanFlags(scanCmd)
	scanCmd.Flags().BoolVar(&scanSkipDeep, "skip-deep", false, "skip deep inspection of open ports")
}

func addScanFlags(cmd *cobra.Command) {
	d := config.Default()
	f := cmd.Flags()
	f.Duration("fast-timeout", d.Scan.FastTimeout, "per-probe timeout of the fast strategy")
	f.Int("fast-concurrency", d.Scan.FastConcurrency, "probes in flight for the fast strategy")
	f.Duration("exhaustive-timeout", d.Scan.ExhaustiveTimeout, "per-probe timeout of the exhaustive strategy")
	f.Int("exhaustive-concurrency", d.Scan.ExhaustiveConcurrency, "probes in flight for the exhaustive strategy")
	f.Bool("udp", false, "follow the TCP scan with a top-ports UDP sweep")
	f.Duration("session-timeout", 0, "bound on the whole session (0 disables)")
	f.Int("max-in-flight", 0, "cap on probes in flight across strategies (0 disables)")
	f.Float64("rate-limit", 0, "probe starts per second (0 disables)")
	f.Int("retries", d.Scan.Retries, "connect retries on transient TCP errors")
	f.String("proxy", "", "SOCKS5 proxy URL for TCP probes, e.g. socks5://127.0.0.1:1080")
	f.String("output-dir", d.Output.Directory, "parent directory of per-session result directories")
	f.StringSlice("sinks", d.Output.Sinks, "result sinks: json, table, sql, metrics, pubsub")
	f.String("deep-backend", d.Deep.Backend, "deep inspection backend: native or nmap")
	f.Bool("serve", false, "serve session events and metrics over HTTP while scanning")
	f.String("listen", d.Server.ListenAddr, "listen address of the events server")
}

func bindScanFlags(cmd *cobra.Command) {
	for _, sf := range scanFlags {
		if fl := cmd.Flags().Lookup(sf.name); fl != nil {
			bindFlag(sf.key, fl)
		}
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	stderr := cmd.ErrOrStderr()

	observers := []session.Observer{newConsoleObserver(stderr, verbose)}
	srv, stopServer, err := startServer(ctx, cfg.Server, logger)
	if err != nil {
		return err
	}
	defer stopServer()
	if srv != nil {
		observers = append(observers, srv.Hub())
	}

	r, err := newRunner(ctx, cfg, logger, cmd.OutOrStdout(), scanSkipDeep, observers...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			logger.Warn("Failed to close sinks", "error", cerr)
		}
	}()

	outcomes, code, _ := r.scan(ctx, args[0])
	for _, o := range outcomes {
		printOutcome(stderr, o)
	}
	exitCode = code
	return nil
}

// startServer runs the events server in the background when enabled. The
// returned stop function is always safe to call.
func startServer(ctx context.Context, cfg config.ServerConfig, logger *logging.Logger) (*api.Server, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("events server listen: %w", err)
	}
	srv := api.New(cfg, metrics.GetGlobalMetrics(), logger.WithComponent("api").Logger, version)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	stop := func() {
		if err := srv.Stop(); err != nil {
			logger.Warn("Failed to stop events server", "error", err)
		}
		if err := <-errCh; err != nil {
			logger.Warn("Events server exited", "error", err)
		}
	}
	return srv, stop, nil
}
