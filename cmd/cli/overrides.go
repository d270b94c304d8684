package cli

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/gapscan/internal/config"
	"github.com/anstrom/gapscan/internal/logging"
)

// override copies one viper key onto the loaded configuration. Keys are
// set by a changed flag or a GAPSCAN_<SECTION>_<KEY> environment variable.
type override struct {
	key   string
	apply func(c *config.Config, key string)
}

var overrides = []override{
	{"scan.fast_timeout", func(c *config.Config, k string) { c.Scan.FastTimeout = viper.GetDuration(k) }},
	{"scan.fast_concurrency", func(c *config.Config, k string) { c.Scan.FastConcurrency = viper.GetInt(k) }},
	{"scan.exhaustive_timeout", func(c *config.Config, k string) { c.Scan.ExhaustiveTimeout = viper.GetDuration(k) }},
	{"scan.exhaustive_concurrency", func(c *config.Config, k string) { c.Scan.ExhaustiveConcurrency = viper.GetInt(k) }},
	{"scan.udp_timeout", func(c *config.Config, k string) { c.Scan.UDPTimeout = viper.GetDuration(k) }},
	{"scan.udp_concurrency", func(c *config.Config, k string) { c.Scan.UDPConcurrency = viper.GetInt(k) }},
	{"scan.max_in_flight", func(c *config.Config, k string) { c.Scan.MaxInFlight = viper.GetInt(k) }},
	{"scan.rate_limit", func(c *config.Config, k string) { c.Scan.RateLimit = viper.GetFloat64(k) }},
	{"scan.rate_burst", func(c *config.Config, k string) { c.Scan.RateBurst = viper.GetInt(k) }},
	{"scan.retries", func(c *config.Config, k string) { c.Scan.Retries = viper.GetInt(k) }},
	{"scan.proxy", func(c *config.Config, k string) { c.Scan.Proxy = viper.GetString(k) }},
	{"scan.enable_secondary_udp_pass", func(c *config.Config, k string) { c.Scan.EnableSecondaryUDPPass = viper.GetBool(k) }},
	{"scan.session_timeout", func(c *config.Config, k string) { c.Scan.SessionTimeout = viper.GetDuration(k) }},

	{"deep.enabled", func(c *config.Config, k string) { c.Deep.Enabled = viper.GetBool(k) }},
	{"deep.backend", func(c *config.Config, k string) { c.Deep.Backend = viper.GetString(k) }},
	{"deep.timeout", func(c *config.Config, k string) { c.Deep.Timeout = viper.GetDuration(k) }},
	{"deep.concurrency", func(c *config.Config, k string) { c.Deep.Concurrency = viper.GetInt(k) }},
	{"deep.scripts", func(c *config.Config, k string) { c.Deep.Scripts = viper.GetBool(k) }},
	{"deep.os_detection", func(c *config.Config, k string) { c.Deep.OSDetection = viper.GetBool(k) }},
	{"deep.skip_host_discovery", func(c *config.Config, k string) { c.Deep.SkipHostDiscovery = viper.GetBool(k) }},
	{"deep.timing_template", func(c *config.Config, k string) { c.Deep.TimingTemplate = viper.GetInt(k) }},

	{"output.directory", func(c *config.Config, k string) { c.Output.Directory = viper.GetString(k) }},
	{"output.sinks", func(c *config.Config, k string) { c.Output.Sinks = viper.GetStringSlice(k) }},

	{"logging.level", func(c *config.Config, k string) { c.Logging.Level = logging.LogLevel(viper.GetString(k)) }},
	{"logging.format", func(c *config.Config, k string) { c.Logging.Format = logging.LogFormat(viper.GetString(k)) }},
	{"logging.output", func(c *config.Config, k string) { c.Logging.Output = viper.GetString(k) }},

	{"server.enabled", func(c *config.Config, k string) { c.Server.Enabled = viper.GetBool(k) }},
	{"server.listen_addr", func(c *config.Config, k string) { c.Server.ListenAddr = viper.GetString(k) }},

	{"database.driver", func(c *config.Config, k string) { c.Database.Driver = viper.GetString(k) }},
	{"database.dsn", func(c *config.Config, k string) { c.Database.DSN = viper.GetString(k) }},

	{"pubsub.project_id", func(c *config.Config, k string) { c.PubSub.ProjectID = viper.GetString(k) }},
	{"pubsub.topic_id", func(c *config.Config, k string) { c.PubSub.TopicID = viper.GetString(k) }},

	{"watch.schedule", func(c *config.Config, k string) { c.Watch.Schedule = viper.GetString(k) }},
}

func applyOverrides(cfg *config.Config) {
	for _, o := range overrides {
		if viper.IsSet(o.key) {
			o.apply(cfg, o.key)
		}
	}
}

// bindFlag binds a flag to a viper key.
func bindFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag.Name, err)
	}
}
