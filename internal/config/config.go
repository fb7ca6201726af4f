package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/szibis/metrics-relay/internal/logging"
	"github.com/szibis/metrics-relay/internal/receiver"
	"github.com/szibis/metrics-relay/internal/record"
	"github.com/szibis/metrics-relay/internal/relay"
	"github.com/szibis/metrics-relay/internal/router"
	"github.com/szibis/metrics-relay/internal/server"
	"github.com/szibis/metrics-relay/internal/stats"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string {
	return version
}

// Config holds the application configuration.
type Config struct {
	ConfigFile string

	// Listener settings
	ListenAddr    string
	ReusePort     bool
	ReceiveBuffer int
	Assign        string
	Workers       int
	MaxLineLength int

	// Server connection settings, shared by every backend
	QueueSize      int
	BatchSize      int
	IOTimeout      time.Duration
	DrainTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Collector settings. An empty prefix means carbon.relays.<hostname>;
	// a zero interval disables the collector.
	CollectorInterval time.Duration
	CollectorPrefix   string

	StatsAddr string
	LogLevel  string

	// Routing table, from the config file only
	Routes router.Config

	// Modes
	TestMode    bool
	Validate    bool
	WatchConfig bool
	ShowHelp    bool
	ShowVersion bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	srv := server.DefaultConfig("")
	return &Config{
		ListenAddr:        ":2003",
		Assign:            string(receiver.AssignRoundRobin),
		Workers:           16,
		MaxLineLength:     record.DefaultMaxLineLength,
		QueueSize:         srv.QueueSize,
		BatchSize:         srv.BatchSize,
		IOTimeout:         srv.IOTimeout,
		DrainTimeout:      srv.DrainTimeout,
		BackoffInitial:    srv.BackoffInitial,
		BackoffMax:        srv.BackoffMax,
		CollectorInterval: stats.DefaultInterval,
		StatsAddr:         ":9090",
		LogLevel:          "info",
	}
}

// ParseFlags parses args (without the program name), loads the config file
// if one is given and applies the flags that were set explicitly on top of
// it.
func ParseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("metrics-relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parse(fs, args)
}

func parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()

	// Config file flag
	var configFile string
	fs.StringVar(&configFile, "config", "", "Path to YAML configuration file")

	// Listener flags
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Address to accept plaintext metrics on")
	fs.BoolVar(&cfg.ReusePort, "reuse-port", false, "Set SO_REUSEPORT on the listening socket")
	fs.IntVar(&cfg.ReceiveBuffer, "receive-buffer", 0, "SO_RCVBUF for the listening socket in bytes (0 = system default)")
	fs.StringVar(&cfg.Assign, "assign", cfg.Assign, "Socket assignment: round_robin or least_loaded")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of dispatcher workers")
	fs.IntVar(&cfg.MaxLineLength, "max-line-length", cfg.MaxLineLength, "Longest accepted line in bytes")

	// Server flags
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Records queued per backend server")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Records written per batch")
	fs.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "Backend connect and write timeout")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Time each backend gets to flush its queue on shutdown")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First reconnect delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Longest reconnect delay")

	// Collector flags
	fs.DurationVar(&cfg.CollectorInterval, "collector-interval", cfg.CollectorInterval, "Self-metrics interval (0 disables)")
	fs.StringVar(&cfg.CollectorPrefix, "collector-prefix", "", "Self-metrics prefix (default: carbon.relays.<hostname>)")

	// Stats and logging flags
	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Address for /metrics, /live and /ready (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Minimum log level: debug, info, warn, error")

	// Modes
	fs.BoolVar(&cfg.TestMode, "test", false, "Read metric names from stdin and print the routing decisions")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate the config file, print the result as JSON and exit")
	fs.BoolVar(&cfg.WatchConfig, "watch-config", false, "Reload the route table when the config file changes")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version (shorthand)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	// Load YAML config if specified
	if configFile != "" {
		yamlCfg, err := LoadYAML(configFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configFile, err)
		}
		cfg = yamlCfg.ToConfig()
		cfg.ConfigFile = configFile
	}

	// Apply CLI overrides for explicitly set flags
	if err := applyFlagOverrides(fs, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlagOverrides applies CLI flag values that were explicitly set.
func applyFlagOverrides(fs *flag.FlagSet, cfg *Config) error {
	var errs []error
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		var err error
		switch f.Name {
		case "listen":
			cfg.ListenAddr = v
		case "reuse-port":
			cfg.ReusePort = v == "true"
		case "receive-buffer":
			cfg.ReceiveBuffer, err = strconv.Atoi(v)
		case "assign":
			cfg.Assign = v
		case "workers":
			cfg.Workers, err = strconv.Atoi(v)
		case "max-line-length":
			cfg.MaxLineLength, err = strconv.Atoi(v)
		case "queue-size":
			cfg.QueueSize, err = strconv.Atoi(v)
		case "batch-size":
			cfg.BatchSize, err = strconv.Atoi(v)
		case "io-timeout":
			cfg.IOTimeout, err = time.ParseDuration(v)
		case "drain-timeout":
			cfg.DrainTimeout, err = time.ParseDuration(v)
		case "backoff-initial":
			cfg.BackoffInitial, err = time.ParseDuration(v)
		case "backoff-max":
			cfg.BackoffMax, err = time.ParseDuration(v)
		case "collector-interval":
			cfg.CollectorInterval, err = time.ParseDuration(v)
		case "collector-prefix":
			cfg.CollectorPrefix = v
		case "stats-addr":
			cfg.StatsAddr = v
		case "log-level":
			cfg.LogLevel = v
		case "test":
			cfg.TestMode = v == "true"
		case "validate":
			cfg.Validate = v == "true"
		case "watch-config":
			cfg.WatchConfig = v == "true"
		case "help", "h":
			cfg.ShowHelp = v == "true"
		case "version", "v":
			cfg.ShowVersion = v == "true"
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("-%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// problems checks the relay settings and returns every problem found. The
// route table is checked by CheckRoutes.
func (c *Config) problems() []error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MaxLineLength < 16 {
		errs = append(errs, fmt.Errorf("max-line-length must be at least 16, got %d", c.MaxLineLength))
	}
	if c.ReceiveBuffer < 0 {
		errs = append(errs, fmt.Errorf("receive-buffer must not be negative, got %d", c.ReceiveBuffer))
	}
	if _, err := receiver.ParseAssignment(c.Assign); err != nil {
		errs = append(errs, fmt.Errorf("assign is invalid: %w", err))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue-size must be positive, got %d", c.QueueSize))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch-size must be positive, got %d", c.BatchSize))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"io-timeout", c.IOTimeout},
		{"drain-timeout", c.DrainTimeout},
		{"backoff-initial", c.BackoffInitial},
		{"backoff-max", c.BackoffMax},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.BackoffInitial > 0 && c.BackoffMax > 0 && c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("backoff-max must not be below backoff-initial (%s < %s)", c.BackoffMax, c.BackoffInitial))
	}
	if c.CollectorInterval < 0 {
		errs = append(errs, fmt.Errorf("collector-interval must not be negative, got %s", c.CollectorInterval))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log-level is invalid: %w", err))
	}
	return errs
}

// RelayConfig converts the settings into the relay core configuration.
func (c *Config) RelayConfig() (relay.Config, error) {
	assign, err := receiver.ParseAssignment(c.Assign)
	if err != nil {
		return relay.Config{}, err
	}

	dispatcher := receiver.DefaultDispatcherConfig()
	dispatcher.MaxLineLength = c.MaxLineLength

	srv := server.DefaultConfig("")
	srv.QueueSize = c.QueueSize
	srv.BatchSize = c.BatchSize
	srv.IOTimeout = c.IOTimeout
	srv.DrainTimeout = c.DrainTimeout
	srv.BackoffInitial = c.BackoffInitial
	srv.BackoffMax = c.BackoffMax

	return relay.Config{
		Listener: receiver.ListenerConfig{
			Address:       c.ListenAddr,
			ReusePort:     c.ReusePort,
			ReceiveBuffer: c.ReceiveBuffer,
			Assign:        assign,
		},
		Dispatcher: dispatcher,
		Server:     srv,
		Routes:     c.Routes,
	}, nil
}

// CollectorConfig returns the collector settings; host names the default
// prefix.
func (c *Config) CollectorConfig(host string) stats.Config {
	prefix := c.CollectorPrefix
	if prefix == "" {
		prefix = stats.DefaultPrefix(host)
	}
	return stats.Config{Prefix: prefix, Interval: c.CollectorInterval}
}

// PrintUsage prints the help message.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, `metrics-relay - plaintext metrics relay

USAGE:
    metrics-relay [OPTIONS]

DESCRIPTION:
    Accepts "name value timestamp" lines over TCP, routes each record by
    its name through an ordered rule list and forwards it to the matching
    backend clusters. Backends that go away are retried with backoff while
    their records queue up in a bounded per-server queue.

OPTIONS:
    Configuration:
        -config <path>                   Path to YAML configuration file (clusters and rules)
                                         CLI flags override config file values
        -watch-config                    Reload the route table when the file changes (default: false)
        -validate                        Validate the config file, print JSON and exit
        -test                            Read metric names from stdin, print routing decisions and exit

    Listener:
        -listen <addr>                   Address to accept metrics on (default: ":2003")
        -workers <n>                     Dispatcher workers (default: 16)
        -assign <mode>                   round_robin or least_loaded (default: "round_robin")
        -reuse-port                      Set SO_REUSEPORT on the listening socket (default: false)
        -receive-buffer <bytes>          SO_RCVBUF for the listening socket (default: system)
        -max-line-length <bytes>         Longest accepted line (default: 8192)

    Backend servers:
        -queue-size <n>                  Records queued per server (default: 25000)
        -batch-size <n>                  Records written per batch (default: 2500)
        -io-timeout <dur>                Connect and write timeout (default: 2s)
        -drain-timeout <dur>             Flush budget per server on shutdown (default: 5s)
        -backoff-initial <dur>           First reconnect delay (default: 500ms)
        -backoff-max <dur>               Longest reconnect delay (default: 30s)

    Self-metrics:
        -collector-interval <dur>        Interval of routed self-metrics, 0 disables (default: 60s)
        -collector-prefix <prefix>       Name prefix (default: carbon.relays.<hostname>)
        -stats-addr <addr>               Prometheus /metrics, /live and /ready (default: ":9090")

    Logging:
        -log-level <level>               debug, info, warn or error (default: "info")

    General:
        -h, -help                        Show this help message
        -v, -version                     Show version

SIGNALS:
    SIGHUP                               Reload clusters and rules from -config
    SIGINT, SIGTERM                      Stop accepting, flush queues and exit

EXAMPLES:
    # Start with a config file
    metrics-relay -config /etc/metrics-relay/relay.yaml

    # Check which clusters a name goes to
    echo "app.web01.cpu" | metrics-relay -config relay.yaml -test

    # Validate a config file
    metrics-relay -config relay.yaml -validate

`)
}

// PrintVersion prints the version.
func PrintVersion() {
	fmt.Printf("metrics-relay version %s\n", version)
}
