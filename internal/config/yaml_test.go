package config

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szibis/metrics-relay/internal/router"
)

func TestParseYAMLMinimal(t *testing.T) {
	cfg, err := ParseYAML([]byte(routesYAML))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}

	if cfg.Listener.Address != ":2003" {
		t.Errorf("expected default listen address ':2003', got '%s'", cfg.Listener.Address)
	}
	if cfg.Listener.Workers != 16 {
		t.Errorf("expected default workers 16, got %d", cfg.Listener.Workers)
	}
	if time.Duration(cfg.Server.BackoffMax) != 30*time.Second {
		t.Errorf("expected default backoff_max 30s, got %v", time.Duration(cfg.Server.BackoffMax))
	}
	if cfg.Collector.Interval == nil || time.Duration(*cfg.Collector.Interval) != time.Minute {
		t.Errorf("expected default collector interval 60s, got %v", cfg.Collector.Interval)
	}
	if cfg.Stats.Address == nil || *cfg.Stats.Address != ":9090" {
		t.Errorf("expected default stats address ':9090', got %v", cfg.Stats.Address)
	}
	if len(cfg.Routes.Clusters) != 1 || cfg.Routes.Clusters[0].Name != "main" {
		t.Errorf("clusters = %+v", cfg.Routes.Clusters)
	}
}

func TestParseYAMLFull(t *testing.T) {
	data := []byte(`
listener:
  address: "127.0.0.1:2003"
  reuse_port: true
  receive_buffer: 4194304
  assign: least_loaded
  workers: 8
  max_line_length: 4096
server:
  queue_size: 100000
  batch_size: 5000
  io_timeout: 3s
  drain_timeout: 10s
  backoff_initial: 1s
  backoff_max: 1m
collector:
  interval: 10s
  prefix: relays.web01
stats:
  address: ""
log_level: debug
clusters:
  - name: graphite
    type: consistent_hash
    replication: 2
    points: 100
    hash: fnv1a
    key: '^([^.]+\.[^.]+)'
    compression: zstd
    servers:
      - 10.0.0.1:2003
      - 10.0.0.2
      - 10.0.0.3:2004
  - name: archive
    type: forward
    servers: [archive:2003]
rules:
  - match: '^old\.(.*)'
    rewrite: 'new.$1'
  - match: '^test\.'
    cluster: blackhole
    stop: true
  - match: '*'
    cluster: graphite
  - match: '*'
    cluster: archive
`)
	y, err := ParseYAML(data)
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}
	cfg := y.ToConfig()

	if cfg.ListenAddr != "127.0.0.1:2003" || !cfg.ReusePort || cfg.ReceiveBuffer != 4194304 {
		t.Errorf("listener = %q %v %d", cfg.ListenAddr, cfg.ReusePort, cfg.ReceiveBuffer)
	}
	if cfg.Assign != "least_loaded" || cfg.Workers != 8 || cfg.MaxLineLength != 4096 {
		t.Errorf("listener = %q %d %d", cfg.Assign, cfg.Workers, cfg.MaxLineLength)
	}
	if cfg.QueueSize != 100000 || cfg.BatchSize != 5000 {
		t.Errorf("queue/batch = %d/%d", cfg.QueueSize, cfg.BatchSize)
	}
	if cfg.IOTimeout != 3*time.Second || cfg.DrainTimeout != 10*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.IOTimeout, cfg.DrainTimeout)
	}
	if cfg.BackoffInitial != time.Second || cfg.BackoffMax != time.Minute {
		t.Errorf("backoff = %v..%v", cfg.BackoffInitial, cfg.BackoffMax)
	}
	if cfg.CollectorInterval != 10*time.Second || cfg.CollectorPrefix != "relays.web01" {
		t.Errorf("collector = %v %q", cfg.CollectorInterval, cfg.CollectorPrefix)
	}
	if cfg.StatsAddr != "" {
		t.Errorf("expected explicitly empty stats address, got %q", cfg.StatsAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %q", cfg.LogLevel)
	}

	hash := cfg.Routes.Clusters[0]
	if hash.Type != router.ClusterConsistentHash || hash.Replication != 2 || hash.Points != 100 ||
		hash.Hash != "fnv1a" || hash.Compression != "zstd" || len(hash.Servers) != 3 {
		t.Errorf("hash cluster = %+v", hash)
	}
	if len(cfg.Routes.Rules) != 4 {
		t.Fatalf("expected 4 rules, got %d", len(cfg.Routes.Rules))
	}
	if cfg.Routes.Rules[0].Rewrite != "new.$1" {
		t.Errorf("rewrite rule = %+v", cfg.Routes.Rules[0])
	}
	if r := cfg.Routes.Rules[1]; r.Cluster != router.Blackhole || !r.Stop {
		t.Errorf("blackhole rule = %+v", r)
	}

	if err := CheckRoutes(cfg.Routes); err != nil {
		t.Errorf("CheckRoutes() error = %v", err)
	}
}

func TestParseYAMLCollectorDisabled(t *testing.T) {
	y, err := ParseYAML([]byte("collector:\n  interval: 0s\n" + routesYAML))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}
	if got := y.ToConfig().CollectorInterval; got != 0 {
		t.Errorf("expected collector disabled, got interval %v", got)
	}
}

func TestParseYAMLEmpty(t *testing.T) {
	y, err := ParseYAML(nil)
	if err != nil {
		t.Fatalf("ParseYAML(nil) error = %v", err)
	}
	if y.Listener.Address != ":2003" {
		t.Errorf("expected defaults on an empty document, got %+v", y.Listener)
	}
}

func TestParseYAMLInvalid(t *testing.T) {
	tests := map[string]string{
		"syntax":         "listener: [",
		"duration":       "server:\n  io_timeout: soon\n",
		"unknown key":    "listner:\n  address: ':2003'\n",
		"unknown nested": "server:\n  queue: 10\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseYAML([]byte(data)); err == nil {
				t.Errorf("ParseYAML(%q) expected an error", data)
			}
		})
	}
}

func TestLoadRoutes(t *testing.T) {
	path := writeConfig(t, "listener:\n  workers: 2\n"+routesYAML)
	routes, err := LoadRoutes(path)
	if err != nil {
		t.Fatalf("LoadRoutes() error = %v", err)
	}
	if len(routes.Rules) != 1 || routes.Rules[0].Cluster != "main" {
		t.Errorf("routes = %+v", routes)
	}
	if _, err := LoadRoutes(path + ".missing"); err == nil {
		t.Error("LoadRoutes() of a missing file expected an error")
	}
}

func TestDurationMarshal(t *testing.T) {
	out, err := yaml.Marshal(ServerYAMLConfig{IOTimeout: Duration(1500 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), "io_timeout: 1.5s") {
		t.Errorf("Marshal() = %s", out)
	}
}
