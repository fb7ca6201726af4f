package router

// ClusterType selects how a cluster picks its destinations.
type ClusterType string

const (
	// ClusterForward sends every record to every member.
	ClusterForward ClusterType = "forward"
	// ClusterConsistentHash sends each record to Replication members picked
	// by a consistent hash ring over the routing key.
	ClusterConsistentHash ClusterType = "consistent_hash"
)

// Blackhole is the built-in destination that drops records on purpose.
const Blackhole = "blackhole"

// CatchAll is the match pattern that matches every metric name.
const CatchAll = "*"

// ClusterConfig defines a named group of backend servers.
type ClusterConfig struct {
	Name    string      `yaml:"name"`
	Type    ClusterType `yaml:"type"`
	Servers []string    `yaml:"servers"`

	// consistent_hash only
	Replication int    `yaml:"replication,omitempty"`
	Points      int    `yaml:"points,omitempty"`
	Hash        string `yaml:"hash,omitempty"`
	Key         string `yaml:"key,omitempty"`

	Compression string `yaml:"compression,omitempty"`
}

// RuleConfig defines one routing rule. A rule either sends to a cluster
// (or the blackhole) or rewrites the metric name.
type RuleConfig struct {
	Match   string `yaml:"match"`
	Cluster string `yaml:"cluster,omitempty"`
	Rewrite string `yaml:"rewrite,omitempty"`
	Stop    bool   `yaml:"stop,omitempty"`
}

// Config is the routing part of the configuration file.
type Config struct {
	Clusters []ClusterConfig `yaml:"clusters"`
	Rules    []RuleConfig    `yaml:"rules"`
}
