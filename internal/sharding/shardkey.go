package sharding

import (
	"fmt"
	"regexp"
)

// ShardKeyConfig configures how the routing key is derived from a metric name.
type ShardKeyConfig struct {
	// Pattern is an optional regular expression. When set and it matches,
	// the first capture group (or the whole match if there is none) is the
	// key. Names that do not match hash on the full name.
	Pattern string
}

// ShardKeyBuilder derives routing keys from metric names.
// It holds no mutable state and is safe for concurrent use.
type ShardKeyBuilder struct {
	re *regexp.Regexp
}

// NewShardKeyBuilder compiles cfg into a key builder.
func NewShardKeyBuilder(cfg ShardKeyConfig) (*ShardKeyBuilder, error) {
	if cfg.Pattern == "" {
		return &ShardKeyBuilder{}, nil
	}
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern %q: %w", cfg.Pattern, err)
	}
	return &ShardKeyBuilder{re: re}, nil
}

// BuildKey returns the routing key for metricName.
//
// Example:
//
//	pattern:    `^([^.]+\.[^.]+)\.`
//	metricName: "app.web01.cpu.user"
//	Result:     "app.web01"
func (b *ShardKeyBuilder) BuildKey(metricName string) string {
	if b == nil || b.re == nil {
		return metricName
	}
	m := b.re.FindStringSubmatchIndex(metricName)
	if m == nil {
		return metricName
	}
	if len(m) >= 4 && m[2] >= 0 {
		return metricName[m[2]:m[3]]
	}
	return metricName[m[0]:m[1]]
}

// Pattern returns the configured key pattern, or "" for the full name.
func (b *ShardKeyBuilder) Pattern() string {
	if b == nil || b.re == nil {
		return ""
	}
	return b.re.String()
}
