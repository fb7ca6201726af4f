package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/szibis/metrics-relay/internal/router"
	"github.com/szibis/metrics-relay/internal/server"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

func (r *ValidationResult) add(sev ValidationSeverity, field, msg string) {
	if sev == SeverityError {
		r.Valid = false
	}
	r.Issues = append(r.Issues, ValidationIssue{Severity: sev, Field: field, Message: msg})
}

// CheckRoutes compiles routes without opening any connection.
func CheckRoutes(routes router.Config) error {
	plan := server.NewPool(server.DefaultConfig("")).Plan()
	defer plan.Abort()
	_, err := router.Compile(routes, plan)
	return err
}

// ValidateFile loads a YAML config file and validates it, returning structured results.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{
		Valid: true,
		File:  path,
	}

	// Check file exists
	info, err := os.Stat(path)
	if err != nil {
		result.add(SeverityError, "file", fmt.Sprintf("cannot access file: %v", err))
		return result
	}
	if info.IsDir() {
		result.add(SeverityError, "file", "path is a directory, expected a file")
		return result
	}

	// Parse YAML
	yamlCfg, err := LoadYAML(path)
	if err != nil {
		result.add(SeverityError, "yaml", fmt.Sprintf("YAML parse error: %v", err))
		return result
	}
	cfg := yamlCfg.ToConfig()
	cfg.ConfigFile = path

	for _, err := range cfg.problems() {
		field, message := parseValidationError(err.Error())
		result.add(SeverityError, field, message)
	}
	if err := CheckRoutes(cfg.Routes); err != nil {
		for _, e := range flatten(err) {
			result.add(SeverityError, routeField(e.Error()), e.Error())
		}
	}

	// Additional warnings (non-fatal)
	addWarnings(cfg, result)

	return result
}

// flatten splits an errors.Join tree into its leaves.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}

// routeField maps a route table error to the YAML path it is about.
// e.g. "rule 2 (^app\.): unknown cluster" -> "rules[2]"
func routeField(msg string) string {
	var i int
	if _, err := fmt.Sscanf(msg, "cluster %d", &i); err == nil {
		return fmt.Sprintf("clusters[%d]", i)
	}
	if _, err := fmt.Sscanf(msg, "rule %d", &i); err == nil {
		return fmt.Sprintf("rules[%d]", i)
	}
	return "rules"
}

// parseValidationError extracts field and message from a validation error string.
// e.g. "queue-size must be positive, got 0" -> field="queue-size", message=...
func parseValidationError(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{" must ", " is ", " should "} {
		if idx := strings.Index(s, sep); idx > 0 {
			field := s[:idx]
			if !strings.Contains(field, " ") {
				return field, s
			}
		}
	}
	return "config", s
}

// addWarnings checks for non-fatal issues that are worth flagging.
func addWarnings(cfg *Config, result *ValidationResult) {
	if cfg.BatchSize > cfg.QueueSize && cfg.QueueSize > 0 {
		result.add(SeverityWarning, "server.batch_size",
			fmt.Sprintf("batch_size (%d) is larger than queue_size (%d)", cfg.BatchSize, cfg.QueueSize))
	}
	if cfg.CollectorInterval > 0 && cfg.CollectorInterval < time.Second {
		result.add(SeverityWarning, "collector.interval",
			fmt.Sprintf("interval %s is shorter than the one second timestamp resolution", cfg.CollectorInterval))
	}
	if cfg.StatsAddr == "" {
		result.add(SeverityWarning, "stats.address", "stats endpoint disabled, /metrics and health probes are unavailable")
	}

	catchAll := false
	used := make(map[string]bool)
	for _, r := range cfg.Routes.Rules {
		if strings.TrimSpace(r.Match) == router.CatchAll && r.Rewrite == "" {
			catchAll = true
		}
		used[r.Cluster] = true
	}
	if len(cfg.Routes.Rules) > 0 && !catchAll {
		result.add(SeverityWarning, "rules",
			"no catch-all rule, records matching no rule are counted as unroutable and dropped")
	}
	for i, c := range cfg.Routes.Clusters {
		if c.Name != "" && !used[c.Name] {
			result.add(SeverityWarning, fmt.Sprintf("clusters[%d]", i),
				fmt.Sprintf("cluster %q is not used by any rule", c.Name))
		}
	}
}

// ErrInvalid is wrapped by Check when the configuration has errors.
var ErrInvalid = errors.New("invalid configuration")

// Check validates the relay settings and the route table together.
func (c *Config) Check() error {
	errs := c.problems()
	if err := CheckRoutes(c.Routes); err != nil {
		errs = append(errs, flatten(err)...)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
