// Package config holds the runtime's layered configuration: built-in
// defaults, overlaid by a YAML file, overlaid by SAGE_KB_* environment
// variables. Per-call overrides on a LoadRequest beat all of these.
// Configuration problems are warnings, never fatal: unknown keys are
// reported and ignored, out-of-range values are clamped.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HengYangDS/sage-kb-sub007/clock"
)

// Config is the full runtime configuration.
type Config struct {
	ContentRoot    string        `yaml:"contentRoot"`
	Timeout        Timeouts      `yaml:"timeout"`
	Cache          CacheConfig   `yaml:"cache"`
	CircuitBreaker BreakerConfig `yaml:"circuitBreaker"`
	Loading        Loading       `yaml:"loading"`
	Index          IndexConfig   `yaml:"index"`
	Events         EventsConfig  `yaml:"events"`
	Server         ServerConfig  `yaml:"server"`
}

// Timeouts configures the five named deadline levels and the hard ceiling
// applied to any single call.
type Timeouts struct {
	Levels        TimeoutLevels `yaml:"levels"`
	AbsoluteMaxMs int           `yaml:"absoluteMaxMs"`
}

// TimeoutLevels are the T1..T5 durations in milliseconds.
type TimeoutLevels struct {
	CacheMs   int `yaml:"cacheMs"`
	FileMs    int `yaml:"fileMs"`
	LayerMs   int `yaml:"layerMs"`
	FullMs    int `yaml:"fullMs"`
	ComplexMs int `yaml:"complexMs"`
}

// CacheConfig bounds the hot tier and sets the freshness horizons.
// WarmDir, when set, enables the on-disk warm tier under that directory.
type CacheConfig struct {
	MaxEntries int    `yaml:"maxEntries"`
	MaxBytes   int64  `yaml:"maxBytes"`
	TTLMs      int    `yaml:"ttlMs"`
	StaleMs    int    `yaml:"staleMs"`
	WarmDir    string `yaml:"warmDir"`
}

// BreakerConfig parameterizes every named breaker scope.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	ResetTimeoutMs   int `yaml:"resetTimeoutMs"`
	HalfOpenRequests int `yaml:"halfOpenRequests"`
}

// Loading configures selection: the always-admitted layers, the token
// ceiling, trigger rules, and per-layer read parallelism.
type Loading struct {
	DefaultLayers []string  `yaml:"defaultLayers"`
	MaxTokens     int       `yaml:"maxTokens"`
	Concurrency   int       `yaml:"concurrency"`
	Triggers      []Trigger `yaml:"triggers"`
}

// IndexConfig controls re-scanning of the content tree.
type IndexConfig struct {
	Watch            bool `yaml:"watch"`
	RescanIntervalMs int  `yaml:"rescanIntervalMs"`
}

// EventsConfig controls the event bus. QueueSize bounds each subscriber's
// queue; when a queue is full the oldest event is dropped.
type EventsConfig struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queueSize"`
}

// ServerConfig holds adapter listen addresses. DiagnosticsAddr optionally
// exposes /metrics and /healthz when the primary adapter is not HTTP.
type ServerConfig struct {
	HTTPAddr        string `yaml:"httpAddr"`
	DiagnosticsAddr string `yaml:"diagnosticsAddr"`
}

// Warning reports a non-fatal configuration problem.
type Warning struct {
	Key    string
	Reason string
}

func (w Warning) String() string { return fmt.Sprintf("config %s: %s", w.Key, w.Reason) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ContentRoot: "./knowledge",
		Timeout: Timeouts{
			Levels: TimeoutLevels{
				CacheMs:   100,
				FileMs:    500,
				LayerMs:   2000,
				FullMs:    5000,
				ComplexMs: 10000,
			},
			AbsoluteMaxMs: 10000,
		},
		Cache: CacheConfig{
			MaxEntries: 1024,
			MaxBytes:   64 << 20,
			TTLMs:      60_000,
			StaleMs:    600_000,
		},
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutMs:   10_000,
			HalfOpenRequests: 1,
		},
		Loading: Loading{
			DefaultLayers: []string{"core"},
			Concurrency:   4,
		},
		Index: IndexConfig{
			Watch: true,
		},
		Events: EventsConfig{
			Enabled:   true,
			QueueSize: 256,
		},
		Server: ServerConfig{
			HTTPAddr: ":8334",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment variables, then clamping. The
// returned warnings cover unknown keys, malformed values, and clamps.
func Load(path string) (*Config, []Warning, error) {
	var cfg = Default()
	var warnings []Warning

	if path != "" {
		var data, err = os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading config file: %w", err)
		}
		var w []Warning
		if w, err = cfg.applyFile(data); err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, w...)
	}

	warnings = append(warnings, cfg.ApplyEnv(os.LookupEnv)...)
	warnings = append(warnings, cfg.Sanitize()...)
	return cfg, warnings, nil
}

func (c *Config) applyFile(data []byte) ([]Warning, error) {
	// First pass collects unknown keys; yaml.Unmarshal silently ignores
	// them, and the contract is to warn instead.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	var warnings = scanUnknown("", raw, knownKeys)

	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return warnings, nil
}

// knownKeys mirrors the Config shape. A nil value marks a scalar or a
// subtree whose contents are free-form (trigger entries).
var knownKeys = map[string]interface{}{
	"contentRoot": nil,
	"timeout": map[string]interface{}{
		"levels": map[string]interface{}{
			"cacheMs": nil, "fileMs": nil, "layerMs": nil, "fullMs": nil, "complexMs": nil,
		},
		"absoluteMaxMs": nil,
	},
	"cache": map[string]interface{}{
		"maxEntries": nil, "maxBytes": nil, "ttlMs": nil, "staleMs": nil, "warmDir": nil,
	},
	"circuitBreaker": map[string]interface{}{
		"failureThreshold": nil, "resetTimeoutMs": nil, "halfOpenRequests": nil,
	},
	"loading": map[string]interface{}{
		"defaultLayers": nil, "maxTokens": nil, "concurrency": nil, "triggers": nil,
	},
	"index": map[string]interface{}{
		"watch": nil, "rescanIntervalMs": nil,
	},
	"events": map[string]interface{}{
		"enabled": nil, "queueSize": nil,
	},
	"server": map[string]interface{}{
		"httpAddr": nil, "diagnosticsAddr": nil,
	},
}

func scanUnknown(prefix string, node map[string]interface{}, known map[string]interface{}) []Warning {
	var warnings []Warning
	for key, value := range node {
		var path = key
		if prefix != "" {
			path = prefix + "." + key
		}
		var sub, ok = known[key]
		if !ok {
			warnings = append(warnings, Warning{Key: path, Reason: "unknown key, ignored"})
			continue
		}
		if subKnown, isMap := sub.(map[string]interface{}); isMap {
			if child, isChildMap := value.(map[string]interface{}); isChildMap {
				warnings = append(warnings, scanUnknown(path, child, subKnown)...)
			}
		}
	}
	return warnings
}

// envBinding maps one SAGE_KB_* variable onto a config field.
type envBinding struct {
	name  string
	apply func(string) error
}

func intEnv(dst *int) func(string) error {
	return func(v string) error {
		var n, err = strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

// EnvVars lists every recognized environment variable, for documentation
// and for print-config provenance.
func EnvVars() []string {
	var names = make([]string, 0, 20)
	for _, b := range bindings(&Config{}) {
		names = append(names, b.name)
	}
	return names
}

func bindings(c *Config) []envBinding {
	return []envBinding{
		{"SAGE_KB_CONTENT_ROOT", func(v string) error { c.ContentRoot = v; return nil }},
		{"SAGE_KB_TIMEOUT_CACHE_MS", intEnv(&c.Timeout.Levels.CacheMs)},
		{"SAGE_KB_TIMEOUT_FILE_MS", intEnv(&c.Timeout.Levels.FileMs)},
		{"SAGE_KB_TIMEOUT_LAYER_MS", intEnv(&c.Timeout.Levels.LayerMs)},
		{"SAGE_KB_TIMEOUT_FULL_MS", intEnv(&c.Timeout.Levels.FullMs)},
		{"SAGE_KB_TIMEOUT_COMPLEX_MS", intEnv(&c.Timeout.Levels.ComplexMs)},
		{"SAGE_KB_TIMEOUT_ABSOLUTE_MAX_MS", intEnv(&c.Timeout.AbsoluteMaxMs)},
		{"SAGE_KB_CACHE_MAX_ENTRIES", intEnv(&c.Cache.MaxEntries)},
		{"SAGE_KB_CACHE_MAX_BYTES", func(v string) error {
			var n, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			c.Cache.MaxBytes = n
			return nil
		}},
		{"SAGE_KB_CACHE_TTL_MS", intEnv(&c.Cache.TTLMs)},
		{"SAGE_KB_CACHE_STALE_MS", intEnv(&c.Cache.StaleMs)},
		{"SAGE_KB_CACHE_WARM_DIR", func(v string) error { c.Cache.WarmDir = v; return nil }},
		{"SAGE_KB_BREAKER_FAILURE_THRESHOLD", intEnv(&c.CircuitBreaker.FailureThreshold)},
		{"SAGE_KB_BREAKER_RESET_TIMEOUT_MS", intEnv(&c.CircuitBreaker.ResetTimeoutMs)},
		{"SAGE_KB_BREAKER_HALF_OPEN_REQUESTS", intEnv(&c.CircuitBreaker.HalfOpenRequests)},
		{"SAGE_KB_DEFAULT_LAYERS", func(v string) error {
			c.Loading.DefaultLayers = splitList(v)
			return nil
		}},
		{"SAGE_KB_MAX_TOKENS", intEnv(&c.Loading.MaxTokens)},
		{"SAGE_KB_LOAD_CONCURRENCY", intEnv(&c.Loading.Concurrency)},
		{"SAGE_KB_EVENTS_ENABLED", func(v string) error {
			var b, err = strconv.ParseBool(v)
			if err != nil {
				return err
			}
			c.Events.Enabled = b
			return nil
		}},
		{"SAGE_KB_HTTP_ADDR", func(v string) error { c.Server.HTTPAddr = v; return nil }},
	}
}

// ApplyEnv overlays environment variables onto c. Malformed values warn and
// leave the previous value in place.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) []Warning {
	var warnings []Warning
	for _, b := range bindings(c) {
		var v, ok = lookup(b.name)
		if !ok {
			continue
		}
		if err := b.apply(v); err != nil {
			warnings = append(warnings, Warning{Key: b.name, Reason: fmt.Sprintf("invalid value %q: %v", v, err)})
		}
	}
	return warnings
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Sanitize clamps out-of-range values and enforces structural invariants:
// positive durations, levels ordered T1 ≤ T2 ≤ T3 ≤ T4 ≤ T5, and
// staleMs ≥ ttlMs. Every adjustment produces a warning.
func (c *Config) Sanitize() []Warning {
	var warnings []Warning
	var clampMin = func(key string, v *int, min int) {
		if *v < min {
			warnings = append(warnings, Warning{Key: key, Reason: fmt.Sprintf("%d below minimum, clamped to %d", *v, min)})
			*v = min
		}
	}

	clampMin("timeout.levels.cacheMs", &c.Timeout.Levels.CacheMs, 1)
	clampMin("timeout.levels.fileMs", &c.Timeout.Levels.FileMs, 1)
	clampMin("timeout.levels.layerMs", &c.Timeout.Levels.LayerMs, 1)
	clampMin("timeout.levels.fullMs", &c.Timeout.Levels.FullMs, 1)
	clampMin("timeout.levels.complexMs", &c.Timeout.Levels.ComplexMs, 1)
	clampMin("timeout.absoluteMaxMs", &c.Timeout.AbsoluteMaxMs, 1)

	// Levels must not shrink as they widen in scope.
	var ordered = []struct {
		key string
		v   *int
	}{
		{"timeout.levels.cacheMs", &c.Timeout.Levels.CacheMs},
		{"timeout.levels.fileMs", &c.Timeout.Levels.FileMs},
		{"timeout.levels.layerMs", &c.Timeout.Levels.LayerMs},
		{"timeout.levels.fullMs", &c.Timeout.Levels.FullMs},
		{"timeout.levels.complexMs", &c.Timeout.Levels.ComplexMs},
	}
	for i := 1; i < len(ordered); i++ {
		if *ordered[i].v < *ordered[i-1].v {
			warnings = append(warnings, Warning{
				Key:    ordered[i].key,
				Reason: fmt.Sprintf("%dms below %s, raised to match", *ordered[i].v, ordered[i-1].key),
			})
			*ordered[i].v = *ordered[i-1].v
		}
	}

	clampMin("cache.maxEntries", &c.Cache.MaxEntries, 1)
	if c.Cache.MaxBytes < 1 {
		warnings = append(warnings, Warning{Key: "cache.maxBytes", Reason: "non-positive, reset to default"})
		c.Cache.MaxBytes = Default().Cache.MaxBytes
	}
	clampMin("cache.ttlMs", &c.Cache.TTLMs, 1)
	if c.Cache.StaleMs < c.Cache.TTLMs {
		warnings = append(warnings, Warning{
			Key:    "cache.staleMs",
			Reason: fmt.Sprintf("%dms below cache.ttlMs, raised to %dms", c.Cache.StaleMs, c.Cache.TTLMs),
		})
		c.Cache.StaleMs = c.Cache.TTLMs
	}

	clampMin("circuitBreaker.failureThreshold", &c.CircuitBreaker.FailureThreshold, 1)
	clampMin("circuitBreaker.resetTimeoutMs", &c.CircuitBreaker.ResetTimeoutMs, 1)
	clampMin("circuitBreaker.halfOpenRequests", &c.CircuitBreaker.HalfOpenRequests, 1)

	clampMin("loading.concurrency", &c.Loading.Concurrency, 1)
	if c.Loading.MaxTokens < 0 {
		warnings = append(warnings, Warning{Key: "loading.maxTokens", Reason: "negative, treated as unlimited"})
		c.Loading.MaxTokens = 0
	}
	clampMin("events.queueSize", &c.Events.QueueSize, 1)
	return warnings
}

// TimeoutLevels converts the configured milliseconds to clock.Levels.
func (c *Config) TimeoutLevels() clock.Levels {
	var ms = func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return clock.Levels{
		Cache:   ms(c.Timeout.Levels.CacheMs),
		File:    ms(c.Timeout.Levels.FileMs),
		Layer:   ms(c.Timeout.Levels.LayerMs),
		Full:    ms(c.Timeout.Levels.FullMs),
		Complex: ms(c.Timeout.Levels.ComplexMs),
	}
}

// AbsoluteMax returns the hard ceiling as a duration.
func (c *Config) AbsoluteMax() time.Duration {
	return time.Duration(c.Timeout.AbsoluteMaxMs) * time.Millisecond
}

// CacheTTL returns the fresh horizon.
func (c *Config) CacheTTL() time.Duration { return time.Duration(c.Cache.TTLMs) * time.Millisecond }

// BreakerResetTimeout returns how long an open breaker waits before probing.
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreaker.ResetTimeoutMs) * time.Millisecond
}

// RescanInterval returns the index poll interval; zero disables polling.
func (c *Config) RescanInterval() time.Duration {
	return time.Duration(c.Index.RescanIntervalMs) * time.Millisecond
}

// CacheStale returns the serve-stale horizon.
func (c *Config) CacheStale() time.Duration { return time.Duration(c.Cache.StaleMs) * time.Millisecond }

// YAML renders the effective configuration, for print-config.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
