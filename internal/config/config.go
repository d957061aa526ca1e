// Package config loads the Instance configuration object described in
// spec.md §6: a JSON object (YAML accepted as a superset, since the JSON
// grammar parses as valid YAML) with every key optional, unknown keys
// tolerated, and the fully resolved value queryable back out via Resolved.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolSpec is one entry of argobots.pools[].
type PoolSpec struct {
	Name   string `json:"name" yaml:"name"`
	Kind   string `json:"kind" yaml:"kind"`     // fifo, fifo-wait, earliest-first-wait
	Access string `json:"access" yaml:"access"` // mpmc, spsc, mpsc, spmc
}

// SchedulerSpec is the scheduler object nested in an xstream descriptor.
type SchedulerSpec struct {
	Type  string   `json:"type" yaml:"type"`
	Pools []string `json:"pools" yaml:"pools"`
}

// XStreamSpec is one entry of argobots.xstreams[].
type XStreamSpec struct {
	Name      string        `json:"name" yaml:"name"`
	CPUBind   bool          `json:"cpubind" yaml:"cpubind"`
	Affinity  []int         `json:"affinity" yaml:"affinity"`
	Scheduler SchedulerSpec `json:"scheduler" yaml:"scheduler"`
}

// MercuryConfig names the transport-tuning keys spec.md §6 groups under
// the `mercury.*` prefix. Most are carried for config-surface fidelity;
// only Address/Listening change this runtime's behavior (see
// internal/instance and internal/transport). Stats is parsed but nothing
// reads it, so no transport counters are kept, and the gRPC/vsock binding
// has no analogue for na_no_block, ip_subnet, etc.
type MercuryConfig struct {
	Address     string `json:"address" yaml:"address"`
	Listening   bool   `json:"listening" yaml:"listening"`
	AutoSM      bool   `json:"auto_sm" yaml:"auto_sm"`
	Stats       bool   `json:"stats" yaml:"stats"`
	NANoBlock   bool   `json:"na_no_block" yaml:"na_no_block"`
	NANoRetry   bool   `json:"na_no_retry" yaml:"na_no_retry"`
	MaxContexts int    `json:"max_contexts" yaml:"max_contexts"`
	IPSubnet    string `json:"ip_subnet" yaml:"ip_subnet"`
	AuthKey     string `json:"auth_key" yaml:"auth_key"`
}

// ArgobotsConfig names the `argobots.*` ULT-runtime keys.
type ArgobotsConfig struct {
	MemMaxNumStacks int           `json:"abt_mem_max_num_stacks" yaml:"abt_mem_max_num_stacks"`
	ThreadStackSize int           `json:"abt_thread_stacksize" yaml:"abt_thread_stacksize"`
	Pools           []PoolSpec    `json:"pools" yaml:"pools"`
	XStreams        []XStreamSpec `json:"xstreams" yaml:"xstreams"`
}

// BulkConfig carries the admission-control key SPEC_FULL.md adds.
type BulkConfig struct {
	RateLimitPerSec int `json:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
}

// DispatchConfig carries the circuit-breaker keys SPEC_FULL.md adds.
type DispatchConfig struct {
	CircuitBreaker          bool `json:"circuit_breaker" yaml:"circuit_breaker"`
	CircuitBreakerThreshold int  `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
}

// DiagnosticsConfig carries the periodic-emitter keys SPEC_FULL.md adds.
type DiagnosticsConfig struct {
	Sink        string `json:"sink" yaml:"sink"`
	IntervalSec int    `json:"interval_sec" yaml:"interval_sec"`
}

// TracingConfig carries the OTel exporter key SPEC_FULL.md adds.
type TracingConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate" yaml:"sample_rate"`
}

// HandleCacheConfig carries the tiered-cache key SPEC_FULL.md adds.
type HandleCacheConfig struct {
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
}

// Config is the fully parsed, defaulted Instance configuration.
type Config struct {
	Mercury  MercuryConfig  `json:"mercury" yaml:"mercury"`
	Argobots ArgobotsConfig `json:"argobots" yaml:"argobots"`

	HandleCacheSize       int `json:"handle_cache_size" yaml:"handle_cache_size"`
	ProgressTimeoutUBMsec int `json:"progress_timeout_ub_msec" yaml:"progress_timeout_ub_msec"`

	UseProgressThread bool `json:"use_progress_thread" yaml:"use_progress_thread"`
	RPCThreadCount    int  `json:"rpc_thread_count" yaml:"rpc_thread_count"`

	EnableDiagnostics    bool `json:"enable_diagnostics" yaml:"enable_diagnostics"`
	EnableProfiling      bool `json:"enable_profiling" yaml:"enable_profiling"`
	EnableRemoteShutdown bool `json:"enable_remote_shutdown" yaml:"enable_remote_shutdown"`

	Bulk        BulkConfig        `json:"bulk" yaml:"bulk"`
	Dispatch    DispatchConfig    `json:"dispatch" yaml:"dispatch"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics"`
	Tracing     TracingConfig     `json:"tracing" yaml:"tracing"`
	HandleCache HandleCacheConfig `json:"handle_cache" yaml:"handle_cache"`

	// raw keeps the as-parsed map so unrecognized keys survive round-trip
	// through Resolved, satisfying spec.md's "superset-accepting, unknown
	// keys tolerated" requirement without an exhaustive field list.
	raw map[string]any
}

func defaults() Config {
	return Config{
		Argobots: ArgobotsConfig{
			MemMaxNumStacks: 8,
			ThreadStackSize: 2 << 20,
		},
		HandleCacheSize:       32,
		ProgressTimeoutUBMsec: 100,
		Dispatch: DispatchConfig{
			CircuitBreakerThreshold: 5,
		},
		Diagnostics: DiagnosticsConfig{
			Sink:        "stdout",
			IntervalSec: 30,
		},
		Tracing: TracingConfig{SampleRate: 1.0},
	}
}

// Load reads path (JSON or YAML, selected by file extension — .yaml/.yml
// decode via yaml.v3, everything else via encoding/json) and returns a
// Config with unspecified fields at their documented defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isYAML(path) {
		return Parse(data, true)
	}
	return Parse(data, false)
}

func isYAML(path string) bool {
	for _, suffix := range []string{".yaml", ".yml"} {
		if len(path) >= len(suffix) && path[len(path)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

// Parse decodes data as YAML (yamlFormat true) or JSON into a defaulted
// Config.
func Parse(data []byte, yamlFormat bool) (*Config, error) {
	cfg := defaults()

	var raw map[string]any
	if yamlFormat {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	cfg.raw = raw
	return &cfg, nil
}

// Resolved returns the fully resolved configuration as a JSON-compatible
// map — what get_config exposes, including any unrecognized keys the input
// carried.
func (c *Config) Resolved() map[string]any {
	out := make(map[string]any, len(c.raw))
	for k, v := range c.raw {
		out[k] = v
	}
	b, _ := json.Marshal(c)
	var known map[string]any
	_ = json.Unmarshal(b, &known)
	for k, v := range known {
		out[k] = v
	}
	return out
}

// ExpandConveniences applies rpc_thread_count sugar: if no explicit
// pools/xstreams were given, it synthesizes a `__primary__` pool and a
// `__progress__` xstream, plus rpc_thread_count worker xstreams over a
// shared `__rpc__` pool when rpc_thread_count > 0. use_progress_thread is
// not read: the `__progress__` xstream is synthesized whether or not it is
// set. Call after Load/Parse, before building the pool/execstream registry.
func (c *Config) ExpandConveniences() {
	if len(c.Argobots.Pools) == 0 {
		c.Argobots.Pools = append(c.Argobots.Pools, PoolSpec{Name: "__primary__", Kind: "fifo-wait", Access: "mpmc"})
	}
	if len(c.Argobots.XStreams) == 0 {
		c.Argobots.XStreams = append(c.Argobots.XStreams, XStreamSpec{
			Name:      "__progress__",
			Scheduler: SchedulerSpec{Type: "default", Pools: []string{"__primary__"}},
		})
	}
	if c.RPCThreadCount > 0 {
		c.Argobots.Pools = append(c.Argobots.Pools, PoolSpec{Name: "__rpc__", Kind: "fifo-wait", Access: "mpmc"})
		for i := 0; i < c.RPCThreadCount; i++ {
			c.Argobots.XStreams = append(c.Argobots.XStreams, XStreamSpec{
				Name:      "__rpc_" + strconv.Itoa(i) + "__",
				Scheduler: SchedulerSpec{Type: "default", Pools: []string{"__rpc__"}},
			})
		}
	}
}

// DiagnosticsInterval returns the configured emission interval as a
// time.Duration, for direct use with robfig/cron's scheduling API.
func (c *Config) DiagnosticsInterval() time.Duration {
	return time.Duration(c.Diagnostics.IntervalSec) * time.Second
}
