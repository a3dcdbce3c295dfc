// Package config provides configuration loading for the orchestrator
// service. Sources in priority order: env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all orchestrator service configuration. Node executor
// runtime settings live in the store (see internal/settings); this is the
// process-level bootstrap only.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`

	// Database driver: sqlite (default), postgres, mysql.
	DatabaseDriver string `json:"database_driver"`
	// DatabaseDSN is driver-specific. Default is a SQLite file under DataDir.
	DatabaseDSN string `json:"database_dsn,omitempty"`
	// DataDir for SQLite databases and run workspaces (default "/var/lib/llmctl")
	DataDir string `json:"data_dir"`

	// Broker selects envelope fan-out: "memory" (default) or "redis".
	Broker string `json:"broker"`
	// RedisAddr is required when Broker is "redis".
	RedisAddr string `json:"redis_addr,omitempty"`

	// APIToken guards the HTTP surface. Empty disables the guard
	// (testing only).
	APIToken string `json:"api_token,omitempty"`

	// SigningKey for HMAC envelope signatures (hex-encoded, 64+ chars).
	SigningKey string `json:"signing_key,omitempty"`

	// MasterKeyPath points at the credential codec master key file.
	MasterKeyPath string `json:"master_key_path,omitempty"`

	// Kubernetes bootstrap defaults. Runtime settings in the store
	// override these per run.
	K8sNamespace  string `json:"k8s_namespace"`
	K8sInCluster  bool   `json:"k8s_in_cluster"`
	K8sKubeconfig string `json:"k8s_kubeconfig,omitempty"`

	// OTLPEndpoint enables tracing when set (host:port).
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// InstructionPackRef pulls the named OCI pack at startup. Dir, when
	// set, points at an already-unpacked pack and wins over Ref.
	InstructionPackRef string `json:"instruction_pack_ref,omitempty"`
	InstructionPackDir string `json:"instruction_pack_dir,omitempty"`

	// Scheduler limits.
	MaxConcurrentRuns int `json:"max_concurrent_runs"`
	// SchedulerIntervalSeconds between claim ticks.
	SchedulerIntervalSeconds int `json:"scheduler_interval_seconds"`

	// Retention cron expressions (robfig/cron format).
	ArtifactSweepSchedule string `json:"artifact_sweep_schedule"`
	OutboxPruneSchedule   string `json:"outbox_prune_schedule"`
	AuditPurgeSchedule    string `json:"audit_purge_schedule"`
	// OutboxRetainHours keeps published envelopes this long for catch-up.
	OutboxRetainHours int `json:"outbox_retain_hours"`
	// AuditRetainDays keeps audit entries this long.
	AuditRetainDays int `json:"audit_retain_days"`

	// Leader election for multi-replica deployments.
	LeaderElection bool `json:"leader_election"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:               ":8080",
		DatabaseDriver:           "sqlite",
		DataDir:                  "/var/lib/llmctl",
		Broker:                   "memory",
		K8sNamespace:             "llmctl",
		K8sInCluster:             true,
		MaxConcurrentRuns:        20,
		SchedulerIntervalSeconds: 5,
		ArtifactSweepSchedule:    "17 * * * *",
		OutboxPruneSchedule:      "*/15 * * * *",
		AuditPurgeSchedule:       "43 3 * * *",
		OutboxRetainHours:        24,
		AuditRetainDays:          90,
		LogLevel:                 "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("LLMCTL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LLMCTL_DB_DRIVER"); v != "" {
		cfg.DatabaseDriver = v
	}
	if v := os.Getenv("LLMCTL_DB_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("LLMCTL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LLMCTL_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("LLMCTL_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("LLMCTL_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("LLMCTL_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("LLMCTL_MASTER_KEY_PATH"); v != "" {
		cfg.MasterKeyPath = v
	}
	if v := os.Getenv("LLMCTL_K8S_NAMESPACE"); v != "" {
		cfg.K8sNamespace = v
	}
	if v := os.Getenv("LLMCTL_K8S_IN_CLUSTER"); v != "" {
		cfg.K8sInCluster = v == "true" || v == "1"
	}
	if v := os.Getenv("LLMCTL_KUBECONFIG"); v != "" {
		cfg.K8sKubeconfig = v
	}
	if v := os.Getenv("LLMCTL_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("LLMCTL_INSTRUCTION_PACK_REF"); v != "" {
		cfg.InstructionPackRef = v
	}
	if v := os.Getenv("LLMCTL_INSTRUCTION_PACK_DIR"); v != "" {
		cfg.InstructionPackDir = v
	}
	if v := os.Getenv("LLMCTL_MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("LLMCTL_LEADER_ELECTION"); v != "" {
		cfg.LeaderElection = v == "true" || v == "1"
	}
	if v := os.Getenv("LLMCTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// DSN returns the effective database DSN, defaulting to a SQLite file
// under DataDir with the pragmas the store expects.
func (c Config) DSN() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	return "file:" + c.DataDir + "/llmctl.db?_pragma=busy_timeout(5000)"
}

// HasRedis reports whether the redis broker is configured.
func (c Config) HasRedis() bool {
	return c.Broker == "redis" && c.RedisAddr != ""
}
