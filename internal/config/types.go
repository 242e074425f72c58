package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Cluster   ClusterConfig   `json:"cluster"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`

	// PIDFile is the single-instance lock. Default: "./housekeeper.pid".
	PIDFile string `json:"pid_file,omitempty"`

	Tasks map[string]TaskConfig `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the maintenance data store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/app.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string

	// ReadOnly forces degraded mode: every task iteration becomes a no-op.
	ReadOnly bool `json:"read_only,omitempty"`
}

// ClusterConfig feeds the cluster role gate.
//
// With Enabled=false every node runs tasks. With Enabled=true only the node
// whose NodeName equals ManagementNode does.
type ClusterConfig struct {
	Enabled        bool   `json:"enabled"`
	NodeName       string `json:"node_name,omitempty"` // default: hostname
	ManagementNode string `json:"management_node,omitempty"`
}

// SchedulerConfig controls worker lifecycle.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "1s"
//   - run_quota: 100
//   - run_quota_jitter: 10
//   - disabled_retry: "60s"
//   - spawn_rate_per_sec: 0 (unlimited)
//   - shutdown.stop_timeout: "30s"
//   - shutdown.cancel_timeout: "10s"
type SchedulerConfig struct {
	Tick            string         `json:"tick,omitempty"`
	RunQuota        int            `json:"run_quota,omitempty"`
	RunQuotaJitter  *int           `json:"run_quota_jitter,omitempty"`
	DisabledRetry   string         `json:"disabled_retry,omitempty"`
	SpawnRatePerSec int            `json:"spawn_rate_per_sec,omitempty"`
	Shutdown        ShutdownConfig `json:"shutdown,omitempty"`
}

type ShutdownConfig struct {
	StopTimeout   string `json:"stop_timeout,omitempty"`
	CancelTimeout string `json:"cancel_timeout,omitempty"`
}

// MetricsConfig controls the optional observability HTTP server
// (prometheus metrics, health, pprof). Runs in the parent process only.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9187").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9187"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// TaskConfig describes one maintenance task.
//
// Interval accepts seconds ("3600"), a Go duration ("1h") or a cron
// descriptor ("@hourly", "@every 90m"). Empty or zero disables the task.
type TaskConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`

	// Retention is task specific (e.g. audit_trim keeps rows younger than this).
	Retention string `json:"retention,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in a task block are
// rejected at reload instead of silently ignored.
func (t *TaskConfig) UnmarshalJSON(b []byte) error {
	type tmp TaskConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var v tmp
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*t = TaskConfig(v)
	return nil
}
