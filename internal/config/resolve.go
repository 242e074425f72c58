package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	logx "housekeeper/pkg/logx"
)

const (
	DefaultTick           = time.Second
	DefaultRunQuota       = 100
	DefaultRunQuotaJitter = 10
	DefaultDisabledRetry  = 60 * time.Second
	DefaultStopTimeout    = 30 * time.Second
	DefaultCancelTimeout  = 10 * time.Second
	DefaultPIDFile        = "./housekeeper.pid"
)

// Scheduler is the resolved form of SchedulerConfig with defaults applied.
type Scheduler struct {
	Tick            time.Duration
	RunQuota        int
	RunQuotaJitter  int
	DisabledRetry   time.Duration
	SpawnRatePerSec int
	StopTimeout     time.Duration
	CancelTimeout   time.Duration
}

// ResolveScheduler applies defaults and validates durations.
func (c *Config) ResolveScheduler() (Scheduler, error) {
	if c == nil {
		c = &Config{}
	}
	sc := c.Scheduler
	out := Scheduler{
		RunQuota:        sc.RunQuota,
		RunQuotaJitter:  DefaultRunQuotaJitter,
		SpawnRatePerSec: sc.SpawnRatePerSec,
	}
	if out.RunQuota <= 0 {
		out.RunQuota = DefaultRunQuota
	}
	if sc.RunQuotaJitter != nil {
		out.RunQuotaJitter = *sc.RunQuotaJitter
	}
	if out.RunQuotaJitter < 0 {
		return Scheduler{}, fmt.Errorf("scheduler.run_quota_jitter must be >= 0")
	}
	if out.SpawnRatePerSec < 0 {
		return Scheduler{}, fmt.Errorf("scheduler.spawn_rate_per_sec must be >= 0")
	}

	var err error
	if out.Tick, err = ParseDurationOrDefault("scheduler.tick", sc.Tick, DefaultTick); err != nil {
		return Scheduler{}, err
	}
	if out.DisabledRetry, err = ParseDurationOrDefault("scheduler.disabled_retry", sc.DisabledRetry, DefaultDisabledRetry); err != nil {
		return Scheduler{}, err
	}
	if out.StopTimeout, err = ParseDurationOrDefault("scheduler.shutdown.stop_timeout", sc.Shutdown.StopTimeout, DefaultStopTimeout); err != nil {
		return Scheduler{}, err
	}
	if out.CancelTimeout, err = ParseDurationOrDefault("scheduler.shutdown.cancel_timeout", sc.Shutdown.CancelTimeout, DefaultCancelTimeout); err != nil {
		return Scheduler{}, err
	}
	return out, nil
}

// NodeName returns the configured cluster node name, falling back to the host name.
func (c *Config) NodeName() string {
	if c != nil {
		if n := strings.TrimSpace(c.Cluster.NodeName); n != "" {
			return n
		}
	}
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func (c *Config) PIDPath() string {
	if c == nil || strings.TrimSpace(c.PIDFile) == "" {
		return DefaultPIDFile
	}
	return strings.TrimSpace(c.PIDFile)
}

// TaskIDs returns configured task ids in a stable order.
func (c *Config) TaskIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.Tasks))
	for id := range c.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Task returns the block for id (zero value when absent).
func (c *Config) Task(id string) (TaskConfig, bool) {
	if c == nil || c.Tasks == nil {
		return TaskConfig{}, false
	}
	tc, ok := c.Tasks[id]
	return tc, ok
}

// Validate rejects configs that can never be applied. Task ids are checked
// by the caller against the task registry.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if _, err := c.ResolveScheduler(); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Cluster.Enabled && strings.TrimSpace(c.Cluster.ManagementNode) == "" {
		return fmt.Errorf("cluster.management_node is required when cluster.enabled is true")
	}
	for _, id := range c.TaskIDs() {
		tc := c.Tasks[id]
		if _, err := ParseInterval(tc.Interval); err != nil {
			return fmt.Errorf("tasks.%s.interval: %w", id, err)
		}
		if _, err := ParseDurationField("tasks."+id+".retention", tc.Retention); err != nil {
			return err
		}
	}
	return nil
}
