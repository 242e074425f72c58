package config

import (
	"reflect"
	"sort"
	"strings"

	logx "housekeeper/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the ids of tasks whose block changed (added, removed or edited).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.read_only", newCfg.Storage.ReadOnly),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cluster, newCfg.Cluster) {
		changed = append(changed, "cluster")
		attrs = append(attrs,
			logx.Bool("cluster.enabled", newCfg.Cluster.Enabled),
			logx.String("cluster.node_name", strings.TrimSpace(newCfg.Cluster.NodeName)),
			logx.String("cluster.management_node", strings.TrimSpace(newCfg.Cluster.ManagementNode)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		if s, err := newCfg.ResolveScheduler(); err == nil {
			attrs = append(attrs,
				logx.Duration("scheduler.tick", s.Tick),
				logx.Int("scheduler.run_quota", s.RunQuota),
				logx.Int("scheduler.run_quota_jitter", s.RunQuotaJitter),
				logx.Int("scheduler.spawn_rate_per_sec", s.SpawnRatePerSec),
			)
		}
	}

	// Metrics (never log token)
	om, nm := oldCfg.Metrics, newCfg.Metrics
	if om.Enabled != nm.Enabled ||
		strings.TrimSpace(om.Addr) != strings.TrimSpace(nm.Addr) ||
		om.AllowInsecure != nm.AllowInsecure ||
		om.Pprof != nm.Pprof ||
		om.Token != nm.Token {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nm.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(nm.Token) != ""),
		)
	}

	if oldCfg.PIDPath() != newCfg.PIDPath() {
		changed = append(changed, "pid_file")
	}

	var tasks []string
	seen := map[string]struct{}{}
	for id, o := range oldCfg.Tasks {
		seen[id] = struct{}{}
		if n, ok := newCfg.Tasks[id]; !ok || n != o {
			tasks = append(tasks, id)
		}
	}
	for id := range newCfg.Tasks {
		if _, ok := seen[id]; !ok {
			tasks = append(tasks, id)
		}
	}
	if len(tasks) > 0 {
		sort.Strings(tasks)
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.String("tasks.changed", strings.Join(tasks, ",")))
	}

	return changed, attrs, tasks
}
