package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseIntervalVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want time.Duration
	}{
		{name: "empty", raw: "", want: 0},
		{name: "zero", raw: "0", want: 0},
		{name: "seconds", raw: "3600", want: time.Hour},
		{name: "duration", raw: "90m", want: 90 * time.Minute},
		{name: "every", raw: "@every 45s", want: 45 * time.Second},
		{name: "hourly", raw: "@hourly", want: time.Hour},
		{name: "daily", raw: " @daily ", want: 24 * time.Hour},
		{name: "weekly", raw: "@weekly", want: 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseInterval(tt.raw)
			if err != nil {
				t.Fatalf("ParseInterval(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseInterval(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseIntervalInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"-5", "soon", "@sometimes", "*/5 * * * *", "-1m"} {
		if _, err := ParseInterval(raw); err == nil {
			t.Fatalf("ParseInterval(%q): expected error", raw)
		}
	}
}

func TestParseDurationDefaults(t *testing.T) {
	t.Parallel()
	const def = 7 * time.Second
	for raw, want := range map[string]time.Duration{"": def, " 0s ": def, "250ms": 250 * time.Millisecond} {
		got, err := ParseDurationOrDefault("x", raw, def)
		if err != nil || got != want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if got, err := ParseDurationField("x", ""); err != nil || got != 0 {
		t.Fatalf("ParseDurationField(\"\") = %v, %v", got, err)
	}
	for _, raw := range []string{"-1s", "soon", "10"} {
		if _, err := ParseDurationField("storage.busy_timeout", raw); err == nil {
			t.Fatalf("ParseDurationField(%q): expected error", raw)
		} else if !strings.HasPrefix(err.Error(), "storage.busy_timeout: ") {
			t.Fatalf("error %q does not name the field", err)
		}
	}
}

func TestResolveSchedulerDefaults(t *testing.T) {
	t.Parallel()
	s, err := (&Config{}).ResolveScheduler()
	if err != nil {
		t.Fatalf("ResolveScheduler error: %v", err)
	}
	if s.Tick != time.Second || s.RunQuota != 100 || s.RunQuotaJitter != 10 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.DisabledRetry != 60*time.Second || s.StopTimeout != 30*time.Second || s.CancelTimeout != 10*time.Second {
		t.Fatalf("unexpected timeouts: %+v", s)
	}

	zero := 0
	s, err = (&Config{Scheduler: SchedulerConfig{RunQuota: 8, RunQuotaJitter: &zero}}).ResolveScheduler()
	if err != nil {
		t.Fatalf("ResolveScheduler error: %v", err)
	}
	if s.RunQuota != 8 || s.RunQuotaJitter != 0 {
		t.Fatalf("explicit values not kept: %+v", s)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	neg := -1
	cases := map[string]*Config{
		"bad level":       {Logging: LoggingConfig{Level: "chatty"}},
		"negative jitter": {Scheduler: SchedulerConfig{RunQuotaJitter: &neg}},
		"bad tick":        {Scheduler: SchedulerConfig{Tick: "often"}},
		"cluster no mgmt": {Cluster: ClusterConfig{Enabled: true}},
		"bad interval":    {Tasks: map[string]TaskConfig{"a": {Enabled: true, Interval: "whenever"}}},
		"bad retention":   {Tasks: map[string]TaskConfig{"a": {Enabled: true, Interval: "1h", Retention: "long"}}},
	}
	for name, cfg := range cases {
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestManagerLoadYAMLAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "housekeeper.yaml")
	writeFile(t, path, `
logging:
  level: debug
cluster:
  enabled: false
tasks:
  audit_trim:
    enabled: true
    interval: "@hourly"
    retention: 720h
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	tc, ok := cfg.Task("audit_trim")
	if !ok || !tc.Enabled || tc.Interval != "@hourly" {
		t.Fatalf("unexpected task block: %+v (ok=%v)", tc, ok)
	}

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("Reload of identical file: err = %v, want ErrUnchanged", err)
	}

	writeFile(t, path, `
tasks:
  audit_trim:
    enabled: false
    interval: "0"
`)
	cfg, err = m.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	if tc, _ := cfg.Task("audit_trim"); tc.Enabled {
		t.Fatal("expected reloaded task to be disabled")
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestManagerRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "housekeeper.json")
	writeFile(t, path, `{"tasks":{"a":{"enabled":true,"interval":"1h","timeout":"5s"}}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown task field to be rejected")
	}

	writeFile(t, path, `{"nope":1}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown top-level field to be rejected")
	}
}

func TestManagerReloadKeepsPreviousOnInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "housekeeper.json")
	writeFile(t, path, `{"tasks":{"a":{"enabled":true,"interval":"10"}}}`)
	m := NewManager(path)
	prev, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	writeFile(t, path, `{"tasks":{"a":{"enabled":true,"interval":"never"}}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected invalid reload to fail")
	}
	if m.Get() != prev {
		t.Fatal("previous config should stay active after a rejected reload")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Cluster: ClusterConfig{Enabled: false},
		Tasks: map[string]TaskConfig{
			"a": {Enabled: true, Interval: "10"},
			"b": {Enabled: true, Interval: "20"},
		},
	}
	newCfg := &Config{
		Cluster: ClusterConfig{Enabled: true, ManagementNode: "n1"},
		Tasks: map[string]TaskConfig{
			"a": {Enabled: true, Interval: "10"},
			"b": {Enabled: false, Interval: "20"},
			"c": {Enabled: true, Interval: "30"},
		},
	}
	sections, _, tasks := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"cluster": true, "tasks": true}
	if len(sections) != len(want) {
		t.Fatalf("sections = %v", sections)
	}
	for _, s := range sections {
		if !want[s] {
			t.Fatalf("unexpected section %q in %v", s, sections)
		}
	}
	if len(tasks) != 2 || tasks[0] != "b" || tasks[1] != "c" {
		t.Fatalf("tasks = %v, want [b c]", tasks)
	}

	sections, _, tasks = SummarizeConfigChange(newCfg, newCfg)
	if len(sections) != 0 || len(tasks) != 0 {
		t.Fatalf("identical configs produced changes: %v %v", sections, tasks)
	}
}
