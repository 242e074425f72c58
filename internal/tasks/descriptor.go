package tasks

import (
	"time"

	"housekeeper/internal/config"
)

// Descriptor is a point-in-time view of one task's schedule. It is rebuilt
// on every lookup so config reloads are observed without a restart.
type Descriptor struct {
	ID       string
	Enabled  bool
	Interval time.Duration
}

// Runnable reports whether the task should execute at all.
func (d Descriptor) Runnable() bool { return d.Enabled && d.Interval > 0 }

// Source resolves descriptors by task id.
type Source interface {
	Descriptor(id string) Descriptor
}

// ConfigSource resolves descriptors from the live config.
type ConfigSource struct {
	Get func() *config.Config
}

func (s ConfigSource) Descriptor(id string) Descriptor {
	d := Descriptor{ID: id}
	if s.Get == nil {
		return d
	}
	tc, ok := s.Get().Task(id)
	if !ok || !tc.Enabled {
		return d
	}
	iv, err := config.ParseInterval(tc.Interval)
	if err != nil || iv <= 0 {
		return d
	}
	d.Enabled = true
	d.Interval = iv
	return d
}

// EnabledIDs lists the runnable task ids in stable order.
func (s ConfigSource) EnabledIDs() []string {
	if s.Get == nil {
		return nil
	}
	var out []string
	for _, id := range s.Get().TaskIDs() {
		if s.Descriptor(id).Runnable() {
			out = append(out, id)
		}
	}
	return out
}
