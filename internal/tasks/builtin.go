package tasks

import (
	"context"
	"time"

	"housekeeper/internal/config"
	"housekeeper/internal/storage"
	logx "housekeeper/pkg/logx"
)

const defaultAuditRetention = 30 * 24 * time.Hour

func runAuditTrim(ctx context.Context, env Env) error {
	if env.Store == nil {
		return storage.ErrDisabled
	}
	retention, err := config.ParseDurationOrDefault("retention", env.Config.Retention, defaultAuditRetention)
	if err != nil {
		return err
	}
	before := env.Now.Add(-retention)
	n, err := env.Store.TrimAudit(ctx, before)
	if err != nil {
		return err
	}
	env.Log.Info("audit trimmed", logx.Int64("rows", n), logx.Time("before", before))
	return nil
}

func runStaleExpiry(ctx context.Context, env Env) error {
	if env.Store == nil {
		return storage.ErrDisabled
	}
	n, err := env.Store.ExpireDedup(ctx, env.Now)
	if err != nil {
		return err
	}
	env.Log.Info("stale keys expired", logx.Int64("rows", n))
	return nil
}

const (
	// rollupGrace keeps yesterday open for late rows after midnight.
	rollupGrace = time.Hour
	// finalMarkerTTL bounds how long a finalized-day marker is kept; the
	// stale_expiry task removes it afterwards.
	finalMarkerTTL = 7 * 24 * time.Hour
)

func finalKey(day time.Time) string { return "rollup_final:" + day.Format("2006-01-02") }

// runAccountingRollup recomputes yesterday and today so rows written just
// before midnight are folded into the right day. Once the grace period has
// passed, yesterday is marked final and later runs only recompute today.
func runAccountingRollup(ctx context.Context, env Env) error {
	if env.Store == nil {
		return storage.ErrDisabled
	}
	today := env.Now.UTC().Truncate(24 * time.Hour)
	yesterday := today.Add(-24 * time.Hour)

	since := yesterday
	until, final, err := env.Store.GetDedup(ctx, finalKey(yesterday))
	if err != nil {
		return err
	}
	if final && until.After(env.Now) {
		since = today
	}
	n, err := env.Store.RollupAudit(ctx, since)
	if err != nil {
		return err
	}
	if since.Equal(yesterday) && env.Now.Sub(today) >= rollupGrace {
		if err := env.Store.PutDedup(ctx, finalKey(yesterday), env.Now.Add(finalMarkerTTL)); err != nil {
			return err
		}
		env.Log.Debug("rollup day finalized", logx.String("day", yesterday.Format("2006-01-02")))
	}
	env.Log.Info("audit rolled up", logx.Int64("rows", n), logx.Time("since", since))
	return nil
}
