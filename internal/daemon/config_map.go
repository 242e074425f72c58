package daemon

import (
	sd "github.com/coreos/go-systemd/v22/daemon"

	"housekeeper/internal/config"
	"housekeeper/internal/observability/metrics"
	"housekeeper/internal/storage"
	logx "housekeeper/pkg/logx"
)

// LogConfig maps the logging block; verbose forces debug level.
func LogConfig(cfg *config.Config, verbose bool) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if verbose {
		lc.Level = "debug"
		lc.Console = true
	}
	return lc
}

func StorageConfig(cfg *config.Config) storage.Config {
	// Validated at load time.
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		ReadOnly:    cfg.Storage.ReadOnly,
	}
}

func MetricsConfig(cfg *config.Config) metrics.Config {
	return metrics.Config{
		Enabled:       cfg.Metrics.Enabled,
		Addr:          cfg.Metrics.Addr,
		Token:         cfg.Metrics.Token,
		AllowInsecure: cfg.Metrics.AllowInsecure,
		Pprof:         cfg.Metrics.Pprof,
	}
}

// notify reports state to systemd when NOTIFY_SOCKET is set.
func notify(log logx.Logger, state string) {
	sent, err := sd.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Trace("sd_notify sent", logx.String("state", state))
	}
}
