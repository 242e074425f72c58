// Package daemon wires the parent process: config, pid lock, signal
// coordinator, cluster gate, process manager and metrics around a single
// control loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"housekeeper/internal/cluster"
	"housekeeper/internal/config"
	"housekeeper/internal/observability/metrics"
	"housekeeper/internal/pidfile"
	"housekeeper/internal/procman"
	rtsup "housekeeper/internal/runtime/supervisor"
	"housekeeper/internal/signals"
	"housekeeper/internal/storage"
	"housekeeper/internal/tasks"
	logx "housekeeper/pkg/logx"
)

type Options struct {
	ConfigPath string
	Verbose    bool
	// Launcher overrides the re-exec launcher (tests).
	Launcher procman.Launcher
	// Registry receives the metrics collectors; defaults to a private registry.
	Registry *prom.Registry
	// SkipLock disables the pid file (tests).
	SkipLock bool
}

type Daemon struct {
	verbose bool

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	lock *pidfile.File

	coord    *signals.Coordinator
	gate     *cluster.Gate
	src      tasks.ConfigSource
	pm       *procman.Manager
	exporter *metrics.Exporter
	metrics  *metrics.Service
	sup      *rtsup.Supervisor

	sched       config.Scheduler
	lastApplied *config.Config
	running     bool
}

// New loads the config, takes the pid lock and prepares the store. Every
// error it returns is fatal for the process.
func New(opt Options) (*Daemon, error) {
	cfgm := config.NewManager(opt.ConfigPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sched, err := cfg.ResolveScheduler()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(LogConfig(cfg, opt.Verbose))
	log = log.With(logx.String("comp", "daemon"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	d := &Daemon{
		verbose:     opt.Verbose,
		cfgm:        cfgm,
		logs:        logSvc,
		log:         log,
		coord:       signals.New(256),
		sched:       sched,
		lastApplied: cfg,
	}

	if !opt.SkipLock {
		lock, err := pidfile.Acquire(cfg.PIDPath())
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		d.lock = lock
	}

	// Migrate once, then disconnect: workers open their own connections
	// and never migrate.
	if err := prepareStore(cfg, log.With(logx.String("comp", "storage"))); err != nil {
		d.release()
		return nil, err
	}

	reg := opt.Registry
	if reg == nil {
		reg = prom.NewRegistry()
	}
	exp, err := metrics.NewExporter(reg)
	if err != nil {
		d.release()
		return nil, err
	}
	d.exporter = exp
	d.gate = cluster.NewGate(cluster.ConfigInputs{Get: cfgm.Get})
	d.src = tasks.ConfigSource{Get: cfgm.Get}

	launcher := opt.Launcher
	if launcher == nil {
		launcher = procman.ExecLauncher{ConfigPath: opt.ConfigPath, Verbose: opt.Verbose}
	}
	d.pm = procman.New(procman.Options{
		Launcher:  launcher,
		Events:    d.coord,
		Log:       log.With(logx.String("comp", "procman")),
		Observer:  exp,
		Enabled:   d.gate.Enabled,
		SpawnRate: sched.SpawnRatePerSec,
		Go: func(name string, fn func(ctx context.Context)) {
			if d.sup != nil {
				d.sup.Go0(name, fn)
				return
			}
			go fn(context.Background())
		},
	})
	d.metrics = metrics.New(MetricsConfig(cfg), reg, d.status, log.With(logx.String("comp", "metrics")))
	return d, nil
}

func validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	return tasks.ValidateConfig(cfg)
}

// prepareStore migrates the schema from the parent only. A read-only store
// is degraded, not fatal: workers skip their runs until it is writable.
func prepareStore(cfg *config.Config, log logx.Logger) error {
	sc := StorageConfig(cfg)
	if sc.Driver == "" || sc.Driver == "none" {
		log.Warn("storage disabled; tasks will fail until storage.driver is set")
		return nil
	}
	ro, err := storage.Prepare(context.Background(), sc, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if ro {
		log.Warn("store is read-only; task runs will be skipped", logx.String("path", sc.Path))
	}
	return nil
}

// Run drives the scheduler loop until a quit event or ctx cancellation, then
// stops every worker.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.release()

	d.coord.Start(signals.DefaultMapping())
	defer d.coord.Stop()

	d.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(d.log.With(logx.String("comp", "supervisor"))))
	d.sup.GoRestart("config.watch", d.cfgm.Watch)
	sub := d.cfgm.Subscribe(4)
	d.sup.Go0("config.forward", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case _, ok := <-sub:
				if !ok {
					return
				}
				d.coord.Post(signals.Event{Kind: signals.Reload, Source: "watch"})
			}
		}
	})
	d.metrics.Reconfigure(d.sup.Context(), MetricsConfig(d.cfgm.Get()))

	for _, id := range d.src.EnabledIDs() {
		d.pm.Register(id)
	}
	d.running = true
	d.regate()
	notify(d.log, "READY=1")
	d.log.Info("scheduler started",
		logx.Int("tasks", d.pm.Pending()),
		logx.Bool("processing", d.gate.Enabled()),
		logx.Duration("tick", d.sched.Tick),
	)

	for d.running {
		d.step(ctx)
		if ctx.Err() != nil {
			d.log.Info("context canceled, stopping")
			d.running = false
		}
	}

	notify(d.log, "STOPPING=1")
	d.log.Info("shutting down", logx.Int("workers", d.pm.Live()))
	d.pm.Shutdown(d.coord, procman.Timeouts{Stop: d.sched.StopTimeout, Cancel: d.sched.CancelTimeout})

	d.cfgm.Unsubscribe(sub)
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.metrics.Stop(stopCtx)
	if err := d.sup.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn("background goroutines did not stop cleanly", logx.Err(err))
	}
	d.log.Info("stopped")
	return nil
}

// step is one scheduler iteration: dispatch, wait, handle, regate.
func (d *Daemon) step(ctx context.Context) {
	if d.gate.Enabled() {
		d.pm.DispatchAll(ctx)
	}
	d.handle(ctx, d.coord.Wait(d.sched.Tick))
	for _, e := range d.coord.Drain() {
		d.handle(ctx, e)
	}
	d.regate()
}

func (d *Daemon) handle(ctx context.Context, e signals.Event) {
	switch e.Kind {
	case signals.Tick:
	case signals.Quit:
		d.log.Info("quit requested", logx.String("source", e.Source), logx.Any("signal", e.Signal))
		d.running = false
	case signals.Reload:
		d.reload(ctx, e)
	case signals.ChildExit:
		d.pm.Reap(e.PID, e.Err)
	case signals.Cancel:
		n := d.pm.Forward(unix.SIGUSR1)
		d.log.Info("cancel forwarded to workers", logx.Int("workers", n))
	}
}

// reload re-reads the config on SIGHUP (the file watcher already committed
// its version), applies it and tells every worker to reload too.
func (d *Daemon) reload(ctx context.Context, e signals.Event) {
	if e.Source != "watch" {
		if _, err := d.cfgm.Reload(ctx); err != nil && !errors.Is(err, config.ErrUnchanged) {
			d.log.Warn("config reload rejected; keeping previous", logx.Err(err))
		}
	}
	d.apply(d.cfgm.Get())
	d.pm.Forward(unix.SIGHUP)
}

func (d *Daemon) apply(cfg *config.Config) {
	sections, fields, changedTasks := config.SummarizeConfigChange(d.lastApplied, cfg)
	d.lastApplied = cfg
	if len(sections) == 0 {
		d.log.Debug("config reload received, but no effective changes detected")
	} else {
		d.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
		if len(changedTasks) > 0 {
			d.log.Debug("task config changes detected", logx.Any("tasks", changedTasks))
		}
	}
	for _, s := range sections {
		if s == "storage" || s == "pid_file" {
			d.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	d.logs.Apply(LogConfig(cfg, d.verbose))
	if sched, err := cfg.ResolveScheduler(); err != nil {
		d.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		d.sched = sched
	}
	if d.sup != nil {
		d.metrics.Reconfigure(d.sup.Context(), MetricsConfig(cfg))
	}
	d.regate()
	for _, id := range d.src.EnabledIDs() {
		if d.pm.Register(id) {
			d.log.Info("task registered", logx.String("task", id))
		}
	}
}

// regate re-evaluates the cluster gate; it has no side effects when the
// decision is unchanged.
func (d *Daemon) regate() bool {
	enabled, changed := d.gate.Evaluate()
	d.exporter.SetProcessing(enabled)
	if changed {
		d.log.Info("processing gate changed", logx.Bool("enabled", enabled))
		if enabled {
			notify(d.log, "STATUS=processing")
		} else {
			notify(d.log, "STATUS=standby")
		}
	}
	return enabled
}

func (d *Daemon) status() metrics.Status {
	st := d.pm.Stats()
	out := metrics.Status{
		Processing: d.gate.Enabled(),
		Stopping:   d.pm.Stopping(),
		Pending:    st.Pending,
		Running:    st.Running,
	}
	if d.sup != nil {
		c := d.sup.Counters()
		out.Goroutines = &c
	}
	return out
}

func (d *Daemon) release() {
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			d.log.Warn("pid file release failed", logx.Err(err))
		}
		d.lock = nil
	}
	if d.logs != nil {
		_ = d.logs.Close()
		d.logs = nil
	}
}
