package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"housekeeper/internal/cluster"
	"housekeeper/internal/config"
	"housekeeper/internal/procman"
	"housekeeper/internal/runner"
	"housekeeper/internal/signals"
	"housekeeper/internal/storage"
	"housekeeper/internal/tasks"
	logx "housekeeper/pkg/logx"
)

type WorkerOptions struct {
	ConfigPath string
	TaskID     string
	ParentPID  int
	Verbose    bool
}

// RunWorker is the body of a worker process. Nothing is inherited from the
// parent except the command line: the worker loads its own config and opens
// its own store connection.
func RunWorker(ctx context.Context, opt WorkerOptions) (runner.Result, error) {
	// Capture signals before anything else: the parent may forward a reload
	// or cancel while this process is still starting, and their default
	// action would terminate it.
	coord := signals.New(16)
	coord.Start(signals.DefaultMapping())
	defer coord.Stop()

	cfgm := config.NewManager(opt.ConfigPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return runner.Result{}, err
	}
	sched, err := cfg.ResolveScheduler()
	if err != nil {
		return runner.Result{}, err
	}

	logSvc, log := logx.New(LogConfig(cfg, opt.Verbose))
	defer func() { _ = logSvc.Close() }()
	log = log.With(
		logx.String("comp", "worker"),
		logx.String("task", opt.TaskID),
		logx.Int("pid", os.Getpid()),
		logx.String("cid", uuid.NewString()),
	)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	task, err := tasks.Lookup(opt.TaskID)
	if err != nil {
		return runner.Result{}, err
	}

	st, err := storage.Open(StorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return runner.Result{}, fmt.Errorf("storage: %w", err)
	}
	if st != nil {
		defer func() { _ = st.Close() }()
	}

	reload := func() error {
		next, err := cfgm.Reload(ctx)
		if errors.Is(err, config.ErrUnchanged) {
			return nil
		}
		if err != nil {
			return err
		}
		logSvc.Apply(LogConfig(next, opt.Verbose))
		return nil
	}

	r := runner.New(runner.Options{
		Task:   task,
		Source: tasks.ConfigSource{Get: cfgm.Get},
		Gate:   cluster.NewGate(cluster.ConfigInputs{Get: cfgm.Get}),
		Events: coord,
		Store:  st,
		Log:    log,
		TaskConfig: func() config.TaskConfig {
			tc, _ := cfgm.Get().Task(opt.TaskID)
			return tc
		},
		Reload:        reload,
		Quota:         runner.Quota(sched.RunQuota, sched.RunQuotaJitter, nil),
		DisabledRetry: sched.DisabledRetry,
		ParentPID:     opt.ParentPID,
		Alive:         procman.Alive,
	})
	return r.Run(ctx), nil
}
