// Package main is the entry point for the housekeeper daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"housekeeper/internal/config"
	"housekeeper/internal/daemon"
	"housekeeper/internal/pidfile"
	"housekeeper/internal/tasks"
	logx "housekeeper/pkg/logx"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
)

const defaultConfig = "./housekeeper.yaml"

func main() {
	if err := rootCmd().Execute(); err != nil {
		logx.NewConsole("info").Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath   string
		detach    bool
		verbose   bool
		restart   bool
		restartTO time.Duration
	)
	root := &cobra.Command{
		Use:           "housekeeper",
		Short:         "Periodic maintenance task scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if restart {
				if err := stopRunning(cmd.Context(), cfgPath, restartTO); err != nil {
					return err
				}
			}
			if detach && !daemon.Detached() {
				pid, err := daemon.Daemonize(detachedArgs(cfgPath, verbose))
				if err != nil {
					return err
				}
				fmt.Printf("housekeeper started in background (pid %d)\n", pid)
				return nil
			}

			d, err := daemon.New(daemon.Options{ConfigPath: cfgPath, Verbose: verbose})
			if err != nil {
				var locked *pidfile.LockedError
				if errors.As(err, &locked) {
					return fmt.Errorf("%w (use --restart to replace it)", err)
				}
				return err
			}
			return d.Run(cmd.Context())
		},
	}
	f := root.Flags()
	f.StringVarP(&cfgPath, "config", "c", defaultConfig, "path to config file (json or yaml)")
	f.BoolVarP(&detach, "daemonize", "d", false, "detach from the terminal and run in the background")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging on the console")
	f.BoolVarP(&restart, "restart", "r", false, "stop the running instance before starting")
	f.DurationVar(&restartTO, "restart-timeout", time.Minute, "how long --restart waits for the old instance")

	root.AddCommand(workerCmd(), checkCmd(), versionCmd())
	return root
}

// detachedArgs rebuilds the command line for the background copy; restart
// was already handled by the foreground process.
func detachedArgs(cfgPath string, verbose bool) []string {
	args := []string{"--config", cfgPath}
	if verbose {
		args = append(args, "--verbose")
	}
	return args
}

func stopRunning(ctx context.Context, cfgPath string, timeout time.Duration) error {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return daemon.StopRunning(ctx, cfg.PIDPath(), 0)
}

func workerCmd() *cobra.Command {
	var opt daemon.WorkerOptions
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one task loop (started by the daemon)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opt.TaskID == "" {
				return errors.New("worker: --task is required")
			}
			if _, err := daemon.RunWorker(cmd.Context(), opt); err != nil {
				return err
			}
			os.Exit(0)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opt.TaskID, "task", "", "task id")
	f.IntVar(&opt.ParentPID, "parent", 0, "pid of the scheduling process")
	f.StringVarP(&opt.ConfigPath, "config", "c", defaultConfig, "path to config file")
	f.BoolVarP(&opt.Verbose, "verbose", "v", false, "debug logging on the console")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <path>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			m := config.NewManager(args[0])
			m.SetValidator(func(_ context.Context, cfg *config.Config) error {
				if err := config.Validate(cfg); err != nil {
					return err
				}
				return tasks.ValidateConfig(cfg)
			})
			cfg, err := m.Load()
			if err != nil {
				return err
			}
			if _, err := cfg.ResolveScheduler(); err != nil {
				return err
			}
			fmt.Printf("config OK: %d task(s), pid file %s\n", len(cfg.TaskIDs()), cfg.PIDPath())
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and built-in tasks",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("housekeeper %s (commit: %s)\n", version, commit)
			fmt.Println("\nBuilt-in tasks:")
			for _, id := range tasks.Known() {
				fmt.Printf("  %s\n", id)
			}
		},
	}
}
