package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/redloop/redloop/internal/daemon"
	"github.com/redloop/redloop/internal/supervisor"
)

var (
	sweepSessionID  string
	sweepStaleAfter time.Duration
	sweepInterval   time.Duration
	sweepForeground bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover jobs whose runner never reported back",
	Long: "Scan running jobs and time out any older than the stale threshold,\n" +
		"applying the same escalation a live failure would. One-shot by default;\n" +
		"use the start/stop/status subcommands to run it as a background daemon.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sweepOnceRun(cmd.Context())
	},
}

var sweepStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sweep daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sweepForeground {
			return sweepLoopRun(cmd.Context())
		}
		return sweepStartRun()
	},
}

var sweepStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the sweep daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sweepStopRun()
	},
}

var sweepStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the sweep daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sweepStatusRun()
	},
}

func init() {
	sweepCmd.PersistentFlags().StringVar(&sweepSessionID, "session", "", "Restrict sweeping to one session")
	sweepCmd.PersistentFlags().DurationVar(&sweepStaleAfter, "stale-after", 0, "Override the stale threshold (default from config)")
	sweepStartCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "Override the sweep interval (default from config)")
	sweepStartCmd.Flags().BoolVar(&sweepForeground, "foreground", false, "Run in the foreground instead of detaching")

	sweepCmd.AddCommand(sweepStartCmd)
	sweepCmd.AddCommand(sweepStopCmd)
	sweepCmd.AddCommand(sweepStatusCmd)
	rootCmd.AddCommand(sweepCmd)
}

func sweepPidFile() (*daemon.PIDFile, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	return daemon.NewPIDFile(filepath.Join(root, ".redloop", "sweep.pid")), nil
}

func staleAfter() time.Duration {
	if sweepStaleAfter > 0 {
		return sweepStaleAfter
	}
	return viper.GetDuration("sweep.stale_after")
}

func sweepOpts() supervisor.SweepOptions {
	return supervisor.SweepOptions{
		SessionID:  sweepSessionID,
		StaleAfter: sweepStaleAfter,
	}
}

func sweepOnceRun(ctx context.Context) error {
	st, err := getStore()
	if err != nil {
		return err
	}
	eng := engineFor(st)

	report, err := eng.sv.Sweep(ctx, time.Now().UTC(), sweepOpts())
	if err != nil {
		return err
	}
	if report.TimedOut == 0 {
		ui.Info("No stale jobs (%d checked)", report.Checked)
	} else {
		ui.Success("Resolved %d of %d stale job(s)", report.Resolved, report.TimedOut)
	}
	return nil
}

// sweepLoopRun runs the sweep loop in the foreground until interrupted.
func sweepLoopRun(ctx context.Context) error {
	st, err := getStore()
	if err != nil {
		return err
	}
	eng := engineFor(st)

	interval := sweepInterval
	if interval <= 0 {
		interval = viper.GetDuration("sweep.interval")
	}

	pf, err := sweepPidFile()
	if err != nil {
		return err
	}
	if err := pf.Write(); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = pf.Remove() }()

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	ui.Info("Sweeping every %s (stale after %s)", interval, staleAfter())
	eng.sv.RunLoop(ctx, interval, sweepOpts())
	return nil
}

// sweepStartRun detaches a child process running the loop and records its PID.
func sweepStartRun() error {
	pf, err := sweepPidFile()
	if err != nil {
		return err
	}
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("sweep daemon already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	args := []string{"sweep", "start", "--foreground"}
	if sweepSessionID != "" {
		args = append(args, "--session", sweepSessionID)
	}
	if sweepStaleAfter > 0 {
		args = append(args, "--stale-after", sweepStaleAfter.String())
	}
	if sweepInterval > 0 {
		args = append(args, "--interval", sweepInterval.String())
	}
	if p, _ := rootCmd.PersistentFlags().GetString("project"); p != "" {
		args = append(args, "--project", p)
	}

	child := exec.Command(exe, args...)
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start sweep daemon: %w", err)
	}

	ui.Success("Sweep daemon started (pid %d)", child.Process.Pid)
	return nil
}

func sweepStopRun() error {
	pf, err := sweepPidFile()
	if err != nil {
		return err
	}
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("sweep daemon not running")
	}
	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal sweep daemon: %w", err)
	}
	ui.Success("Sent stop signal to sweep daemon (pid %d)", pid)
	return nil
}

func sweepStatusRun() error {
	pf, err := sweepPidFile()
	if err != nil {
		return err
	}
	if pid, running := pf.IsRunning(); running {
		ui.Success("Sweep daemon running (pid %d)", pid)
	} else {
		ui.Info("Sweep daemon not running")
	}
	return nil
}
