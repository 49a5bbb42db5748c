// Command bookd-sweeper runs the session retention sweep on a schedule:
// sessions idle past the configured window are soft-deleted, and soft-deleted
// sessions past the retention window are purged together with their messages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/slotbook/bookd"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bookd-sweeper",
		Short:         "Periodic retention sweep for bookd sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("store", bookd.DefaultStore, "store URL (memory:// or postgres://...)")
	flags.String("log-level", bookd.DefaultLogLevel, "minimum log level (trace|debug|info|warn|error)")
	flags.String("schedule", "@every 1h", "cron schedule for the sweep")
	flags.Bool("once", false, "run a single sweep and exit")
	flags.Duration("max-idle", bookd.DefaultSessionMaxIdle, "idle window before sessions are soft-deleted")
	flags.Duration("retention", bookd.DefaultSessionRetention, "window before soft-deleted sessions are purged")
	flags.VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
	viper.SetEnvPrefix("BOOKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return cmd
}

func run(ctx context.Context) error {
	levelStr := viper.GetString("log-level")
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("unknown log level %q", levelStr)
	}
	logger := pslog.NewWithOptions(os.Stderr, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
	})

	cfg := bookd.Config{
		Store:            viper.GetString("store"),
		LogLevel:         levelStr,
		SessionMaxIdle:   viper.GetDuration("max-idle"),
		SessionRetention: viper.GetDuration("retention"),
	}
	platform, err := bookd.New(ctx, cfg, bookd.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer platform.Close()

	sweep := func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		result, err := platform.Sessions.CleanupExpired(sweepCtx)
		if err != nil {
			logger.Error("sweeper.run.failed", "error", err)
			return
		}
		logger.Info("sweeper.run.done",
			"soft_deleted", result.SoftDeleted,
			"hard_deleted", result.HardDeleted,
		)
	}

	if viper.GetBool("once") {
		sweep()
		return nil
	}

	schedule := viper.GetString("schedule")
	runner := cron.New()
	if _, err := runner.AddFunc(schedule, sweep); err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	runner.Start()
	logger.Info("sweeper.started", "schedule", schedule, "store", cfg.Store)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("sweeper.stopping", "signal", sig.String())
	case <-ctx.Done():
	}
	<-runner.Stop().Done()
	return nil
}
