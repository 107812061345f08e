// Command myrepetl is the thin CLI front end (spec §6, explicitly out of
// scope as a design focus in spec.md §1): it parses flags, loads the
// configuration, and wires the Supervisor, deliberately containing no
// domain logic of its own.
//
// Grounded on the teacher's cmd packages' cobra-based verb layout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/pkg/config"
	"github.com/tumurzakov/myrepetl/pkg/logutil"
	"github.com/tumurzakov/myrepetl/pkg/metrics"
	"github.com/tumurzakov/myrepetl/pkg/supervisor"
)

const (
	exitOK                = 0
	exitConfigError       = 1
	exitConnectionFailure = 2
	exitInterrupted       = 130
)

var (
	logLevel        string
	logFormat       string
	monitor         bool
	monitorInterval int
)

func main() {
	root := &cobra.Command{
		Use:   "myrepetl",
		Short: "MySQL-to-MySQL change-data-capture pipeline",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, WARNING, or ERROR")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "json or console")
	root.PersistentFlags().BoolVar(&monitor, "monitor", false, "log a periodic bus/target summary")
	root.PersistentFlags().IntVar(&monitorInterval, "monitor-interval", 10, "seconds between --monitor summaries")
	root.AddCommand(newRunCommand(), newTestCommand())

	if err := root.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <config>",
		Short: "start the supervisor and block until shutdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runMain(args[0]))
			return nil
		},
	}
}

func newTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test <config>",
		Short: "open every configured connection and report OK/FAIL per name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(testMain(args[0]))
			return nil
		},
	}
}

func runMain(configPath string) int {
	if err := logutil.Init(logutil.Config{Level: logLevel, Format: logFormat}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("configuration error", zap.Error(err))
		return exitConfigError
	}

	collectors := metrics.NewCollectors()
	sup, err := supervisor.New(cfg, collectors)
	if err != nil {
		log.Error("failed to build supervisor", zap.Error(err))
		return exitConfigError
	}

	server := metrics.NewServer(collectors, sup)
	go func() {
		if err := server.ListenAndServe(cfg.MetricsPort); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if monitor {
		go sup.MonitorLoop(ctx, time.Duration(monitorInterval)*time.Second)
	}

	var interrupted atomic.Bool
	go func() {
		<-ctx.Done()
		interrupted.Store(true)
		sup.Shutdown()
	}()

	if err := sup.Run(ctx); err != nil && !interrupted.Load() {
		log.Error("supervisor exited with error", zap.Error(err))
		return exitConnectionFailure
	}
	if interrupted.Load() {
		return exitInterrupted
	}
	return exitOK
}

func testMain(configPath string) int {
	if err := logutil.Init(logutil.Config{Level: logLevel, Format: logFormat}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("configuration error", zap.Error(err))
		return exitConfigError
	}

	results := supervisor.TestConnections(context.Background(), cfg)
	failed := false
	for name, err := range results {
		if err != nil {
			fmt.Printf("%s: FAIL (%v)\n", name, err)
			failed = true
		} else {
			fmt.Printf("%s: OK\n", name)
		}
	}
	if failed {
		return exitConnectionFailure
	}
	return exitOK
}
