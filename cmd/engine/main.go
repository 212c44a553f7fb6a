// Command engine runs the paired-option hedging engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/achavala/pairhedge/internal/alert"
	"github.com/achavala/pairhedge/internal/broker"
	"github.com/achavala/pairhedge/internal/config"
	"github.com/achavala/pairhedge/internal/engine"
	"github.com/achavala/pairhedge/internal/ledger"
	"github.com/achavala/pairhedge/internal/marketdata"
	"github.com/achavala/pairhedge/internal/ops"
	"github.com/achavala/pairhedge/internal/reconcile"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "Paired-option trading engine with delta hedging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the trading engine",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runEngine(cmd.Context()) },
	})
	root.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Run a one-shot reconciliation audit and print the report",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runReconcile(cmd.Context()) },
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bootstrap loads the environment and config and wires the shared
// collaborators used by both subcommands.
func bootstrap() (*config.Config, *logrus.Logger, ledger.Interface, broker.Broker, *alert.Bus, error) {
	// Optional; environment variables referenced by the config may come from
	// the process environment instead.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, perr := logrus.ParseLevel(cfg.Environment.LogLevel); perr == nil {
		logger.SetLevel(level)
	}

	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("opening ledger: %w", err)
	}

	if !cfg.IsPaperTrading() {
		_ = led.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("live broker connectivity is not configured; set environment.mode to paper")
	}
	brk := broker.NewCircuitBreakerBroker(broker.NewPaperBroker())

	alerts := alert.NewBus()
	alerts.SubscribeLogger(logger)

	return cfg, logger, led, brk, alerts, nil
}

func runEngine(ctx context.Context) error {
	cfg, logger, led, brk, alerts, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	provider := marketdata.NewStaticProvider()
	recon := reconcile.NewEngine(cfg.Reconciliation, cfg.BrokerTimeout(), led, brk, alerts, logger)
	eng := engine.New(cfg, led, brk, provider, alerts, recon, logger)

	// Recovery resolves in-flight exits before any actor starts; a corrupt
	// ledger is fatal.
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	if cfg.Ops.Enabled {
		server := ops.NewServer(cfg.Ops, recon, led, logger)
		g.Go(func() error { return server.Start(ctx) })
	}

	logger.WithField("symbols", cfg.Engine.Symbols).Info("engine started")
	return g.Wait()
}

func runReconcile(ctx context.Context) error {
	cfg, logger, led, brk, alerts, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	recon := reconcile.NewEngine(cfg.Reconciliation, cfg.BrokerTimeout(), led, brk, alerts, logger)
	report, err := recon.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if report.HasCritical() {
		return fmt.Errorf("reconciliation found critical mismatches")
	}
	return nil
}
