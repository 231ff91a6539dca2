package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay/internal/chat"
	"github.com/pelusa-v/pelusa-relay/internal/config"
	"github.com/pelusa-v/pelusa-relay/internal/events"
	"github.com/pelusa-v/pelusa-relay/internal/handlers"
	"github.com/pelusa-v/pelusa-relay/internal/logger"
	"github.com/pelusa-v/pelusa-relay/internal/metrics"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "pelusa-relay",
		Short:        "Real-time chat relay: presence, messaging and call signaling over websockets",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to YAML config")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides config and PORT")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	pub, err := events.Connect(cfg.NATS.Events(), log.Named("events"))
	if err != nil {
		return err
	}
	defer pub.Close()

	m := chat.NewManager(chat.ManagerConf{
		SendQueue:   cfg.Server.SendQueue,
		TypingQuiet: cfg.Typing.QuietWindow,
		Logger:      log.Named("chat"),
		Metrics:     met,
		Events:      pub,
	})

	sweeper := chat.NewSweeper(m, cfg.Sweeps.Liveness, cfg.Sweeps.Reconcile)
	sweeper.Start()

	app := fiber.New(fiber.Config{
		AppName:               "pelusa-relay",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	h := handlers.New(m, reg)
	h.ReadLimit = int64(cfg.Server.ReadLimit)
	h.Mount(app, cfg.Server.WSPath)

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", cfg.Server.Addr), zap.String("ws", cfg.Server.WSPath))
		errCh <- app.Listen(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		<-sweeper.Stop().Done()
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	log.Info("shutting down")
	<-sweeper.Stop().Done()
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Warn("fiber shutdown", zap.Error(err))
	}
	return nil
}
