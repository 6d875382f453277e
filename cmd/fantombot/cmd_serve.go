package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/fantombot/internal/bothandlers"
	"github.com/user/fantombot/internal/config"
	"github.com/user/fantombot/internal/consumer"
	"github.com/user/fantombot/internal/dispatch"
	"github.com/user/fantombot/internal/logging"
	"github.com/user/fantombot/internal/metrics"
	"github.com/user/fantombot/internal/supervisor"
	"github.com/user/fantombot/internal/telegram"
	"github.com/user/fantombot/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot and the HTTP server (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// pollSlack is added to the long-poll timeout to get the HTTP client timeout.
const pollSlack = 15 * time.Second

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	telegram.UseLogger(logger)

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFile)
	}

	m := metrics.New()
	httpSvc := webhook.NewService(cfg.HTTP, webhook.NewServer("fantombot", version, m), logger.With("service", "http"), m)

	connect := func(ctx context.Context) (supervisor.Service, error) {
		policy := consumer.DefaultRetryPolicy()
		policy.MaxAttempts = cfg.Poll.MaxFailures
		client, err := consumer.Connect(ctx, policy, logger, func(ctx context.Context) (*telegram.Client, error) {
			return telegram.Dial(ctx, cfg.BotToken,
				telegram.WithEndpoint(cfg.TelegramEndpoint),
				telegram.WithRequestTimeout(time.Duration(cfg.Poll.Timeout)*time.Second+pollSlack),
			)
		})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to bot api", "username", client.Username())

		reg, err := bothandlers.New(client, cfg.AdminIDs, logger).Register(dispatch.NewBuilder()).Build()
		if err != nil {
			return nil, err
		}
		return consumer.New(client, reg, cfg.Poll, logger.With("service", "consumer"),
			consumer.WithMetrics(m),
			consumer.WithBotUsername(client.Username()),
		), nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fantombot starting",
		"version", version,
		"http_addr", cfg.HTTP.Addr(),
		"http_workers", cfg.HTTP.Workers,
		"poll_timeout", cfg.Poll.Timeout,
		"shutdown_grace", cfg.ShutdownGrace,
		"pid_file", cfg.PIDFile,
	)

	sup := supervisor.New(cfg, httpSvc, connect, logger, supervisor.WithMetrics(m))
	if err := sup.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
