package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/notibot/internal/capture"
	"github.com/user/notibot/internal/config"
	"github.com/user/notibot/internal/delivery"
	"github.com/user/notibot/internal/pipeline"
	"github.com/user/notibot/internal/scheduler"
	"github.com/user/notibot/internal/telegram"
	"github.com/user/notibot/internal/types"
	"github.com/user/notibot/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the notibot daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(cfg *config.Config) (string, error) {
	pidPath := cfg.PidPath()
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	// Write PID file
	pidPath, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Delivery registry; anything without a dedicated sink is logged.
	sinks := delivery.NewRegistry(delivery.LogSink{Logger: slog.Default()})

	normalizer := &capture.Normalizer{}
	pipe := pipeline.New(pipeline.Config{
		Processor:     a.processor,
		Sink:          sinks,
		MaxConcurrent: int64(cfg.MaxConcurrent),
		Normalize:     normalizer.Normalize,
	})
	pipe.Start(ctx)
	defer pipe.Stop()

	// Scheduler
	device := scheduler.NewDeviceState(cfg.Device.Unmetered, cfg.Device.BatteryLow)
	sched := scheduler.New(device, slog.Default())
	jobs := scheduler.Jobs{
		Update:  a.updateJob,
		Cleanup: a.cleanupJob,
		Retry:   scheduler.DefaultRetryPolicy(),
	}
	resync := func() {
		cur := a.cfg.Load()
		st := scheduler.State{
			PackageInstalled:   a.bots.Info() != nil,
			AutoUpdateOptIn:    cur.Bot.AutoUpdate,
			AttachmentsEnabled: cur.Attachments.Enabled,
		}
		if err := sched.Sync(scheduler.Desired(st, jobs)); err != nil {
			slog.Error("scheduler sync failed", "error", err)
			return
		}
		slog.Debug("scheduler synced", "jobs", sched.Scheduled())
	}
	sched.Start()
	defer sched.Stop()

	// Install the configured bot on first start.
	if cfg.Bot.URL != "" && a.bots.Info() == nil {
		res, err := a.bots.DownloadAndInstall(ctx, cfg.Bot.URL, installOptions(cfg.Bot.ExpectedSHA256)...)
		if err != nil {
			slog.Error("initial bot install failed", "url", cfg.Bot.URL, "error", err)
		} else {
			slog.Info("bot installed", "url", res.Package.SourceURL, "hash", res.Package.ContentHash)
		}
	}
	resync()

	slog.Info("notibot started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"bot_installed", a.bots.Info() != nil,
		"pid_file", pidPath,
	)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(telegram.Config{
			Token: cfg.Telegram.Token,
			Handler: func(ev *types.NotificationEvent) error {
				_, err := pipe.Handle(ev)
				return err
			},
			Attachments:        a.attachments,
			AttachmentsEnabled: a.bridge.AttachmentsEnabled,
			BotInfo:            a.bots.Info,
		})
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		sinks.Register(telegram.ChannelPrefix, adapter)
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Webhook HTTP server
	if cfg.HTTP.Enabled {
		webhookSrv := webhook.NewServer(webhook.Config{
			Processor:   pipe,
			Bots:        a.bots,
			Capture:     a.capture,
			Jobs:        sched,
			OnBotChange: resync,
		})
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: webhookSrv,
		}
		go func() {
			slog.Info("webhook server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("webhook server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	// Config hot reload
	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			a.apply(next)
			device.Set(next.Device.Unmetered, next.Device.BatteryLow)
			resync()
		})
		if err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			a.Close()
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
