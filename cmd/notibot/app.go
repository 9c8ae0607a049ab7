package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/user/notibot/internal/attachments"
	"github.com/user/notibot/internal/botpkg"
	"github.com/user/notibot/internal/bridge"
	"github.com/user/notibot/internal/config"
	"github.com/user/notibot/internal/engine"
	"github.com/user/notibot/internal/kvstore"
	"github.com/user/notibot/internal/logcapture"
	"github.com/user/notibot/internal/pipeline"
	"github.com/user/notibot/internal/resolver"
	"github.com/user/notibot/internal/scheduler"
	"github.com/user/notibot/internal/types"
)

// app holds the components shared by serve and run.
type app struct {
	cfg atomic.Pointer[config.Config]

	store       types.KVStore
	closeStore  func() error
	lock        *kvstore.TurnLock
	attachments *attachments.Store
	capture     *logcapture.Capture
	bridge      *bridge.Bridge
	engine      *engine.Engine
	bots        *botpkg.Manager
	resolver    *resolver.Resolver
	processor   *pipeline.Processor
}

// newApp wires the shared components. With ephemeral set, bot storage
// lives in memory and is gone when the process exits.
func newApp(cfg *config.Config, ephemeral bool) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var store types.KVStore
	closeStore := func() error { return nil }
	if ephemeral {
		store = kvstore.NewMemory()
	} else {
		db, err := kvstore.Open(cfg.StoragePath())
		if err != nil {
			return nil, fmt.Errorf("open bot storage: %w", err)
		}
		store, closeStore = db, db.Close
	}
	lock := kvstore.NewTurnLock()

	att, err := attachments.New(cfg.AttachmentsDir(), cfg.Attachments.MaxFileBytes)
	if err != nil {
		closeStore()
		return nil, err
	}

	capture := logcapture.New(cfg.Debug.MaxLogs)
	capture.SetEnabled(cfg.Debug.Enabled)

	br := bridge.New(bridge.Config{
		Store:              store,
		Lock:               lock,
		Attachments:        att,
		Apps:               bridge.AppNames(cfg.Apps),
		Capture:            capture,
		DefaultHTTPTimeout: msDuration(cfg.HTTP.DefaultTimeoutMs),
		MaxHTTPTimeout:     msDuration(cfg.HTTP.MaxTimeoutMs),
		AttachmentsEnabled: cfg.Attachments.Enabled,
	})

	eng := engine.New(engine.Config{Bridge: br, Timeout: cfg.BotTimeout()})

	bots, err := botpkg.NewManager(botpkg.Config{
		Dir:                 cfg.BotDir(),
		MaxScriptBytes:      cfg.Bot.MaxScriptBytes,
		MinDownloadInterval: cfg.MinDownloadInterval(),
		Lock:                lock,
		OnSourceChange: func(ctx context.Context, oldURL, newURL string) error {
			slog.Info("bot source changed, clearing storage", "old_url", oldURL, "new_url", newURL)
			return store.Clear(ctx)
		},
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	res := resolver.New(resolver.Config{
		Attachments:   att,
		SendEnabled:   cfg.Attachments.SendEnabled,
		MaxFileBytes:  cfg.Attachments.MaxFileBytes,
		MaxTotalBytes: cfg.Attachments.MaxTotalBytes,
		Capture:       capture,
	})

	proc := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Scripts:             bots,
		Engine:              eng,
		Resolver:            res,
		Capture:             capture,
		Pin:                 lock.Pin,
		ExecutionsPerMinute: cfg.Bot.MaxExecutionsPerMinute,
	})

	a := &app{
		store:       store,
		closeStore:  closeStore,
		lock:        lock,
		attachments: att,
		capture:     capture,
		bridge:      br,
		engine:      eng,
		bots:        bots,
		resolver:    res,
		processor:   proc,
	}
	a.cfg.Store(cfg)
	return a, nil
}

// processorFor builds a processor that shares everything but the script
// source with the daemon's.
func (a *app) processorFor(scripts pipeline.ScriptSource) *pipeline.Processor {
	return pipeline.NewProcessor(pipeline.ProcessorConfig{
		Scripts:             scripts,
		Engine:              a.engine,
		Resolver:            a.resolver,
		Capture:             a.capture,
		Pin:                 a.lock.Pin,
		ExecutionsPerMinute: a.cfg.Load().Bot.MaxExecutionsPerMinute,
	})
}

func (a *app) Close() error {
	return a.closeStore()
}

// apply pushes the runtime-tunable settings of cfg into the live components.
func (a *app) apply(cfg *config.Config) {
	a.cfg.Store(cfg)
	a.capture.SetEnabled(cfg.Debug.Enabled)
	a.resolver.SetSendEnabled(cfg.Attachments.SendEnabled)
	a.bridge.SetAttachmentsEnabled(cfg.Attachments.Enabled)
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func installOptions(sha string) []botpkg.InstallOption {
	if sha == "" {
		return nil
	}
	return []botpkg.InstallOption{botpkg.WithExpectedHash(sha)}
}

// updateJob re-downloads the installed bot. Failures other than network
// trouble are marked permanent so the retry policy leaves them alone.
func (a *app) updateJob(ctx context.Context) error {
	res, err := a.bots.Update(ctx)
	if err != nil {
		if errors.Is(err, botpkg.ErrNetworkFailure) {
			return err
		}
		return scheduler.Permanent(err)
	}
	if res.Changed {
		slog.Info("bot auto-updated", "hash", res.Package.ContentHash)
	}
	return nil
}

func (a *app) cleanupJob(ctx context.Context) error {
	res, err := a.attachments.Cleanup(ctx, a.cfg.Load().AttachmentMaxAge())
	if err != nil {
		return err
	}
	if res.Deleted > 0 {
		slog.Info("attachments cleaned up", "deleted", res.Deleted, "freed_bytes", res.FreedBytes)
	}
	return nil
}
