package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/notibot/internal/botpkg"
	"github.com/user/notibot/internal/engine"
	"github.com/user/notibot/internal/logcapture"
	"github.com/user/notibot/internal/resolver"
	"github.com/user/notibot/internal/types"
)

const DefaultExecutionsPerMinute = 100

// ScriptSource supplies the installed bot script.
type ScriptSource interface {
	LoadScript() (string, *botpkg.Package, error)
}

// Executor runs a script against one notification.
type Executor interface {
	Run(ctx context.Context, runID types.RunID, script string, ev *types.NotificationEvent) (*engine.Response, error)
}

type ProcessorConfig struct {
	Scripts  ScriptSource
	Engine   Executor
	Resolver *resolver.Resolver
	Capture  *logcapture.Capture
	Logger   *slog.Logger

	// Pin, when set, tags each run's context before its script is loaded.
	// The daemon passes kvstore.TurnLock.Pin so a run of a replaced bot
	// cannot write into its successor's storage.
	Pin func(context.Context) context.Context

	// ExecutionsPerMinute caps bot runs across all apps. Zero means
	// DefaultExecutionsPerMinute; negative disables the limit.
	ExecutionsPerMinute int
}

// Processor turns a notification into exactly one effect. It never fails:
// every problem on the way resolves to Keep.
type Processor struct {
	scripts  ScriptSource
	engine   Executor
	resolver *resolver.Resolver
	limiter  *rate.Limiter
	capture  *logcapture.Capture
	logger   *slog.Logger
	pin      func(context.Context) context.Context
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Capture == nil {
		cfg.Capture = logcapture.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.New(resolver.Config{Capture: cfg.Capture, Logger: cfg.Logger})
	}
	if cfg.ExecutionsPerMinute == 0 {
		cfg.ExecutionsPerMinute = DefaultExecutionsPerMinute
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if n := cfg.ExecutionsPerMinute; n > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	return &Processor{
		scripts:  cfg.Scripts,
		engine:   cfg.Engine,
		resolver: cfg.Resolver,
		limiter:  limiter,
		capture:  cfg.Capture,
		logger:   cfg.Logger,
		pin:      cfg.Pin,
	}
}

// Process loads the installed bot, runs it against ev and resolves the
// response.
func (p *Processor) Process(ctx context.Context, runID types.RunID, ev *types.NotificationEvent) resolver.Effect {
	logger := p.logger.With("run_id", string(runID), "source_app", ev.SourceApp)

	if !p.limiter.Allow() {
		p.capture.Add(logcapture.LevelWarn, "Rate limit exceeded, skipping bot execution")
		logger.Warn("execution rate limit exceeded")
		return resolver.Keep{Reason: "rate limited"}
	}

	if p.pin != nil {
		ctx = p.pin(ctx)
	}
	script, pkg, err := p.scripts.LoadScript()
	if errors.Is(err, botpkg.ErrNoPackage) {
		logger.Debug("no bot installed")
		return resolver.Keep{Reason: "no bot installed"}
	}
	if err != nil {
		return p.resolver.FailClosed(err)
	}

	p.capture.Add(logcapture.LevelInfo, "Executing bot script...")
	p.capture.Addf(logcapture.LevelInfo, "Bot code loaded (%d bytes)", len(script))
	logger.Debug("executing bot", "content_hash", pkg.ContentHash)

	start := time.Now()
	resp, err := p.engine.Run(ctx, runID, script, ev)
	if err != nil {
		logger.Warn("bot execution failed", "error", err, "elapsed", time.Since(start))
		return p.resolver.FailClosed(err)
	}
	p.capture.Addf(logcapture.LevelInfo, "Bot returned action: %s", resp.Action)

	eff := p.resolver.Resolve(resp)
	logger.Info("bot resolved", "action", string(eff.Kind()), "elapsed", time.Since(start))
	return eff
}
