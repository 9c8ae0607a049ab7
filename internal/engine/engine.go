// Package engine runs bot scripts in isolated goja sandboxes. Each
// invocation gets a fresh runtime bound to one bridge Session; guest code
// is driven by a single-goroutine event loop that only yields while an
// HTTP request is in flight.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/notibot/internal/bridge"
	"github.com/user/notibot/internal/types"
)

const (
	// EntryPoint is the function every bot script must define.
	EntryPoint = "processNotification"

	DefaultTimeout = 5 * time.Second

	maxCallStackSize = 1024
)

type Config struct {
	Bridge  *bridge.Bridge
	Timeout time.Duration
	Logger  *slog.Logger

	// OnStateChange, if set, observes every sandbox transition.
	OnStateChange func(types.RunID, State)
}

type Engine struct {
	bridge        *bridge.Bridge
	timeout       time.Duration
	logger        *slog.Logger
	onStateChange func(types.RunID, State)
}

func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		bridge:        cfg.Bridge,
		timeout:       cfg.Timeout,
		logger:        cfg.Logger,
		onStateChange: cfg.OnStateChange,
	}
}

func (e *Engine) Timeout() time.Duration { return e.timeout }

// Run initializes a sandbox, executes script against ev and always
// cleans the sandbox up.
func (e *Engine) Run(ctx context.Context, runID types.RunID, script string, ev *types.NotificationEvent) (*Response, error) {
	sb := e.NewSandbox(runID, ev)
	defer sb.Close()

	if err := sb.Initialize(); err != nil {
		return nil, err
	}
	return sb.Execute(ctx, script)
}
