// Package bridge implements the host capabilities a bot script may call:
// logging, key-value storage, HTTPS requests, time, app labels and
// attachment access. The engine binds a Session's methods into each
// sandbox; nothing else is reachable from guest code.
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/user/notibot/internal/kvstore"
	"github.com/user/notibot/internal/logcapture"
	"github.com/user/notibot/internal/types"
)

const (
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultMaxHTTPTimeout   = 60 * time.Second
	DefaultMaxResponseBytes = 1 << 20
	DefaultMaxReadBytes     = 5 << 20
)

// Config wires the bridge to its collaborators. Zero values select
// defaults; Store is the only required field.
type Config struct {
	Store       types.KVStore
	Lock        *kvstore.TurnLock
	Attachments types.AttachmentStore
	Apps        types.AppResolver
	Capture     *logcapture.Capture
	Logger      *slog.Logger

	HTTPClient         *http.Client
	DefaultHTTPTimeout time.Duration
	MaxHTTPTimeout     time.Duration
	MaxResponseBytes   int64
	MaxReadBytes       int64

	AttachmentsEnabled bool
	Now                func() time.Time
}

// Bridge holds the state shared by every invocation. Per-invocation state
// lives in Session.
type Bridge struct {
	cfg                Config
	attachmentsEnabled atomic.Bool
}

func New(cfg Config) *Bridge {
	if cfg.Lock == nil {
		cfg.Lock = kvstore.NewTurnLock()
	}
	if cfg.Capture == nil {
		cfg.Capture = logcapture.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.DefaultHTTPTimeout <= 0 {
		cfg.DefaultHTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.MaxHTTPTimeout <= 0 {
		cfg.MaxHTTPTimeout = DefaultMaxHTTPTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Bridge{cfg: cfg}
	b.attachmentsEnabled.Store(cfg.AttachmentsEnabled)
	return b
}

// SetAttachmentsEnabled toggles the attachment accessors for sessions
// started afterwards and for calls made by running ones.
func (b *Bridge) SetAttachmentsEnabled(enabled bool) { b.attachmentsEnabled.Store(enabled) }

func (b *Bridge) AttachmentsEnabled() bool { return b.attachmentsEnabled.Load() }

// Store exposes the underlying key-value store so install policies can
// clear it.
func (b *Bridge) Store() types.KVStore { return b.cfg.Store }

// NewSession binds the bridge to one invocation handling ev.
func (b *Bridge) NewSession(runID types.RunID, ev *types.NotificationEvent) *Session {
	return &Session{
		b:      b,
		runID:  runID,
		event:  ev,
		logger: b.cfg.Logger.With("run_id", runID, "source_app", ev.SourceApp),
	}
}

// Session is the bridge as seen by one invocation. Its methods must be
// called from the invocation's loop goroutine, except HTTPRequest which is
// safe from any goroutine.
type Session struct {
	b      *Bridge
	runID  types.RunID
	event  *types.NotificationEvent
	logger *slog.Logger

	holdsLock bool
}

func (s *Session) RunID() types.RunID { return s.runID }

// Log mirrors a guest log line to slog and the debug capture. It never fails.
func (s *Session) Log(level, message string) {
	lvl := logcapture.ParseLevel(level)
	s.logger.Log(context.Background(), slogLevel(lvl), message, "bot", true)
	s.b.cfg.Capture.Add(lvl, message)
}

func slogLevel(l logcapture.Level) slog.Level {
	switch l {
	case logcapture.LevelInfo:
		return slog.LevelInfo
	case logcapture.LevelWarn:
		return slog.LevelWarn
	case logcapture.LevelError:
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// CurrentTime returns epoch milliseconds at call time.
func (s *Session) CurrentTime() int64 {
	return s.b.cfg.Now().UnixMilli()
}

// AppName resolves a package identifier to its label, falling back to the
// identifier itself.
func (s *Session) AppName(pkg string) string {
	if s.b.cfg.Apps != nil {
		if name, ok := s.b.cfg.Apps.AppName(pkg); ok && name != "" {
			return name
		}
	}
	return pkg
}

// AppNames is an AppResolver backed by a fixed map.
type AppNames map[string]string

func (a AppNames) AppName(pkg string) (string, bool) {
	name, ok := a[pkg]
	return name, ok
}
