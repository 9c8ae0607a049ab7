package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/user/notibot/internal/engine"
	"github.com/user/notibot/internal/logcapture"
	"github.com/user/notibot/internal/types"
)

const (
	MaxSnoozeMinutes = 7 * 24 * 60

	DefaultMaxFileBytes  int64 = 5 << 20
	DefaultMaxTotalBytes int64 = 10 << 20
)

// ValidationError describes why a response was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid bot response: " + e.Reason
	}
	return fmt.Sprintf("invalid bot response: %s: %s", e.Field, e.Reason)
}

type Config struct {
	Attachments   types.AttachmentStore
	SendEnabled   bool
	MaxFileBytes  int64
	MaxTotalBytes int64
	Capture       *logcapture.Capture
	Logger        *slog.Logger
}

type Resolver struct {
	attachments   types.AttachmentStore
	sendEnabled   atomic.Bool
	maxFileBytes  int64
	maxTotalBytes int64
	capture       *logcapture.Capture
	logger        *slog.Logger
}

func New(cfg Config) *Resolver {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if cfg.Capture == nil {
		cfg.Capture = logcapture.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Resolver{
		attachments:   cfg.Attachments,
		maxFileBytes:  cfg.MaxFileBytes,
		maxTotalBytes: cfg.MaxTotalBytes,
		capture:       cfg.Capture,
		logger:        cfg.Logger,
	}
	r.sendEnabled.Store(cfg.SendEnabled)
	return r
}

// SetSendEnabled toggles whether reply attachments are forwarded.
func (r *Resolver) SetSendEnabled(enabled bool) { r.sendEnabled.Store(enabled) }

// Resolve validates resp and maps it to an Effect. Any violation yields
// Keep.
func (r *Resolver) Resolve(resp *engine.Response) Effect {
	eff, err := r.Validate(resp)
	if err != nil {
		return r.FailClosed(err)
	}
	return eff
}

// FailClosed records err and returns Keep. The pipeline also routes
// execution failures through here.
func (r *Resolver) FailClosed(err error) Effect {
	msg := err.Error()
	var execErr *engine.ExecutionError
	if errors.As(err, &execErr) {
		msg = "Bot execution failed: " + execErr.DetailedMessage()
	}
	r.logger.Warn("bot response rejected, keeping notification", "error", err)
	r.capture.Add(logcapture.LevelError, msg)
	return Keep{Reason: err.Error()}
}

// Validate is Resolve without the fail-closed fallback.
func (r *Resolver) Validate(resp *engine.Response) (Effect, error) {
	if resp == nil {
		return nil, &ValidationError{Reason: "no response"}
	}
	switch strings.ToUpper(strings.TrimSpace(resp.Action)) {
	case "KEEP":
		return Keep{Reason: resp.Reason}, nil
	case "DISMISS":
		return Dismiss{Reason: resp.Reason}, nil
	case "REPLY":
		return r.reply(resp)
	case "SNOOZE":
		return snooze(resp)
	case "":
		return nil, &ValidationError{Field: "action", Reason: "missing"}
	default:
		return nil, &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", resp.Action)}
	}
}

func (r *Resolver) reply(resp *engine.Response) (Effect, error) {
	if resp.ReplyText == nil {
		return nil, &ValidationError{Field: "replyText", Reason: "required for REPLY"}
	}
	if strings.TrimSpace(*resp.ReplyText) == "" {
		return nil, &ValidationError{Field: "replyText", Reason: "must not be empty"}
	}
	eff := Reply{Text: *resp.ReplyText, Reason: resp.Reason}

	refs := resp.Refs()
	if len(refs) == 0 {
		return eff, nil
	}
	if !r.sendEnabled.Load() {
		r.capture.Addf(logcapture.LevelWarn, "Attachment sending disabled, dropping %d attachment(s)", len(refs))
		return eff, nil
	}
	atts, err := r.resolveAttachments(refs)
	if err != nil {
		return nil, err
	}
	eff.Attachments = atts
	r.capture.Addf(logcapture.LevelInfo, "Bot included %d attachments", len(atts))
	return eff, nil
}

func (r *Resolver) resolveAttachments(refs []types.AttachmentRef) ([]Attachment, error) {
	if r.attachments == nil {
		return nil, &ValidationError{Field: "attachmentsToSend", Reason: "no attachment store"}
	}
	out := make([]Attachment, 0, len(refs))
	var total int64
	for i, ref := range refs {
		field := fmt.Sprintf("attachmentsToSend[%d]", i)
		path, size, err := r.attachments.Resolve(ref.Path)
		if err != nil {
			return nil, &ValidationError{Field: field, Reason: err.Error()}
		}
		if size > r.maxFileBytes {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("%d bytes exceeds %d", size, r.maxFileBytes)}
		}
		total += size
		if total > r.maxTotalBytes {
			return nil, &ValidationError{Field: "attachmentsToSend", Reason: fmt.Sprintf("total exceeds %d bytes", r.maxTotalBytes)}
		}
		out = append(out, Attachment{Path: path, MimeType: ref.MimeType, SizeBytes: size})
	}
	return out, nil
}

func snooze(resp *engine.Response) (Effect, error) {
	if resp.SnoozeMinutes == nil {
		return nil, &ValidationError{Field: "snoozeMinutes", Reason: "required for SNOOZE"}
	}
	f, err := resp.SnoozeMinutes.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, &ValidationError{Field: "snoozeMinutes", Reason: fmt.Sprintf("%s is not an integer", resp.SnoozeMinutes)}
	}
	if f < 1 || f > MaxSnoozeMinutes {
		return nil, &ValidationError{Field: "snoozeMinutes", Reason: fmt.Sprintf("%s out of range 1..%d", resp.SnoozeMinutes, MaxSnoozeMinutes)}
	}
	return Snooze{Duration: time.Duration(f) * time.Minute, Reason: resp.Reason}, nil
}
