// Package webhook is the HTTP surface of the daemon: a JSON capture source
// for notifications plus the bot and debug-log management API.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/user/notibot/internal/botpkg"
	"github.com/user/notibot/internal/logcapture"
	"github.com/user/notibot/internal/resolver"
	"github.com/user/notibot/internal/types"
)

const maxRequestBytes = 1 << 20

// Processor runs one notification to completion.
type Processor interface {
	Process(ctx context.Context, ev *types.NotificationEvent) (resolver.Effect, error)
}

// BotManager is the slice of botpkg.Manager the API needs.
type BotManager interface {
	Info() *botpkg.Package
	DownloadAndInstall(ctx context.Context, url string, opts ...botpkg.InstallOption) (*botpkg.InstallResult, error)
	Update(ctx context.Context) (*botpkg.InstallResult, error)
	CheckForUpdates(ctx context.Context) (bool, error)
	Delete() error
}

// Jobs runs scheduled policies on demand. scheduler.Scheduler satisfies it.
type Jobs interface {
	Scheduled() []string
	Trigger(name string) (bool, error)
}

type Config struct {
	Processor Processor
	Bots      BotManager
	Capture   *logcapture.Capture
	Jobs      Jobs

	// OnBotChange runs after a successful install, update or delete.
	OnBotChange func()
}

// Server is a lightweight HTTP handler for the daemon API.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

func NewServer(cfg Config) *Server {
	if cfg.Capture == nil {
		cfg.Capture = logcapture.Default
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /v1/notifications", s.handleNotification)
	s.mux.HandleFunc("GET /v1/bot", s.handleBotInfo)
	s.mux.HandleFunc("POST /v1/bot", s.handleBotInstall)
	s.mux.HandleFunc("DELETE /v1/bot", s.handleBotDelete)
	s.mux.HandleFunc("POST /v1/bot/update", s.handleBotUpdate)
	s.mux.HandleFunc("GET /v1/bot/check", s.handleBotCheck)
	s.mux.HandleFunc("GET /v1/jobs", s.handleJobs)
	s.mux.HandleFunc("POST /v1/jobs/{name}/run", s.handleJobRun)
	s.mux.HandleFunc("GET /v1/logs", s.handleLogs)
	s.mux.HandleFunc("DELETE /v1/logs", s.handleLogsClear)
	s.mux.HandleFunc("GET /v1/logs/enabled", s.handleLogsEnabled)
	s.mux.HandleFunc("PUT /v1/logs/enabled", s.handleLogsSetEnabled)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Effect is the JSON rendering of a resolved effect.
type Effect struct {
	Action        string   `json:"action"`
	ReplyText     string   `json:"replyText,omitempty"`
	SnoozeMinutes int      `json:"snoozeMinutes,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Attachments   []string `json:"attachments,omitempty"`
}

// EncodeEffect converts eff for the wire.
func EncodeEffect(eff resolver.Effect) Effect {
	out := Effect{Action: strings.ToUpper(string(eff.Kind()))}
	switch e := eff.(type) {
	case resolver.Keep:
		out.Reason = e.Reason
	case resolver.Dismiss:
		out.Reason = e.Reason
	case resolver.Reply:
		out.ReplyText = e.Text
		out.Reason = e.Reason
		for _, a := range e.Attachments {
			out.Attachments = append(out.Attachments, a.Path)
		}
	case resolver.Snooze:
		out.SnoozeMinutes = e.Minutes()
		out.Reason = e.Reason
	}
	return out
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, "processing not configured")
		return
	}
	var ev types.NotificationEvent
	if !decode(w, r, &ev) {
		return
	}
	if ev.SourceApp == "" {
		writeError(w, http.StatusBadRequest, "sourceApp is required")
		return
	}
	if ev.Channel == "" {
		ev.Channel = types.NewChannelKey("webhook", strconv.FormatInt(ev.ID, 10))
	}

	eff, err := s.cfg.Processor.Process(r.Context(), &ev)
	if eff == nil {
		slog.Error("notification processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err != nil {
		// The effect is still valid; only delivery failed.
		slog.Warn("notification delivery failed", "error", err)
	}
	writeJSON(w, http.StatusOK, EncodeEffect(eff))
}

// BotInfo is the JSON rendering of an installed package.
type BotInfo struct {
	SourceURL   string    `json:"sourceUrl"`
	ContentHash string    `json:"contentHash"`
	InstalledAt time.Time `json:"installedAt"`
	SizeBytes   int64     `json:"sizeBytes"`
}

func encodeBot(p *botpkg.Package) BotInfo {
	return BotInfo{
		SourceURL:   p.SourceURL,
		ContentHash: p.ContentHash,
		InstalledAt: p.InstalledAt().UTC(),
		SizeBytes:   p.SizeBytes,
	}
}

// InstallResponse is returned by install and update.
type InstallResponse struct {
	Bot            BotInfo `json:"bot"`
	Changed        bool    `json:"changed"`
	StorageCleared bool    `json:"storageCleared"`
}

func (s *Server) handleBotInfo(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bots == nil {
		writeError(w, http.StatusServiceUnavailable, "bot management not configured")
		return
	}
	p := s.cfg.Bots.Info()
	if p == nil {
		writeError(w, http.StatusNotFound, "no bot installed")
		return
	}
	writeJSON(w, http.StatusOK, encodeBot(p))
}

// InstallRequest asks the daemon to install the bot at URL, optionally
// pinned to a SHA-256 digest.
type InstallRequest struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

func (s *Server) handleBotInstall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bots == nil {
		writeError(w, http.StatusServiceUnavailable, "bot management not configured")
		return
	}
	var req InstallRequest
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	var opts []botpkg.InstallOption
	if req.SHA256 != "" {
		opts = append(opts, botpkg.WithExpectedHash(req.SHA256))
	}
	res, err := s.cfg.Bots.DownloadAndInstall(r.Context(), req.URL, opts...)
	s.writeInstall(w, res, err)
}

func (s *Server) handleBotUpdate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bots == nil {
		writeError(w, http.StatusServiceUnavailable, "bot management not configured")
		return
	}
	res, err := s.cfg.Bots.Update(r.Context())
	s.writeInstall(w, res, err)
}

func (s *Server) writeInstall(w http.ResponseWriter, res *botpkg.InstallResult, err error) {
	if err != nil {
		writeBotError(w, err)
		return
	}
	if res.Changed && s.cfg.OnBotChange != nil {
		s.cfg.OnBotChange()
	}
	writeJSON(w, http.StatusOK, InstallResponse{
		Bot:            encodeBot(res.Package),
		Changed:        res.Changed,
		StorageCleared: res.StorageCleared,
	})
}

func (s *Server) handleBotCheck(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bots == nil {
		writeError(w, http.StatusServiceUnavailable, "bot management not configured")
		return
	}
	available, err := s.cfg.Bots.CheckForUpdates(r.Context())
	if err != nil {
		writeBotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updateAvailable": available})
}

func (s *Server) handleBotDelete(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bots == nil {
		writeError(w, http.StatusServiceUnavailable, "bot management not configured")
		return
	}
	if err := s.cfg.Bots.Delete(); err != nil {
		writeBotError(w, err)
		return
	}
	if s.cfg.OnBotChange != nil {
		s.cfg.OnBotChange()
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeBotError maps the package manager's error taxonomy to HTTP.
func writeBotError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var dl *botpkg.DownloadError
	switch {
	case errors.Is(err, botpkg.ErrNoPackage):
		status = http.StatusNotFound
	case errors.Is(err, botpkg.ErrInvalidURLScheme):
		status = http.StatusBadRequest
	case errors.Is(err, botpkg.ErrRateLimited):
		status = http.StatusTooManyRequests
		if errors.As(err, &dl) && dl.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(dl.RetryAfter.Seconds()))))
		}
	case errors.Is(err, botpkg.ErrIntegrityOrTransfer):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, botpkg.ErrNetworkFailure):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		slog.Error("bot management failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"scheduled": s.cfg.Jobs.Scheduled()})
}

// JobRunResponse reports a manual run. Ran is false when the policy's
// constraints were not met.
type JobRunResponse struct {
	Name  string `json:"name"`
	Ran   bool   `json:"ran"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	name := r.PathValue("name")
	if !slices.Contains(s.cfg.Jobs.Scheduled(), name) {
		writeError(w, http.StatusNotFound, "job "+name+" is not scheduled")
		return
	}
	ran, err := s.cfg.Jobs.Trigger(name)
	resp := JobRunResponse{Name: name, Ran: ran}
	if err != nil {
		slog.Warn("manual job run failed", "name", name, "error", err)
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := s.cfg.Capture.Logs()
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	if entries == nil {
		entries = []logcapture.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	s.cfg.Capture.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type enabledBody struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleLogsEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, enabledBody{Enabled: s.cfg.Capture.IsEnabled()})
}

func (s *Server) handleLogsSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body enabledBody
	if !decode(w, r, &body) {
		return
	}
	s.cfg.Capture.SetEnabled(body.Enabled)
	writeJSON(w, http.StatusOK, body)
}
