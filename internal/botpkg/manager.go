package botpkg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultMinDownloadInterval = 3 * time.Minute

type Config struct {
	// Dir holds the scripts and metadata. Created if missing.
	Dir string

	Client              *http.Client
	MaxScriptBytes      int64
	MinDownloadInterval time.Duration

	// OnSourceChange runs before a bot from a different source URL is
	// published, with Lock held. The daemon uses it to clear bot storage.
	// An error aborts the install and keeps the previous bot.
	OnSourceChange func(ctx context.Context, oldURL, newURL string) error

	// Lock, when set, is held across OnSourceChange and the swap.
	Lock Locker

	Logger *slog.Logger
	Now    func() time.Time
}

// Locker is satisfied by kvstore.TurnLock. Advance is called, with the
// lock held, after storage was cleared and the new bot published.
type Locker interface {
	Acquire(ctx context.Context) error
	Release()
	Advance()
}

// Manager owns the single installed-bot slot. Installs and deletes are
// serialized; readers see either the old or the new package, never a
// partial one.
type Manager struct {
	cfg   Config
	disk  diskStore
	log   *slog.Logger
	group singleflight.Group

	mu      sync.Mutex
	current atomic.Pointer[Package]
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("botpkg: Dir is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxScriptBytes <= 0 {
		cfg.MaxScriptBytes = DefaultMaxScriptBytes
	}
	if cfg.MinDownloadInterval < 0 {
		cfg.MinDownloadInterval = 0
	} else if cfg.MinDownloadInterval == 0 {
		cfg.MinDownloadInterval = DefaultMinDownloadInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bot dir: %w", err)
	}

	m := &Manager{cfg: cfg, disk: diskStore{dir: cfg.Dir}, log: cfg.Logger}
	p, err := m.disk.loadActive()
	if err != nil {
		return nil, err
	}
	m.current.Store(p)
	return m, nil
}

// Info returns the installed package, or nil when none is installed.
func (m *Manager) Info() *Package {
	p := m.current.Load()
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// LoadScript reads the installed script from disk and checks it against
// the published hash. A script pruned by a concurrent install or delete is
// not corruption: the read follows the pointer that replaced it.
func (m *Manager) LoadScript() (string, *Package, error) {
	p := m.current.Load()
	var data []byte
	for {
		if p == nil {
			return "", nil, ErrNoPackage
		}
		var err error
		data, err = os.ReadFile(m.disk.scriptPath(p.ContentHash))
		if err == nil {
			break
		}
		if errors.Is(err, os.ErrNotExist) {
			if next := m.current.Load(); next != p {
				p = next
				continue
			}
		}
		return "", nil, fmt.Errorf("%w: %v", ErrCorruptPackage, err)
	}
	if Hash(data) != p.ContentHash {
		return "", nil, ErrCorruptPackage
	}
	if err := Validate(data, m.cfg.MaxScriptBytes); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrCorruptPackage, err)
	}
	cp := *p
	return string(data), &cp, nil
}

// DownloadAndInstall fetches rawURL and publishes it as the active bot.
// Only HTTPS is accepted, and the scheme is checked before any I/O.
func (m *Manager) DownloadAndInstall(ctx context.Context, rawURL string, opts ...InstallOption) (*InstallResult, error) {
	var o installOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkScheme(rawURL); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	downloads, err := m.disk.loadDownloads()
	if err != nil {
		m.log.Warn("read download state", "error", err)
	}
	if wait := m.rateLimitWait(downloads, rawURL); wait > 0 {
		return nil, &DownloadError{Kind: ErrRateLimited, URL: rawURL, RetryAfter: wait}
	}

	script, err := m.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if err := Validate(script, m.cfg.MaxScriptBytes); err != nil {
		return nil, &DownloadError{Kind: ErrIntegrityOrTransfer, URL: rawURL, Err: err}
	}
	hash := Hash(script)
	if o.expectedHash != "" && !strings.EqualFold(strings.TrimSpace(o.expectedHash), hash) {
		return nil, &DownloadError{
			Kind: ErrIntegrityOrTransfer,
			URL:  rawURL,
			Err:  fmt.Errorf("SHA-256 mismatch: expected %s, got %s", o.expectedHash, hash),
		}
	}

	prev := m.current.Load()
	if prev != nil && prev.SourceURL == rawURL && prev.ContentHash == hash {
		m.log.Info("bot unchanged", "url", rawURL, "hash", hash)
		cp := *prev
		return &InstallResult{Package: &cp}, nil
	}

	now := m.cfg.Now()
	pkg := &Package{
		SourceURL:          rawURL,
		ContentHash:        hash,
		InstalledAtEpochMs: now.UnixMilli(),
		SizeBytes:          int64(len(script)),
	}
	if err := m.disk.writeScript(hash, script); err != nil {
		return nil, &DownloadError{Kind: ErrIntegrityOrTransfer, URL: rawURL, Err: err}
	}

	oldURL := downloads.LastURL
	if prev != nil {
		oldURL = prev.SourceURL
	}
	cleared, err := m.swap(ctx, pkg, oldURL)
	if err != nil {
		return nil, err
	}

	// Keep the previous script so a reader that loaded the old pointer can
	// still open it.
	keep := []string{hash}
	if prev != nil {
		keep = append(keep, prev.ContentHash)
	}
	if err := m.disk.prune(keep...); err != nil {
		m.log.Warn("prune old scripts", "error", err)
	}
	if err := m.disk.saveDownloads(downloadState{LastURL: rawURL, LastAt: now.UnixMilli()}); err != nil {
		m.log.Warn("save download state", "error", err)
	}

	m.log.Info("bot installed", "url", rawURL, "hash", hash, "bytes", pkg.SizeBytes)
	cp := *pkg
	return &InstallResult{Package: &cp, Changed: true, StorageCleared: cleared}, nil
}

// swap publishes pkg under the storage lock. When the source URL changed,
// storage is cleared first, so no turn of the new bot sees the old keys.
func (m *Manager) swap(ctx context.Context, pkg *Package, oldURL string) (bool, error) {
	if m.cfg.Lock != nil {
		if err := m.cfg.Lock.Acquire(ctx); err != nil {
			return false, err
		}
		defer m.cfg.Lock.Release()
	}

	cleared := false
	if oldURL != "" && oldURL != pkg.SourceURL && m.cfg.OnSourceChange != nil {
		if err := m.cfg.OnSourceChange(ctx, oldURL, pkg.SourceURL); err != nil {
			m.log.Error("source change hook failed", "old_url", oldURL, "new_url", pkg.SourceURL, "error", err)
			return false, fmt.Errorf("clear storage for new source: %w", err)
		}
		cleared = true
	}
	if err := m.disk.publish(pkg); err != nil {
		return cleared, &DownloadError{Kind: ErrIntegrityOrTransfer, URL: pkg.SourceURL, Err: err}
	}
	m.current.Store(pkg)
	if cleared && m.cfg.Lock != nil {
		m.cfg.Lock.Advance()
	}
	return cleared, nil
}

// Update re-downloads the installed bot from its source URL. Concurrent
// calls share one download.
func (m *Manager) Update(ctx context.Context) (*InstallResult, error) {
	p := m.current.Load()
	if p == nil {
		return nil, ErrNoPackage
	}
	v, err, _ := m.group.Do("update", func() (any, error) {
		return m.DownloadAndInstall(ctx, p.SourceURL)
	})
	if err != nil {
		return nil, err
	}
	return v.(*InstallResult), nil
}

// CheckForUpdates reports whether the remote script differs from the
// installed one, without installing it.
func (m *Manager) CheckForUpdates(ctx context.Context) (bool, error) {
	p := m.current.Load()
	if p == nil {
		return false, ErrNoPackage
	}
	script, err := m.fetch(ctx, p.SourceURL)
	if err != nil {
		return false, err
	}
	return Hash(script) != p.ContentHash, nil
}

// Delete removes the installed bot. Bot storage is left alone.
func (m *Manager) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Load() == nil {
		return ErrNoPackage
	}
	if err := m.disk.unpublish(); err != nil {
		return err
	}
	m.current.Store(nil)
	if err := m.disk.prune(); err != nil {
		m.log.Warn("remove scripts", "error", err)
	}
	m.log.Info("bot deleted")
	return nil
}

func (m *Manager) rateLimitWait(s downloadState, rawURL string) time.Duration {
	if s.LastAt == 0 || s.LastURL == rawURL {
		return 0
	}
	elapsed := m.cfg.Now().Sub(time.UnixMilli(s.LastAt))
	if elapsed >= m.cfg.MinDownloadInterval || elapsed < 0 {
		return 0
	}
	return m.cfg.MinDownloadInterval - elapsed
}

func (m *Manager) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &DownloadError{Kind: ErrNetworkFailure, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", "Notibot/1.0")

	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		return nil, &DownloadError{Kind: ErrNetworkFailure, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DownloadError{Kind: ErrNetworkFailure, URL: rawURL, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, m.cfg.MaxScriptBytes+1))
	if err != nil {
		return nil, &DownloadError{Kind: ErrIntegrityOrTransfer, URL: rawURL, Err: err}
	}
	if int64(len(data)) > m.cfg.MaxScriptBytes {
		return nil, &DownloadError{
			Kind: ErrIntegrityOrTransfer,
			URL:  rawURL,
			Err:  fmt.Errorf("bot larger than %d bytes", m.cfg.MaxScriptBytes),
		}
	}
	return data, nil
}

func checkScheme(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return &DownloadError{Kind: ErrInvalidURLScheme, URL: rawURL}
	}
	return nil
}
