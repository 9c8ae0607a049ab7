package botpkg

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scriptA = `function processNotification(n) { return { action: "KEEP" }; }`
	scriptB = `function processNotification(n) { return { action: "DISMISS", reason: "b" }; }`
)

type botServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string]string
	hits   atomic.Int32
}

func newBotServer(t *testing.T) *botServer {
	t.Helper()
	bs := &botServer{bodies: map[string]string{}}
	bs.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.hits.Add(1)
		bs.mu.Lock()
		body, ok := bs.bodies[r.URL.Path]
		bs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(bs.Close)
	return bs
}

func (bs *botServer) serve(path, body string) string {
	bs.mu.Lock()
	bs.bodies[path] = body
	bs.mu.Unlock()
	return bs.URL + path
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, bs *botServer, mutate func(*Config)) (*Manager, *clock) {
	t.Helper()
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	cfg := Config{
		Dir:                 filepath.Join(t.TempDir(), "bots"),
		MinDownloadInterval: -1,
		Now:                 clk.Now,
	}
	if bs != nil {
		cfg.Client = bs.Client()
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m, clk
}

func TestInstallAThenB(t *testing.T) {
	bs := newBotServer(t)
	m, clk := newTestManager(t, bs, nil)
	ctx := context.Background()

	urlA := bs.serve("/a.js", scriptA)
	urlB := bs.serve("/b.js", scriptB)

	resA, err := m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err)
	assert.True(t, resA.Changed)
	assert.Equal(t, Hash([]byte(scriptA)), m.Info().ContentHash)

	clk.Advance(time.Minute)
	resB, err := m.DownloadAndInstall(ctx, urlB)
	require.NoError(t, err)
	assert.True(t, resB.Changed)
	info := m.Info()
	assert.Equal(t, Hash([]byte(scriptB)), info.ContentHash)
	assert.Equal(t, urlB, info.SourceURL)
	installedAt := info.InstalledAtEpochMs

	clk.Advance(time.Hour)
	again, err := m.DownloadAndInstall(ctx, urlB)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, installedAt, m.Info().InstalledAtEpochMs)

	script, pkg, err := m.LoadScript()
	require.NoError(t, err)
	assert.Equal(t, scriptB, script)
	assert.Equal(t, info.ContentHash, pkg.ContentHash)

	entries, err := os.ReadDir(filepath.Join(m.cfg.Dir, scriptsDir))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "the previous script outlives one swap")

	urlC := bs.serve("/c.js", scriptA+"\n// c")
	_, err = m.DownloadAndInstall(ctx, urlC)
	require.NoError(t, err)
	entries, err = os.ReadDir(filepath.Join(m.cfg.Dir, scriptsDir))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	_, err = os.Stat(m.disk.scriptPath(Hash([]byte(scriptA))))
	assert.ErrorIs(t, err, os.ErrNotExist, "older scripts are pruned")
}

func TestInsecureURLRejectedBeforeNetwork(t *testing.T) {
	bs := newBotServer(t)
	m, _ := newTestManager(t, bs, nil)

	for _, u := range []string{"http://example.com/bot.js", "ftp://example.com/bot.js", "example.com/bot.js", "https://"} {
		_, err := m.DownloadAndInstall(context.Background(), u)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidURLScheme, u)
	}
	assert.Zero(t, bs.hits.Load())
	assert.Nil(t, m.Info())
}

func TestFailuresLeavePreviousPackage(t *testing.T) {
	bs := newBotServer(t)
	m, _ := newTestManager(t, bs, func(c *Config) { c.MaxScriptBytes = 200 })
	ctx := context.Background()

	urlA := bs.serve("/a.js", scriptA)
	_, err := m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err)
	before := m.Info()

	cases := []struct {
		name string
		url  string
		opts []InstallOption
		kind error
	}{
		{"404", bs.URL + "/missing.js", nil, ErrNetworkFailure},
		{"empty", bs.serve("/empty.js", "   \n"), nil, ErrIntegrityOrTransfer},
		{"no entry point", bs.serve("/noentry.js", "function foo() {}"), nil, ErrIntegrityOrTransfer},
		{"too large", bs.serve("/big.js", scriptA+strings.Repeat(" ", 300)), nil, ErrIntegrityOrTransfer},
		{"hash mismatch", bs.serve("/b.js", scriptB), []InstallOption{WithExpectedHash("deadbeef")}, ErrIntegrityOrTransfer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.DownloadAndInstall(ctx, tc.url, tc.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			var dlErr *DownloadError
			require.True(t, errors.As(err, &dlErr))
			assert.Equal(t, tc.url, dlErr.URL)
			assert.Equal(t, before, m.Info())
		})
	}

	script, _, err := m.LoadScript()
	require.NoError(t, err)
	assert.Equal(t, scriptA, script)
}

func TestExpectedHashAccepted(t *testing.T) {
	bs := newBotServer(t)
	m, _ := newTestManager(t, bs, nil)
	urlB := bs.serve("/b.js", scriptB)

	_, err := m.DownloadAndInstall(context.Background(), urlB, WithExpectedHash(strings.ToUpper(Hash([]byte(scriptB)))))
	require.NoError(t, err)
}

func TestRateLimitOnlyForDifferentURL(t *testing.T) {
	bs := newBotServer(t)
	m, clk := newTestManager(t, bs, func(c *Config) { c.MinDownloadInterval = 3 * time.Minute })
	ctx := context.Background()
	urlA := bs.serve("/a.js", scriptA)
	urlB := bs.serve("/b.js", scriptB)

	_, err := m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	bs.serve("/a.js", scriptA+"\n// v2")
	res, err := m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err, "same URL bypasses the limit")
	assert.True(t, res.Changed)

	_, err = m.DownloadAndInstall(ctx, urlB)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	var dlErr *DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, 3*time.Minute, dlErr.RetryAfter)

	clk.Advance(3 * time.Minute)
	_, err = m.DownloadAndInstall(ctx, urlB)
	require.NoError(t, err)
}

func TestSourceChangeHook(t *testing.T) {
	bs := newBotServer(t)
	var calls []string
	m, _ := newTestManager(t, bs, func(c *Config) {
		c.OnSourceChange = func(_ context.Context, oldURL, newURL string) error {
			calls = append(calls, oldURL+" -> "+newURL)
			return nil
		}
	})
	ctx := context.Background()
	urlA := bs.serve("/a.js", scriptA)
	urlB := bs.serve("/b.js", scriptB)

	res, err := m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err)
	assert.False(t, res.StorageCleared, "first install has nothing to clear")

	bs.serve("/a.js", scriptA+"\n")
	_, err = m.Update(ctx)
	require.NoError(t, err)
	assert.Empty(t, calls, "same-source update keeps storage")

	res, err = m.DownloadAndInstall(ctx, urlB)
	require.NoError(t, err)
	assert.True(t, res.StorageCleared)
	assert.Equal(t, []string{urlA + " -> " + urlB}, calls)

	require.NoError(t, m.Delete())
	assert.Len(t, calls, 1, "delete keeps storage")

	_, err = m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err)
	assert.Equal(t, urlB+" -> "+urlA, calls[1], "source is remembered across delete")
}

func TestSourceChangeClearsBeforePublish(t *testing.T) {
	bs := newBotServer(t)
	lock := &countingLock{}
	var m *Manager
	var seenDuringClear *Package
	m, _ = newTestManager(t, bs, func(c *Config) {
		c.Lock = lock
		c.OnSourceChange = func(context.Context, string, string) error {
			assert.True(t, lock.held.Load(), "storage is cleared under the lock")
			seenDuringClear = m.Info()
			return nil
		}
	})
	ctx := context.Background()
	urlA := bs.serve("/a.js", scriptA)
	urlB := bs.serve("/b.js", scriptB)

	_, err := m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err)
	_, err = m.DownloadAndInstall(ctx, urlB)
	require.NoError(t, err)

	require.NotNil(t, seenDuringClear)
	assert.Equal(t, urlA, seenDuringClear.SourceURL, "new bot is not visible until storage is cleared")
	assert.False(t, lock.held.Load())
	assert.Equal(t, int32(2), lock.acquired.Load())
	assert.Equal(t, int32(1), lock.advanced.Load(), "only the source change starts a new generation")
}

func TestSourceChangeFailureKeepsPrevious(t *testing.T) {
	bs := newBotServer(t)
	fail := errors.New("disk full")
	m, _ := newTestManager(t, bs, func(c *Config) {
		c.OnSourceChange = func(context.Context, string, string) error { return fail }
	})
	ctx := context.Background()
	urlA := bs.serve("/a.js", scriptA)
	urlB := bs.serve("/b.js", scriptB)

	_, err := m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err)
	before := m.Info()

	_, err = m.DownloadAndInstall(ctx, urlB)
	require.ErrorIs(t, err, fail)
	assert.Equal(t, before, m.Info())

	script, _, err := m.LoadScript()
	require.NoError(t, err)
	assert.Equal(t, scriptA, script)

	reopened, err := NewManager(m.cfg)
	require.NoError(t, err)
	assert.Equal(t, urlA, reopened.Info().SourceURL, "nothing was published")
}

func TestLoadScriptDuringInstalls(t *testing.T) {
	bs := newBotServer(t)
	m, _ := newTestManager(t, bs, nil)
	ctx := context.Background()
	urls := []string{bs.serve("/a.js", scriptA), bs.serve("/b.js", scriptB)}
	_, err := m.DownloadAndInstall(ctx, urls[0])
	require.NoError(t, err)

	stop := make(chan struct{})
	var failures atomic.Int32
	var lastErr atomic.Value
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, _, err := m.LoadScript(); err != nil {
					failures.Add(1)
					lastErr.Store(err)
				}
			}
		}()
	}

	for i := 1; i <= 200; i++ {
		_, err := m.DownloadAndInstall(ctx, urls[i%2])
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, failures.Load(), "last error: %v", lastErr.Load())
}

func TestLoadScriptDuringDelete(t *testing.T) {
	bs := newBotServer(t)
	m, _ := newTestManager(t, bs, nil)
	ctx := context.Background()
	urlA := bs.serve("/a.js", scriptA)

	stop := make(chan struct{})
	var unexpected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, _, err := m.LoadScript(); err != nil && !errors.Is(err, ErrNoPackage) {
					unexpected.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		_, err := m.DownloadAndInstall(ctx, urlA)
		require.NoError(t, err)
		require.NoError(t, m.Delete())
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, unexpected.Load(), "a deleted bot reads as ErrNoPackage")
}

type countingLock struct {
	held     atomic.Bool
	acquired atomic.Int32
	advanced atomic.Int32
}

func (l *countingLock) Acquire(context.Context) error {
	l.held.Store(true)
	l.acquired.Add(1)
	return nil
}

func (l *countingLock) Release() { l.held.Store(false) }

func (l *countingLock) Advance() {
	if !l.held.Load() {
		panic("Advance without the lock")
	}
	l.advanced.Add(1)
}

func TestDeleteAndReload(t *testing.T) {
	bs := newBotServer(t)
	m, _ := newTestManager(t, bs, nil)
	ctx := context.Background()
	urlA := bs.serve("/a.js", scriptA)

	assert.ErrorIs(t, m.Delete(), ErrNoPackage)

	_, err := m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err)

	reopened, err := NewManager(m.cfg)
	require.NoError(t, err)
	require.NotNil(t, reopened.Info())
	assert.Equal(t, m.Info(), reopened.Info())

	require.NoError(t, m.Delete())
	assert.Nil(t, m.Info())
	_, _, err = m.LoadScript()
	assert.ErrorIs(t, err, ErrNoPackage)

	reopened, err = NewManager(m.cfg)
	require.NoError(t, err)
	assert.Nil(t, reopened.Info())
}

func TestLoadScriptDetectsTampering(t *testing.T) {
	bs := newBotServer(t)
	m, _ := newTestManager(t, bs, nil)
	_, err := m.DownloadAndInstall(context.Background(), bs.serve("/a.js", scriptA))
	require.NoError(t, err)

	path := m.disk.scriptPath(m.Info().ContentHash)
	require.NoError(t, os.WriteFile(path, []byte(scriptB), 0o644))

	_, _, err = m.LoadScript()
	assert.ErrorIs(t, err, ErrCorruptPackage)
}

func TestCheckForUpdates(t *testing.T) {
	bs := newBotServer(t)
	m, _ := newTestManager(t, bs, nil)
	ctx := context.Background()

	_, err := m.CheckForUpdates(ctx)
	assert.ErrorIs(t, err, ErrNoPackage)

	urlA := bs.serve("/a.js", scriptA)
	_, err = m.DownloadAndInstall(ctx, urlA)
	require.NoError(t, err)

	changed, err := m.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	bs.serve("/a.js", scriptB)
	changed, err = m.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, Hash([]byte(scriptA)), m.Info().ContentHash, "check does not install")
}

func TestConcurrentInstallAndDelete(t *testing.T) {
	bs := newBotServer(t)
	m, _ := newTestManager(t, bs, nil)
	ctx := context.Background()
	urlA := bs.serve("/a.js", scriptA)
	urlB := bs.serve("/b.js", scriptB)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				m.DownloadAndInstall(ctx, urlA)
			case 1:
				m.DownloadAndInstall(ctx, urlB)
			default:
				m.Delete()
			}
		}(i)
	}
	wg.Wait()

	if m.Info() == nil {
		return
	}
	script, pkg, err := m.LoadScript()
	require.NoError(t, err)
	assert.Equal(t, pkg.ContentHash, Hash([]byte(script)))
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate([]byte("  "), 0), ErrEmptyScript)
	assert.Error(t, Validate([]byte("var x = 1;"), 0))
	assert.Error(t, Validate([]byte(scriptA), 10))
	assert.NoError(t, Validate([]byte(scriptA), 0))
}
