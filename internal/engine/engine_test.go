package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/notibot/internal/bridge"
	"github.com/user/notibot/internal/kvstore"
	"github.com/user/notibot/internal/logcapture"
	"github.com/user/notibot/internal/types"
)

type testEnv struct {
	engine  *Engine
	bridge  *bridge.Bridge
	store   *kvstore.Memory
	capture *logcapture.Capture

	mu     sync.Mutex
	states map[types.RunID][]State
}

func newTestEnv(t *testing.T, mutate func(*bridge.Config), timeout time.Duration) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   kvstore.NewMemory(),
		capture: logcapture.New(100),
		states:  make(map[types.RunID][]State),
	}
	env.capture.SetEnabled(true)
	cfg := bridge.Config{Store: env.store, Capture: env.capture}
	if mutate != nil {
		mutate(&cfg)
	}
	env.bridge = bridge.New(cfg)
	env.engine = New(Config{
		Bridge:  env.bridge,
		Timeout: timeout,
		OnStateChange: func(id types.RunID, s State) {
			env.mu.Lock()
			env.states[id] = append(env.states[id], s)
			env.mu.Unlock()
		},
	})
	return env
}

func (env *testEnv) run(t *testing.T, script string, ev *types.NotificationEvent) (*Response, []State, error) {
	t.Helper()
	id := types.NewRunID()
	resp, err := env.engine.Run(context.Background(), id, script, ev)
	env.mu.Lock()
	defer env.mu.Unlock()
	return resp, append([]State(nil), env.states[id]...), err
}

func event(app, title string) *types.NotificationEvent {
	return &types.NotificationEvent{
		ID:               7,
		SourceApp:        app,
		Title:            title,
		Body:             "hello",
		Timestamp:        1700000000000,
		AvailableActions: []string{"reply"},
	}
}

func countState(states []State, want State) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}

func TestSyncResponse(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	resp, states, err := env.run(t, `
		function processNotification(n) {
			return { action: "REPLY", replyText: "hi " + n.appPackage + " " + n.title + " " + n.actions.length };
		}`, event("com.x", "yo"))
	require.NoError(t, err)
	assert.Equal(t, "REPLY", resp.Action)
	require.NotNil(t, resp.ReplyText)
	assert.Equal(t, "hi com.x yo 1", *resp.ReplyText)
	assert.Equal(t, []State{StateInitializing, StateRunning, StateCompleted, StateCleaned}, states)
}

func TestAsyncResponseAndLexicalEntryPoint(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	resp, _, err := env.run(t, `
		const processNotification = async (n) => {
			await Promise.resolve();
			return { action: "SNOOZE", snoozeMinutes: 15 };
		};`, event("com.x", "t"))
	require.NoError(t, err)
	assert.Equal(t, "SNOOZE", resp.Action)
	require.NotNil(t, resp.SnoozeMinutes)
	assert.Equal(t, "15", resp.SnoozeMinutes.String())
}

func TestFaultKinds(t *testing.T) {
	cases := []struct {
		name   string
		script string
		kind   error
	}{
		{"syntax", `function processNotification( {`, ErrParseOrLoad},
		{"top level throw", `throw new Error("boom"); function processNotification() {}`, ErrParseOrLoad},
		{"missing entry", `function other() { return {action: "KEEP"}; }`, ErrMissingEntryPoint},
		{"entry not a function", `var processNotification = 3;`, ErrMissingEntryPoint},
		{"throws", `function processNotification() { throw new TypeError("bad input"); }`, ErrRuntimeFault},
		{"rejects", `async function processNotification() { throw new Error("async boom"); }`, ErrRuntimeFault},
		{"no value", `function processNotification() {}`, ErrInvalidResponseShape},
		{"wrong type", `function processNotification() { return { action: 5 }; }`, ErrInvalidResponseShape},
		{"missing action", `function processNotification() { return { replyText: "x" }; }`, ErrInvalidResponseShape},
		{"bad attachments", `function processNotification() { return { action: "REPLY", replyText: "x", attachmentsToSend: [1] }; }`, ErrInvalidResponseShape},
		{"cyclic", `function processNotification() { var o = {action: "KEEP"}; o.self = o; return o; }`, ErrInvalidResponseShape},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil, 0)
			_, states, err := env.run(t, tc.script, event("com.x", "t"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			var execErr *ExecutionError
			require.True(t, errors.As(err, &execErr))
			assert.Contains(t, execErr.DetailedMessage(), "Bot error:")
			assert.Equal(t, 1, countState(states, StateFaulted))
			assert.Equal(t, 1, countState(states, StateCleaned))
		})
	}
}

func TestRuntimeFaultCarriesJSError(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	_, _, err := env.run(t, `function processNotification() { throw new TypeError("bad input"); }`, event("com.x", "t"))
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.JSError, "bad input")
	assert.Contains(t, execErr.Stack, "bot.js")
}

func TestStackOverflowNamesTheCause(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	_, states, err := env.run(t, `
		function recurse(n) { return recurse(n + 1) + 1; }
		function processNotification() { return recurse(0); }`, event("com.x", "t"))
	require.ErrorIs(t, err, ErrRuntimeFault)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.JSError, "call stack")
	assert.NotContains(t, err.Error(), "<nil>")
	assert.NotContains(t, execErr.DetailedMessage(), "<nil>")
	assert.Equal(t, 1, countState(states, StateFaulted))
}

func TestNeverResolvingEntryPointTimesOut(t *testing.T) {
	env := newTestEnv(t, nil, 150*time.Millisecond)
	start := time.Now()
	_, states, err := env.run(t, `function processNotification() { return new Promise(function () {}); }`, event("com.x", "t"))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, 1, countState(states, StateTimedOut))
	assert.Equal(t, 1, countState(states, StateCleaned))
}

func TestBusyLoopIsInterrupted(t *testing.T) {
	env := newTestEnv(t, nil, 100*time.Millisecond)
	_, states, err := env.run(t, `
		function processNotification() {
			Android.storageSet("before", "1");
			for (;;) {}
		}`, event("com.x", "t"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, countState(states, StateCleaned))

	// Side effects committed before the timeout stay.
	v, ok, _ := env.store.Get(context.Background(), "before")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	// The turn lock was released.
	_, _, err2 := env.run(t, `function processNotification() { Android.storageGet("x"); return {action: "KEEP"}; }`, event("com.x", "t"))
	assert.NoError(t, err2)
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	id := types.NewRunID()
	sb := env.engine.NewSandbox(id, event("com.x", "t"))
	require.NoError(t, sb.Initialize())
	sb.Close()
	sb.Close()
	assert.Equal(t, StateCleaned, sb.State())
	assert.Equal(t, 1, countState(env.states[id], StateCleaned))

	_, err := sb.Execute(context.Background(), `function processNotification() { return {action:"KEEP"}; }`)
	assert.Error(t, err)
}

func TestNoStateLeaksBetweenInvocations(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	script := `
		function processNotification() {
			globalThis.counter = (globalThis.counter || 0) + 1;
			return { action: "REPLY", replyText: String(globalThis.counter) };
		}`
	for i := 0; i < 3; i++ {
		resp, _, err := env.run(t, script, event("com.x", "t"))
		require.NoError(t, err)
		assert.Equal(t, "1", *resp.ReplyText)
	}
}

func TestLogAndConsoleReachCapture(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	_, _, err := env.run(t, `
		function processNotification(n) {
			Android.log("warn", "direct");
			console.error("via console", {a: 1});
			return { action: "KEEP" };
		}`, event("com.x", "t"))
	require.NoError(t, err)

	logs := env.capture.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, logcapture.LevelWarn, logs[0].Level)
	assert.Equal(t, "direct", logs[0].Message)
	assert.Equal(t, logcapture.LevelError, logs[1].Level)
	assert.Equal(t, `via console {"a":1}`, logs[1].Message)
}

func TestStorageShimMatchesBridgeCalls(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	resp, _, err := env.run(t, `
		function processNotification() {
			localStorage.setItem("a", 1);
			Android.storageSet("b", "two");
			var out = [
				Android.storageGet("a"),
				localStorage.getItem("b"),
				localStorage.getItem("missing") === null,
				Android.storageGet("missing") === null,
				localStorage.length,
				localStorage.key(0),
				localStorage.key(5) === null
			];
			localStorage.removeItem("a");
			out.push(Android.storageGet("a") === null);
			return { action: "REPLY", replyText: out.join(",") };
		}`, event("com.x", "t"))
	require.NoError(t, err)
	assert.Equal(t, "1,two,true,true,2,a,true,true", *resp.ReplyText)

	v, ok, _ := env.store.Get(context.Background(), "b")
	assert.True(t, ok)
	assert.Equal(t, "two", v)

	_, _, err = env.run(t, `function processNotification() { localStorage.clear(); return {action: "KEEP"}; }`, event("com.x", "t"))
	require.NoError(t, err)
	keys, _ := env.store.Keys(context.Background())
	assert.Empty(t, keys)
}

func TestConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	env := newTestEnv(t, func(c *bridge.Config) { c.HTTPClient = srv.Client() }, 5*time.Second)
	syncScript := `
		function processNotification() {
			var v = parseInt(Android.storageGet("count") || "0", 10);
			Android.storageSet("count", String(v + 1));
			return { action: "KEEP" };
		}`
	asyncScript := fmt.Sprintf(`
		async function processNotification() {
			await Android.httpRequest({ url: %q });
			var v = parseInt(localStorage.getItem("count") || "0", 10);
			localStorage.setItem("count", String(v + 1));
			return { action: "KEEP" };
		}`, srv.URL)

	const n = 20
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < n; i++ {
		script := syncScript
		if i%2 == 1 {
			script = asyncScript
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.engine.Run(context.Background(), types.NewRunID(), script, event("com.x", "t")); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	v, _, _ := env.store.Get(context.Background(), "count")
	assert.Equal(t, strconv.Itoa(n), v)
}

func TestPriorityScenarioDismisses(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"priority":2}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, func(c *bridge.Config) { c.HTTPClient = srv.Client() }, 0)
	script := fmt.Sprintf(`
		async function processNotification(n) {
			var raw = await Android.httpRequest({
				url: %q,
				method: "POST",
				body: { title: n.title, app: n.appPackage }
			});
			var p = JSON.parse(raw).priority;
			if (p <= 2) {
				return { action: "DISMISS", reason: "Low priority (" + p + ")" };
			}
			return { action: "KEEP" };
		}`, srv.URL)

	ev := event("com.x", "urgente test")
	resp, _, err := env.run(t, script, ev)
	require.NoError(t, err)
	assert.Equal(t, "DISMISS", resp.Action)
	assert.Contains(t, resp.Reason, "priority")
}

func TestHTTPRejectionCanBeHandled(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	env := newTestEnv(t, func(c *bridge.Config) { c.HTTPClient = srv.Client() }, 0)
	script := fmt.Sprintf(`
		async function processNotification() {
			try {
				await Android.httpRequest(%q, "GET");
				return { action: "KEEP" };
			} catch (e) {
				return { action: "REPLY", replyText: e.message };
			}
		}`, srv.URL)
	resp, _, err := env.run(t, script, event("com.x", "t"))
	require.NoError(t, err)
	assert.Equal(t, "HTTP 404: Not Found", *resp.ReplyText)

	_, _, err = env.run(t, `async function processNotification() { await Android.httpRequest("http://insecure.test"); }`, event("com.x", "t"))
	assert.ErrorIs(t, err, ErrRuntimeFault)
}

func TestTimeoutUnblocksPendingHTTP(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	env := newTestEnv(t, func(c *bridge.Config) { c.HTTPClient = srv.Client() }, 100*time.Millisecond)
	script := fmt.Sprintf(`
		async function processNotification() {
			await Android.httpRequest({ url: %q, timeoutMs: 10000 });
			return { action: "KEEP" };
		}`, srv.URL)

	start := time.Now()
	_, states, err := env.run(t, script, event("com.x", "t"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, countState(states, StateCleaned))
}

func TestWhatsAppRateLimitScenario(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(c *bridge.Config) {
		c.Now = func() time.Time { return now }
	}, 0)
	script := `
		function processNotification(n) {
			if (n.appPackage !== "com.whatsapp") { return { action: "KEEP" }; }
			var key = "lastReply_" + n.appPackage;
			var last = parseInt(Android.storageGet(key) || "0", 10);
			var nowMs = Android.getCurrentTime();
			if (nowMs - last < 60 * 60 * 1000) {
				return { action: "KEEP", reason: "rate limited" };
			}
			Android.storageSet(key, String(nowMs));
			return { action: "REPLY", replyText: "I'll get back to you soon" };
		}`

	first, _, err := env.run(t, script, event("com.whatsapp", "Alice"))
	require.NoError(t, err)
	assert.Equal(t, "REPLY", first.Action)

	now = now.Add(20 * time.Minute)
	second, _, err := env.run(t, script, event("com.whatsapp", "Alice"))
	require.NoError(t, err)
	assert.Equal(t, "KEEP", second.Action)
}

func TestAttachmentAccessorsReturnNullWhenDisabled(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	ev := event("com.x", "t")
	ev.Attachments = []types.AttachmentInfo{{ID: types.NewAttachmentID(), MimeType: "image/png", ThumbnailBase64: "AAAA"}}
	resp, _, err := env.run(t, `
		function processNotification(n) {
			var id = n.attachments[0].id;
			var r = [
				Android.getAttachmentPath(id) === null,
				Android.readAttachmentAsBase64(id) === null,
				Android.getAttachmentThumbnail(id) === null,
				n.attachments[0].hasThumbnail
			];
			return { action: "REPLY", replyText: r.join(",") };
		}`, ev)
	require.NoError(t, err)
	assert.Equal(t, "true,true,true,true", *resp.ReplyText)

	env.bridge.SetAttachmentsEnabled(true)
	resp, _, err = env.run(t, `
		function processNotification(n) {
			return { action: "REPLY", replyText: Android.getAttachmentThumbnail(n.attachments[0].id) };
		}`, ev)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", *resp.ReplyText)
}

func TestParseResponseAcceptsLegacyAttachments(t *testing.T) {
	resp, err := ParseResponse(`{"action":"REPLY","replyText":"x","attachments":[{"path":"a.png","mimeType":"image/png"}]}`)
	require.NoError(t, err)
	require.Len(t, resp.Refs(), 1)
	assert.Equal(t, "a.png", resp.Refs()[0].Path)

	resp, err = ParseResponse(`{"action":"KEEP","replyText":null,"reason":null}`)
	require.NoError(t, err)
	assert.Nil(t, resp.ReplyText)
}
