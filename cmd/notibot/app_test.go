package main

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/user/notibot/internal/config"
	"github.com/user/notibot/internal/resolver"
	"github.com/user/notibot/internal/types"
)

func TestEphemeralAppKeepsStorageInMemory(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()

	a, err := newApp(cfg, true)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close()

	script := writeFixture(t, "counter.js", `
		function processNotification(n) {
			var seen = Number(localStorage.getItem("seen") || 0) + 1;
			localStorage.setItem("seen", seen);
			return { action: "DISMISS", reason: "seen " + seen };
		}`)
	proc := a.processorFor(&fileScript{path: script, maxBytes: cfg.Bot.MaxScriptBytes})

	ev := &types.NotificationEvent{ID: 1, SourceApp: "com.x", Channel: "cli:test"}
	for want := 1; want <= 2; want++ {
		eff := proc.Process(context.Background(), types.NewRunID(), ev)
		d, ok := eff.(resolver.Dismiss)
		if !ok {
			t.Fatalf("expected Dismiss, got %#v", eff)
		}
		if d.Reason != "seen "+strconv.Itoa(want) {
			t.Errorf("run %d: unexpected reason %q", want, d.Reason)
		}
	}

	if _, err := os.Stat(cfg.StoragePath()); !os.IsNotExist(err) {
		t.Errorf("expected no storage database on disk, stat err = %v", err)
	}
}
