package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatchAppliesChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kimikuri.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
			applied <- cfg
		})
	}()

	// Give the watcher a moment to register before the first write.
	time.Sleep(300 * time.Millisecond)

	changed := strings.Replace(minimalYAML, `"127.0.0.1:8080"`, `"127.0.0.1:9090"`, 1)
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-applied:
		if cfg.Web.Listen != "127.0.0.1:9090" {
			t.Fatalf("applied listen = %q", cfg.Web.Listen)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("change never applied")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return on cancel")
	}
}

func TestWatchSerializesApplies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kimikuri.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A slow apply must block the next reload, never overlap with it.
	var inFlight, overlapped atomic.Bool
	var applies atomic.Int32
	go func() {
		_ = Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
			if !inFlight.CompareAndSwap(false, true) {
				overlapped.Store(true)
			}
			time.Sleep(1500 * time.Millisecond)
			inFlight.Store(false)
			applies.Add(1)
		})
	}()
	time.Sleep(300 * time.Millisecond)

	writeListen := func(addr string) {
		changed := strings.Replace(minimalYAML, `"127.0.0.1:8080"`, `"`+addr+`"`, 1)
		if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
			t.Fatalf("rewrite config: %v", err)
		}
	}
	writeListen("127.0.0.1:9090")
	// Land the second change while the first apply is still sleeping.
	time.Sleep(600 * time.Millisecond)
	writeListen("127.0.0.1:9191")

	deadline := time.Now().Add(10 * time.Second)
	for applies.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if applies.Load() < 2 {
		t.Fatalf("applies = %d, want 2", applies.Load())
	}
	if overlapped.Load() {
		t.Fatal("two applies ran concurrently")
	}
}

func TestWatchRejectsBrokenFileKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kimikuri.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
			applied <- cfg
		})
	}()
	time.Sleep(300 * time.Millisecond)

	// A broken write must be rejected without tearing the watcher down.
	if err := os.WriteFile(path, []byte("telegram: ["), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-applied:
		t.Fatalf("broken config applied: %+v", cfg)
	case <-time.After(time.Second):
	}

	// A subsequent good write still goes through.
	changed := strings.Replace(minimalYAML, `"127.0.0.1:8080"`, `"127.0.0.1:9191"`, 1)
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-applied:
		if cfg.Web.Listen != "127.0.0.1:9191" {
			t.Fatalf("applied listen = %q", cfg.Web.Listen)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("recovery change never applied")
	}
}
