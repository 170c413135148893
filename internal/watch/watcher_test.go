package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitHint(t *testing.T, w *Watcher) Hint {
	t.Helper()
	select {
	case hint, ok := <-w.Hints():
		if !ok {
			t.Fatal("hint channel closed unexpectedly")
		}
		return hint
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a hint")
	}
	return Hint{}
}

func TestWatcherFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.lua")
	if err := os.WriteFile(path, []byte("-- v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New([]string{dir}, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("-- v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	hint := waitHint(t, w)
	if hint.Identity != "greeter" {
		t.Errorf("Identity = %q, want greeter", hint.Identity)
	}
}

func TestWatcherDirectoryChange(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "my-ext")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := New([]string{base}, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte("-- x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Changes anywhere inside the directory map to the directory name.
	hint := waitHint(t, w)
	if hint.Identity != "my-ext" {
		t.Errorf("Identity = %q, want my-ext", hint.Identity)
	}
}

func TestWatcherDebounce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busy.lua")
	if err := os.WriteFile(path, []byte("-- v0"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New([]string{dir}, WithDebounce(150*time.Millisecond))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer w.Close()

	// A write burst inside the quiet period collapses to one hint.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("-- burst"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitHint(t, w)
	select {
	case hint := <-w.Hints():
		t.Errorf("expected a single debounced hint, got a second: %+v", hint)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcherMissingRoot(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "absent")})
	if err != nil {
		t.Fatalf("New() with a missing root = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestWatcherCloseRacesPendingEmit(t *testing.T) {
	// Close while debounce timers are firing; a late emit must drop
	// its hint instead of sending on the closed channel.
	for i := 0; i < 50; i++ {
		dir := t.TempDir()
		path := filepath.Join(dir, "ext.lua")
		if err := os.WriteFile(path, []byte("-- v1"), 0o644); err != nil {
			t.Fatal(err)
		}

		w, err := New([]string{dir}, WithDebounce(time.Millisecond))
		if err != nil {
			t.Fatalf("New() = %v", err)
		}
		if err := os.WriteFile(path, []byte("-- v2"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Duration(i%3) * time.Millisecond)
		if err := w.Close(); err != nil {
			t.Fatalf("Close() = %v", err)
		}
		// Drain whatever made it out before the close.
		for range w.Hints() {
		}
	}
}

func TestWatcherClose(t *testing.T) {
	w, err := New([]string{t.TempDir()})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if _, ok := <-w.Hints(); ok {
		t.Error("hint channel should be closed")
	}
	// Close is idempotent.
	if err := w.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}
