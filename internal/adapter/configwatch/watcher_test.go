package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherBumpsGenerationOnWatchedFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "workflow-config.yaml")
	other := filepath.Join(dir, "notes.txt")

	changed := make(chan string, 8)
	w, err := New(func(p string) { changed <- p })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Watch(cfg); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The file does not exist yet; creating it counts as a change.
	if err := os.WriteFile(cfg, []byte("mode:\n  override: full\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return w.Generation() > 0 })

	select {
	case p := <-changed:
		if filepath.Base(p) != "workflow-config.yaml" {
			t.Fatalf("callback path = %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}
}

func TestWatchMissingDirIsSkipped(t *testing.T) {
	w, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Watch(filepath.Join(t.TempDir(), "absent", "config.yaml")); err != nil {
		t.Fatalf("missing dir must not fail: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}
