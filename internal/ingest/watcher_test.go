package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caseflow/evidencegate/internal/engine"
)

func newTestWatcher(t *testing.T) (*Watcher, *engine.InMemoryMetadataStore, *engine.InMemoryVectorIndex, string) {
	t.Helper()
	dir := t.TempDir()
	meta := engine.NewInMemoryMetadataStore()
	vector := engine.NewInMemoryVectorIndex()
	guard := engine.NewIdempotencyGuard(meta)
	manager := engine.NewConsistencyManager(engine.ManagerOptions{
		Metadata: meta,
		Vector:   vector,
		Retry:    engine.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	pipeline := engine.NewPipeline(guard, manager, meta)

	watcher, err := NewWatcher(dir, pipeline)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Close() })
	return watcher, meta, vector, dir
}

func dropNotification(t *testing.T, dir, name, payload string) string {
	t.Helper()
	// Write outside the drop directory, then rename in, the way producers do.
	staging := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(staging, []byte(payload), 0o644); err != nil {
		t.Fatalf("write staging file: %v", err)
	}
	target := filepath.Join(dir, name)
	if err := os.Rename(staging, target); err != nil {
		t.Fatalf("rename into drop dir: %v", err)
	}
	return target
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestWatcherConsumesPreexistingFiles(t *testing.T) {
	watcher, meta, _, dir := newTestWatcher(t)
	path := dropNotification(t, dir, "ev_1.json",
		`{"evidenceId": "ev_1", "caseId": "case_1", "content": "affidavit text"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})

	record, err := meta.Get(ctx, "ev_1")
	if err != nil {
		t.Fatalf("record missing after ingest: %v", err)
	}
	if record.Status != engine.StatusDone {
		t.Fatalf("expected done, got %s", record.Status)
	}
}

func TestWatcherConsumesFilesDroppedWhileRunning(t *testing.T) {
	watcher, meta, vector, dir := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Run(ctx) }()
	// Give the event loop a moment to start before dropping the file.
	time.Sleep(50 * time.Millisecond)

	path := dropNotification(t, dir, "ev_2.json",
		`{"evidenceId": "ev_2", "caseId": "case_1", "content": "exhibit B"}`)

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})

	if _, err := meta.Get(ctx, "ev_2"); err != nil {
		t.Fatalf("record missing after ingest: %v", err)
	}
	if _, ok := vector.Lookup("ev_2"); !ok {
		t.Fatalf("expected vector entry after ingest")
	}
}

func TestWatcherQuarantinesInvalidPayload(t *testing.T) {
	watcher, _, _, dir := newTestWatcher(t)
	path := dropNotification(t, dir, "bad.json", `{"caseId": "case_1", "content": "x"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(path + rejectedSuffix)
		return err == nil
	})
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("original file must be gone after quarantine")
	}
}

func TestWatcherIgnoresNonNotificationFiles(t *testing.T) {
	watcher, meta, _, dir := newTestWatcher(t)
	dropNotification(t, dir, "notes.txt", `{"evidenceId": "ev_txt", "caseId": "case_1", "content": "x"}`)
	dropNotification(t, dir, "old.json.err", `{"evidenceId": "ev_err", "caseId": "case_1", "content": "x"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	if _, err := meta.Get(ctx, "ev_txt"); err == nil {
		t.Fatalf("txt files must be ignored")
	}
	if _, err := meta.Get(ctx, "ev_err"); err == nil {
		t.Fatalf("quarantined files must not be reprocessed")
	}
}

func TestWatcherRunStopsOnContextCancel(t *testing.T) {
	watcher, _, _, _ := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not stop on cancel")
	}
}
