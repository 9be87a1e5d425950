package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/caseflow/evidencegate/internal/engine"
)

const rejectedSuffix = ".err"

// Watcher ingests notifications dropped as JSON files into a directory.
// Producers should write the file elsewhere and rename it into the drop
// directory so the watcher never reads a half-written payload. A consumed
// file is removed; a rejected one is renamed with a .err suffix and left in
// place for inspection.
type Watcher struct {
	dir       string
	pipeline  *engine.Pipeline
	validator *NotificationValidator
	fsWatcher *fsnotify.Watcher
}

func NewWatcher(dir string, pipeline *engine.Pipeline) (*Watcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: drop directory required", engine.ErrInvalidInput)
	}
	if pipeline == nil {
		return nil, fmt.Errorf("%w: pipeline required", engine.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create drop directory: %w", err)
	}
	validator, err := NewNotificationValidator()
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start filesystem watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:       dir,
		pipeline:  pipeline,
		validator: validator,
		fsWatcher: fsWatcher,
	}, nil
}

// Run drains files already present in the drop directory, then consumes
// filesystem events until the context is cancelled or the watcher closes.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.scanExisting(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isNotificationFile(event.Name) {
				continue
			}
			w.consumeFile(ctx, event.Name)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("ingest: watcher error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}

func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan drop directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isNotificationFile(entry.Name()) {
			continue
		}
		w.consumeFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// consumeFile handles one dropped notification. Pipeline failures leave the
// file in place so a restart redelivers it; validation failures quarantine it.
func (w *Watcher) consumeFile(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("ingest: read %s: %v", path, err)
		return
	}

	notification, err := w.validator.DecodeNotification(raw)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidInput) {
			log.Printf("ingest: rejecting %s: %v", path, err)
			w.quarantine(path)
			return
		}
		log.Printf("ingest: decode %s: %v", path, err)
		return
	}

	result, err := w.pipeline.Process(ctx, notification)
	if err != nil {
		log.Printf("ingest: processing %s (evidence %s) failed: %v", path, notification.EvidenceID, err)
		return
	}
	log.Printf("ingest: consumed %s: evidence %s status %s", filepath.Base(path), result.EvidenceID, result.Status)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("ingest: remove %s: %v", path, err)
	}
}

func (w *Watcher) quarantine(path string) {
	if err := os.Rename(path, path+rejectedSuffix); err != nil && !os.IsNotExist(err) {
		log.Printf("ingest: quarantine %s: %v", path, err)
	}
}

func isNotificationFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, rejectedSuffix) {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".json")
}
