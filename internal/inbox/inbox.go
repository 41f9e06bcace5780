// Package inbox ingests files dropped into a watched directory.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgallion1/dococr/internal/pipeline"
	"github.com/dgallion1/dococr/internal/source"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// Files are moved into these subdirectories once handled.
const (
	ProcessedDir = "processed"
	RejectedDir  = "rejected"
)

// Ingester is the upload boundary; *pipeline.Orchestrator implements it.
type Ingester interface {
	Ingest(ctx context.Context, u pipeline.Upload) (*pipeline.IngestResult, error)
}

// Watcher picks up new files in dir once they have stopped changing for the
// settle period.
type Watcher struct {
	dir    string
	ingest Ingester
	log    *slog.Logger
	settle time.Duration
}

func New(dir string, ing Ingester, log *slog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		ingest: ing,
		log:    log.With("component", "inbox", "dir", dir),
		settle: time.Second,
	}
}

// Run watches the directory until ctx is canceled. Files already present
// when Run starts are ingested too.
func (w *Watcher) Run(ctx context.Context) error {
	for _, d := range []string{w.dir, filepath.Join(w.dir, ProcessedDir), filepath.Join(w.dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create inbox dir: %w", err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("inbox watching")

	ready := make(chan string, 64)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.watch(ctx, fw, ready) })
	g.Go(func() error { return w.consume(ctx, ready) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watch tracks candidate files and hands them to ready once settled.
func (w *Watcher) watch(ctx context.Context, fw *fsnotify.Watcher, ready chan<- string) error {
	pending := make(map[string]time.Time)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			pending[filepath.Join(w.dir, e.Name())] = time.Time{}
		}
	}

	ticker := time.NewTicker(max(w.settle/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[ev.Name] = time.Now()
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, ev.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)

		case now := <-ticker.C:
			for path, seen := range pending {
				if now.Sub(seen) < w.settle {
					continue
				}
				delete(pending, path)
				if !w.candidate(path) {
					continue
				}
				select {
				case ready <- path:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (w *Watcher) consume(ctx context.Context, ready <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case path := <-ready:
			w.ingestFile(ctx, path)
		}
	}
}

// candidate skips directories, hidden files and partial downloads.
func (w *Watcher) candidate(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (w *Watcher) ingestFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	log := w.log.With("file", name)

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("read inbox file failed", "error", err)
		return
	}
	res, err := w.ingest.Ingest(ctx, pipeline.Upload{
		Data:     data,
		MimeType: source.DetectMIME(name, "", data),
		Filename: name,
		Trigger:  pipeline.TriggerInbox,
	})
	if err != nil {
		log.Warn("inbox file rejected", "error", err)
		w.move(path, filepath.Join(w.dir, RejectedDir, name))
		return
	}
	log.Info("inbox file ingested", "doc_id", res.Document.ID, "duplicate", res.Duplicate)
	w.move(path, filepath.Join(w.dir, ProcessedDir, res.Document.ID+"-"+name))
}

func (w *Watcher) move(from, to string) {
	if _, err := os.Stat(to); err == nil {
		to = fmt.Sprintf("%s.%d", to, time.Now().UnixNano())
	}
	if err := os.Rename(from, to); err != nil {
		w.log.Error("move inbox file failed", "from", from, "to", to, "error", err)
	}
}
