// Package pipeline runs page-by-page extraction for uploaded documents.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgallion1/dococr/internal/blob"
	"github.com/dgallion1/dococr/internal/extract"
	"github.com/dgallion1/dococr/internal/progress"
	"github.com/dgallion1/dococr/internal/source"
	"github.com/dgallion1/dococr/internal/store"
)

// Config tunes the orchestrator.
type Config struct {
	WorkerCount     int
	MaxQueueSize    int
	MaxUploadBytes  int64
	DefaultLanguage string
	RunTTL          time.Duration
}

type queued struct {
	docID string
	run   *Run
}

// Orchestrator owns the work queue and the worker pool. At most one run per
// document is queued or running at any time.
type Orchestrator struct {
	store  store.Store
	blobs  *blob.Store
	bus    *progress.Bus
	runs   *RunRegistry
	worker *Worker
	queue  chan queued
	log    *slog.Logger
	cfg    Config

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires the pipeline. Call Start to launch workers.
func NewOrchestrator(cfg Config, st store.Store, blobs *blob.Store, bus *progress.Bus, ex extract.Extractor, open source.Opener, log *slog.Logger) *Orchestrator {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.MaxQueueSize < 1 {
		cfg.MaxQueueSize = 1
	}
	if cfg.RunTTL <= 0 {
		cfg.RunTTL = time.Hour
	}
	if open == nil {
		open = source.Open
	}
	return &Orchestrator{
		store:  st,
		blobs:  blobs,
		bus:    bus,
		runs:   NewRunRegistry(cfg.RunTTL),
		worker: NewWorker(st, blobs, bus, ex, open, log),
		queue:  make(chan queued, cfg.MaxQueueSize),
		log:    log,
		cfg:    cfg,
	}
}

// Start launches worker goroutines.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for i := 0; i < o.cfg.WorkerCount; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case q := <-o.queue:
					o.worker.Process(workerCtx, q.docID, q.run)
					o.runs.Release(q.run, "")
				}
			}
		}()
	}

	// Finished run cleanup.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				o.runs.Cleanup()
			}
		}
	}()
}

// Stop cancels the workers and waits for them. Documents still queued stay
// queued in the store and are picked up by Resume on the next start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// submit hands an acquired run to the workers without blocking.
func (o *Orchestrator) submit(docID string, run *Run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return fmt.Errorf("pipeline stopped: %w", ErrQueueFull)
	}
	select {
	case o.queue <- queued{docID: docID, run: run}:
		return nil
	default:
		return fmt.Errorf("%w (%d)", ErrQueueFull, o.cfg.MaxQueueSize)
	}
}

// Reprocess resets a document's pages and queues it again. It fails with
// document.ErrNotFound for unknown ids and ErrBusy while a run is active.
func (o *Orchestrator) Reprocess(ctx context.Context, docID string) error {
	return o.requeue(ctx, docID, TriggerReprocess)
}

func (o *Orchestrator) requeue(ctx context.Context, docID string, trigger Trigger) error {
	if _, err := o.store.Get(ctx, docID); err != nil {
		return err
	}
	run, err := o.runs.Acquire(docID, trigger)
	if err != nil {
		return err
	}
	if _, err := o.store.ResetForReprocess(ctx, docID); err != nil {
		o.runs.Release(run, err.Error())
		return fmt.Errorf("reset %s: %w", docID, err)
	}
	if err := o.submit(docID, run); err != nil {
		o.worker.fail(ctx, docID, run, err.Error())
		return err
	}
	o.log.Info("document queued", "doc_id", docID, "trigger", trigger)
	return nil
}

// Resume recovers documents interrupted by a previous shutdown and queues
// them again. It returns how many were requeued.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	ids, err := o.store.RecoverInterrupted(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := o.requeue(ctx, id, TriggerResume); err != nil {
			o.log.Warn("resume failed", "doc_id", id, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Run returns the latest run for a document, or nil.
func (o *Orchestrator) Run(docID string) *Run {
	return o.runs.Get(docID)
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// ActiveRuns counts queued and running documents.
func (o *Orchestrator) ActiveRuns() int {
	return o.runs.Active()
}
