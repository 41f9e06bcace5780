package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgallion1/dococr/internal/blob"
	"github.com/dgallion1/dococr/internal/document"
	"github.com/dgallion1/dococr/internal/extract"
	"github.com/dgallion1/dococr/internal/progress"
	"github.com/dgallion1/dococr/internal/source"
	"github.com/dgallion1/dococr/internal/store"
)

// Worker extracts one document at a time, page by page in ascending order.
type Worker struct {
	store     store.Store
	blobs     *blob.Store
	bus       *progress.Bus
	extractor extract.Extractor
	open      source.Opener
	log       *slog.Logger

	backoff func(attempt int) time.Duration
}

func NewWorker(st store.Store, blobs *blob.Store, bus *progress.Bus, ex extract.Extractor, open source.Opener, log *slog.Logger) *Worker {
	return &Worker{
		store:     st,
		blobs:     blobs,
		bus:       bus,
		extractor: ex,
		open:      open,
		log:       log,
		backoff:   Backoff,
	}
}

// Process runs the extraction pipeline for a document. Page failures are
// recorded on the page and do not stop the run; an unreadable file or a
// store error fails the whole document.
func (w *Worker) Process(ctx context.Context, docID string, run *Run) {
	log := w.log.With("doc_id", docID)
	// Store writes outlive cancellation so a finished page is never lost.
	storeCtx := context.WithoutCancel(ctx)

	doc, err := w.store.Get(storeCtx, docID)
	if err != nil {
		log.Error("load document failed", "error", err)
		w.fail(ctx, docID, run, fmt.Sprintf("load: %s", err))
		return
	}
	log = log.With("mime", doc.MimeType)

	// Phase 1: open and split
	src, err := w.open(w.blobs.Path(doc.Hash, Extension(doc.MimeType)), doc.MimeType)
	if err != nil {
		log.Error("open source failed", "error", err)
		w.fail(ctx, docID, run, fmt.Sprintf("open: %s", err))
		return
	}
	total := src.PageCount()
	if total < 1 {
		w.fail(ctx, docID, run, "document has no pages")
		return
	}
	if _, err := w.store.SetPageCount(storeCtx, docID, total); err != nil {
		log.Error("set page count failed", "error", err)
		w.fail(ctx, docID, run, fmt.Sprintf("store: %s", err))
		return
	}
	run.start(total)
	log.Info("extraction started", "pages", total)
	started := time.Now()

	// Phase 2: pages in order
	for n := 1; n <= total; n++ {
		if ctx.Err() != nil {
			log.Warn("extraction interrupted", "page", n)
			run.finish("interrupted")
			return
		}

		doc, err = w.store.UpdatePage(storeCtx, docID, n, document.Processing())
		if err != nil {
			log.Error("mark page processing failed", "page", n, "error", err)
			w.fail(ctx, docID, run, fmt.Sprintf("store: %s", err))
			return
		}
		w.bus.Publish(pageEvent(doc, n, false))

		res, extractErr := w.extractPage(ctx, src, doc, n, log)
		if extractErr != nil && ctx.Err() != nil {
			// Shutdown mid-page: the page stays processing and is failed
			// by RecoverInterrupted on the next start.
			log.Warn("extraction interrupted", "page", n)
			run.finish("interrupted")
			return
		}

		var patch document.PagePatch
		switch {
		case extractErr == nil:
			patch = document.Succeeded(res.Text, res.Confidence)
		case errors.Is(extractErr, extract.ErrNoText):
			patch = document.Succeeded("", 0)
		default:
			log.Warn("page extraction failed", "page", n, "error", extractErr)
			patch = document.Failed(extractErr.Error())
		}
		run.pageFinished(extractErr == nil || errors.Is(extractErr, extract.ErrNoText))

		doc, err = w.store.UpdatePage(storeCtx, docID, n, patch)
		if err != nil {
			log.Error("save page failed", "page", n, "error", err)
			w.fail(ctx, docID, run, fmt.Sprintf("store: %s", err))
			return
		}
		w.bus.Publish(pageEvent(doc, n, n == total))
	}

	run.finish("")
	log.Info("extraction complete", "status", doc.Status, "pages", total, "duration_ms", time.Since(started).Milliseconds())
}

// extractPage renders page n and runs the extractor, retrying transient
// failures with backoff.
func (w *Worker) extractPage(ctx context.Context, src source.Source, doc *document.Document, n int, log *slog.Logger) (extract.Result, error) {
	in, err := src.Page(ctx, n)
	if err != nil {
		return extract.Result{}, fmt.Errorf("render page: %w", err)
	}
	in.DocumentID = doc.ID
	in.PageNumber = n
	in.Language = doc.Language

	var (
		res     extract.Result
		lastErr error
	)
	for attempt := 0; attempt < MaxRetries; attempt++ {
		res, lastErr = w.extractor.ExtractPage(ctx, in)
		if lastErr == nil || !extract.IsRetryable(lastErr) {
			break
		}
		log.Warn("retryable extraction error", "page", n, "attempt", attempt, "error", lastErr)
		if attempt == MaxRetries-1 {
			break
		}
		select {
		case <-time.After(w.backoff(attempt)):
		case <-ctx.Done():
			return extract.Result{}, ctx.Err()
		}
	}
	return res, lastErr
}

// fail marks the whole document failed and publishes one terminal event.
// The run stays active until both are done, so no new run can start on the
// document in between.
func (w *Worker) fail(ctx context.Context, docID string, run *Run, reason string) {
	if run != nil {
		defer run.finish(reason)
	}
	ctx = context.WithoutCancel(ctx)
	status := document.StatusFailed
	total := 0
	if doc, err := w.store.MarkFailed(ctx, docID, reason); err != nil {
		w.log.Error("mark document failed", "doc_id", docID, "error", err)
	} else {
		status = doc.Status
		total = len(doc.Pages)
	}
	w.bus.Publish(progress.Event{
		DocumentID:     docID,
		PageNumber:     0,
		Status:         document.PageFailed,
		DocumentStatus: status,
		TotalPages:     total,
		Final:          true,
		Error:          reason,
	})
}

func pageEvent(doc *document.Document, n int, final bool) progress.Event {
	p := doc.Pages[n-1]
	ev := progress.Event{
		DocumentID:     doc.ID,
		PageNumber:     n,
		Status:         p.Status,
		DocumentStatus: doc.Status,
		TotalPages:     len(doc.Pages),
		Final:          final,
		Error:          p.Error,
	}
	if p.Status == document.PageDone {
		c := p.Confidence
		ev.Confidence = &c
	}
	return ev
}
