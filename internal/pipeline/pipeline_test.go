package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgallion1/dococr/internal/blob"
	"github.com/dgallion1/dococr/internal/document"
	"github.com/dgallion1/dococr/internal/extract"
	"github.com/dgallion1/dococr/internal/progress"
	"github.com/dgallion1/dococr/internal/source"
	"github.com/dgallion1/dococr/internal/store"
)

type fakeSource struct{ pages int }

func (s fakeSource) PageCount() int { return s.pages }

func (s fakeSource) Page(_ context.Context, n int) (extract.PageInput, error) {
	return extract.PageInput{PageNumber: n, Data: []byte(fmt.Sprintf("page %d", n)), MimeType: "image/png"}, nil
}

func pagesOpener(n int) source.Opener {
	return func(path, mimeType string) (source.Source, error) { return fakeSource{pages: n}, nil }
}

type harness struct {
	o     *Orchestrator
	store store.Store
	bus   *progress.Bus
}

func newHarness(t *testing.T, ex extract.Extractor, open source.Opener, queueSize int) *harness {
	t.Helper()
	blobs, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	bus := progress.NewBus(64)
	cfg := Config{WorkerCount: 2, MaxQueueSize: queueSize, MaxUploadBytes: 1 << 20, DefaultLanguage: "eng"}
	o := NewOrchestrator(cfg, st, blobs, bus, ex, open, slog.New(slog.NewTextHandler(io.Discard, nil)))
	o.worker.backoff = func(int) time.Duration { return time.Millisecond }
	return &harness{o: o, store: st, bus: bus}
}

func (h *harness) start(t *testing.T) {
	h.o.Start(context.Background())
	t.Cleanup(h.o.Stop)
}

func upload(data string) Upload {
	return Upload{Data: []byte(data), MimeType: "image/png", Filename: "scan.png"}
}

// waitFinal collects events until the final one.
func waitFinal(t *testing.T, sub *progress.Subscription) []progress.Event {
	t.Helper()
	var events []progress.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			events = append(events, ev)
			if ev.Final {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for final event, got %+v", events)
		}
	}
}

func okExtractor(calls *int64) extract.Extractor {
	return extract.Func(func(_ context.Context, in extract.PageInput) (extract.Result, error) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		return extract.Result{Text: fmt.Sprintf("text of page %d", in.PageNumber), Confidence: 90}, nil
	})
}

func TestIngest_DeduplicatesIdenticalBytes(t *testing.T) {
	h := newHarness(t, okExtractor(nil), pagesOpener(1), 10)
	ctx := context.Background()

	first, err := h.o.Ingest(ctx, upload("same bytes"))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Duplicate {
		t.Fatal("expected first upload to not be a duplicate")
	}
	second, err := h.o.Ingest(ctx, Upload{Data: []byte("same bytes"), MimeType: "image/png", Filename: "renamed.png"})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Duplicate || second.Document.ID != first.Document.ID {
		t.Errorf("expected duplicate of %q, got %+v", first.Document.ID, second)
	}
	if h.o.QueueDepth() != 1 {
		t.Errorf("expected only one queued run, got %d", h.o.QueueDepth())
	}
}

func TestIngest_Defaults(t *testing.T) {
	h := newHarness(t, okExtractor(nil), pagesOpener(1), 10)
	res, err := h.o.Ingest(context.Background(), Upload{Data: []byte("x"), MimeType: "IMAGE/PNG", Filename: "/tmp/../receipt.png"})
	if err != nil {
		t.Fatal(err)
	}
	d := res.Document
	if d.Title != "receipt.png" || d.Filename != "receipt.png" {
		t.Errorf("expected title and filename receipt.png, got %q and %q", d.Title, d.Filename)
	}
	if d.Language != "eng" || d.MimeType != "image/png" || d.Status != document.StatusQueued {
		t.Errorf("unexpected document %+v", d)
	}
}

func TestIngest_Validation(t *testing.T) {
	h := newHarness(t, okExtractor(nil), pagesOpener(1), 10)
	ctx := context.Background()

	if _, err := h.o.Ingest(ctx, Upload{MimeType: "image/png"}); !errors.Is(err, ErrEmptyUpload) {
		t.Errorf("expected ErrEmptyUpload, got %v", err)
	}
	big := make([]byte, (1<<20)+1)
	if _, err := h.o.Ingest(ctx, Upload{Data: big, MimeType: "image/png"}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
	if _, err := h.o.Ingest(ctx, Upload{Data: []byte("x"), MimeType: "video/mp4"}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestPipeline_EventsAscendingAndFinalMatchesStore(t *testing.T) {
	h := newHarness(t, okExtractor(nil), pagesOpener(3), 10)
	ctx := context.Background()

	res, err := h.o.Ingest(ctx, upload("three pages"))
	if err != nil {
		t.Fatal(err)
	}
	sub := h.bus.Subscribe(res.Document.ID)
	defer h.bus.Unsubscribe(sub)
	h.start(t)

	events := waitFinal(t, sub)
	last := 0
	var done []int
	for _, ev := range events {
		if ev.PageNumber < last {
			t.Fatalf("page numbers went backwards: %+v", events)
		}
		last = ev.PageNumber
		if ev.Status == document.PageDone {
			done = append(done, ev.PageNumber)
			if ev.Confidence == nil || *ev.Confidence != 90 {
				t.Errorf("expected confidence on done event, got %+v", ev)
			}
		}
	}
	if fmt.Sprint(done) != "[1 2 3]" {
		t.Errorf("expected done events for pages 1..3, got %v", done)
	}

	final := events[len(events)-1]
	doc, err := h.store.Get(ctx, res.Document.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.PageNumber != 3 || final.DocumentStatus != doc.Status || doc.Status != document.StatusDone {
		t.Errorf("expected final event for page 3 with status %q, got %+v", doc.Status, final)
	}
	if doc.Pages[1].Text != "text of page 2" {
		t.Errorf("unexpected page 2 text %q", doc.Pages[1].Text)
	}
}

func TestPipeline_PageFailureDoesNotStopRun(t *testing.T) {
	ex := extract.Func(func(_ context.Context, in extract.PageInput) (extract.Result, error) {
		if in.PageNumber == 2 {
			return extract.Result{}, errors.New("smudged")
		}
		return extract.Result{Text: "ok", Confidence: 70}, nil
	})
	h := newHarness(t, ex, pagesOpener(3), 10)
	res, _ := h.o.Ingest(context.Background(), upload("partial"))
	sub := h.bus.Subscribe(res.Document.ID)
	defer h.bus.Unsubscribe(sub)
	h.start(t)

	final := waitFinal(t, sub)
	if got := final[len(final)-1].DocumentStatus; got != document.StatusFailed {
		t.Errorf("expected failed document, got %q", got)
	}
	doc, _ := h.store.Get(context.Background(), res.Document.ID)
	if len(doc.Pages) != 3 {
		t.Fatalf("expected 3 page slots, got %d", len(doc.Pages))
	}
	if doc.Pages[0].Status != document.PageDone || doc.Pages[2].Status != document.PageDone {
		t.Errorf("expected pages 1 and 3 done, got %+v", doc.Pages)
	}
	if doc.Pages[1].Status != document.PageFailed || doc.Pages[1].Error != "smudged" {
		t.Errorf("expected page 2 failed with reason, got %+v", doc.Pages[1])
	}
}

func TestPipeline_RetriesTransientErrors(t *testing.T) {
	var calls int64
	ex := extract.Func(func(_ context.Context, in extract.PageInput) (extract.Result, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return extract.Result{}, &extract.RetryableError{StatusCode: 529, Message: "overloaded"}
		}
		return extract.Result{Text: "finally", Confidence: 88}, nil
	})
	h := newHarness(t, ex, pagesOpener(1), 10)
	res, _ := h.o.Ingest(context.Background(), upload("flaky"))
	sub := h.bus.Subscribe(res.Document.ID)
	defer h.bus.Unsubscribe(sub)
	h.start(t)

	events := waitFinal(t, sub)
	if got := events[len(events)-1].DocumentStatus; got != document.StatusDone {
		t.Errorf("expected done after retries, got %q", got)
	}
	if atomic.LoadInt64(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestPipeline_RetriesExhausted(t *testing.T) {
	var calls int64
	ex := extract.Func(func(context.Context, extract.PageInput) (extract.Result, error) {
		atomic.AddInt64(&calls, 1)
		return extract.Result{}, &extract.RetryableError{StatusCode: 503}
	})
	h := newHarness(t, ex, pagesOpener(1), 10)
	res, _ := h.o.Ingest(context.Background(), upload("down"))
	sub := h.bus.Subscribe(res.Document.ID)
	defer h.bus.Unsubscribe(sub)
	h.start(t)

	events := waitFinal(t, sub)
	if got := events[len(events)-1].Status; got != document.PageFailed {
		t.Errorf("expected failed page, got %q", got)
	}
	if atomic.LoadInt64(&calls) != MaxRetries {
		t.Errorf("expected %d attempts, got %d", MaxRetries, calls)
	}
}

func TestPipeline_BlankPageIsDone(t *testing.T) {
	ex := extract.Func(func(context.Context, extract.PageInput) (extract.Result, error) {
		return extract.Result{}, extract.ErrNoText
	})
	h := newHarness(t, ex, pagesOpener(1), 10)
	res, _ := h.o.Ingest(context.Background(), upload("blank"))
	sub := h.bus.Subscribe(res.Document.ID)
	defer h.bus.Unsubscribe(sub)
	h.start(t)

	events := waitFinal(t, sub)
	if got := events[len(events)-1].DocumentStatus; got != document.StatusDone {
		t.Errorf("expected blank page to complete the document, got %q", got)
	}
}

func TestPipeline_UnreadableFileFailsDocument(t *testing.T) {
	open := func(string, string) (source.Source, error) {
		return nil, fmt.Errorf("%w: truncated", source.ErrCorrupt)
	}
	h := newHarness(t, okExtractor(nil), open, 10)
	res, _ := h.o.Ingest(context.Background(), upload("corrupt"))
	sub := h.bus.Subscribe(res.Document.ID)
	defer h.bus.Unsubscribe(sub)
	h.start(t)

	events := waitFinal(t, sub)
	if len(events) != 1 {
		t.Fatalf("expected a single terminal event, got %+v", events)
	}
	ev := events[0]
	if ev.PageNumber != 0 || ev.DocumentStatus != document.StatusFailed || ev.Error == "" {
		t.Errorf("unexpected terminal event %+v", ev)
	}
	doc, _ := h.store.Get(context.Background(), res.Document.ID)
	if doc.Status != document.StatusFailed || doc.Error == "" {
		t.Errorf("expected failed document with reason, got %+v", doc)
	}
}

func TestReprocess_ResetsAndRestoresDone(t *testing.T) {
	var calls int64
	h := newHarness(t, okExtractor(&calls), pagesOpener(2), 10)
	ctx := context.Background()
	res, _ := h.o.Ingest(ctx, upload("again"))
	sub := h.bus.Subscribe(res.Document.ID)
	defer h.bus.Unsubscribe(sub)
	h.start(t)
	waitFinal(t, sub)

	if err := h.o.Reprocess(ctx, res.Document.ID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	events := waitFinal(t, sub)
	if events[0].PageNumber != 1 {
		t.Errorf("expected a fresh stream starting at page 1, got %+v", events[0])
	}

	doc, _ := h.store.Get(ctx, res.Document.ID)
	if doc.ID != res.Document.ID || doc.Hash != res.Document.Hash {
		t.Error("expected id and hash to be unchanged")
	}
	if doc.Status != document.StatusDone {
		t.Errorf("expected done after reprocess, got %q", doc.Status)
	}
	if atomic.LoadInt64(&calls) != 4 {
		t.Errorf("expected 4 extractions, got %d", calls)
	}
	if run := h.o.Run(doc.ID); run == nil || run.Snapshot().Trigger != TriggerReprocess {
		t.Errorf("expected latest run to be a reprocess, got %+v", run)
	}
}

func TestReprocess_NotFound(t *testing.T) {
	h := newHarness(t, okExtractor(nil), pagesOpener(1), 10)
	if err := h.o.Reprocess(context.Background(), "missing"); !errors.Is(err, document.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReprocess_ConcurrentRequestsOneRuns(t *testing.T) {
	gate := make(chan struct{})
	var running, maxRunning int64
	ex := extract.Func(func(ctx context.Context, in extract.PageInput) (extract.Result, error) {
		n := atomic.AddInt64(&running, 1)
		defer atomic.AddInt64(&running, -1)
		for {
			m := atomic.LoadInt64(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt64(&maxRunning, m, n) {
				break
			}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return extract.Result{}, ctx.Err()
		}
		return extract.Result{Text: "x", Confidence: 50}, nil
	})
	h := newHarness(t, ex, pagesOpener(1), 10)
	ctx := context.Background()
	res, _ := h.o.Ingest(ctx, upload("contended"))
	id := res.Document.ID
	h.start(t)

	// The upload run is still blocked on the gate.
	if err := h.o.Reprocess(ctx, id); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while running, got %v", err)
	}

	sub := h.bus.Subscribe(id)
	defer h.bus.Unsubscribe(sub)
	gate <- struct{}{}
	waitFinal(t, sub)

	// Wait for the worker to release the run.
	deadline := time.Now().Add(2 * time.Second)
	for h.o.ActiveRuns() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var wg sync.WaitGroup
	var ok, busy int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := h.o.Reprocess(ctx, id); {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, ErrBusy):
				atomic.AddInt64(&busy, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	gate <- struct{}{}
	waitFinal(t, sub)

	if ok != 1 || busy != 7 {
		t.Errorf("expected exactly one accepted reprocess, got ok=%d busy=%d", ok, busy)
	}
	if atomic.LoadInt64(&maxRunning) != 1 {
		t.Errorf("expected at most one extraction in flight, saw %d", maxRunning)
	}
}

func TestIngest_QueueFull(t *testing.T) {
	h := newHarness(t, okExtractor(nil), pagesOpener(1), 1)
	ctx := context.Background()
	if _, err := h.o.Ingest(ctx, upload("first")); err != nil {
		t.Fatal(err)
	}
	_, err := h.o.Ingest(ctx, upload("second"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	docs, _ := h.store.Search(ctx, store.Filter{}, store.Pagination{})
	var failed int
	for _, d := range docs {
		if d.Status == document.StatusFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected the rejected document to be marked failed, got %d failed", failed)
	}
}

// markFailedHook runs a callback before each MarkFailed reaches the store.
type markFailedHook struct {
	store.Store
	before func(id string)
}

func (s *markFailedHook) MarkFailed(ctx context.Context, id, reason string) (*document.Document, error) {
	if s.before != nil {
		s.before(id)
	}
	return s.Store.MarkFailed(ctx, id, reason)
}

func TestQueueFull_DocumentStaysBusyUntilFailed(t *testing.T) {
	h := newHarness(t, okExtractor(nil), pagesOpener(1), 1)
	hooked := &markFailedHook{Store: h.store}
	h.o.store = hooked
	h.o.worker.store = hooked
	ctx := context.Background()

	busyDuringFail := make(map[string]error)
	hooked.before = func(id string) {
		busyDuringFail[id] = h.o.Reprocess(ctx, id)
	}

	if _, err := h.o.Ingest(ctx, upload("fills the queue")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.o.Ingest(ctx, upload("rejected upload")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	idle, err := h.store.Create(ctx, document.Metadata{Hash: "idle", Filename: "idle.png", MimeType: "image/png"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.o.Reprocess(ctx, idle.ID); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	if len(busyDuringFail) != 2 {
		t.Fatalf("expected two documents failed, got %v", busyDuringFail)
	}
	for id, err := range busyDuringFail {
		if !errors.Is(err, ErrBusy) {
			t.Errorf("%s: expected ErrBusy while being failed, got %v", id, err)
		}
		if snap := h.o.Run(id).Snapshot(); snap.State != RunFinished || snap.Error == "" {
			t.Errorf("%s: expected finished run with error, got %+v", id, snap)
		}
		if d, _ := h.store.Get(ctx, id); d.Status != document.StatusFailed {
			t.Errorf("%s: expected failed document, got %s", id, d.Status)
		}
	}
}

func TestResume_RequeuesInterrupted(t *testing.T) {
	h := newHarness(t, okExtractor(nil), pagesOpener(2), 10)
	ctx := context.Background()

	// Simulate a crash: one page done, one left processing.
	res, _ := h.o.Ingest(ctx, upload("crashed"))
	id := res.Document.ID
	h.store.SetPageCount(ctx, id, 2)
	h.store.UpdatePage(ctx, id, 1, document.Succeeded("old", 80))
	h.store.UpdatePage(ctx, id, 2, document.Processing())
	h.o.runs.Release(h.o.runs.Get(id), "crashed")
	<-h.o.queue

	n, err := h.o.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 resumed document, got %d", n)
	}
	sub := h.bus.Subscribe(id)
	defer h.bus.Unsubscribe(sub)
	h.start(t)
	waitFinal(t, sub)

	doc, _ := h.store.Get(ctx, id)
	if doc.Status != document.StatusDone || doc.Pages[1].Text != "text of page 2" {
		t.Errorf("expected resumed document to finish, got %+v", doc)
	}
}

func TestRunRegistry(t *testing.T) {
	r := NewRunRegistry(time.Millisecond)
	run, err := r.Acquire("doc", TriggerUpload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Acquire("doc", TriggerReprocess); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := r.Acquire("other", TriggerUpload); err != nil {
		t.Fatalf("expected other documents to be independent, got %v", err)
	}
	if r.Active() != 2 {
		t.Errorf("expected 2 active runs, got %d", r.Active())
	}

	run.start(3)
	run.pageFinished(true)
	run.pageFinished(false)
	r.Release(run, "")
	r.Release(run, "ignored")

	snap := run.Snapshot()
	if snap.State != RunFinished || snap.PagesDone != 1 || snap.PagesFailed != 1 || snap.Error != "" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.StartedAt == nil || snap.FinishedAt == nil {
		t.Error("expected start and finish times")
	}

	if _, err := r.Acquire("doc", TriggerReprocess); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
	r.Release(r.Get("doc"), "")
	time.Sleep(5 * time.Millisecond)
	r.Cleanup()
	if r.Get("doc") != nil {
		t.Error("expected finished run to be evicted")
	}
	if r.Get("other") == nil {
		t.Error("expected active run to survive cleanup")
	}
}

func TestBackoff(t *testing.T) {
	for attempt, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d := Backoff(attempt)
		if d < base || d >= base+base/2 {
			t.Errorf("attempt %d: expected [%v, %v), got %v", attempt, base, base+base/2, d)
		}
	}
	if d := Backoff(10); d < 30*time.Second || d >= 45*time.Second {
		t.Errorf("expected cap at 30s plus jitter, got %v", d)
	}
}

func TestExtension(t *testing.T) {
	if Extension("image/jpeg") != ".jpg" || Extension("text/plain; charset=utf-8") != ".txt" || Extension("x/unknown") != ".bin" {
		t.Error("unexpected extension mapping")
	}
}
