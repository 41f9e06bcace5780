package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dgallion1/dococr/internal/progress"
	"github.com/go-chi/chi/v5"
)

// handleEvents streams progress events for one document as Server-Sent
// Events until the client disconnects. Only events published after the
// connection opens are sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	docID := chi.URLParam(r, "docID")

	sub := s.bus.Subscribe(docID)
	defer s.bus.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := sendSSE(w, flusher, ev); err != nil {
				s.log.Debug("event stream closed", "doc_id", docID, "error", err)
				return
			}
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
