package api

import "net/http"

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats := map[string]any{
		"documents":   counts.Documents,
		"pages":       counts.Pages,
		"by_status":   counts.ByStatus,
		"searches":    s.search.Searches(),
		"queue_depth": s.orchestrator.QueueDepth(),
		"active_runs": s.orchestrator.ActiveRuns(),
		"dropped":     s.bus.Dropped(),
	}
	if s.stats != nil {
		stats["extraction"] = s.stats.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stats": stats})
}

func (s *Server) handleIncrementSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": s.search.CountSearch()})
}
