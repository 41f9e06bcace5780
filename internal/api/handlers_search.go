package api

import (
	"net/http"
	"strconv"

	"github.com/dgallion1/dococr/internal/search"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp, err := s.search.Search(r.Context(), search.Request{
		Query: r.URL.Query().Get("q"),
		Page:  page,
		Limit: limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
