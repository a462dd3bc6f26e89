package routes

import (
	"log"
	"net/http"

	"github.com/petervdpas/goopcall/internal/calllog"
)

// History is the read side of the call log.
type History interface {
	Recent(limit int) ([]calllog.Entry, error)
	WithParty(remote string, limit int) ([]calllog.Entry, error)
}

// GET /api/call/history?limit=&remote=
func registerHistoryRoutes(mux *http.ServeMux, h History) {
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 50
		if s := q.Get("limit"); s != "" {
			n := atoiOrNeg(s)
			if n <= 0 || n > 1000 {
				http.Error(w, "limit must be 1..1000", http.StatusBadRequest)
				return
			}
			limit = n
		}

		var (
			entries []calllog.Entry
			err     error
		)
		if remote := q.Get("remote"); remote != "" {
			entries, err = h.WithParty(remote, limit)
		} else {
			entries, err = h.Recent(limit)
		}
		if err != nil {
			log.Printf("VIEWER: call history: %v", err)
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	})
}
