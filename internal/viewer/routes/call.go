package routes

import (
	"net/http"
	"strings"

	"github.com/petervdpas/goopcall/internal/call"
)

// CallControl is what the call routes need from *call.Manager.
type CallControl interface {
	PartyID() string
	Snapshot() call.Snapshot
	Subscribe(fn func(call.Snapshot)) (unsubscribe func())

	PlaceCall(remote string)
	AcceptCall()
	RejectCall()
	EndCall()
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
}

var queued = map[string]string{"status": "queued"}

// RegisterCall registers the call state and intent endpoints. Intents are
// answered with 202 as soon as they are queued; the outcome shows up in the
// state stream.
func RegisterCall(mux *http.ServeMux, ctl CallControl) {
	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"party_id": ctl.PartyID(),
			"state":    ctl.Snapshot(),
		})
	})

	// GET /api/call/events: SSE stream of snapshots, current one first.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		// Subscribers run on the manager loop. Keep only the newest
		// snapshot so a slow browser never stalls it.
		updates := make(chan call.Snapshot, 1)
		unsub := ctl.Subscribe(func(s call.Snapshot) {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- s:
			default:
			}
		})
		defer unsub()

		if err := writeSSE(w, "state", ctl.Snapshot()); err != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case s := <-updates:
				if err := writeSSE(w, "state", s); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	// POST /api/call/place {"remote":"bob"}
	handlePost(mux, "/api/call/place", func(w http.ResponseWriter, r *http.Request, req struct {
		Remote string `json:"remote"`
	}) {
		remote := strings.TrimSpace(req.Remote)
		if remote == "" {
			http.Error(w, "missing remote", http.StatusBadRequest)
			return
		}
		ctl.PlaceCall(remote)
		writeJSONStatus(w, http.StatusAccepted, queued)
	})

	intent := func(path string, fn func()) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			fn()
			writeJSONStatus(w, http.StatusAccepted, queued)
		})
	}
	intent("/api/call/accept", ctl.AcceptCall)
	intent("/api/call/reject", ctl.RejectCall)
	intent("/api/call/end", ctl.EndCall)

	toggle := func(path string, fn func(bool)) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, req struct {
			Enabled *bool `json:"enabled"`
		}) {
			if req.Enabled == nil {
				http.Error(w, "missing enabled", http.StatusBadRequest)
				return
			}
			fn(*req.Enabled)
			writeJSONStatus(w, http.StatusAccepted, queued)
		})
	}
	toggle("/api/call/audio", ctl.SetAudioEnabled)
	toggle("/api/call/video", ctl.SetVideoEnabled)
}
