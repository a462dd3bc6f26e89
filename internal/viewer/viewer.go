package viewer

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

// Viewer is the local control surface of a peer.
type Viewer struct {
	Call    routes.CallControl
	History routes.History // nil when history is disabled
	Logs    *LogBuffer
}

// Handler builds the mux without starting a server.
func (v Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{Call: v.Call, History: v.History}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return liveHeaders(mux)
}

// liveHeaders marks every response as uncacheable live state.
func liveHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

// Start serves on addr until ctx is done. It listens before returning so
// that bind errors surface immediately; serving continues in the background.
// The returned channel yields the serve error, or nil after a clean shutdown.
func Start(ctx context.Context, addr string, v Viewer) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Printf("VIEWER: shutdown: %v", err)
		}
	}()
	log.Printf("VIEWER: listening on http://%s", ln.Addr())
	return done, nil
}
