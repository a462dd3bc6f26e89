package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/pion/logging"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/ice"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// OnlinePath lists connected parties.
const OnlinePath = "/api/v1/hub/online"

// EnsureHubSecret generates and saves a signing secret on first use.
// Returns true when the config file was updated.
func EnsureHubSecret(cfgPath string, cfg *config.Config) (bool, error) {
	if cfg.Hub.JWTSecret != "" {
		return false, nil
	}
	cfg.Hub.JWTSecret = newSecret(32)
	if err := config.Save(cfgPath, *cfg); err != nil {
		return false, fmt.Errorf("save hub secret: %w", err)
	}
	return true, nil
}

// IssueToken signs a credential for partyID with the hub's secret.
func IssueToken(cfg config.Config, partyID string) (string, error) {
	if cfg.Hub.JWTSecret == "" {
		return "", errors.New("hub.jwt_secret is empty; run the hub once to generate it")
	}
	ttl := time.Duration(cfg.Hub.TokenTTLHours) * time.Hour
	return signaling.IssueToken([]byte(cfg.Hub.JWTSecret), cfg.Hub.Issuer, partyID, ttl)
}

// hubHandler mounts the websocket relay, the ICE list and the online list.
func hubHandler(cfg config.Config, hub *signaling.Hub, auth signaling.Authenticator) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(SignalingPath, hub)
	mux.Handle(ice.Path, signaling.RequireCredential(auth, ice.Handler(ice.Config{
		TURNURL:      cfg.ICE.TURNURL,
		TURNUsername: cfg.ICE.TURNUsername,
		TURNPassword: cfg.ICE.TURNPassword,
	})))
	mux.Handle(OnlinePath, signaling.RequireCredential(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"online": hub.Online()})
	})))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// RunHub serves the rendezvous hub until ctx is done.
func RunHub(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	_, lf := setupLogging(cfg.Log.Level)
	logBanner("hub", opt.Dir, opt.CfgPath)

	if cfg.Hub.JWTSecret == "" {
		return errors.New("hub.jwt_secret is empty")
	}
	ln, err := net.Listen("tcp", cfg.HubAddr())
	if err != nil {
		return err
	}
	return serveHub(ctx, ln, cfg, lf)
}

func serveHub(ctx context.Context, ln net.Listener, cfg config.Config, lf logging.LoggerFactory) error {
	auth := signaling.JWTAuth{Secret: []byte(cfg.Hub.JWTSecret), Issuer: cfg.Hub.Issuer}
	hub := signaling.NewHub(signaling.HubOptions{Auth: auth, LoggerFactory: lf})

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	srv := &http.Server{
		Handler:           hubHandler(cfg, hub, auth),
		ReadHeaderTimeout: 10 * time.Second,
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	log.Println("────────────────────────────────────────────────────────")
	log.Printf("🌐 Hub: http://%s (websocket %s)", ln.Addr(), SignalingPath)
	if cfg.ICE.TURNURL != "" {
		log.Printf("HUB: handing out TURN %s", cfg.ICE.TURNURL)
	}
	log.Println("────────────────────────────────────────────────────────")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-served:
	}

	// Ending the hub loop closes every party connection; hijacked
	// websockets are not tracked by Shutdown.
	stopHub()
	<-hubDone
	shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("HUB: shutdown: %v", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
