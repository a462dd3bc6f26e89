package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/calllog"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/ice"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

// SignalingPath is where the hub accepts party websockets.
const SignalingPath = "/ws"

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	// Open the viewer in the system browser once it listens.
	OpenViewer bool
}

func capturePrefs(m config.Media) call.CapturePrefs {
	return call.CapturePrefs{
		MaxWidth:        m.MaxWidth,
		MaxHeight:       m.MaxHeight,
		VideoBitRateBps: m.VideoBitrateKbps * 1000,
	}
}

// RunPeer runs one calling device until ctx is done.
func RunPeer(ctx context.Context, opt Options) (err error) {
	cfg := opt.Cfg
	logs, lf := setupLogging(cfg.Log.Level)
	logBanner("peer", opt.Dir, opt.CfgPath)

	party, err := util.ValidatePartyID(cfg.Identity.PartyID)
	if err != nil {
		return fmt.Errorf("identity.party_id in %s: %w", opt.CfgPath, err)
	}
	if cfg.Identity.Token == "" {
		return fmt.Errorf("identity.token in %s is empty; issue one with \"goopcall token <hub-dir> %s\"", opt.CfgPath, party)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── Relay servers
	iceClient := ice.NewClient(cfg.ICEServersURL(), cfg.Identity.Token)
	fetchServers := func() []ice.Server {
		fctx, fcancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
		defer fcancel()
		servers, ferr := iceClient.Fetch(fctx)
		if ferr != nil {
			log.Printf("CALL: ice servers from %s unavailable, using public STUN: %v", iceClient.BaseURL, ferr)
		}
		return servers
	}
	servers := fetchServers()

	// ── Signaling
	sig, err := signaling.NewClient(signaling.ClientOptions{
		URL:           cfg.Signaling.URL + SignalingPath,
		Credential:    cfg.Identity.Token,
		PartyID:       party,
		LoggerFactory: lf,
	})
	if err != nil {
		return err
	}

	// ── Media
	devices, err := call.NewDeviceSource(capturePrefs(cfg.Media), lf)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	var media call.MediaSource = devices
	if cfg.Media.AllowReceiveOnly {
		media = call.ReceiveOnly(devices)
	}
	newPeer, err := call.NewPionFactory(call.PionOptions{
		LoggerFactory:  lf,
		RegisterCodecs: devices.RegisterCodecs,
	})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	// ── History
	var (
		store    *calllog.Store
		recorder call.Recorder
		history  routes.History
	)
	if cfg.History.Enabled {
		store, err = calllog.Open(util.ResolvePath(opt.Dir, cfg.History.DBFile))
		if err != nil {
			return fmt.Errorf("call history: %w", err)
		}
		recorder, history = store, store
		log.Printf("CALL: history in %s", store.Path())
	}

	mgr, err := call.New(call.Options{
		PartyID:            party,
		Signaler:           sig,
		Media:              media,
		NewPeer:            newPeer,
		Recorder:           recorder,
		ICEServers:         ice.ToWebRTC(servers),
		Constraints:        &call.Constraints{Audio: cfg.Media.Audio, Video: cfg.Media.Video},
		CallTimeout:        time.Duration(cfg.Call.TimeoutSec) * time.Second,
		ICERestartDelay:    time.Duration(cfg.Call.ICERestartDelayMS) * time.Millisecond,
		MaxICERestarts:     cfg.Call.MaxICERestarts,
		CandidateQueueSize: cfg.Call.CandidateQueueSize,
		LoggerFactory:      lf,
	})
	if err != nil {
		if store != nil {
			store.Close()
		}
		return err
	}

	// The signaling client outlives ctx so that closing the manager can
	// still tell the remote party the call is over.
	sigCtx, stopSig := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		closeErr := mgr.Close()
		stopSig()
		cancel()
		wg.Wait()
		if store != nil {
			closeErr = multierr.Append(closeErr, store.Close())
		}
		err = multierr.Append(err, closeErr)
	}()

	// Refresh relay servers on every reconnect; TURN credentials may rotate.
	unwatch := sig.OnStateChange(func(up bool) {
		if !up {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.SetICEServers(ice.ToWebRTC(fetchServers()))
		}()
	})
	defer unwatch()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sig.Connect(sigCtx)
	}()

	// ── Config hot reload (capture preferences only)
	watcher, werr := config.Watch(opt.CfgPath, func(next config.Config) {
		devices.SetPrefs(capturePrefs(next.Media))
		log.Printf("CALL: capture preferences reloaded (%dx%d @ %d kbps)",
			next.Media.MaxWidth, next.Media.MaxHeight, next.Media.VideoBitrateKbps)
	})
	if werr != nil {
		log.Printf("CONFIG: hot reload disabled: %v", werr)
	} else {
		defer func() { err = multierr.Append(err, watcher.Close()) }()
	}

	// ── Viewer
	var served <-chan error
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		served, err = viewer.Start(ctx, addr, viewer.Viewer{Call: mgr, History: history, Logs: logs})
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
		log.Printf("📞 Call viewer: %s", url)
		if opt.OpenViewer {
			if oerr := util.OpenURL(url); oerr != nil {
				log.Printf("VIEWER: open browser: %v", oerr)
			}
		}
	}

	log.Printf("CALL: %s ready, hub %s", party, cfg.Signaling.URL)

	select {
	case <-ctx.Done():
		if served != nil {
			// Wait for the viewer to finish its shutdown.
			if serr := <-served; serr != nil {
				return fmt.Errorf("viewer: %w", serr)
			}
		}
	case serr := <-served:
		if serr != nil {
			return fmt.Errorf("viewer: %w", serr)
		}
	}
	return nil
}
