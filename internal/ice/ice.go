// Package ice serves and fetches the relay server list used to build peer
// connections.
package ice

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pion/webrtc/v4"
)

// Path is where the hub serves the server list.
const Path = "/api/v1/webrtc/ice-servers"

// URLs decodes from either a single string or a list of strings.
type URLs []string

func (u *URLs) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = URLs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New(`ice: "urls" must be a string or a list of strings`)
	}
	*u = many
	return nil
}

// Server is one STUN or TURN entry.
type Server struct {
	URLs       URLs   `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// DefaultServers is the public STUN pair used whenever nothing better is known.
func DefaultServers() []Server {
	return []Server{{URLs: URLs{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}}}
}

// ToWebRTC converts servers for webrtc.Configuration, skipping empty entries.
func ToWebRTC(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		is := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			is.Credential = s.Credential
			is.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, is)
	}
	return out
}

// Config is the hub side TURN setting. An empty TURNURL serves STUN only.
type Config struct {
	TURNURL      string
	TURNUsername string
	TURNPassword string
}

// Servers is the list the hub hands out: the public STUN pair, then TURN.
func (c Config) Servers() []Server {
	out := DefaultServers()
	if c.TURNURL != "" {
		out = append(out, Server{
			URLs:       URLs{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return out
}

type listData struct {
	ICEServers []Server `json:"iceServers"`
}

type response struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Data    listData `json:"data"`
}

// Handler serves GET Path.
func Handler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(response{
			Code:    0,
			Message: "ok",
			Data:    listData{ICEServers: cfg.Servers()},
		})
	})
}
