package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/util"
)

// FileName is the config file inside a peer or hub directory.
const FileName = "goopcall.json"

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Hub       Hub       `json:"hub"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
	History   History   `json:"history"`
}

type Identity struct {
	// Party ID this device registers under. Must match the credential.
	PartyID string `json:"party_id"`
	// Credential presented to the hub. Issue one with "goopcall token".
	Token string `json:"token"`
}

type Signaling struct {
	// Hub base URL, e.g. http://127.0.0.1:8787. The websocket lives at /ws.
	URL string `json:"url"`
}

type ICE struct {
	// Where peers fetch the relay list. Empty means the signaling URL.
	ServersURL string `json:"servers_url"`

	// TURN entry the hub hands out next to the public STUN pair.
	TURNURL      string `json:"turn_url"`
	TURNUsername string `json:"turn_username"`
	TURNPassword string `json:"turn_password"`
}

type Call struct {
	TimeoutSec         int `json:"timeout_seconds"`
	ICERestartDelayMS  int `json:"ice_restart_delay_ms"`
	MaxICERestarts     int `json:"max_ice_restarts"`
	CandidateQueueSize int `json:"candidate_queue_size"`
}

type Media struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
	// Join calls without local devices instead of failing them.
	AllowReceiveOnly bool `json:"allow_receive_only"`
	MaxWidth         int  `json:"max_width"`
	MaxHeight        int  `json:"max_height"`
	VideoBitrateKbps int  `json:"video_bitrate_kbps"`
}

type Hub struct {
	// Bind address. Default "127.0.0.1" (localhost only).
	Bind      string `json:"bind"`
	Port      int    `json:"port"`
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
	// Lifetime of tokens printed by "goopcall token". 0 = no expiry.
	TokenTTLHours int `json:"token_ttl_hours"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"` // trace|debug|info|warn|error
}

type History struct {
	Enabled bool   `json:"enabled"`
	DBFile  string `json:"db_file"` // relative to the peer dir
}

func Default() Config {
	return Config{
		Signaling: Signaling{
			URL: "http://127.0.0.1:8787",
		},
		Call: Call{
			TimeoutSec:         30,
			ICERestartDelayMS:  2000,
			MaxICERestarts:     3,
			CandidateQueueSize: 256,
		},
		Media: Media{
			Audio:            true,
			Video:            true,
			AllowReceiveOnly: true,
			MaxWidth:         640,
			MaxHeight:        480,
			VideoBitrateKbps: 1500,
		},
		Hub: Hub{
			Bind:          "127.0.0.1",
			Port:          8787,
			Issuer:        "goopcall",
			TokenTTLHours: 24 * 30,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7777",
		},
		Log: Log{
			Level: "info",
		},
		History: History{
			Enabled: true,
			DBFile:  "data/calls.db",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if id := c.Identity.PartyID; id != "" {
		if _, err := util.ValidatePartyID(id); err != nil {
			return fmt.Errorf("identity.party_id: %w", err)
		}
	}

	// Signaling
	if strings.TrimSpace(c.Signaling.URL) == "" {
		return errors.New("signaling.url is required")
	}
	if err := validateHTTPURL(c.Signaling.URL, true); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}

	// ICE
	if s := strings.TrimSpace(c.ICE.ServersURL); s != "" {
		if err := validateHTTPURL(s, false); err != nil {
			return fmt.Errorf("ice.servers_url: %w", err)
		}
	}
	if t := c.ICE.TURNURL; t != "" && !strings.HasPrefix(t, "turn:") && !strings.HasPrefix(t, "turns:") {
		return errors.New("ice.turn_url must start with turn: or turns:")
	}

	// Call
	if c.Call.TimeoutSec < 1 || c.Call.TimeoutSec > 600 {
		return errors.New("call.timeout_seconds must be 1..600")
	}
	if c.Call.ICERestartDelayMS < 0 {
		return errors.New("call.ice_restart_delay_ms must be >= 0")
	}
	if c.Call.MaxICERestarts < 0 || c.Call.MaxICERestarts > 20 {
		return errors.New("call.max_ice_restarts must be 0..20")
	}
	if c.Call.CandidateQueueSize < 1 {
		return errors.New("call.candidate_queue_size must be > 0")
	}

	// Media
	if !c.Media.Audio && !c.Media.Video && !c.Media.AllowReceiveOnly {
		return errors.New("media: enable audio or video, or allow_receive_only")
	}
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 || c.Media.VideoBitrateKbps < 0 {
		return errors.New("media dimensions and bitrate must be >= 0")
	}

	// Hub
	if c.Hub.Port <= 0 || c.Hub.Port > 65535 {
		return errors.New("hub.port must be 1..65535")
	}
	if b := c.Hub.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("hub.bind must be a valid IP address")
	}
	if c.Hub.TokenTTLHours < 0 {
		return errors.New("hub.token_ttl_hours must be >= 0")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of trace|debug|info|warn|error", c.Log.Level)
	}

	// History
	if c.History.Enabled && strings.TrimSpace(c.History.DBFile) == "" {
		return errors.New("history.db_file is required when history is enabled")
	}

	return nil
}

// ICEServersURL is where peers fetch the relay list.
func (c *Config) ICEServersURL() string {
	if s := strings.TrimSpace(c.ICE.ServersURL); s != "" {
		return util.NormalizeURL(s)
	}
	return util.NormalizeURL(c.Signaling.URL)
}

// HubAddr is the listen address of the hub.
func (c *Config) HubAddr() string {
	return net.JoinHostPort(c.Hub.Bind, strconv.Itoa(c.Hub.Port))
}

func validateHTTPURL(raw string, allowWS bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws", "wss":
		if !allowWS {
			return errors.New("scheme must be http or https")
		}
	default:
		return errors.New("scheme must be http, https, ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful when only a
// few fields are needed and full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
