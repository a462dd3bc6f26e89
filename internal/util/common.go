package util

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// DefaultFetchTimeout bounds one-shot HTTP requests such as the ICE list.
const DefaultFetchTimeout = 5 * time.Second

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). Go's filepath.Join strips leading slashes from later
// arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".  This helper
// gives the intuitive behaviour: absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidatePartyID validates and normalizes a party identifier.
// Returns the trimmed ID and an error if invalid.
func ValidatePartyID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("party id is empty")
	}
	if len(id) > 128 {
		return "", errors.New("party id longer than 128 characters")
	}
	if strings.ContainsAny(id, "/\\ ?#&") || strings.Contains(id, "..") {
		return "", errors.New("party id must not contain spaces, slashes, '?', '#', '&' or '..'")
	}
	return id, nil
}

// NormalizeURL trims whitespace and a trailing slash, and adds http:// when
// no scheme is given.
func NormalizeURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	return strings.TrimRight(s, "/")
}

// WebSocketURL maps an http(s) URL onto ws(s). ws(s) URLs pass through.
func WebSocketURL(s string) (string, error) {
	u, err := url.Parse(NormalizeURL(s))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url has no host")
	}
	return u.String(), nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// OpenURL opens a URL in the system's default browser
func OpenURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return errors.New("unsupported platform")
	}
	return cmd.Start()
}
