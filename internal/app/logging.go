package app

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/pion/logging"

	"github.com/petervdpas/goopcall/internal/viewer"
)

// pion's own scopes. These stay at warn unless debug or trace is asked for.
var pionScopes = []string{"ice", "dtls", "sctp", "pc", "srtp", "mux", "turnc", "stun", "datachannel", "interceptor"}

func parseLevel(s string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}

// newLoggerFactory returns the factory for the library packages and pion.
func newLoggerFactory(level string, w io.Writer) logging.LoggerFactory {
	lvl := parseLevel(level)
	scopes := make(map[string]logging.LogLevel, len(pionScopes))
	for _, s := range pionScopes {
		if lvl < logging.LogLevelDebug {
			scopes[s] = min(lvl, logging.LogLevelWarn)
		} else {
			scopes[s] = lvl
		}
	}
	return &logging.DefaultLoggerFactory{
		Writer:          w,
		DefaultLogLevel: lvl,
		ScopeLevels:     scopes,
	}
}

// setupLogging sends the stdlib logger and the returned factory to stderr
// and to a fresh LogBuffer.
func setupLogging(level string) (*viewer.LogBuffer, logging.LoggerFactory) {
	logBuf := viewer.NewLogBuffer(800)
	w := io.MultiWriter(os.Stderr, logBuf)
	log.SetOutput(w)
	return logBuf, newLoggerFactory(level, w)
}
