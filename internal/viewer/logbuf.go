// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one captured log line. Scope is the "CALL:" tag of stdlib
// lines or the logger scope of pion lines; Level is only known for the
// latter.
type LogEntry struct {
	TS    time.Time `json:"ts"`
	Scope string    `json:"scope,omitempty"`
	Level string    `json:"level,omitempty"`
	Msg   string    `json:"msg"`
}

// LogBuffer is an io.Writer that splits its input into lines, keeps the
// newest of them and fans each one out to live subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	partial bytes.Buffer
	subs    map[chan LogEntry]struct{}

	ring *util.Ring[LogEntry]
	now  func() time.Time
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 500
	}
	return &LogBuffer{
		subs: make(map[chan LogEntry]struct{}),
		ring: util.NewRing[LogEntry](size),
		now:  time.Now,
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		line, err := b.partial.ReadString('\n')
		if err != nil {
			// Keep the unterminated tail for the next write.
			b.partial.Reset()
			b.partial.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := parseLine(line)
		e.TS = b.now()
		b.ring.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

var pionLevels = map[string]bool{"ERROR:": true, "WARN:": true, "INFO:": true, "DEBUG:": true, "TRACE:": true}

// parseLine recognises "2026/03/01 10:00:00 CALL: ..." (stdlib) and
// "call WARN: ..." (pion). Leading timestamps are skipped.
func parseLine(line string) LogEntry {
	e := LogEntry{Msg: line}
	fields := strings.Fields(line)
	for i, f := range fields {
		if f[0] >= '0' && f[0] <= '9' {
			continue
		}
		e.Scope = strings.TrimSuffix(f, ":")
		if !strings.HasSuffix(f, ":") && i+1 < len(fields) && pionLevels[fields[i+1]] {
			e.Level = strings.ToLower(strings.TrimSuffix(fields[i+1], ":"))
		}
		break
	}
	return e
}

// Snapshot returns every kept entry, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry { return b.ring.Last(0, nil) }

// Tail returns the newest n entries, oldest first. n <= 0 means all.
func (b *LogBuffer) Tail(n int) []LogEntry { return b.ring.Last(n, nil) }

// Subscribe delivers new entries until cancel is called. Entries are dropped
// for a subscriber that falls behind.
func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// scopeFilter matches ?scope= case-insensitively; empty matches everything.
func scopeFilter(r *http.Request) func(LogEntry) bool {
	want := strings.TrimSpace(r.URL.Query().Get("scope"))
	if want == "" {
		return nil
	}
	return func(e LogEntry) bool { return strings.EqualFold(e.Scope, want) }
}

// GET /api/logs?tail=N&scope=CALL
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := 0
	if s := r.URL.Query().Get("tail"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "tail must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.ring.Last(n, scopeFilter(r)))
}

// GET /api/logs/stream?scope=CALL streams new lines only.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	keep := scopeFilter(r)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if keep != nil && !keep(e) {
				continue
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
