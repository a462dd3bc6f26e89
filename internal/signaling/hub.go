package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/petervdpas/goopcall/internal/call"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// HubOptions configures a Hub.
type HubOptions struct {
	Auth          Authenticator
	LoggerFactory logging.LoggerFactory
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub relays envelopes between connected parties. It never interprets the
// call protocol beyond the addressing fields.
type Hub struct {
	auth     Authenticator
	log      logging.LeveledLogger
	upgrader websocket.Upgrader

	register   chan *member
	unregister chan *member
	relay      chan relayMsg
	done       chan struct{}

	mu     sync.RWMutex
	online map[string]*member
}

type member struct {
	party string
	ws    *websocket.Conn
	send  chan []byte
}

type relayMsg struct {
	from *member
	to   string
	kind call.Kind
	data []byte
}

func NewHub(opt HubOptions) *Hub {
	lf := opt.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	check := opt.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Hub{
		auth: opt.Auth,
		log:  lf.NewLogger("signaling-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
		register:   make(chan *member, sendBuffer),
		unregister: make(chan *member, sendBuffer),
		relay:      make(chan relayMsg, sendBuffer),
		done:       make(chan struct{}),
		online:     make(map[string]*member),
	}
}

// Run owns the party table until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, m := range h.online {
				close(m.send)
				delete(h.online, id)
			}
			h.mu.Unlock()
			return

		case m := <-h.register:
			h.mu.Lock()
			if old, ok := h.online[m.party]; ok {
				h.log.Infof("%s reconnected, closing previous connection", m.party)
				close(old.send)
			}
			h.online[m.party] = m
			h.mu.Unlock()
			h.log.Debugf("%s online", m.party)

		case m := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.online[m.party]; ok && cur == m {
				delete(h.online, m.party)
				close(m.send)
				h.log.Debugf("%s offline", m.party)
			}
			h.mu.Unlock()

		case msg := <-h.relay:
			h.mu.RLock()
			dst, ok := h.online[msg.to]
			h.mu.RUnlock()
			if !ok {
				h.log.Infof("drop %s from %s: %s is offline", msg.kind, msg.from.party, msg.to)
				continue
			}
			select {
			case dst.send <- msg.data:
			default:
				h.log.Warnf("drop %s from %s: send buffer of %s full", msg.kind, msg.from.party, msg.to)
			}
		}
	}
}

// Online lists the connected party IDs in sorted order.
func (h *Hub) Online() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.online))
	for id := range h.online {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ServeHTTP authenticates and upgrades one party connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	party, err := h.auth.Authenticate(tokenFromRequest(r))
	if err != nil {
		h.log.Infof("rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade for %s: %v", party, err)
		return
	}
	m := &member{party: party, ws: ws, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- m:
	case <-h.done:
		ws.Close()
		return
	}
	go h.writePump(m)
	h.readPump(m)
}

func (h *Hub) readPump(m *member) {
	defer func() {
		select {
		case h.unregister <- m:
		case <-h.done:
		}
		m.ws.Close()
	}()
	m.ws.SetReadLimit(maxMessageSize)
	_ = m.ws.SetReadDeadline(time.Now().Add(pongWait))
	m.ws.SetPongHandler(func(string) error {
		return m.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := m.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Infof("read from %s: %v", m.party, err)
			}
			return
		}
		var env call.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Warnf("malformed message from %s: %v", m.party, err)
			continue
		}
		env.From = m.party
		if err := env.Validate(); err != nil {
			h.log.Warnf("invalid envelope from %s: %v", m.party, err)
			continue
		}
		out, err := json.Marshal(env)
		if err != nil {
			continue
		}
		select {
		case h.relay <- relayMsg{from: m, to: env.To, kind: env.Type, data: out}:
		case <-h.done:
			return
		}
	}
}

func (h *Hub) writePump(m *member) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.ws.Close()
	}()
	for {
		select {
		case data, ok := <-m.send:
			_ = m.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = m.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := m.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = m.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
