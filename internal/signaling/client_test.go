package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/call"
)

func startClient(t *testing.T, url, party string) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{
		URL:           url,
		Credential:    token(t, party),
		PartyID:       party,
		LoggerFactory: quietLoggers(),
		MinBackoff:    10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Connect(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func recv(t *testing.T, ch <-chan call.Envelope) call.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return call.Envelope{}
	}
}

func TestClientRoundTrip(t *testing.T) {
	th := startHub(t)
	alice := startClient(t, th.url, "alice")
	bob := startClient(t, th.url, "bob")
	inbox, cancel := bob.Subscribe()
	defer cancel()

	waitFor(t, "clients connected", func() bool { return alice.Connected() && bob.Connected() })
	th.waitOnline(t, "alice", "bob")

	if err := alice.Send(call.Envelope{Type: call.KindCallRequest, From: "alice", To: "bob"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := recv(t, inbox)
	if got.Type != call.KindCallRequest || got.From != "alice" {
		t.Fatalf("bob got %+v", got)
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c, err := NewClient(ClientOptions{URL: "http://127.0.0.1:1/ws", LoggerFactory: quietLoggers()})
	if err != nil {
		t.Fatal(err)
	}
	if c.Connected() {
		t.Fatal("connected before Connect")
	}
	err = c.Send(call.Envelope{Type: call.KindCallEnded, From: "a", To: "b"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
}

func TestClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(ClientOptions{URL: "ftp://example.com"}); err == nil {
		t.Fatal("ftp url accepted")
	}
}

func TestClientStateChanges(t *testing.T) {
	th := startHub(t)

	var mu sync.Mutex
	var seen []bool
	c, err := NewClient(ClientOptions{
		URL:           th.srv.URL + "/ws",
		Credential:    token(t, "alice"),
		PartyID:       "alice",
		LoggerFactory: quietLoggers(),
	})
	if err != nil {
		t.Fatal(err)
	}
	c.OnStateChange(func(up bool) {
		mu.Lock()
		seen = append(seen, up)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Connect(ctx) }()

	waitFor(t, "connected", c.Connected)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect returned %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("transitions = %v", seen)
	}
}

func TestClientReconnects(t *testing.T) {
	th := startHub(t)
	c := startClient(t, th.url, "alice")
	th.waitOnline(t, "alice")
	waitFor(t, "connected", c.Connected)

	transitions := make(chan bool, 8)
	c.OnStateChange(func(up bool) { transitions <- up })

	// A second login for alice makes the hub drop the client's connection.
	th.dial(t, "alice")
	for _, want := range []bool{false, true} {
		select {
		case got := <-transitions:
			if got != want {
				t.Fatalf("transition = %v, want %v", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no transition to %v", want)
		}
	}
}

func TestClientSkipsMalformed(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte("garbage"))
		_ = ws.WriteJSON(call.Envelope{Type: call.KindCallEnded, From: "bob", To: "alice"})
		// Hold the connection until the client leaves.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientOptions{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), LoggerFactory: quietLoggers()})
	if err != nil {
		t.Fatal(err)
	}
	inbox, unsub := c.Subscribe()
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Connect(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if got := recv(t, inbox); got.Type != call.KindCallEnded {
		t.Fatalf("got %+v", got)
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	c, err := NewClient(ClientOptions{URL: "ws://127.0.0.1:1", LoggerFactory: quietLoggers()})
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel := c.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
}

func TestClientFlushesQueueOnShutdown(t *testing.T) {
	type result struct {
		env call.Envelope
		err error
	}
	got := make(chan result, 4)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var env call.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				got <- result{err: err}
				return
			}
			got <- result{env: env}
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientOptions{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), LoggerFactory: quietLoggers()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Connect(ctx)
	}()
	waitFor(t, "connected", c.Connected)

	if err := c.Send(call.Envelope{Type: call.KindCallEnded, From: "alice", To: "bob"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	cancel()
	<-done

	first := <-got
	if first.err != nil || first.env.Type != call.KindCallEnded {
		t.Fatalf("first read = %+v", first)
	}
	second := <-got
	if !websocket.IsCloseError(second.err, websocket.CloseNormalClosure) {
		t.Fatalf("after the envelope: %v", second.err)
	}
	if c.Connected() {
		t.Fatal("still connected after shutdown")
	}
}
