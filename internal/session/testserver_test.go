package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tiller/internal/protocol"
)

// fakeBackend is an in-process stand-in for the agent backend's session
// channel endpoint.
type fakeBackend struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	authToken string // when set, dials without this bearer token get a 401
	autoPong  bool

	connCh chan *backendConn
}

// backendConn is one accepted client socket.
type backendConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	inbound chan protocol.ClientMessage
}

func newFakeBackend(t *testing.T) *fakeBackend {
	fb := &fakeBackend{
		t:        t,
		autoPong: true,
		connCh:   make(chan *backendConn, 8),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws/chat", fb.handleWS)
	fb.srv = httptest.NewServer(r)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/ws/chat"
}

func (fb *fakeBackend) requireToken(token string) {
	fb.mu.Lock()
	fb.authToken = token
	fb.mu.Unlock()
}

func (fb *fakeBackend) setAutoPong(v bool) {
	fb.mu.Lock()
	fb.autoPong = v
	fb.mu.Unlock()
}

func (fb *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	token := fb.authToken
	fb.mu.Unlock()

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := fb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	bc := &backendConn{ws: ws, inbound: make(chan protocol.ClientMessage, 64)}
	go fb.readPump(bc)

	select {
	case fb.connCh <- bc:
	default:
		fb.t.Error("connection channel full")
	}
}

func (fb *fakeBackend) readPump(bc *backendConn) {
	defer bc.ws.Close()
	for {
		_, data, err := bc.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		fb.mu.Lock()
		autoPong := fb.autoPong
		fb.mu.Unlock()
		if msg.Type == protocol.TypePing && autoPong {
			bc.send(fb.t, &protocol.ServerMessage{Type: protocol.TypePong})
		}

		select {
		case bc.inbound <- msg:
		default:
		}
	}
}

// accept waits for the next client connection.
func (fb *fakeBackend) accept(t *testing.T) *backendConn {
	t.Helper()
	select {
	case bc := <-fb.connCh:
		return bc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func (bc *backendConn) send(t *testing.T, msg *protocol.ServerMessage) {
	t.Helper()
	data, err := protocol.EncodeServer(msg)
	if err != nil {
		t.Fatalf("encode server message: %v", err)
	}
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	if err := bc.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Logf("server write failed: %v", err)
	}
}

func (bc *backendConn) sendRaw(t *testing.T, frame string) {
	t.Helper()
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	if err := bc.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Logf("server write failed: %v", err)
	}
}

// next waits for the next inbound client message, skipping pings.
func (bc *backendConn) next(t *testing.T) protocol.ClientMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-bc.inbound:
			if msg.Type == protocol.TypePing {
				continue
			}
			return msg
		case <-deadline:
			t.Fatal("timed out waiting for client message")
			return protocol.ClientMessage{}
		}
	}
}

func (bc *backendConn) close() {
	bc.ws.Close()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// eventRecorder captures bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	return len(r.ofType(t))
}
