package session

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tiller/internal/protocol"
	"tiller/pkg/logger"
)

// ConnState is the lifecycle state of the session channel. Owned
// exclusively by the Conn; transitions drive everything else.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024 // 1MB
)

// ErrAuth is terminal: the session token was rejected on open. The channel
// moves to Closed and no reconnect is attempted.
var ErrAuth = errors.New("session token rejected")

// ErrClosed reports an operation on a closed channel.
var ErrClosed = errors.New("connection closed")

// Frame is one raw inbound frame tagged with the epoch of the socket that
// produced it, so frames from a superseded socket are never applied after
// a newer connection cycle begins.
type Frame struct {
	Epoch int
	Data  []byte
}

// StateChange is emitted on every lifecycle transition.
type StateChange struct {
	State ConnState
	Epoch int
	Err   error // set for terminal auth failures
}

// ConnConfig configures the channel lifecycle.
type ConnConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
}

func (c *ConnConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = 10 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 30 * time.Second
	}
}

// Conn owns the physical channel: connect, heartbeat, reconnect with
// backoff, close. Outbound traffic sent while not Connected is queued FIFO
// and flushed in order after reaching Connected.
type Conn struct {
	cfg    ConnConfig
	dialer *websocket.Dialer

	frames chan Frame
	states chan StateChange

	mu        sync.Mutex
	state     ConnState
	sock      *websocket.Conn
	epoch     int
	queue     [][]byte
	lastFrame time.Time

	done     chan struct{}
	closing  sync.Once
	runEnded chan struct{}
}

// NewConn creates a connection manager in the Disconnected state.
func NewConn(cfg ConnConfig) *Conn {
	cfg.applyDefaults()
	return &Conn{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		frames:   make(chan Frame, 64),
		states:   make(chan StateChange, 32),
		state:    StateDisconnected,
		done:     make(chan struct{}),
		runEnded: make(chan struct{}),
	}
}

// Frames returns the inbound frame stream.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// States returns the lifecycle event stream.
func (c *Conn) States() <-chan StateChange { return c.states }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts the connection cycle using the given session token. It may
// be called once per Conn.
func (c *Conn) Open(token string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("open: connection is %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.emit(StateChange{State: StateConnecting})

	go c.run(token)
	return nil
}

// Send encodes and transmits a message, queueing it when not Connected.
// Queued messages flush in order on the next successful connect.
func (c *Conn) Send(msg protocol.ClientMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrClosed
	}
	if c.state == StateConnected && c.sock != nil {
		return c.writeLocked(data)
	}
	c.queue = append(c.queue, data)
	return nil
}

// writeLocked writes one frame. Caller holds c.mu, which also serializes
// writers on the underlying socket.
func (c *Conn) writeLocked(data []byte) error {
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Close tears the channel down: heartbeat and backoff timers stop, the
// socket closes and no further queued sends are flushed. Idempotent.
func (c *Conn) Close() {
	c.closing.Do(func() {
		close(c.done)
		c.mu.Lock()
		sock := c.sock
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		c.transition(StateClosed, nil)
	})
}

// transition moves to a new state and emits it. Closed is terminal: once
// reached, no other state is ever emitted.
func (c *Conn) transition(state ConnState, err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	epoch := c.epoch
	c.mu.Unlock()

	logger.Debug().Str("state", state.String()).Int("epoch", epoch).Msg("Connection state changed")
	c.emit(StateChange{State: state, Epoch: epoch, Err: err})
}

func (c *Conn) emit(sc StateChange) {
	select {
	case c.states <- sc:
	default:
		// Consumer fell far behind; lifecycle events are few, so a full
		// buffer means the engine is gone.
		logger.Warn().Str("state", sc.State.String()).Msg("Dropping state change, consumer not draining")
	}
}

// run is the connection cycle: dial, flush, pump, reconnect with backoff.
func (c *Conn) run(token string) {
	defer close(c.runEnded)

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	backoff := c.cfg.BackoffMin

	for {
		select {
		case <-c.done:
			return
		default:
		}

		sock, resp, err := c.dialer.Dial(c.cfg.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				logger.Error().Str("url", c.cfg.URL).Msg("Session token rejected, closing channel")
				c.transition(StateClosed, ErrAuth)
				return
			}
			logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Dial failed")
			if !c.sleep(jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.BackoffMax)
			continue
		}

		sock.SetReadLimit(maxMessageSize)

		c.mu.Lock()
		if c.state == StateClosed {
			// Close raced the dial.
			c.mu.Unlock()
			sock.Close()
			return
		}
		c.epoch++
		epoch := c.epoch
		c.sock = sock
		c.lastFrame = time.Now()

		// Flush the queue FIFO before the state flips to Connected, all
		// under the lock: concurrent Sends stay queued until the backlog
		// is on the wire, so ordering holds.
		queued := c.queue
		c.queue = nil
		for i, data := range queued {
			if err := c.writeLocked(data); err != nil {
				c.queue = append(queued[i:], c.queue...)
				logger.Warn().Err(err).Int("requeued", len(queued)-i).Msg("Flush interrupted")
				break
			}
		}
		c.state = StateConnected
		c.mu.Unlock()

		logger.Debug().Str("state", StateConnected.String()).Int("epoch", epoch).Msg("Connection state changed")
		c.emit(StateChange{State: StateConnected, Epoch: epoch})
		backoff = c.cfg.BackoffMin

		readerDone := make(chan struct{})
		go c.readLoop(sock, epoch, readerDone)

		alive := c.heartbeat(readerDone)

		sock.Close()
		<-readerDone
		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()

		if !alive {
			// Close was called; it emits the terminal state.
			return
		}

		c.transition(StateReconnecting, nil)
		if !c.sleep(jitter(backoff)) {
			return
		}
		backoff = nextBackoff(backoff, c.cfg.BackoffMax)
	}
}

// readLoop pumps frames from one socket. Frames from a superseded epoch
// are discarded at forward time.
func (c *Conn) readLoop(sock *websocket.Conn, epoch int, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Int("epoch", epoch).Msg("Read error")
			}
			return
		}

		c.mu.Lock()
		stale := epoch != c.epoch || c.state == StateClosed
		if !stale {
			c.lastFrame = time.Now()
		}
		c.mu.Unlock()
		if stale {
			logger.Debug().Int("epoch", epoch).Msg("Discarding frame from superseded socket")
			return
		}

		select {
		case c.frames <- Frame{Epoch: epoch, Data: data}:
		case <-c.done:
			return
		}
	}
}

// heartbeat sends protocol pings while Connected and declares the socket
// dead when no inbound frame arrives within the grace window. Returns
// false when the channel was explicitly closed.
func (c *Conn) heartbeat(readerDone <-chan struct{}) bool {
	ping, _ := protocol.Encode(protocol.NewPing())

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return false
		case <-readerDone:
			return true
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastFrame) > c.cfg.HeartbeatGrace
			var werr error
			if !silent && c.sock != nil {
				werr = c.writeLocked(ping)
			}
			c.mu.Unlock()

			if silent {
				logger.Warn().Dur("grace", c.cfg.HeartbeatGrace).Msg("Heartbeat timed out, reconnecting")
				return true
			}
			if werr != nil {
				logger.Debug().Err(werr).Msg("Ping write failed")
				return true
			}
		}
	}
}

// sleep waits for d or until Close. Returns false when closed.
func (c *Conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done:
		return false
	case <-t.C:
		return true
	}
}

// jitter spreads retries across [d, 1.5d] so reconnect storms do not
// synchronize, while never retrying before the configured delay.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
