package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tiller/internal/protocol"
	"tiller/pkg/logger"
)

// Config configures a session engine.
type Config struct {
	Conn       ConnConfig
	ExpiryTick time.Duration   // approval expiry poll interval
	Cache      TranscriptCache // optional transcript persistence
}

// Session is the engine behind one active channel: it decodes frames,
// dispatches them to the approval registry and the history reconciler, and
// publishes typed events on the bus. All component state is owned by a
// single goroutine; exactly one inbound frame is processed end-to-end
// before the next.
type Session struct {
	cfg       Config
	conn      *Conn
	bus       *Bus
	approvals *Approvals
	rec       *Reconciler
	cache     TranscriptCache

	commands chan func()
	done     chan struct{}
	loopDone chan struct{}
	closing  sync.Once
	opened   bool
	openMu   sync.Mutex

	// loop-owned state
	epoch     int
	sessionID string
}

// New creates a session engine for one channel instance.
func New(cfg Config) *Session {
	if cfg.ExpiryTick <= 0 {
		cfg.ExpiryTick = time.Second
	}
	return &Session{
		cfg:       cfg,
		conn:      NewConn(cfg.Conn),
		bus:       NewBus(),
		approvals: NewApprovals(),
		rec:       NewReconciler(),
		cache:     cfg.Cache,
		commands:  make(chan func(), 16),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Subscribe registers a consumer for session events.
func (s *Session) Subscribe(fn Handler) func() {
	return s.bus.Subscribe(fn)
}

// State returns the channel lifecycle state.
func (s *Session) State() ConnState {
	return s.conn.State()
}

// Open connects the channel with the given session token and starts the
// dispatch loop.
func (s *Session) Open(token string) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.opened {
		return errors.New("session already opened")
	}
	if err := s.conn.Open(token); err != nil {
		return err
	}
	s.opened = true
	go s.run()
	return nil
}

// Close tears the session down: timers stop, the socket closes and every
// pending approval resolves with OutcomeCancelled.
func (s *Session) Close() {
	s.closing.Do(func() {
		close(s.done)
		s.conn.Close()
		s.openMu.Lock()
		opened := s.opened
		s.openMu.Unlock()
		if opened {
			<-s.loopDone
		}
	})
}

// SendChat sends a chat message and returns the optimistic transcript
// entry rendered before the server echo.
func (s *Session) SendChat(content string) (ChatMessage, error) {
	if content == "" {
		return ChatMessage{}, errors.New("empty chat message")
	}
	msg := ChatMessage{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	err := s.do(func() {
		s.append(s.rec.NoteLocal(msg))
		if err := s.conn.Send(protocol.NewChat(content)); err != nil {
			logger.Warn().Err(err).Msg("Chat send failed")
		}
	})
	if err != nil {
		return ChatMessage{}, err
	}
	return msg, nil
}

// RespondApproval submits the human decision for a pending approval. The
// exchange resolves when the backend's approval_result arrives.
func (s *Session) RespondApproval(requestID string, approved bool) error {
	if requestID == "" {
		return errors.New("empty request id")
	}
	return s.do(func() {
		if err := s.conn.Send(protocol.NewApprovalResponse(requestID, approved)); err != nil {
			logger.Warn().Err(err).Str("request_id", requestID).Msg("Approval response send failed")
		}
	})
}

// Transcript returns a copy of the reconciled transcript.
func (s *Session) Transcript() []ChatMessage {
	out := make(chan []ChatMessage, 1)
	if err := s.do(func() { out <- s.rec.Transcript() }); err != nil {
		return nil
	}
	select {
	case t := <-out:
		return t
	case <-s.loopDone:
		return nil
	}
}

// PendingApprovals returns the number of outstanding approval exchanges.
func (s *Session) PendingApprovals() int {
	return s.approvals.Pending()
}

// do posts a command to the dispatch loop.
func (s *Session) do(fn func()) error {
	select {
	case s.commands <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// run is the single-threaded dispatch loop. Component state never needs
// locking beyond what the components use for their own public surface.
func (s *Session) run() {
	defer close(s.loopDone)

	tick := time.NewTicker(s.cfg.ExpiryTick)
	defer tick.Stop()

	for {
		select {
		case sc := <-s.conn.States():
			s.handleState(sc)
			if sc.State == StateClosed {
				return
			}
		case f := <-s.conn.Frames():
			s.handleFrame(f)
		case now := <-tick.C:
			s.approvals.ExpireOverdue(now)
		case cmd := <-s.commands:
			cmd()
		}
	}
}

func (s *Session) handleState(sc StateChange) {
	switch sc.State {
	case StateConnected:
		if sc.Epoch > s.epoch {
			s.epoch = sc.Epoch
		}
		// The StateChanged event for Connected is published when the
		// connected frame names the session id.
		return
	case StateReconnecting:
		// States and frames travel on separate channels, so a drop notice
		// from a superseded socket can be dequeued after the replacement's
		// frames. It must not touch approvals registered on the live
		// connection.
		if sc.Epoch < s.epoch {
			logger.Debug().Int("epoch", sc.Epoch).Int("current", s.epoch).Msg("Dropping stale reconnect notice")
			return
		}
		s.cancelPending()
	case StateClosed:
		s.cancelPending()
	}
	s.bus.Publish(Event{Type: EventStateChanged, State: sc.State, SessionID: s.sessionID, Err: sc.Err})
}

// cancelPending resolves every outstanding approval with OutcomeCancelled.
func (s *Session) cancelPending() {
	cancelled := s.approvals.CancelAll()
	if len(cancelled) > 0 {
		logger.Info().Int("count", len(cancelled)).Msg("Cancelled pending approvals on connection loss")
	}
}

func (s *Session) handleFrame(f Frame) {
	if f.Epoch < s.epoch {
		logger.Debug().Int("epoch", f.Epoch).Int("current", s.epoch).Msg("Dropping stale frame")
		return
	}
	// A frame can outrun its Connected state change across the two
	// channels; a newer epoch implies the connection is already up.
	s.epoch = f.Epoch

	msg, err := protocol.Decode(f.Data)
	if err != nil {
		// Malformed single frames are isolated failures, not channel
		// failures.
		logger.Warn().Err(err).Msg("Dropping malformed frame")
		s.bus.Publish(Event{Type: EventProtocolError, Err: err})
		return
	}

	switch msg.Type {
	case protocol.TypeConnected:
		s.sessionID = msg.SessionID
		s.rec.OnConnected(msg.SessionID)
		logger.Info().Str("session_id", msg.SessionID).Msg("Session established")
		s.bus.Publish(Event{Type: EventStateChanged, State: StateConnected, SessionID: msg.SessionID})

	case protocol.TypeHistory:
		transcript := s.rec.OnHistory(msg.Messages)
		if s.cache != nil {
			if err := s.cache.Replace(s.sessionID, transcript); err != nil {
				logger.Warn().Err(err).Msg("Transcript cache replace failed")
			}
		}
		s.bus.Publish(Event{Type: EventHistorySynced, SessionID: s.sessionID, Messages: transcript})

	case protocol.TypeChatResponse:
		s.append(s.rec.OnLive(ChatMessage{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}))

	case protocol.TypeApprovalRequest:
		s.handleApprovalRequest(*msg.Request)

	case protocol.TypeApprovalResult:
		s.handleApprovalResult(msg)

	case protocol.TypeError:
		logger.Warn().Str("message", msg.Message).Msg("Server reported error")
		s.bus.Publish(Event{Type: EventServerError, Message: msg.Message})

	case protocol.TypePong:
		// Liveness already recorded by the connection manager.
	}
}

func (s *Session) handleApprovalRequest(req protocol.ApprovalRequest) {
	resolve := func(res Resolution) {
		if res.Outcome == OutcomeExpired {
			s.bus.Publish(Event{Type: EventApprovalExpired, Request: &req, RequestID: req.ID})
			return
		}
		s.bus.Publish(Event{
			Type:      EventApprovalResolved,
			Request:   &req,
			RequestID: req.ID,
			Outcome:   res.Outcome,
			Message:   res.Message,
		})
	}

	if err := s.approvals.Register(req, resolve); err != nil {
		logger.Error().Err(err).Str("request_id", req.ID).Msg("Approval registration failed")
		s.bus.Publish(Event{Type: EventProtocolError, RequestID: req.ID, Err: err})
		return
	}

	s.bus.Publish(Event{Type: EventApprovalRequested, Request: &req, RequestID: req.ID})

	content := req.DisplayMessage
	if content == "" {
		content = req.Command
	}
	s.append(s.rec.OnLive(ChatMessage{
		ID:              uuid.NewString(),
		Role:            RoleApproval,
		Content:         content,
		Timestamp:       req.Timestamp,
		ApprovalRequest: &req,
	}))
}

func (s *Session) handleApprovalResult(msg *protocol.ServerMessage) {
	res := ApprovalResult{
		RequestID: msg.RequestID,
		Approved:  *msg.Approved,
		Message:   msg.Message,
	}

	if !s.approvals.Resolve(res.RequestID, res.Approved, res.Message) {
		// Orphan result: typically expiry or a reconnection race. Logged
		// and surfaced; still rendered into history; resolves nothing.
		s.bus.Publish(Event{Type: EventOrphanResult, RequestID: res.RequestID, Message: res.Message})
	}

	s.append(s.rec.OnLive(ChatMessage{
		ID:             uuid.NewString(),
		Role:           RoleApproval,
		Content:        res.Message,
		Timestamp:      time.Now().UTC(),
		ApprovalResult: &res,
	}))
}

// append persists and publishes newly visible transcript entries. A nil
// slice means the reconciler buffered the message pre-history.
func (s *Session) append(msgs []ChatMessage) {
	if len(msgs) == 0 {
		return
	}
	if s.cache != nil {
		if err := s.cache.Append(s.sessionID, msgs); err != nil {
			logger.Warn().Err(err).Msg("Transcript cache append failed")
		}
	}
	s.bus.Publish(Event{Type: EventChatAppended, SessionID: s.sessionID, Messages: msgs})
}
