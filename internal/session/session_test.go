package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiller/internal/protocol"
)

func testSessionConfig(url string) Config {
	return Config{
		Conn:       testConnConfig(url),
		ExpiryTick: 10 * time.Millisecond,
	}
}

// startSession opens a session against the fake backend and completes the
// connected/history handshake.
func startSession(t *testing.T, fb *fakeBackend, backlog []protocol.HistoryMessage) (*Session, *backendConn, *eventRecorder) {
	t.Helper()

	s := New(testSessionConfig(fb.wsURL()))
	rec := &eventRecorder{}
	s.Subscribe(rec.record)

	require.NoError(t, s.Open("tok"))
	t.Cleanup(s.Close)

	bc := fb.accept(t)
	if backlog == nil {
		backlog = []protocol.HistoryMessage{}
	}
	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeConnected, SessionID: "sess-1"})
	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeHistory, Messages: backlog})

	waitFor(t, 2*time.Second, func() bool { return rec.count(EventHistorySynced) > 0 }, "history sync")
	return s, bc, rec
}

func TestSessionHandshakePublishesConnectedAndHistory(t *testing.T) {
	fb := newFakeBackend(t)
	backlog := []protocol.HistoryMessage{
		{Role: "user", Content: "earlier", Timestamp: reconcilerBase},
		{Role: "assistant", Content: "reply", Timestamp: reconcilerBase.Add(time.Second)},
	}
	_, _, rec := startSession(t, fb, backlog)

	connected := rec.ofType(EventStateChanged)
	require.NotEmpty(t, connected)
	var sawConnected bool
	for _, ev := range connected {
		if ev.State == StateConnected {
			sawConnected = true
			assert.Equal(t, "sess-1", ev.SessionID)
		}
	}
	assert.True(t, sawConnected)

	synced := rec.ofType(EventHistorySynced)
	require.Len(t, synced, 1)
	assert.Equal(t, []string{"earlier", "reply"}, contents(synced[0].Messages))
}

func TestSessionLiveChatAppends(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, nil)

	bc.send(t, &protocol.ServerMessage{
		Type:      protocol.TypeChatResponse,
		Content:   "on it",
		Timestamp: time.Now().UTC(),
	})

	waitFor(t, 2*time.Second, func() bool { return rec.count(EventChatAppended) > 0 }, "chat appended")

	appended := rec.ofType(EventChatAppended)
	require.Len(t, appended[0].Messages, 1)
	assert.Equal(t, RoleAssistant, appended[0].Messages[0].Role)
	assert.Equal(t, "on it", appended[0].Messages[0].Content)

	transcript := s.Transcript()
	assert.Equal(t, []string{"on it"}, contents(transcript))
}

func TestSessionSendChatOptimisticEntry(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, nil)

	msg, err := s.SendChat("deploy v2")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, msg.Role)
	assert.NotEmpty(t, msg.ID)

	// The user entry renders before any server echo.
	waitFor(t, 2*time.Second, func() bool { return rec.count(EventChatAppended) > 0 }, "optimistic append")
	appended := rec.ofType(EventChatAppended)
	assert.Equal(t, "deploy v2", appended[0].Messages[0].Content)

	// And the wire carries the chat frame.
	wire := bc.next(t)
	assert.Equal(t, protocol.TypeChat, wire.Type)
	assert.Equal(t, "deploy v2", wire.Content)
}

func TestSessionSendChatEmpty(t *testing.T) {
	fb := newFakeBackend(t)
	s, _, _ := startSession(t, fb, nil)

	_, err := s.SendChat("")
	assert.Error(t, err)
}

func TestSessionApprovalRoundTrip(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, nil)

	req := approvalReq("r1", time.Now().UTC(), 60)
	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeApprovalRequest, Request: &req})

	waitFor(t, 2*time.Second, func() bool { return rec.count(EventApprovalRequested) > 0 }, "approval requested")
	assert.Equal(t, 1, s.PendingApprovals())

	// The request also renders as an approval-role transcript entry.
	waitFor(t, 2*time.Second, func() bool { return rec.count(EventChatAppended) > 0 }, "approval entry")
	entry := rec.ofType(EventChatAppended)[0].Messages[0]
	assert.Equal(t, RoleApproval, entry.Role)
	require.NotNil(t, entry.ApprovalRequest)
	assert.Equal(t, "r1", entry.ApprovalRequest.ID)

	require.NoError(t, s.RespondApproval("r1", true))
	wire := bc.next(t)
	assert.Equal(t, protocol.TypeApprovalResponse, wire.Type)
	assert.Equal(t, "r1", wire.RequestID)
	require.NotNil(t, wire.Approved)
	assert.True(t, *wire.Approved)

	approved := true
	bc.send(t, &protocol.ServerMessage{
		Type:      protocol.TypeApprovalResult,
		RequestID: "r1",
		Approved:  &approved,
		Message:   "approved",
	})

	waitFor(t, 2*time.Second, func() bool { return rec.count(EventApprovalResolved) > 0 }, "approval resolved")
	resolved := rec.ofType(EventApprovalResolved)
	assert.Equal(t, OutcomeApproved, resolved[0].Outcome)
	assert.Equal(t, "r1", resolved[0].RequestID)
	assert.Equal(t, 0, s.PendingApprovals())
	assert.Zero(t, rec.count(EventOrphanResult))
}

func TestSessionApprovalExpiry(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, nil)

	// Deadline 50ms out; expiry tick is 10ms.
	req := approvalReq("r1", time.Now().UTC().Add(-950*time.Millisecond), 1)
	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeApprovalRequest, Request: &req})

	waitFor(t, 2*time.Second, func() bool { return rec.count(EventApprovalExpired) > 0 }, "approval expired")

	expired := rec.ofType(EventApprovalExpired)
	require.Len(t, expired, 1, "exactly one ApprovalExpired")
	assert.Equal(t, "r1", expired[0].Request.ID)
	assert.Equal(t, 0, s.PendingApprovals())

	// A late result for the expired id is an orphan: logged, rendered,
	// resolves nothing.
	approved := true
	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeApprovalResult, RequestID: "r1", Approved: &approved, Message: "late"})
	waitFor(t, 2*time.Second, func() bool { return rec.count(EventOrphanResult) > 0 }, "orphan result")
	assert.Zero(t, rec.count(EventApprovalResolved))
}

func TestSessionOrphanResultRendersInTranscript(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, nil)

	approved := true
	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeApprovalResult, RequestID: "ghost", Approved: &approved, Message: "ok"})

	waitFor(t, 2*time.Second, func() bool { return rec.count(EventOrphanResult) > 0 }, "orphan surfaced")

	waitFor(t, 2*time.Second, func() bool { return rec.count(EventChatAppended) > 0 }, "orphan rendered")
	entry := rec.ofType(EventChatAppended)[0].Messages[0]
	assert.Equal(t, RoleApproval, entry.Role)
	require.NotNil(t, entry.ApprovalResult)
	assert.Equal(t, "ghost", entry.ApprovalResult.RequestID)
	assert.Zero(t, rec.count(EventApprovalResolved))
	assert.Equal(t, 0, s.PendingApprovals())
}

func TestSessionDisconnectCancelsPendingApprovals(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, nil)

	for _, id := range []string{"a1", "a2"} {
		req := approvalReq(id, time.Now().UTC(), 300)
		bc.send(t, &protocol.ServerMessage{Type: protocol.TypeApprovalRequest, Request: &req})
	}
	waitFor(t, 2*time.Second, func() bool { return s.PendingApprovals() == 2 }, "two pending")

	bc.close()

	waitFor(t, 3*time.Second, func() bool { return rec.count(EventApprovalResolved) == 2 }, "both cancelled")
	for _, ev := range rec.ofType(EventApprovalResolved) {
		assert.Equal(t, OutcomeCancelled, ev.Outcome)
	}
	assert.Equal(t, 0, s.PendingApprovals())
}

func TestSessionMalformedFrameIsIsolated(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, nil)

	bc.sendRaw(t, `{"type":"totally_new_thing","x":1}`)
	waitFor(t, 2*time.Second, func() bool { return rec.count(EventProtocolError) > 0 }, "protocol error surfaced")

	// The channel survives: normal traffic still flows.
	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeChatResponse, Content: "still here", Timestamp: time.Now().UTC()})
	waitFor(t, 2*time.Second, func() bool { return rec.count(EventChatAppended) > 0 }, "channel still open")
	assert.Equal(t, StateConnected, s.State())
}

func TestSessionServerErrorSurfaced(t *testing.T) {
	fb := newFakeBackend(t)
	_, bc, rec := startSession(t, fb, nil)

	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeError, Message: "invalid message format"})
	waitFor(t, 2*time.Second, func() bool { return rec.count(EventServerError) > 0 }, "server error surfaced")
	assert.Equal(t, "invalid message format", rec.ofType(EventServerError)[0].Message)
}

func TestSessionDuplicateApprovalSurfaced(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, nil)

	req := approvalReq("dup", time.Now().UTC(), 300)
	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeApprovalRequest, Request: &req})
	bc.send(t, &protocol.ServerMessage{Type: protocol.TypeApprovalRequest, Request: &req})

	waitFor(t, 2*time.Second, func() bool { return rec.count(EventProtocolError) > 0 }, "duplicate surfaced")
	assert.Equal(t, 1, s.PendingApprovals(), "duplicate must not overwrite the original")
	assert.Equal(t, 1, rec.count(EventApprovalRequested))
}

func TestSessionReconnectResyncsHistory(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, []protocol.HistoryMessage{
		{Role: "user", Content: "first", Timestamp: reconcilerBase},
	})

	bc.close()

	bc2 := fb.accept(t)
	bc2.send(t, &protocol.ServerMessage{Type: protocol.TypeConnected, SessionID: "sess-1"})
	bc2.send(t, &protocol.ServerMessage{Type: protocol.TypeHistory, Messages: []protocol.HistoryMessage{
		{Role: "user", Content: "first", Timestamp: reconcilerBase},
		{Role: "assistant", Content: "second", Timestamp: reconcilerBase.Add(time.Second)},
	}})

	waitFor(t, 3*time.Second, func() bool { return rec.count(EventHistorySynced) == 2 }, "resync")
	assert.Equal(t, []string{"first", "second"}, contents(s.Transcript()))
}

func TestSessionStaleReconnectNoticeIgnored(t *testing.T) {
	// States and frames travel on separate channels, so the drop notice
	// from a superseded socket can be dequeued after the replacement
	// socket's frames. Drive the dispatch handlers directly to pin that
	// interleaving.
	s := New(testSessionConfig("ws://unused"))
	rec := &eventRecorder{}
	s.Subscribe(rec.record)

	frame := func(epoch int, msg *protocol.ServerMessage) Frame {
		data, err := protocol.EncodeServer(msg)
		require.NoError(t, err)
		return Frame{Epoch: epoch, Data: data}
	}

	s.handleState(StateChange{State: StateConnected, Epoch: 1})
	s.handleFrame(frame(1, &protocol.ServerMessage{Type: protocol.TypeConnected, SessionID: "sess-1"}))
	s.handleFrame(frame(1, &protocol.ServerMessage{Type: protocol.TypeHistory, Messages: emptyBacklog()}))

	// The replacement socket's handshake and an approval request arrive
	// before the old socket's drop notice.
	s.handleState(StateChange{State: StateConnected, Epoch: 2})
	s.handleFrame(frame(2, &protocol.ServerMessage{Type: protocol.TypeConnected, SessionID: "sess-1"}))
	s.handleFrame(frame(2, &protocol.ServerMessage{Type: protocol.TypeHistory, Messages: emptyBacklog()}))
	req := approvalReq("r-late", time.Now().UTC(), 300)
	s.handleFrame(frame(2, &protocol.ServerMessage{Type: protocol.TypeApprovalRequest, Request: &req}))
	require.Equal(t, 1, s.PendingApprovals())

	s.handleState(StateChange{State: StateReconnecting, Epoch: 1})

	assert.Equal(t, 1, s.PendingApprovals(), "stale drop notice must not cancel live approvals")
	assert.Zero(t, rec.count(EventApprovalResolved))
	for _, ev := range rec.ofType(EventStateChanged) {
		assert.NotEqual(t, StateReconnecting, ev.State, "stale drop notice must not surface")
	}

	// A drop notice for the current socket still cancels.
	s.handleState(StateChange{State: StateReconnecting, Epoch: 2})
	assert.Equal(t, 0, s.PendingApprovals())
	resolved := rec.ofType(EventApprovalResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, OutcomeCancelled, resolved[0].Outcome)
}

func TestSessionReconnectWhileDispatchStalled(t *testing.T) {
	fb := newFakeBackend(t)
	s, bc, rec := startSession(t, fb, nil)

	// Stall the dispatch loop so the whole reconnect cycle queues up
	// behind it.
	gate := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, s.do(func() { close(entered); <-gate }))
	<-entered

	bc.close()
	bc2 := fb.accept(t)
	bc2.send(t, &protocol.ServerMessage{Type: protocol.TypeConnected, SessionID: "sess-1"})
	bc2.send(t, &protocol.ServerMessage{Type: protocol.TypeHistory, Messages: emptyBacklog()})
	req := approvalReq("r-fresh", time.Now().UTC(), 300)
	bc2.send(t, &protocol.ServerMessage{Type: protocol.TypeApprovalRequest, Request: &req})

	close(gate)

	waitFor(t, 3*time.Second, func() bool { return rec.count(EventApprovalRequested) > 0 }, "approval on new socket")
	assert.Equal(t, 1, s.PendingApprovals(), "approval from the new socket must stay pending")
	assert.Zero(t, rec.count(EventApprovalResolved))
	assert.Equal(t, StateConnected, s.State())
}

func TestSessionCloseIdempotent(t *testing.T) {
	fb := newFakeBackend(t)
	s, _, _ := startSession(t, fb, nil)
	s.Close()
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}
