package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiller/internal/protocol"
)

func approvalReq(id string, registeredAt time.Time, timeoutSecs int64) protocol.ApprovalRequest {
	return protocol.ApprovalRequest{
		ID:          id,
		SessionID:   "sess-1",
		Channel:     "web",
		ChatID:      "admin",
		Command:     "systemctl restart agent",
		WorkingDir:  "/srv",
		Timestamp:   registeredAt,
		TimeoutSecs: timeoutSecs,
	}
}

func TestApprovalsResolveInvokesCallbackOnce(t *testing.T) {
	a := NewApprovals()

	var resolutions []Resolution
	req := approvalReq("r1", time.Now(), 60)
	require.NoError(t, a.Register(req, func(res Resolution) { resolutions = append(resolutions, res) }))

	assert.True(t, a.Resolve("r1", true, "ok"))
	assert.False(t, a.Resolve("r1", true, "ok again"), "second resolve must be a no-op")

	require.Len(t, resolutions, 1)
	assert.Equal(t, OutcomeApproved, resolutions[0].Outcome)
	assert.Equal(t, "ok", resolutions[0].Message)
	assert.Equal(t, 0, a.Pending())
}

func TestApprovalsResolveDenied(t *testing.T) {
	a := NewApprovals()

	var res Resolution
	require.NoError(t, a.Register(approvalReq("r1", time.Now(), 60), func(r Resolution) { res = r }))

	assert.True(t, a.Resolve("r1", false, "not on my watch"))
	assert.Equal(t, OutcomeDenied, res.Outcome)
}

func TestApprovalsDuplicateRegister(t *testing.T) {
	a := NewApprovals()
	req := approvalReq("r1", time.Now(), 60)

	require.NoError(t, a.Register(req, func(Resolution) {}))
	err := a.Register(req, func(Resolution) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateRequest))
	assert.Equal(t, 1, a.Pending())
}

func TestApprovalsExpireOverdue(t *testing.T) {
	a := NewApprovals()
	t0 := time.Now()

	var res Resolution
	calls := 0
	require.NoError(t, a.Register(approvalReq("r1", t0, 30), func(r Resolution) { res = r; calls++ }))
	require.NoError(t, a.Register(approvalReq("r2", t0, 120), func(Resolution) {}))

	// Before the deadline nothing expires.
	assert.Empty(t, a.ExpireOverdue(t0.Add(29*time.Second)))
	assert.Equal(t, 2, a.Pending())

	expired := a.ExpireOverdue(t0.Add(31 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, "r1", expired[0].ID)
	assert.Equal(t, 1, calls)
	assert.Equal(t, OutcomeExpired, res.Outcome)
	assert.Equal(t, 1, a.Pending())

	// A late result for the expired id is an orphan.
	assert.False(t, a.Resolve("r1", true, "too late"))
	assert.Equal(t, 1, calls, "expired entry must never resolve again")
}

func TestApprovalsCancelAll(t *testing.T) {
	a := NewApprovals()
	t0 := time.Now()

	outcomes := map[string]Outcome{}
	for _, id := range []string{"a1", "a2"} {
		id := id
		require.NoError(t, a.Register(approvalReq(id, t0, 60), func(r Resolution) { outcomes[id] = r.Outcome }))
	}

	cancelled := a.CancelAll()
	assert.Len(t, cancelled, 2)
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, OutcomeCancelled, outcomes["a1"])
	assert.Equal(t, OutcomeCancelled, outcomes["a2"])
}

func TestApprovalsOrphanResolve(t *testing.T) {
	a := NewApprovals()
	assert.False(t, a.Resolve("ghost", true, "ok"))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "approved", OutcomeApproved.String())
	assert.Equal(t, "denied", OutcomeDenied.String())
	assert.Equal(t, "expired", OutcomeExpired.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
}
