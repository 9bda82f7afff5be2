package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stateNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func inState(status Status) Conversation {
	c := Conversation{Phone: "5511999990000", Status: status, AIEnabled: true}
	switch status {
	case StatusAgentAssigned:
		c.AIPaused = true
		c.AssignedAgentID = "ag-1"
		c.AssignedAgentName = "Ana"
	case StatusResolved:
		resolvedAt := stateNow.Add(-time.Hour)
		c.AIPaused = true
		c.AssignedAgentID = "ag-1"
		c.AssignedAgentName = "Ana"
		c.ResolvedAt = &resolvedAt
		c.ResolvedBy = "Ana"
	}
	return c
}

func TestApplyCoversEveryStateAndEvent(t *testing.T) {
	t.Parallel()

	const invalidTransition = Status("")
	cases := []struct {
		from Status
		kind EventKind
		want Status
	}{
		{StatusWaiting, EventInbound, StatusAIActive},
		{StatusWaiting, EventAssume, StatusAgentAssigned},
		{StatusWaiting, EventResolve, invalidTransition},
		{StatusWaiting, EventReturnToAI, invalidTransition},

		{StatusAIActive, EventInbound, StatusAIActive},
		{StatusAIActive, EventAssume, StatusAgentAssigned},
		{StatusAIActive, EventResolve, invalidTransition},
		{StatusAIActive, EventReturnToAI, invalidTransition},

		{StatusAgentAssigned, EventInbound, StatusAgentAssigned},
		{StatusAgentAssigned, EventAssume, invalidTransition},
		{StatusAgentAssigned, EventResolve, StatusResolved},
		{StatusAgentAssigned, EventReturnToAI, StatusAIActive},

		{StatusResolved, EventInbound, StatusAIActive},
		{StatusResolved, EventAssume, invalidTransition},
		{StatusResolved, EventResolve, invalidTransition},
		{StatusResolved, EventReturnToAI, StatusAIActive},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.kind), func(t *testing.T) {
			t.Parallel()
			c := inState(tc.from)
			require.NoError(t, Validate(c))

			patch, err := Apply(c, Event{Kind: tc.kind, AgentID: "ag-2", AgentName: "Bruno", AIAvailable: true}, stateNow)
			if tc.want == invalidTransition {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.True(t, patch.IsZero())
				return
			}
			require.NoError(t, err)
			after := patch.ApplyTo(c)
			assert.Equal(t, tc.want, after.Status)
			assert.NoError(t, Validate(after))
		})
	}
}

func TestApplyUnknownEventIsInvalid(t *testing.T) {
	t.Parallel()
	patch, err := Apply(inState(StatusAIActive), Event{Kind: "archive"}, stateNow)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, patch.IsZero())
}

func TestApplyInboundWithoutAIStaysWaiting(t *testing.T) {
	t.Parallel()
	patch, err := Apply(inState(StatusWaiting), Event{Kind: EventInbound}, stateNow)
	require.NoError(t, err)
	assert.True(t, patch.IsZero())
}

func TestApplyAssumeRecordsTransfer(t *testing.T) {
	t.Parallel()

	patch, err := Apply(inState(StatusAIActive), Event{Kind: EventAssume, AgentID: "ag-2", AgentName: "Bruno", DepartmentID: "vendas", Reason: "cliente pediu humano"}, stateNow)
	require.NoError(t, err)
	after := patch.ApplyTo(inState(StatusAIActive))
	assert.True(t, after.AIPaused)
	assert.Equal(t, "ag-2", after.AssignedAgentID)
	assert.Equal(t, "vendas", after.AssignedDepartmentID)
	require.Len(t, after.TransferHistory, 1)
	assert.Equal(t, TransferEntry{From: OwnerAI, To: "ag-2", AgentID: "ag-2", AgentName: "Bruno", Reason: "cliente pediu humano", Timestamp: stateNow}, after.TransferHistory[0])

	patch, err = Apply(inState(StatusWaiting), Event{Kind: EventAssume, AgentID: "ag-2"}, stateNow)
	require.NoError(t, err)
	require.NotNil(t, patch.AppendTransfer)
	assert.Equal(t, OwnerQueue, patch.AppendTransfer.From)

	_, err = Apply(inState(StatusAIActive), Event{Kind: EventAssume}, stateNow)
	require.ErrorIs(t, err, ErrAgentRequired)
}

func TestApplyReturnToAIFromAgent(t *testing.T) {
	t.Parallel()
	c := inState(StatusAgentAssigned)

	patch, err := Apply(c, Event{Kind: EventReturnToAI, AgentID: "ag-1", AgentName: "Ana", Reason: "fim do expediente"}, stateNow)
	require.NoError(t, err)
	after := patch.ApplyTo(c)
	assert.Equal(t, StatusAIActive, after.Status)
	assert.True(t, after.AIEnabled)
	assert.False(t, after.AIPaused)
	assert.Empty(t, after.AssignedAgentID)
	require.Len(t, after.TransferHistory, 1)
	assert.Equal(t, "ag-1", after.TransferHistory[0].From)
	assert.Equal(t, OwnerAI, after.TransferHistory[0].To)
	assert.Equal(t, "fim do expediente", after.TransferHistory[0].Reason)
}

func TestApplyResolveAndReopen(t *testing.T) {
	t.Parallel()
	c := inState(StatusAgentAssigned)

	patch, err := Apply(c, Event{Kind: EventResolve, AgentID: "ag-1"}, stateNow)
	require.NoError(t, err)
	assert.Equal(t, "ag-1", *patch.ResolvedBy)

	patch, err = Apply(c, Event{Kind: EventResolve}, stateNow)
	require.NoError(t, err)
	resolved := patch.ApplyTo(c)
	require.NotNil(t, resolved.ResolvedAt)
	assert.True(t, resolved.ResolvedAt.Equal(stateNow))
	assert.Equal(t, "Ana", resolved.ResolvedBy)

	patch, err = Apply(resolved, Event{Kind: EventInbound}, stateNow.Add(time.Minute))
	require.NoError(t, err)
	reopened := patch.ApplyTo(resolved)
	assert.Equal(t, StatusAIActive, reopened.Status)
	assert.Nil(t, reopened.ResolvedAt)
	assert.Empty(t, reopened.ResolvedBy)
	assert.NoError(t, Validate(reopened))
}

func TestValidateRejectsDisagreeingFlags(t *testing.T) {
	t.Parallel()

	resolvedAt := stateNow
	cases := []struct {
		name string
		conv Conversation
	}{
		{name: "ai_active paused", conv: Conversation{Status: StatusAIActive, AIEnabled: true, AIPaused: true}},
		{name: "ai_active disabled", conv: Conversation{Status: StatusAIActive}},
		{name: "agent_assigned not paused", conv: Conversation{Status: StatusAgentAssigned, AIEnabled: true}},
		{name: "resolved not paused", conv: Conversation{Status: StatusResolved, ResolvedAt: &resolvedAt}},
		{name: "resolved without time", conv: Conversation{Status: StatusResolved, AIPaused: true}},
		{name: "waiting paused", conv: Conversation{Status: StatusWaiting, AIPaused: true}},
		{name: "unknown status", conv: Conversation{Status: "archived"}},
	}
	for _, tc := range cases {
		if err := Validate(tc.conv); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
