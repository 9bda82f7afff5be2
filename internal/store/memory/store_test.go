package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/message"
)

const phone = "5511999990000"

func seed(t *testing.T, s *Store) {
	t.Helper()
	created, err := s.CreateConversation(context.Background(), conversation.Conversation{
		Phone:  phone,
		Status: conversation.StatusAIActive,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestInsertMessageRequiresConversation(t *testing.T) {
	t.Parallel()
	s := New()
	_, err := s.InsertMessage(context.Background(), message.Message{ID: "m1", Phone: phone})
	require.ErrorIs(t, err, message.ErrConversationMissing)
}

func TestInsertMessageIsIdempotentOnProviderID(t *testing.T) {
	t.Parallel()
	s := New()
	seed(t, s)
	ctx := context.Background()

	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.InsertMessage(ctx, message.Message{
				ID:                fmt.Sprintf("local-%d", i),
				Phone:             phone,
				ProviderMessageID: "3EB0C767D26A",
			})
			if err == nil && ok {
				inserted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
	rows, err := s.ListMessages(ctx, message.Query{Phone: phone})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCreateConversationIsInsertIfAbsent(t *testing.T) {
	t.Parallel()
	s := New()
	seed(t, s)
	created, err := s.CreateConversation(context.Background(), conversation.Conversation{Phone: phone, Status: conversation.StatusWaiting})
	require.NoError(t, err)
	assert.False(t, created)
	got, err := s.GetConversation(context.Background(), phone)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusAIActive, got.Status)
}

func TestUpdateConversationMergesAndAppends(t *testing.T) {
	t.Parallel()
	s := New()
	seed(t, s)
	ctx := context.Background()

	preview := "olá"
	_, err := s.UpdateConversation(ctx, phone, conversation.Patch{LastMessage: &preview, UnreadDelta: 1})
	require.NoError(t, err)
	got, err := s.UpdateConversation(ctx, phone, conversation.Patch{
		UnreadDelta:    1,
		AppendTransfer: &conversation.TransferEntry{From: "ai", To: "agent-1"},
	})
	require.NoError(t, err)
	got, err = s.UpdateConversation(ctx, phone, conversation.Patch{
		AppendTransfer: &conversation.TransferEntry{From: "agent-1", To: "ai"},
	})
	require.NoError(t, err)

	assert.Equal(t, "olá", got.LastMessage)
	assert.Equal(t, 2, got.UnreadCount)
	require.Len(t, got.TransferHistory, 2)
	assert.Equal(t, "agent-1", got.TransferHistory[0].To)
	assert.Equal(t, "ai", got.TransferHistory[1].To)

	_, err = s.UpdateConversation(ctx, "unknown", conversation.Patch{})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestAdvanceStatusIsMonotonic(t *testing.T) {
	t.Parallel()
	s := New()
	seed(t, s)
	ctx := context.Background()
	_, err := s.InsertMessage(ctx, message.Message{ID: "m1", Phone: phone, ProviderMessageID: "p1", Status: message.StatusSent})
	require.NoError(t, err)

	ok, err := s.AdvanceStatus(ctx, phone, "p1", message.StatusRead, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdvanceStatus(ctx, phone, "p1", message.StatusDelivered, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.FindByProviderID(ctx, phone, "p1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusRead, got.Status)

	ok, err = s.AdvanceStatus(ctx, phone, "missing", message.StatusRead, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateMessageReindexesProviderID(t *testing.T) {
	t.Parallel()
	s := New()
	seed(t, s)
	ctx := context.Background()
	_, err := s.InsertMessage(ctx, message.Message{ID: "m1", Phone: phone, Status: message.StatusSending})
	require.NoError(t, err)

	pid := "provider-1"
	_, err = s.UpdateMessage(ctx, phone, "m1", message.Patch{ProviderMessageID: &pid})
	require.NoError(t, err)

	got, err := s.FindByProviderID(ctx, phone, pid)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
}

func TestUpdateMessageIfStatus(t *testing.T) {
	t.Parallel()
	s := New()
	seed(t, s)
	ctx := context.Background()
	_, err := s.InsertMessage(ctx, message.Message{ID: "m1", Phone: phone, Status: message.StatusSent})
	require.NoError(t, err)

	sending := message.StatusSending
	failed := message.StatusFailed
	_, err = s.UpdateMessage(ctx, phone, "m1", message.Patch{IfStatus: &sending, Status: &failed})
	require.ErrorIs(t, err, message.ErrStatusChanged)

	got, err := s.GetMessage(ctx, phone, "m1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, got.Status)

	sent := message.StatusSent
	updated, err := s.UpdateMessage(ctx, phone, "m1", message.Patch{IfStatus: &sent, Status: &failed})
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, updated.Status)
}

func TestListMessagesOrderAndPaging(t *testing.T) {
	t.Parallel()
	s := New()
	seed(t, s)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.InsertMessage(ctx, message.Message{
			ID:        fmt.Sprintf("m%d", i),
			Phone:     phone,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	latest, err := s.ListMessages(ctx, message.Query{Phone: phone, Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "m3", latest[0].ID)
	assert.Equal(t, "m4", latest[1].ID)

	older, err := s.ListMessages(ctx, message.Query{Phone: phone, Before: latest[0].Timestamp, Limit: 2})
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "m1", older[0].ID)
	assert.Equal(t, "m2", older[1].ID)
}

func TestListStale(t *testing.T) {
	t.Parallel()
	s := New()
	seed(t, s)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	_, err := s.InsertMessage(ctx, message.Message{ID: "old", Phone: phone, Status: message.StatusSending, StatusAt: old})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, message.Message{ID: "new", Phone: phone, Status: message.StatusSending, StatusAt: time.Now()})
	require.NoError(t, err)

	rows, err := s.ListStale(ctx, message.StatusSending, time.Now().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "old", rows[0].ID)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	t.Parallel()
	s := New()
	seed(t, s)
	ctx := context.Background()
	_, err := s.InsertMessage(ctx, message.Message{ID: "m1", Phone: phone, Reactions: []message.Reaction{{Emoji: "👍"}}})
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, phone, "m1")
	require.NoError(t, err)
	got.Reactions[0].Emoji = "❤️"

	again, err := s.GetMessage(ctx, phone, "m1")
	require.NoError(t, err)
	assert.Equal(t, "👍", again.Reactions[0].Emoji)
}
