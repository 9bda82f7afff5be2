package schedule

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/zapdesk/internal/config"
	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/store/memory"
)

const testPhone = "5511999990000"

func newTestService(t *testing.T) (*Service, *message.DBService) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	_, err := conversation.NewService(log, st).RecordActivity(context.Background(), conversation.Activity{Phone: testPhone})
	require.NoError(t, err)
	messages := message.NewService(log, st)
	svc := NewService(log, messages, config.ReconcileConfig{StuckSendingAfterSeconds: 60})
	return svc, messages
}

// staleReader returns the row as it was listed, before a callback landed.
type staleReader struct {
	*message.DBService
	listed map[string]message.Message
}

func (s staleReader) Get(_ context.Context, _ string, id string) (message.Message, error) {
	return s.listed[id], nil
}

func persist(t *testing.T, messages *message.DBService, id string, status message.Status, at time.Time) {
	t.Helper()
	_, inserted, err := messages.Persist(context.Background(), message.Message{
		ID:       id,
		Phone:    testPhone,
		Role:     message.RoleAgent,
		FromMe:   true,
		Status:   status,
		StatusAt: at,
		Content:  "olá",
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestReconcileMarksStuckSendingAsFailed(t *testing.T) {
	t.Parallel()
	svc, messages := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	persist(t, messages, "stuck", message.StatusSending, now.Add(-5*time.Minute))
	persist(t, messages, "fresh", message.StatusSending, now.Add(-10*time.Second))
	persist(t, messages, "sent", message.StatusSent, now.Add(-time.Hour))

	n, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := messages.Get(ctx, testPhone, "stuck")
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, stuck.Status)
	assert.Equal(t, ReasonStuckSending, stuck.FailureReason)

	fresh, err := messages.Get(ctx, testPhone, "fresh")
	require.NoError(t, err)
	assert.Equal(t, message.StatusSending, fresh.Status)

	sent, err := messages.Get(ctx, testPhone, "sent")
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, sent.Status)

	n, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileKeepsRowConfirmedMeanwhile(t *testing.T) {
	t.Parallel()
	_, messages := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	persist(t, messages, "raced", message.StatusSending, now.Add(-5*time.Minute))
	listed, err := messages.Get(ctx, testPhone, "raced")
	require.NoError(t, err)

	sent := message.StatusSent
	at := now
	_, err = messages.Update(ctx, testPhone, "raced", message.Patch{Status: &sent, StatusAt: &at})
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reader := staleReader{DBService: messages, listed: map[string]message.Message{"raced": listed}}
	svc := NewService(log, reader, config.ReconcileConfig{StuckSendingAfterSeconds: 60})
	changed, err := svc.fail(ctx, listed, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := messages.Get(ctx, testPhone, "raced")
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, got.Status)
	assert.Empty(t, got.FailureReason)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(log, message.NewService(log, memory.New()), config.ReconcileConfig{Schedule: "not a schedule"})
	require.Error(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start(context.Background()))
	assert.False(t, svc.Next().IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.True(t, svc.Next().IsZero())
}
