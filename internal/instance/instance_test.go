package instance

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/zapdesk/internal/message/event"
)

type fakeRepo struct {
	state State
	saves int
}

func (f *fakeRepo) GetInstanceState(context.Context) (State, error) { return f.state, nil }

func (f *fakeRepo) SaveInstanceState(_ context.Context, s State) error {
	f.state = s
	f.saves++
	return nil
}

func TestUpdateQRCodeRendersAndPublishes(t *testing.T) {
	t.Parallel()
	repo := &fakeRepo{state: State{Connected: true, Status: "connected"}}
	hub := event.NewHub()
	_, stream, cancel := hub.Subscribe("", 4)
	defer cancel()
	var out bytes.Buffer
	svc := NewService(nil, repo, &out, hub)

	st, err := svc.UpdateQRCode(context.Background(), "2@abcdef,xyz")
	require.NoError(t, err)

	assert.False(t, st.Connected)
	assert.Equal(t, "2@abcdef,xyz", st.QRCode)
	assert.NotNil(t, st.QRUpdatedAt)
	assert.NotZero(t, out.Len(), "expected terminal rendering")
	ev := <-stream
	assert.Equal(t, event.EventTypeInstanceUpdated, ev.Type)
}

func TestUpdateQRCodeSkipsImagePayloadRendering(t *testing.T) {
	t.Parallel()
	repo := &fakeRepo{}
	var out bytes.Buffer
	svc := NewService(nil, repo, &out)

	_, err := svc.UpdateQRCode(context.Background(), "data:image/png;base64,iVBORw0KGgo=")
	require.NoError(t, err)
	assert.Zero(t, out.Len())
	assert.Equal(t, 1, repo.saves)
}

func TestUpdateConnectionClearsQRCode(t *testing.T) {
	t.Parallel()
	repo := &fakeRepo{state: State{QRCode: "pending"}}
	svc := NewService(nil, repo, nil)

	st, err := svc.UpdateConnection(context.Background(), true, "", "5511999990000")
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "connected", st.Status)
	assert.Empty(t, st.QRCode)
	assert.Equal(t, "5511999990000", st.Phone)

	st, err = svc.UpdateConnection(context.Background(), false, "", "")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", st.Status)
	assert.Equal(t, "5511999990000", st.Phone)
}
