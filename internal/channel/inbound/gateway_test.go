package inbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/idempotency"
	"github.com/memohai/zapdesk/internal/instance"
	"github.com/memohai/zapdesk/internal/media"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/message/linker"
	"github.com/memohai/zapdesk/internal/settings"
	"github.com/memohai/zapdesk/internal/store/memory"
)

const phone = "5511999990000"

type fakeMedia struct {
	err   error
	calls int
}

func (f *fakeMedia) Persist(_ context.Context, in media.PersistInput) (media.Asset, error) {
	f.calls++
	if f.err != nil {
		return media.Asset{}, f.err
	}
	return media.Asset{Key: "image/x.jpg", URL: "https://cdn.test/image/x.jpg", Mime: "image/jpeg", MediaType: in.MediaType}, nil
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []message.Message
}

func (f *fakeResponder) Respond(_ context.Context, _ conversation.Conversation, msg message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	return nil
}

func (f *fakeResponder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	gateway       *Gateway
	store         *memory.Store
	messages      *message.DBService
	conversations *conversation.Service
	media         *fakeMedia
	responder     *fakeResponder
}

func setup(t *testing.T, aiEnabled bool) fixture {
	t.Helper()
	st := memory.New()
	msgs := message.NewService(nil, st)
	convs := conversation.NewService(nil, st)
	links := linker.New(nil, msgs)
	inst := instance.NewService(nil, st, nil)
	sets := settings.NewService(nil, st, settings.AISettings{Enabled: aiEnabled})
	gw := NewGateway(nil, idempotency.NewLocalClaimer(), msgs, convs, links, inst, sets)
	fm := &fakeMedia{}
	fr := &fakeResponder{}
	gw.SetMediaPersister(fm)
	gw.SetResponder(fr)
	return fixture{gateway: gw, store: st, messages: msgs, conversations: convs, media: fm, responder: fr}
}

func textEvent(id, text string) []byte {
	return []byte(fmt.Sprintf(`{"type":"ReceivedCallback","phone":%q,"messageId":%q,"senderName":"Maria","momment":1709290800000,"text":{"message":%q}}`, phone, id, text))
}

func TestHandleTextCreatesConversationAndTriggersAI(t *testing.T) {
	t.Parallel()
	f := setup(t, true)
	ctx := context.Background()

	res, err := f.gateway.Handle(ctx, textEvent("M1", "Olá"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	conv, err := f.conversations.Get(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusAIActive, conv.Status)
	assert.Equal(t, "Maria", conv.DisplayName)
	assert.Equal(t, "Olá", conv.LastMessage)
	assert.Equal(t, 1, conv.UnreadCount)

	stored, err := f.messages.FindByProviderID(ctx, phone, "M1")
	require.NoError(t, err)
	assert.Equal(t, message.RoleUser, stored.Role)
	assert.Equal(t, message.OriginCustomer, stored.Origin)
	assert.Equal(t, 1, f.responder.count())
}

func TestHandleIsIdempotent(t *testing.T) {
	t.Parallel()
	f := setup(t, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.gateway.Handle(ctx, textEvent("DUP", "quero ajuda"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	processedCount := 0
	for _, r := range results {
		if r.Status == StatusProcessed {
			processedCount++
		} else {
			assert.Equal(t, ReasonAlreadyProcessed, r.Reason)
		}
	}
	assert.Equal(t, 1, processedCount)

	msgs, err := f.messages.Latest(ctx, phone, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 1, f.responder.count())

	conv, err := f.conversations.Get(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestHandleSelfEchoWritesNothing(t *testing.T) {
	t.Parallel()
	f := setup(t, true)
	ctx := context.Background()

	res, err := f.gateway.Handle(ctx, []byte(`{"type":"ReceivedCallback","phone":"5511999990000","messageId":"E1","fromMe":true,"fromApi":true,"text":{"message":"eco"}}`))
	require.NoError(t, err)
	assert.Equal(t, ignored(ReasonSelfEcho), res)
	_, err = f.conversations.Get(ctx, phone)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestHandleDeviceMessageSkipsAI(t *testing.T) {
	t.Parallel()
	f := setup(t, true)
	ctx := context.Background()
	_, err := f.gateway.Handle(ctx, textEvent("M1", "Oi"))
	require.NoError(t, err)

	res, err := f.gateway.Handle(ctx, []byte(`{"type":"ReceivedCallback","phone":"5511999990000","messageId":"D1","fromMe":true,"fromApi":false,"text":{"message":"respondi pelo celular"}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	stored, err := f.messages.FindByProviderID(ctx, phone, "D1")
	require.NoError(t, err)
	assert.Equal(t, message.RoleAgent, stored.Role)
	assert.Equal(t, message.OriginDevice, stored.Origin)
	assert.True(t, stored.FromMe)
	assert.Equal(t, 1, f.responder.count())

	conv, err := f.conversations.Get(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "Maria", conv.DisplayName)
}

func TestHandleMediaFallsBackToProviderURL(t *testing.T) {
	t.Parallel()
	f := setup(t, false)
	f.media.err = media.ErrUnreachable
	ctx := context.Background()

	body := []byte(`{"type":"ReceivedCallback","phone":"5511999990000","messageId":"IMG1","image":{"imageUrl":"https://mmg.whatsapp.net/tmp/1.jpg","caption":"comprovante","mimeType":"image/jpeg"}}`)
	res, err := f.gateway.Handle(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	stored, err := f.messages.FindByProviderID(ctx, phone, "IMG1")
	require.NoError(t, err)
	require.NotNil(t, stored.Media)
	assert.Equal(t, "https://mmg.whatsapp.net/tmp/1.jpg", stored.Media.URL)
	assert.False(t, stored.Media.Persisted)
	assert.Equal(t, "comprovante", stored.Content)

	conv, err := f.conversations.Get(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusWaiting, conv.Status)
	assert.Equal(t, "📷 comprovante", conv.LastMessage)
	assert.Zero(t, f.responder.count())
}

func TestHandleMediaPersisted(t *testing.T) {
	t.Parallel()
	f := setup(t, false)
	ctx := context.Background()

	_, err := f.gateway.Handle(ctx, []byte(`{"type":"ReceivedCallback","phone":"5511999990000","messageId":"IMG2","image":{"imageUrl":"https://mmg.whatsapp.net/tmp/2.jpg"}}`))
	require.NoError(t, err)
	stored, err := f.messages.FindByProviderID(ctx, phone, "IMG2")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/image/x.jpg", stored.Media.URL)
	assert.Equal(t, "https://mmg.whatsapp.net/tmp/2.jpg", stored.Media.OriginalURL)
	assert.True(t, stored.Media.Persisted)
	assert.Equal(t, 1, f.media.calls)
}

func TestHandleReopensResolvedConversation(t *testing.T) {
	t.Parallel()
	f := setup(t, true)
	ctx := context.Background()
	_, err := f.gateway.Handle(ctx, textEvent("M1", "oi"))
	require.NoError(t, err)
	_, err = f.conversations.Assume(ctx, phone, conversation.Event{AgentID: "a1", AgentName: "Ana"})
	require.NoError(t, err)
	resolved, err := f.conversations.Resolve(ctx, phone, conversation.Event{AgentID: "a1", AgentName: "Ana"})
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = f.gateway.Handle(ctx, textEvent("M2", "voltei"))
	require.NoError(t, err)
	conv, err := f.conversations.Get(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusAIActive, conv.Status)
	assert.Nil(t, conv.ResolvedAt)
	assert.Empty(t, conv.ResolvedBy)
	assert.Equal(t, 2, f.responder.count())
}

func TestHandleValidationAndIgnores(t *testing.T) {
	t.Parallel()
	f := setup(t, true)
	ctx := context.Background()

	_, err := f.gateway.Handle(ctx, []byte(`{"type":"ReceivedCallback","messageId":"X","text":{"message":"oi"}}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = f.gateway.Handle(ctx, []byte(`{"type":"ReceivedCallback","phone":"5511","text":{"message":"oi"}}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = f.gateway.Handle(ctx, []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidEvent)

	res, err := f.gateway.Handle(ctx, []byte(`{"type":"ReceivedCallback","phone":"120363019502650977-group","messageId":"G1","isGroup":true,"text":{"message":"oi"}}`))
	require.NoError(t, err)
	assert.Equal(t, ReasonGroup, res.Reason)

	res, err = f.gateway.Handle(ctx, []byte(`{"type":"ReceivedCallback","phone":"5511999990000","messageId":"EMPTY","text":{"message":"  "}}`))
	require.NoError(t, err)
	assert.Equal(t, ReasonNoContent, res.Reason)

	res, err = f.gateway.Handle(ctx, []byte(`{"type":"PresenceChatCallback","phone":"5511999990000"}`))
	require.NoError(t, err)
	assert.Equal(t, ReasonUnsupportedEvent, res.Reason)
}

func TestHandleStatusIsMonotonic(t *testing.T) {
	t.Parallel()
	f := setup(t, false)
	ctx := context.Background()
	_, err := f.gateway.Handle(ctx, textEvent("M1", "oi"))
	require.NoError(t, err)
	_, _, err = f.messages.Persist(ctx, message.Message{Phone: phone, ProviderMessageID: "OUT1", Role: message.RoleAgent, FromMe: true, Status: message.StatusSent})
	require.NoError(t, err)

	res, err := f.gateway.Handle(ctx, []byte(`{"type":"MessageStatusCallback","phone":"5511999990000","status":"READ","ids":["OUT1"]}`))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	res, err = f.gateway.Handle(ctx, []byte(`{"type":"MessageStatusCallback","phone":"5511999990000","status":"SENT","ids":["OUT1"]}`))
	require.NoError(t, err)
	assert.Equal(t, ReasonStaleStatus, res.Reason)

	stored, err := f.messages.FindByProviderID(ctx, phone, "OUT1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusRead, stored.Status)
}

func TestHandleReactionAndEdit(t *testing.T) {
	t.Parallel()
	f := setup(t, false)
	ctx := context.Background()
	_, err := f.gateway.Handle(ctx, textEvent("M1", "texto original"))
	require.NoError(t, err)

	for i, emoji := range []string{"👍", "🙏"} {
		body := fmt.Sprintf(`{"type":"ReceivedCallback","phone":"5511999990000","messageId":"R%d","reaction":{"value":%q,"referencedMessage":{"messageId":"M1"}}}`, i, emoji)
		res, err := f.gateway.Handle(ctx, []byte(body))
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, res.Status)
	}
	stored, err := f.messages.FindByProviderID(ctx, phone, "M1")
	require.NoError(t, err)
	require.Len(t, stored.Reactions, 1)
	assert.Equal(t, "🙏", stored.Reactions[0].Emoji)

	res, err := f.gateway.Handle(ctx, []byte(`{"type":"ReceivedCallback","phone":"5511999990000","messageId":"M1","isEdit":true,"momment":1709290900000,"text":{"message":"texto corrigido"}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	stored, err = f.messages.FindByProviderID(ctx, phone, "M1")
	require.NoError(t, err)
	assert.True(t, stored.Edited)
	assert.Equal(t, "texto corrigido", stored.Content)
}

func TestHandleConnectionEvents(t *testing.T) {
	t.Parallel()
	f := setup(t, false)
	ctx := context.Background()

	_, err := f.gateway.Handle(ctx, []byte(`{"type":"qrcode-updated","value":"2@abc"}`))
	require.NoError(t, err)
	st, err := f.store.GetInstanceState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2@abc", st.QRCode)
	assert.False(t, st.Connected)

	_, err = f.gateway.Handle(ctx, []byte(`{"type":"ConnectedCallback","connectedPhone":"5511888880000"}`))
	require.NoError(t, err)
	st, err = f.store.GetInstanceState(ctx)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Empty(t, st.QRCode)
	assert.Equal(t, "5511888880000", st.Phone)
}

type failingStore struct {
	MessageStore
	fail bool
}

func (s *failingStore) Persist(ctx context.Context, m message.Message) (message.Message, bool, error) {
	if s.fail {
		return message.Message{}, false, errors.New("store down")
	}
	return s.MessageStore.Persist(ctx, m)
}

func TestHandleReleasesClaimOnFailure(t *testing.T) {
	t.Parallel()
	st := memory.New()
	msgs := message.NewService(nil, st)
	flaky := &failingStore{MessageStore: msgs, fail: true}
	gw := NewGateway(nil, idempotency.NewLocalClaimer(), flaky, conversation.NewService(nil, st), linker.New(nil, msgs), nil, nil)
	ctx := context.Background()

	_, err := gw.Handle(ctx, textEvent("M1", "oi"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidEvent)

	conv, err := conversation.NewService(nil, st).Get(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.Equal(t, conversation.StatusWaiting, conv.Status)
	assert.Empty(t, conv.LastMessage)

	flaky.fail = false
	res, err := gw.Handle(ctx, textEvent("M1", "oi"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	conv, err = conversation.NewService(nil, st).Get(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "oi", conv.LastMessage)
}

func TestHandleReactionFromUnknownPhoneRecordsTombstone(t *testing.T) {
	t.Parallel()
	f := setup(t, true)
	ctx := context.Background()
	const stranger = "5511988887777"
	body := []byte(`{"type":"ReceivedCallback","phone":"5511988887777","messageId":"R1","senderName":"João","reaction":{"value":"❤️","referencedMessage":{"messageId":"OLD1"}}}`)

	res, err := f.gateway.Handle(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	res, err = f.gateway.Handle(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Equal(t, ReasonAlreadyProcessed, res.Reason)

	conv, err := f.conversations.Get(ctx, stranger)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusWaiting, conv.Status)
	assert.Equal(t, 0, conv.UnreadCount)

	stored, err := f.messages.FindByProviderID(ctx, stranger, "R1")
	require.NoError(t, err)
	assert.Equal(t, message.RoleSystem, stored.Role)
	assert.Contains(t, stored.Content, linker.TombstoneContent)
	assert.Equal(t, 0, f.responder.count())
}
