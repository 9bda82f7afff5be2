package flow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/zapdesk/internal/channel"
	"github.com/memohai/zapdesk/internal/chat"
	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/settings"
)

const phone = "5511999990000"

type fakeCompleter struct {
	mu    sync.Mutex
	err   error
	reply *string
	reqs  []chat.Request
}

func (f *fakeCompleter) Chat(_ context.Context, req chat.Request) (chat.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return chat.Result{}, f.err
	}
	if f.reply != nil {
		return chat.Result{Message: chat.Message{Role: chat.RoleAssistant, Content: *f.reply}}, nil
	}
	return chat.Result{Message: chat.Message{Role: chat.RoleAssistant, Content: "O pacote premium custa R$ 99."}}, nil
}

type fakeHistory struct{ msgs []message.Message }

func (f fakeHistory) Latest(_ context.Context, _ string, limit int) ([]message.Message, error) {
	if len(f.msgs) > limit {
		return f.msgs[len(f.msgs)-limit:], nil
	}
	return f.msgs, nil
}

type fakeReplier struct {
	mu   sync.Mutex
	err  error
	sent []channel.TextRequest
}

func (f *fakeReplier) SendText(_ context.Context, req channel.TextRequest) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return message.Message{Content: req.Text}, f.err
}

type staticSettings struct{ s settings.AISettings }

func (s staticSettings) Get(context.Context) (settings.AISettings, error) { return s.s, nil }

func activeConversation() conversation.Conversation {
	return conversation.Conversation{Phone: phone, DisplayName: "Maria", Status: conversation.StatusAIActive, AIEnabled: true}
}

func TestRespondSendsCompletion(t *testing.T) {
	t.Parallel()
	completer := &fakeCompleter{}
	replier := &fakeReplier{}
	history := fakeHistory{msgs: []message.Message{
		{ID: "1", Role: message.RoleUser, Content: "oi"},
		{ID: "2", Role: message.RoleAI, Content: "Olá! Como posso ajudar?"},
		{ID: "3", Role: message.RoleSystem, Content: "reagiu"},
		{ID: "4", Role: message.RoleUser, Content: "Gostaria de saber o preço do pacote premium"},
	}}
	cfg := settings.AISettings{Enabled: true, Model: "gpt-4o-mini", SystemPrompt: "Você é a assistente da loja.", Temperature: 0.2, MaxTokens: 200, HistoryLimit: 10}
	o := NewOrchestrator(nil, completer, history, replier, staticSettings{cfg}, nil)

	err := o.Respond(context.Background(), activeConversation(), message.Message{ID: "4", Phone: phone, Role: message.RoleUser, Content: "Gostaria de saber o preço do pacote premium"})
	require.NoError(t, err)

	require.Len(t, completer.reqs, 1)
	req := completer.reqs[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 200, *req.MaxTokens)
	assert.Equal(t, []chat.Message{
		{Role: chat.RoleSystem, Content: "Você é a assistente da loja."},
		{Role: chat.RoleUser, Content: "oi"},
		{Role: chat.RoleAssistant, Content: "Olá! Como posso ajudar?"},
		{Role: chat.RoleUser, Content: "Gostaria de saber o preço do pacote premium"},
	}, req.Messages)

	require.Len(t, replier.sent, 1)
	assert.Equal(t, "O pacote premium custa R$ 99.", replier.sent[0].Text)
	assert.Equal(t, message.RoleAI, replier.sent[0].Author.Role)
}

func TestRespondFallsBackOnCompletionError(t *testing.T) {
	t.Parallel()
	completer := &fakeCompleter{err: &chat.APIError{StatusCode: http.StatusServiceUnavailable, Body: "overloaded"}}
	replier := &fakeReplier{}
	cfg := settings.AISettings{Enabled: true, Model: "m", FallbackMessage: "Já te respondo!"}
	o := NewOrchestrator(nil, completer, fakeHistory{}, replier, staticSettings{cfg}, nil)

	require.NoError(t, o.Respond(context.Background(), activeConversation(), message.Message{ID: "x", Content: "oi"}))
	require.Len(t, replier.sent, 1)
	assert.Equal(t, "Já te respondo!", replier.sent[0].Text)

	cfg.FallbackMessage = ""
	o = NewOrchestrator(nil, completer, fakeHistory{}, replier, staticSettings{cfg}, nil)
	require.NoError(t, o.Respond(context.Background(), activeConversation(), message.Message{ID: "y", Content: "oi"}))
	assert.Equal(t, DefaultFallback, replier.sent[1].Text)
}

func TestRespondClipsLongCompletion(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 5000)
	completer := &fakeCompleter{reply: &long}
	replier := &fakeReplier{}
	o := NewOrchestrator(nil, completer, fakeHistory{}, replier, staticSettings{settings.AISettings{Enabled: true}}, nil)

	require.NoError(t, o.Respond(context.Background(), activeConversation(), message.Message{ID: "x", Content: "oi"}))
	require.Len(t, replier.sent, 1)
	text := replier.sent[0].Text
	assert.Equal(t, channel.MaxTextRunes, utf8.RuneCountInString(text))
	assert.True(t, strings.HasPrefix(text, "aaaa"))
	assert.True(t, strings.HasSuffix(text, "…"))
}

func TestRespondFallsBackOnEmptyCompletion(t *testing.T) {
	t.Parallel()
	blank := "  \n "
	completer := &fakeCompleter{reply: &blank}
	replier := &fakeReplier{}
	cfg := settings.AISettings{Enabled: true, FallbackMessage: "Já te respondo!"}
	o := NewOrchestrator(nil, completer, fakeHistory{}, replier, staticSettings{cfg}, nil)

	require.NoError(t, o.Respond(context.Background(), activeConversation(), message.Message{ID: "x", Content: "oi"}))
	require.Len(t, replier.sent, 1)
	assert.Equal(t, "Já te respondo!", replier.sent[0].Text)
}

func TestRespondSkipsWhenAINotOwner(t *testing.T) {
	t.Parallel()
	completer := &fakeCompleter{}
	replier := &fakeReplier{}
	o := NewOrchestrator(nil, completer, fakeHistory{}, replier, staticSettings{settings.AISettings{Enabled: true}}, nil)
	ctx := context.Background()

	assigned := activeConversation()
	assigned.Status = conversation.StatusAgentAssigned
	paused := activeConversation()
	paused.AIPaused = true
	for _, conv := range []conversation.Conversation{assigned, paused} {
		require.NoError(t, o.Respond(ctx, conv, message.Message{Content: "oi"}))
	}
	disabled := NewOrchestrator(nil, completer, fakeHistory{}, replier, staticSettings{settings.AISettings{Enabled: false}}, nil)
	require.NoError(t, disabled.Respond(ctx, activeConversation(), message.Message{Content: "oi"}))

	assert.Empty(t, completer.reqs)
	assert.Empty(t, replier.sent)
}

func TestRespondReturnsDispatchError(t *testing.T) {
	t.Parallel()
	replier := &fakeReplier{err: channel.ErrDispatchFailed}
	o := NewOrchestrator(nil, &fakeCompleter{}, fakeHistory{}, replier, staticSettings{settings.AISettings{Enabled: true, Model: "m"}}, nil)
	err := o.Respond(context.Background(), activeConversation(), message.Message{Content: "oi"})
	assert.True(t, errors.Is(err, channel.ErrDispatchFailed))
}

func TestRespondFiresLeadWebhook(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []BusinessEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev BusinessEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))
	defer hook.Close()

	notifier := NewNotifier(nil, time.Second, nil)
	cfg := settings.AISettings{Enabled: true, Model: "m", BusinessWebhooks: settings.BusinessWebhooks{LeadCapture: hook.URL}}
	o := NewOrchestrator(nil, &fakeCompleter{}, fakeHistory{}, &fakeReplier{}, staticSettings{cfg}, notifier)

	require.NoError(t, o.Respond(context.Background(), activeConversation(), message.Message{ID: "m1", Content: "Gostaria de saber o preço do pacote premium"}))
	notifier.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, settings.CategoryLeadCapture, got[0].Type)
	assert.Greater(t, got[0].Data.Confidence, 0.0)
	assert.Equal(t, phone, got[0].Data.Phone)
	assert.Empty(t, got[0].Data.Extracted.Phone)
	assert.Empty(t, got[0].Data.Extracted.Email)
}

func TestBuildMessagesTrimsHistory(t *testing.T) {
	t.Parallel()
	var history []message.Message
	for i := 0; i < 15; i++ {
		history = append(history, message.Message{ID: string(rune('a' + i)), Role: message.RoleUser, Content: string(rune('a' + i))})
	}
	msgs := BuildMessages("", history, "", "agora", 10)
	require.Len(t, msgs, 11)
	assert.Equal(t, "f", msgs[0].Content)
	assert.Equal(t, "agora", msgs[10].Content)

	media := []message.Message{{ID: "1", Role: message.RoleUser, Media: &message.Media{Type: message.MediaAudio}}}
	msgs = BuildMessages("", media, "", "ok", 10)
	assert.Equal(t, "🎵 Áudio", msgs[0].Content)
}
