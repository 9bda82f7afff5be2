package zapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.z-api.io"
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 300
)

// ErrNotConfigured is returned when the instance id or token is missing.
var ErrNotConfigured = errors.New("zapi client not configured")

// APIError is a non-2xx answer from Z-API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zapi: status %d: %s", e.StatusCode, e.Body)
}

// Config holds instance credentials.
type Config struct {
	BaseURL     string
	InstanceID  string
	Token       string
	ClientToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client calls the Z-API instance endpoints.
type Client struct {
	baseURL     string
	instanceID  string
	token       string
	clientToken string
	http        *http.Client
	logger      *slog.Logger
}

// SendResult identifies the message created by a send call.
type SendResult struct {
	MessageID string `json:"messageId"`
	ZaapID    string `json:"zaapId"`
	ID        string `json:"id"`
}

// ProviderID returns the id later used by status callbacks and reactions.
func (r SendResult) ProviderID() string {
	return coalesce(r.MessageID, r.ID, r.ZaapID)
}

// MediaRequest describes an outbound media send.
type MediaRequest struct {
	Phone    string
	Type     string
	URL      string
	Caption  string
	FileName string
	// ReplyTo is the provider id of the quoted message.
	ReplyTo string
}

// ConnectionStatus is the instance state reported by /status.
type ConnectionStatus struct {
	Connected           bool   `json:"connected"`
	SmartphoneConnected bool   `json:"smartphoneConnected"`
	Error               string `json:"error"`
}

// NewClient builds a client. A nil logger falls back to slog.Default().
func NewClient(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:     base,
		instanceID:  strings.TrimSpace(cfg.InstanceID),
		token:       strings.TrimSpace(cfg.Token),
		clientToken: strings.TrimSpace(cfg.ClientToken),
		http:        httpClient,
		logger:      log.With(slog.String("adapter", "zapi")),
	}
}

// Configured reports whether instance credentials are present.
func (c *Client) Configured() bool {
	return c.instanceID != "" && c.token != ""
}

// SendText sends a plain message, or a quoted reply when replyTo is set.
func (c *Client) SendText(ctx context.Context, phone, text, replyTo string) (SendResult, error) {
	body := map[string]any{"phone": phone, "message": text}
	if replyTo != "" {
		body["messageId"] = replyTo
	}
	return c.send(ctx, "send-text", body)
}

// EditText replaces the text of a message previously sent by this instance.
func (c *Client) EditText(ctx context.Context, phone, providerID, text string) (SendResult, error) {
	return c.send(ctx, "send-text", map[string]any{
		"phone":         phone,
		"message":       text,
		"editMessageId": providerID,
	})
}

// SendMedia sends an image, audio, video or document by URL.
func (c *Client) SendMedia(ctx context.Context, req MediaRequest) (SendResult, error) {
	body := map[string]any{"phone": req.Phone}
	if req.ReplyTo != "" {
		body["messageId"] = req.ReplyTo
	}
	var endpoint string
	switch req.Type {
	case MediaImage:
		endpoint = "send-image"
		body["image"] = req.URL
		setIf(body, "caption", req.Caption)
	case MediaAudio:
		endpoint = "send-audio"
		body["audio"] = req.URL
	case MediaVideo:
		endpoint = "send-video"
		body["video"] = req.URL
		setIf(body, "caption", req.Caption)
	case MediaDocument:
		endpoint = "send-document/" + documentExtension(req.FileName, req.URL)
		body["document"] = req.URL
		setIf(body, "fileName", req.FileName)
		setIf(body, "caption", req.Caption)
	default:
		return SendResult{}, fmt.Errorf("unsupported media type %q", req.Type)
	}
	return c.send(ctx, endpoint, body)
}

// SendReaction reacts to providerID with emoji.
func (c *Client) SendReaction(ctx context.Context, phone, providerID, emoji string) (SendResult, error) {
	return c.send(ctx, "send-reaction", map[string]any{
		"phone":     phone,
		"messageId": providerID,
		"reaction":  emoji,
	})
}

// RemoveReaction removes this instance's reaction from providerID.
func (c *Client) RemoveReaction(ctx context.Context, phone, providerID string) (SendResult, error) {
	return c.send(ctx, "send-remove-reaction", map[string]any{
		"phone":     phone,
		"messageId": providerID,
	})
}

// DeleteMessage deletes providerID for everyone. owner marks messages sent by
// this instance.
func (c *Client) DeleteMessage(ctx context.Context, phone, providerID string, owner bool) error {
	q := url.Values{}
	q.Set("phone", phone)
	q.Set("messageId", providerID)
	q.Set("owner", fmt.Sprintf("%t", owner))
	_, err := c.do(ctx, http.MethodDelete, "messages?"+q.Encode(), nil)
	return err
}

// Status queries the instance connection state.
func (c *Client) Status(ctx context.Context) (ConnectionStatus, error) {
	raw, err := c.do(ctx, http.MethodGet, "status", nil)
	if err != nil {
		return ConnectionStatus{}, err
	}
	var st ConnectionStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return ConnectionStatus{}, fmt.Errorf("decode zapi status: %w", err)
	}
	return st, nil
}

func (c *Client) send(ctx context.Context, endpoint string, body map[string]any) (SendResult, error) {
	raw, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return SendResult{}, err
	}
	var res SendResult
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return SendResult{}, fmt.Errorf("decode zapi response: %w", err)
		}
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	target := c.baseURL + "/instances/" + url.PathEscape(c.instanceID) + "/token/" + url.PathEscape(c.token) + "/" + endpoint

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientToken != "" {
		req.Header.Set("Client-Token", c.clientToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zapi %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt := truncate(strings.TrimSpace(string(respBody)), maxErrorBody)
		c.logger.Error("zapi error",
			slog.String("endpoint", strings.SplitN(endpoint, "?", 2)[0]),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", excerpt),
		)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: excerpt}
	}
	return respBody, nil
}

// documentExtension picks the send-document path suffix from the file name,
// then the URL, defaulting to pdf.
func documentExtension(fileName, rawURL string) string {
	for _, candidate := range []string{fileName, urlPath(rawURL)} {
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(strings.TrimSpace(candidate))), ".")
		if ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	return "pdf"
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

func setIf(body map[string]any, key, value string) {
	if strings.TrimSpace(value) != "" {
		body[key] = value
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
