package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memohai/zapdesk/internal/metrics"
	"github.com/memohai/zapdesk/internal/settings"
)

const defaultHookTimeout = 5 * time.Second

// BusinessEvent is the body posted to business webhooks.
type BusinessEvent struct {
	Type      string       `json:"type"`
	Data      BusinessData `json:"data"`
	Timestamp time.Time    `json:"timestamp"`
}

// BusinessData describes the detected intent.
type BusinessData struct {
	Phone       string    `json:"phone"`
	DisplayName string    `json:"display_name,omitempty"`
	Message     string    `json:"message"`
	MessageID   string    `json:"message_id,omitempty"`
	Confidence  float64   `json:"confidence"`
	Keywords    []string  `json:"keywords"`
	Extracted   Extracted `json:"extracted"`
	Version     int       `json:"table_version"`
}

// Trigger is one classified message to fan out.
type Trigger struct {
	Phone          string
	DisplayName    string
	Text           string
	MessageID      string
	Classification Classification
}

// Notifier posts business webhooks in the background. Each post is attempted
// once with a bounded timeout; failures are logged and dropped.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewNotifier creates a notifier. timeout <= 0 uses five seconds.
func NewNotifier(log *slog.Logger, timeout time.Duration, m *metrics.Metrics) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	return &Notifier{
		client:  &http.Client{},
		timeout: timeout,
		metrics: m,
		logger:  log.With(slog.String("component", "business_webhooks")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Notify starts one post per matched category with a configured URL and
// returns immediately with the number of posts started.
func (n *Notifier) Notify(ctx context.Context, trig Trigger, hooks settings.BusinessWebhooks) int {
	type job struct {
		url   string
		event BusinessEvent
	}
	var jobs []job
	for _, match := range trig.Classification.Matches {
		target := hooks.URLFor(match.Category)
		if target == "" {
			continue
		}
		jobs = append(jobs, job{url: target, event: BusinessEvent{
			Type: match.Category,
			Data: BusinessData{
				Phone:       trig.Phone,
				DisplayName: trig.DisplayName,
				Message:     trig.Text,
				MessageID:   trig.MessageID,
				Confidence:  match.Confidence,
				Keywords:    match.Keywords,
				Extracted:   trig.Classification.Extracted,
				Version:     trig.Classification.Version,
			},
			Timestamp: n.now(),
		}})
	}
	if len(jobs) == 0 {
		return 0
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Warn("notifier closed, dropping business webhooks", slog.String("phone", trig.Phone))
		return 0
	}
	n.inflight.Add(1)
	n.mu.Unlock()

	base := context.WithoutCancel(ctx)
	go func() {
		defer n.inflight.Done()
		var g errgroup.Group
		for _, j := range jobs {
			g.Go(func() error {
				err := n.post(base, j.url, j.event)
				if err != nil {
					n.metrics.BusinessWebhook(j.event.Type, metrics.ResultFailed)
					n.logger.Warn("business webhook failed",
						slog.String("category", j.event.Type),
						slog.String("phone", j.event.Data.Phone),
						slog.Any("error", err),
					)
					return err
				}
				n.metrics.BusinessWebhook(j.event.Type, metrics.ResultOK)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return len(jobs)
}

func (n *Notifier) post(ctx context.Context, target string, ev BusinessEvent) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Wait stops accepting new posts and blocks until in-flight posts finish.
func (n *Notifier) Wait() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.inflight.Wait()
}
