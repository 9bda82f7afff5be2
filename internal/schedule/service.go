// Package schedule runs periodic maintenance jobs. The only job today marks
// outbound messages stuck in "sending" as failed so agents can resend them.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/zapdesk/internal/config"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/metrics"
)

// ReasonStuckSending is stored on rows the reconciler gives up on.
const ReasonStuckSending = "stuck_sending_timeout"

const batchSize = 100

// MessageStore is the subset of the message service the reconciler needs.
type MessageStore interface {
	Get(ctx context.Context, phone, id string) (message.Message, error)
	Update(ctx context.Context, phone, id string, patch message.Patch) (message.Message, error)
	ListStale(ctx context.Context, status message.Status, cutoff time.Time, limit int) ([]message.Message, error)
}

// Service owns the cron runner.
type Service struct {
	logger    *slog.Logger
	messages  MessageStore
	spec      string
	threshold time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewService creates the scheduler. It does not start until Start is called.
func NewService(log *slog.Logger, messages MessageStore, cfg config.ReconcileConfig) *Service {
	if log == nil {
		log = slog.Default()
	}
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = config.DefaultReconcileSchedule
	}
	return &Service{
		logger:    log.With(slog.String("service", "schedule")),
		messages:  messages,
		spec:      spec,
		threshold: cfg.StuckSendingAfter(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics wires the reconciled-rows counter.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	if s == nil {
		return
	}
	s.metrics = m
}

// Start registers the reconcile job and starts the runner.
func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(s.spec, func() {
		if _, err := s.Reconcile(context.Background()); err != nil {
			s.logger.Error("reconcile stuck messages failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconcile %q: %w", s.spec, err)
	}
	c.Start()
	s.cron = c
	s.entryID = id
	s.logger.Info("scheduler started",
		slog.String("schedule", s.spec),
		slog.Duration("stuck_after", s.threshold),
	)
	return nil
}

// Stop halts the runner and waits for a running job or ctx, whichever ends first.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports the next planned run, or the zero time when stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Reconcile marks every message that has been sending for longer than the
// threshold as failed. It returns the number of rows changed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.threshold)
	total := 0
	for {
		rows, err := s.messages.ListStale(ctx, message.StatusSending, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("list stale messages: %w", err)
		}
		changed := 0
		for _, row := range rows {
			ok, err := s.fail(ctx, row, cutoff)
			if err != nil {
				return total, err
			}
			if ok {
				changed++
			}
		}
		total += changed
		if len(rows) < batchSize || changed == 0 {
			break
		}
	}
	if total > 0 {
		s.metrics.Reconciled(total)
		s.logger.Warn("marked stuck messages as failed", slog.Int("count", total))
	}
	return total, nil
}

func (s *Service) fail(ctx context.Context, row message.Message, cutoff time.Time) (bool, error) {
	// The provider may have answered since the listing.
	current, err := s.messages.Get(ctx, row.Phone, row.ID)
	if errors.Is(err, message.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reload message %s: %w", row.ID, err)
	}
	if current.Status != message.StatusSending || !current.StatusAt.Before(cutoff) {
		return false, nil
	}
	sending := message.StatusSending
	failed := message.StatusFailed
	at := s.now()
	reason := ReasonStuckSending
	_, err = s.messages.Update(ctx, row.Phone, row.ID, message.Patch{
		IfStatus:      &sending,
		Status:        &failed,
		StatusAt:      &at,
		FailureReason: &reason,
	})
	if errors.Is(err, message.ErrStatusChanged) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark message %s failed: %w", row.ID, err)
	}
	return true, nil
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
