// Package instance tracks the provider connection singleton: QR code and
// connection status of the linked WhatsApp number.
package instance

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/memohai/zapdesk/internal/message/event"
)

// State is the singleton connection record.
type State struct {
	Connected   bool       `json:"connected"`
	Status      string     `json:"status,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	QRCode      string     `json:"qr_code,omitempty"`
	QRUpdatedAt *time.Time `json:"qr_updated_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Repository persists the singleton. A store with nothing saved returns the
// zero State.
type Repository interface {
	GetInstanceState(ctx context.Context) (State, error)
	SaveInstanceState(ctx context.Context, s State) error
}

// Service applies QR and connection events to the singleton.
type Service struct {
	repo      Repository
	logger    *slog.Logger
	publisher event.Publisher
	qrOut     io.Writer
	mu        sync.Mutex
	now       func() time.Time
}

// NewService creates an instance service. A non-nil qrOut receives a
// terminal rendering of each new QR code.
func NewService(log *slog.Logger, repo Repository, qrOut io.Writer, publishers ...event.Publisher) *Service {
	if log == nil {
		log = slog.Default()
	}
	var publisher event.Publisher
	if len(publishers) > 0 {
		publisher = publishers[0]
	}
	return &Service{
		repo:      repo,
		logger:    log.With(slog.String("service", "instance")),
		publisher: publisher,
		qrOut:     qrOut,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the current state.
func (s *Service) Get(ctx context.Context) (State, error) {
	return s.repo.GetInstanceState(ctx)
}

// UpdateQRCode stores a new pairing code. The number is not connected while
// a QR code is pending.
func (s *Service) UpdateQRCode(ctx context.Context, code string) (State, error) {
	code = strings.TrimSpace(code)
	return s.mutate(ctx, func(st *State) {
		now := s.now()
		st.QRCode = code
		st.QRUpdatedAt = &now
		st.Connected = false
		st.Status = "qrcode"
	}, func(st State) {
		s.logger.Info("pairing qr code updated")
		s.renderQR(code)
	})
}

// UpdateConnection stores a connection change. Connecting clears the QR code.
func (s *Service) UpdateConnection(ctx context.Context, connected bool, status, phone string) (State, error) {
	return s.mutate(ctx, func(st *State) {
		st.Connected = connected
		if status = strings.TrimSpace(status); status != "" {
			st.Status = status
		} else if connected {
			st.Status = "connected"
		} else {
			st.Status = "disconnected"
		}
		if phone = strings.TrimSpace(phone); phone != "" {
			st.Phone = phone
		}
		if connected {
			st.QRCode = ""
			st.QRUpdatedAt = nil
		}
	}, func(st State) {
		s.logger.Info("provider connection changed",
			slog.Bool("connected", st.Connected),
			slog.String("status", st.Status),
		)
	})
}

func (s *Service) mutate(ctx context.Context, fn func(*State), after func(State)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.repo.GetInstanceState(ctx)
	if err != nil {
		return State{}, err
	}
	fn(&current)
	current.UpdatedAt = s.now()
	if err := s.repo.SaveInstanceState(ctx, current); err != nil {
		return State{}, err
	}
	after(current)
	if s.publisher != nil {
		s.publisher.Publish(event.Marshal(event.EventTypeInstanceUpdated, "", current))
	}
	return current, nil
}

// renderQR prints raw pairing codes. Image payloads (data URIs) are left to
// the panel.
func (s *Service) renderQR(code string) {
	if s.qrOut == nil || code == "" || strings.HasPrefix(code, "data:") {
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, s.qrOut)
}
