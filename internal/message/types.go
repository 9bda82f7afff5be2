package message

import (
	"context"
	"errors"
	"time"
)

// Role identifies who authored a message. It is stored at write time and is
// the only source for author attribution.
type Role string

// Message roles.
const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Status is the delivery status of a message.
type Status string

// Delivery statuses.
const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Origin records where a message was produced.
type Origin string

// Message origins.
const (
	OriginCustomer Origin = "customer"
	OriginPanel    Origin = "panel"
	OriginDevice   Origin = "device"
)

// MediaType classifies a media attachment.
type MediaType string

// Media types.
const (
	MediaImage    MediaType = "image"
	MediaAudio    MediaType = "audio"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
)

// Reply author labels.
const (
	AuthorAgent    = "agent"
	AuthorCustomer = "customer"
)

var (
	// ErrNotFound indicates the message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrConversationMissing indicates a write for a phone with no conversation.
	ErrConversationMissing = errors.New("conversation does not exist")
	// ErrStatusChanged indicates a conditional update lost to a concurrent
	// status change.
	ErrStatusChanged = errors.New("message status changed")
)

// Media describes an attachment. URL is durable when Persisted is true,
// otherwise it is the provider's original URL.
type Media struct {
	Type        MediaType `json:"type"`
	URL         string    `json:"url"`
	OriginalURL string    `json:"original_url,omitempty"`
	Mime        string    `json:"mime,omitempty"`
	Caption     string    `json:"caption,omitempty"`
	FileName    string    `json:"file_name,omitempty"`
	Persisted   bool      `json:"persisted"`
}

// ReplyRef is the backlink from a reply to the quoted message.
type ReplyRef struct {
	ID         string `json:"id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	Text       string `json:"text"`
	Author     string `json:"author,omitempty"`
	Missing    bool   `json:"missing,omitempty"`
}

// Reaction is one emoji reaction. Identity is the (FromMe, Phone) pair.
type Reaction struct {
	Emoji      string    `json:"emoji"`
	AuthorName string    `json:"author_name,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	FromMe     bool      `json:"from_me"`
	Timestamp  time.Time `json:"timestamp"`
}

// SameAuthor reports whether r and other come from the same identity.
func (r Reaction) SameAuthor(other Reaction) bool {
	return r.FromMe == other.FromMe && r.Phone == other.Phone
}

// Message is a single persisted entry of a conversation.
type Message struct {
	ID                string     `json:"id"`
	Phone             string     `json:"phone"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Role              Role       `json:"role"`
	Content           string     `json:"content"`
	Timestamp         time.Time  `json:"timestamp"`
	Status            Status     `json:"status"`
	StatusAt          time.Time  `json:"status_at"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	Origin            Origin     `json:"origin"`
	FromMe            bool       `json:"from_me"`
	AgentID           string     `json:"agent_id,omitempty"`
	AgentName         string     `json:"agent_name,omitempty"`
	Media             *Media     `json:"media,omitempty"`
	ReplyTo           *ReplyRef  `json:"reply_to,omitempty"`
	Reactions         []Reaction `json:"reactions,omitempty"`
	Edited            bool       `json:"edited,omitempty"`
	Deleted           bool       `json:"deleted,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Patch is a partial message update. Nil fields are left untouched.
type Patch struct {
	// IfStatus makes the update conditional on the stored status. A mismatch
	// returns ErrStatusChanged and writes nothing.
	IfStatus          *Status
	ProviderMessageID *string
	Content           *string
	Status            *Status
	StatusAt          *time.Time
	FailureReason     *string
	Edited            *bool
	Deleted           *bool
	Media             *Media
}

// ApplyTo returns m with the patch merged in.
func (p Patch) ApplyTo(m Message) Message {
	if p.ProviderMessageID != nil {
		m.ProviderMessageID = *p.ProviderMessageID
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.StatusAt != nil {
		m.StatusAt = *p.StatusAt
	}
	if p.FailureReason != nil {
		m.FailureReason = *p.FailureReason
	}
	if p.Edited != nil {
		m.Edited = *p.Edited
	}
	if p.Deleted != nil {
		m.Deleted = *p.Deleted
	}
	if p.Media != nil {
		media := *p.Media
		m.Media = &media
	}
	return m
}

// Query is an ordered range read over one conversation. Results are in
// chronological order; Before pages backwards from a timestamp.
type Query struct {
	Phone  string
	Before time.Time
	Limit  int
}

// ReactionMutator rewrites a message's reaction list.
type ReactionMutator func([]Reaction) []Reaction

// Repository is the durable message store.
type Repository interface {
	// InsertMessage writes m unless a message with the same id, or the same
	// (phone, provider message id), exists. It reports whether m was written.
	InsertMessage(ctx context.Context, m Message) (bool, error)
	GetMessage(ctx context.Context, phone, id string) (Message, error)
	FindByProviderID(ctx context.Context, phone, providerID string) (Message, error)
	UpdateMessage(ctx context.Context, phone, id string, patch Patch) (Message, error)
	// AdvanceStatus moves a message forward along the delivery order. It
	// reports false when the message is missing or already at or past status.
	AdvanceStatus(ctx context.Context, phone, providerID string, status Status, at time.Time) (bool, error)
	// MutateReactions applies fn to the reaction list atomically.
	MutateReactions(ctx context.Context, phone, id string, fn ReactionMutator) (Message, error)
	ListMessages(ctx context.Context, q Query) ([]Message, error)
	// ListStale returns messages that entered status before cutoff, across all
	// conversations.
	ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]Message, error)
}
