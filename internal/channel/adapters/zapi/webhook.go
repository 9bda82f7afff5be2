// Package zapi decodes Z-API webhook events and sends messages through the
// Z-API REST interface.
package zapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType is the webhook discriminator carried in the "type" field.
type EventType string

const (
	EventReceived         EventType = "ReceivedCallback"
	EventMessageStatus    EventType = "MessageStatusCallback"
	EventConnected        EventType = "ConnectedCallback"
	EventDisconnected     EventType = "DisconnectedCallback"
	EventQRCodeUpdated    EventType = "qrcode-updated"
	EventConnectionUpdate EventType = "connection-update"
	EventPresence         EventType = "PresenceChatCallback"
	EventDelivery         EventType = "DeliveryCallback"
)

// Delivery statuses understood by the store.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
)

// Media kinds used in both webhook content and send requests.
const (
	MediaImage    = "image"
	MediaAudio    = "audio"
	MediaVideo    = "video"
	MediaDocument = "document"
)

// ErrMalformed is returned for bodies that are not a JSON object.
var ErrMalformed = errors.New("malformed webhook body")

// Webhook is the union of the fields used across Z-API callbacks.
type Webhook struct {
	Type           EventType `json:"type"`
	InstanceID     string    `json:"instanceId"`
	MessageID      string    `json:"messageId"`
	Phone          string    `json:"phone"`
	ConnectedPhone string    `json:"connectedPhone"`
	FromMe         bool      `json:"fromMe"`
	FromAPI        bool      `json:"fromApi"`
	IsGroup        bool      `json:"isGroup"`
	IsNewsletter   bool      `json:"isNewsletter"`
	IsEdit         bool      `json:"isEdit"`
	IsStatusReply  bool      `json:"isStatusReply"`
	Broadcast      bool      `json:"broadcast"`
	Moment         Moment    `json:"momment"`
	Status         string    `json:"status"`
	ChatName       string    `json:"chatName"`
	SenderName     string    `json:"senderName"`
	SenderPhoto    string    `json:"senderPhoto"`
	Photo          string    `json:"photo"`
	// ReferenceMessageID is the quoted message on replies.
	ReferenceMessageID string `json:"referenceMessageId"`

	Text     *TextPayload     `json:"text,omitempty"`
	Image    *ImagePayload    `json:"image,omitempty"`
	Audio    *AudioPayload    `json:"audio,omitempty"`
	Video    *VideoPayload    `json:"video,omitempty"`
	Document *DocumentPayload `json:"document,omitempty"`
	Sticker  *StickerPayload  `json:"sticker,omitempty"`
	Contact  *ContactPayload  `json:"contact,omitempty"`
	Location *LocationPayload `json:"location,omitempty"`
	Reaction *ReactionPayload `json:"reaction,omitempty"`

	// MessageStatusCallback carries the affected ids here.
	IDs []string `json:"ids,omitempty"`

	// Connection events.
	Connected    *bool  `json:"connected,omitempty"`
	Disconnected bool   `json:"disconnected,omitempty"`
	Error        string `json:"error,omitempty"`
	QRCode       string `json:"qrcode,omitempty"`
	Value        string `json:"value,omitempty"`
}

type TextPayload struct {
	Message string `json:"message"`
}

type ImagePayload struct {
	ImageURL     string `json:"imageUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
	Caption      string `json:"caption"`
	MimeType     string `json:"mimeType"`
}

type AudioPayload struct {
	AudioURL string `json:"audioUrl"`
	MimeType string `json:"mimeType"`
	PTT      bool   `json:"ptt"`
	Seconds  int    `json:"seconds"`
}

type VideoPayload struct {
	VideoURL string `json:"videoUrl"`
	Caption  string `json:"caption"`
	MimeType string `json:"mimeType"`
}

type DocumentPayload struct {
	DocumentURL string `json:"documentUrl"`
	MimeType    string `json:"mimeType"`
	Title       string `json:"title"`
	FileName    string `json:"fileName"`
	Caption     string `json:"caption"`
}

type StickerPayload struct {
	StickerURL string `json:"stickerUrl"`
	MimeType   string `json:"mimeType"`
}

type ContactPayload struct {
	DisplayName string   `json:"displayName"`
	VCard       string   `json:"vCard"`
	Phones      []string `json:"phones"`
}

type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	URL       string  `json:"url"`
}

type ReactionPayload struct {
	Value             string            `json:"value"`
	Time              Moment            `json:"time"`
	ReferencedMessage ReferencedMessage `json:"referencedMessage"`
}

type ReferencedMessage struct {
	MessageID string `json:"messageId"`
	FromMe    bool   `json:"fromMe"`
	Phone     string `json:"phone"`
}

// Moment is a Unix timestamp in milliseconds. Z-API sends it as a number
// and, on some callbacks, as a numeric string.
type Moment int64

func (m *Moment) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid moment %q: %w", raw, err)
	}
	*m = Moment(int64(v))
	return nil
}

// Time converts the moment, falling back to fallback when unset. Second
// precision values are detected and scaled.
func (m Moment) Time(fallback time.Time) time.Time {
	if m <= 0 {
		return fallback
	}
	v := int64(m)
	if v < 1e12 {
		return time.Unix(v, 0).UTC()
	}
	return time.UnixMilli(v).UTC()
}

// Decode parses a webhook body.
func Decode(body []byte) (Webhook, error) {
	var w Webhook
	if err := json.Unmarshal(body, &w); err != nil {
		return Webhook{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	w.Phone = NormalizePhone(w.Phone)
	w.MessageID = strings.TrimSpace(w.MessageID)
	return w, nil
}

// NormalizePhone strips everything but digits. Group ids ("...-group") and
// JID suffixes are preserved verbatim so they can be recognized and ignored.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "-group") || strings.Contains(raw, "@") {
		return raw
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsGroupChat reports group, broadcast and newsletter traffic.
func (w Webhook) IsGroupChat() bool {
	return w.IsGroup || w.IsNewsletter || w.Broadcast || w.IsStatusReply ||
		strings.HasSuffix(w.Phone, "-group") || strings.HasSuffix(w.Phone, "@g.us") ||
		strings.HasSuffix(w.Phone, "@newsletter")
}

// IsSelfEcho reports a callback for a message this service sent through the
// API.
func (w Webhook) IsSelfEcho() bool {
	return w.Type == EventReceived && w.FromMe && w.FromAPI
}

// DisplayName picks the best available contact name.
func (w Webhook) DisplayName() string {
	for _, v := range []string{w.SenderName, w.ChatName} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// AvatarURL picks the contact photo.
func (w Webhook) AvatarURL() string {
	if s := strings.TrimSpace(w.Photo); s != "" {
		return s
	}
	return strings.TrimSpace(w.SenderPhoto)
}

// DeliveryStatus maps the provider status to the stored status. ok is false
// for statuses that carry no delivery information.
func DeliveryStatus(raw string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SENT":
		return DeliverySent, true
	case "RECEIVED", "DELIVERED", "DELIVERY_ACK":
		return DeliveryDelivered, true
	case "READ", "READ_BY_ME", "PLAYED":
		return DeliveryRead, true
	}
	return "", false
}

// StatusIDs returns the message ids a status callback refers to.
func (w Webhook) StatusIDs() []string {
	ids := make([]string, 0, len(w.IDs)+1)
	seen := map[string]struct{}{}
	for _, id := range append(append([]string{}, w.IDs...), w.MessageID) {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// QRCodeValue returns the QR payload of a qrcode-updated event.
func (w Webhook) QRCodeValue() string {
	if s := strings.TrimSpace(w.QRCode); s != "" {
		return s
	}
	return strings.TrimSpace(w.Value)
}

// ConnectionState reports the connected flag of a connection event.
func (w Webhook) ConnectionState() (connected bool, status string) {
	switch w.Type {
	case EventConnected:
		return true, "connected"
	case EventDisconnected:
		return false, coalesce(w.Error, "disconnected")
	}
	if w.Connected != nil {
		if *w.Connected {
			return true, coalesce(w.Status, "connected")
		}
		return false, coalesce(w.Status, w.Error, "disconnected")
	}
	s := strings.ToLower(strings.TrimSpace(w.Status))
	return s == "connected" || s == "open", coalesce(s, "unknown")
}

// Content is a normalized message body.
type Content struct {
	Text      string
	MediaType string
	MediaURL  string
	Mime      string
	Caption   string
	FileName  string
}

// HasContent reports whether the message carries text or media.
func (c Content) HasContent() bool {
	return strings.TrimSpace(c.Text) != "" || strings.TrimSpace(c.MediaURL) != ""
}

// Content maps the provider payload shapes into a single body. Stickers
// become images; contacts and locations become text.
func (w Webhook) Content() Content {
	switch {
	case w.Text != nil && strings.TrimSpace(w.Text.Message) != "":
		return Content{Text: w.Text.Message}
	case w.Image != nil && w.Image.ImageURL != "":
		return Content{MediaType: MediaImage, MediaURL: w.Image.ImageURL, Mime: w.Image.MimeType, Caption: w.Image.Caption, Text: w.Image.Caption}
	case w.Audio != nil && w.Audio.AudioURL != "":
		return Content{MediaType: MediaAudio, MediaURL: w.Audio.AudioURL, Mime: w.Audio.MimeType}
	case w.Video != nil && w.Video.VideoURL != "":
		return Content{MediaType: MediaVideo, MediaURL: w.Video.VideoURL, Mime: w.Video.MimeType, Caption: w.Video.Caption, Text: w.Video.Caption}
	case w.Document != nil && w.Document.DocumentURL != "":
		name := coalesce(w.Document.FileName, w.Document.Title)
		return Content{MediaType: MediaDocument, MediaURL: w.Document.DocumentURL, Mime: w.Document.MimeType, Caption: w.Document.Caption, FileName: name, Text: w.Document.Caption}
	case w.Sticker != nil && w.Sticker.StickerURL != "":
		return Content{MediaType: MediaImage, MediaURL: w.Sticker.StickerURL, Mime: coalesce(w.Sticker.MimeType, "image/webp")}
	case w.Contact != nil && (w.Contact.DisplayName != "" || len(w.Contact.Phones) > 0):
		text := "👤 " + strings.TrimSpace(w.Contact.DisplayName)
		if len(w.Contact.Phones) > 0 {
			text += "\n" + strings.Join(w.Contact.Phones, ", ")
		}
		return Content{Text: strings.TrimSpace(text)}
	case w.Location != nil && (w.Location.Latitude != 0 || w.Location.Longitude != 0):
		parts := []string{"📍"}
		if label := strings.TrimSpace(strings.TrimSpace(w.Location.Name) + " " + strings.TrimSpace(w.Location.Address)); label != "" {
			parts = append(parts, label)
		}
		link := w.Location.URL
		if link == "" {
			link = fmt.Sprintf("https://maps.google.com/?q=%f,%f", w.Location.Latitude, w.Location.Longitude)
		}
		return Content{Text: strings.Join(parts, " ") + "\n" + link}
	}
	return Content{}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
