package message

import (
	"strings"
	"unicode/utf8"
)

// DeletedPlaceholder replaces the content of soft-deleted messages.
const DeletedPlaceholder = "🚫 Mensagem apagada"

// MaxQuotedRunes bounds the quoted text stored on reply backlinks.
const MaxQuotedRunes = 100

var statusRank = map[Status]int{
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// StatusRank orders delivery statuses. Failed and unknown statuses rank 0.
func StatusRank(s Status) int {
	return statusRank[s]
}

// CanAdvance reports whether a message in from may move to to. Delivery
// callbacks never move a message backwards; a failed row accepts any
// provider confirmation since the provider evidently delivered it.
func CanAdvance(from, to Status) bool {
	target := StatusRank(to)
	if target == 0 {
		return false
	}
	if from == StatusFailed {
		return true
	}
	return target > StatusRank(from)
}

// Preview renders the conversation list preview for content and media.
func Preview(content string, media *Media) string {
	content = strings.TrimSpace(content)
	if media == nil {
		return Truncate(content, 200)
	}
	caption := strings.TrimSpace(media.Caption)
	switch media.Type {
	case MediaImage:
		if caption == "" {
			caption = "Imagem"
		}
		return "📷 " + Truncate(caption, 200)
	case MediaAudio:
		return "🎵 Áudio"
	case MediaVideo:
		if caption == "" {
			caption = "Vídeo"
		}
		return "🎥 " + Truncate(caption, 200)
	case MediaDocument:
		name := strings.TrimSpace(media.FileName)
		if name == "" {
			name = caption
		}
		if name == "" {
			name = "Documento"
		}
		return "📄 " + Truncate(name, 200)
	default:
		if content != "" {
			return Truncate(content, 200)
		}
		return "📎 Anexo"
	}
}

// Truncate cuts s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "…"
}

// UpsertReaction replaces the entry from the same author or appends r.
func UpsertReaction(list []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, 0, len(list)+1)
	replaced := false
	for _, existing := range list {
		if existing.SameAuthor(r) {
			if !replaced {
				out = append(out, r)
				replaced = true
			}
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, r)
	}
	return out
}

// RemoveReaction drops every entry from r's author.
func RemoveReaction(list []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, 0, len(list))
	for _, existing := range list {
		if existing.SameAuthor(r) {
			continue
		}
		out = append(out, existing)
	}
	return out
}
