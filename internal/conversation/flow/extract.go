package flow

import (
	"regexp"
	"strings"
)

// Extracted holds the structured fields found in a customer message.
type Extracted struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	Value string `json:"value,omitempty"`
	Date  string `json:"date,omitempty"`
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+?55[\s\-]?)?\(?\d{2}\)?[\s\-]?9?\d{4}[\s\-]?\d{4}`)
	valuePattern = regexp.MustCompile(`(?i)R\$\s?\d{1,3}(?:\.\d{3})*(?:,\d{2})?|\d+(?:,\d{2})?\s?reais`)
	datePattern  = regexp.MustCompile(`\b\d{1,2}/\d{1,2}(?:/\d{2,4})?\b`)
	namePattern  = regexp.MustCompile(`(?i:meu nome [ée]|me chamo|aqui [ée] (?:o|a))\s+(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+){0,3})`)
)

// Extract applies regex heuristics to text. Missing fields stay empty.
func Extract(text string) Extracted {
	var out Extracted
	if m := namePattern.FindStringSubmatch(text); len(m) > 1 {
		out.Name = strings.TrimSpace(m[1])
	}
	out.Email = emailPattern.FindString(text)
	if m := phonePattern.FindString(emailPattern.ReplaceAllString(text, " ")); m != "" {
		out.Phone = digitsOnly(m)
	}
	out.Value = strings.TrimSpace(valuePattern.FindString(text))
	out.Date = datePattern.FindString(text)
	return out
}

// IsZero reports whether nothing was extracted.
func (e Extracted) IsZero() bool {
	return e == Extracted{}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
