// Package prune clips long text to a byte and line budget while keeping its
// head and tail, so a pasted wall of text cannot crowd a completion prompt.
package prune

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMarker   = "[truncated]"
	DefaultMaxBytes = 2 * 1024
	DefaultMaxLines = 40
)

// Config bounds the output. Zero fields take the defaults; head and tail
// default to a third of the budget each.
type Config struct {
	MaxBytes int
	MaxLines int
	Marker   string
}

// Exceeds reports whether s is over either budget.
func Exceeds(s string, maxBytes, maxLines int) bool {
	return len(s) > maxBytes || CountLines(s) > maxLines
}

// CountLines counts newline-separated lines; the empty string has none.
func CountLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// Text returns s unchanged when it fits, otherwise its head and tail joined
// by the marker. The result never exceeds the budget.
func Text(s string, cfg Config) string {
	cfg = normalize(cfg)
	if !Exceeds(s, cfg.MaxBytes, cfg.MaxLines) {
		return s
	}
	headBytes, tailBytes := cfg.MaxBytes/3, cfg.MaxBytes/3
	headLines, tailLines := maxInt(cfg.MaxLines/3, 1), maxInt(cfg.MaxLines/3, 1)
	head := prefix(s, headBytes, headLines)
	tail := suffix(s, tailBytes, tailLines)
	out := fmt.Sprintf("%s\n%s (%d bytes, %d lines)\n%s", head, cfg.Marker, len(s), CountLines(s), tail)
	if Exceeds(out, cfg.MaxBytes, cfg.MaxLines) {
		return prefix(out, cfg.MaxBytes, cfg.MaxLines)
	}
	return out
}

func normalize(cfg Config) Config {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	return cfg
}

func prefix(s string, maxBytes, maxLines int) string {
	if maxBytes < len(s) {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxLines {
		s = strings.Join(lines[:maxLines], "\n")
	}
	return s
}

func suffix(s string, maxBytes, maxLines int) string {
	if maxBytes < len(s) {
		start := len(s) - maxBytes
		for start < len(s) && !utf8.RuneStart(s[start]) {
			start++
		}
		s = s[start:]
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxLines {
		s = strings.Join(lines[len(lines)-maxLines:], "\n")
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
