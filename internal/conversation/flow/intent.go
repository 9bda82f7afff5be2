package flow

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var keywordsYAML []byte

// KeywordTable is the versioned intent table.
type KeywordTable struct {
	Version    int               `yaml:"version"`
	Categories []KeywordCategory `yaml:"categories"`
}

// KeywordCategory lists the keywords of one business intent.
type KeywordCategory struct {
	Name           string   `yaml:"name"`
	BaseConfidence float64  `yaml:"base_confidence"`
	Keywords       []string `yaml:"keywords"`
}

// Match is one category detected in a message.
type Match struct {
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords"`
}

// Classification is the result of Classify. Matches are ordered by
// descending confidence.
type Classification struct {
	Version   int       `json:"version"`
	Matches   []Match   `json:"matches"`
	Extracted Extracted `json:"extracted"`
}

// Top returns the highest confidence match.
func (c Classification) Top() (Match, bool) {
	if len(c.Matches) == 0 {
		return Match{}, false
	}
	return c.Matches[0], true
}

var defaultTable = mustLoadTable(keywordsYAML)

// DefaultTable returns the embedded keyword table.
func DefaultTable() KeywordTable {
	return defaultTable
}

// ParseTable decodes a keyword table and folds its keywords.
func ParseTable(raw []byte) (KeywordTable, error) {
	var table KeywordTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return KeywordTable{}, fmt.Errorf("parse keyword table: %w", err)
	}
	if table.Version <= 0 {
		return KeywordTable{}, fmt.Errorf("keyword table version is required")
	}
	for i, cat := range table.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return KeywordTable{}, fmt.Errorf("keyword category %d has no name", i)
		}
		seen := map[string]struct{}{}
		folded := make([]string, 0, len(cat.Keywords))
		for _, kw := range cat.Keywords {
			kw = fold(kw)
			if kw == "" {
				continue
			}
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			folded = append(folded, kw)
		}
		table.Categories[i].Keywords = folded
	}
	return table, nil
}

func mustLoadTable(raw []byte) KeywordTable {
	table, err := ParseTable(raw)
	if err != nil {
		panic(err)
	}
	return table
}

// Classify scans text against the embedded table.
func Classify(text string) Classification {
	return defaultTable.Classify(text)
}

// Classify scores every category independently:
// confidence = base * matched / total, capped at 1.
func (t KeywordTable) Classify(text string) Classification {
	out := Classification{Version: t.Version, Extracted: Extract(text)}
	haystack := " " + fold(text) + " "
	if strings.TrimSpace(haystack) == "" {
		return out
	}
	for _, cat := range t.Categories {
		if len(cat.Keywords) == 0 {
			continue
		}
		var matched []string
		for _, kw := range cat.Keywords {
			if strings.Contains(haystack, " "+kw+" ") {
				matched = append(matched, kw)
			}
		}
		if len(matched) == 0 {
			continue
		}
		confidence := cat.BaseConfidence * float64(len(matched)) / float64(len(cat.Keywords))
		if confidence > 1 {
			confidence = 1
		}
		out.Matches = append(out.Matches, Match{Category: cat.Name, Confidence: confidence, Keywords: matched})
	}
	sort.SliceStable(out.Matches, func(i, j int) bool {
		return out.Matches[i].Confidence > out.Matches[j].Confidence
	})
	return out
}

var accentFolder = runes.Remove(runes.In(unicode.Mn))

// fold lowercases, strips diacritics and collapses everything that is not a
// letter or digit into single spaces.
func fold(s string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, accentFolder, norm.NFC), s)
	if err != nil {
		stripped = s
	}
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
