// Package aggregator assembles the text context handed to the AI collaborator
// from approved upstream artifacts plus the current request's preferences.
package aggregator

import (
	"log"
	"strings"
	"unicode/utf8"
)

// Section is one labeled block of upstream context. Sections must be appended
// in pipeline order by the caller; the aggregator preserves their order.
type Section struct {
	Label string
	Body  string
}

// Aggregator builds deterministic context strings. Same sections and
// preferences always yield byte-identical output; there is no clock or
// randomness involved, which keeps generation reproducible in tests.
type Aggregator struct {
	// MaxChars is the soft budget. Zero means unlimited.
	MaxChars int
	Logger   *log.Logger
}

// TruncationMarker is appended whenever content had to be cut so the model
// (and the human reviewer) can see the context is incomplete.
const TruncationMarker = "\n[truncated]"

func (a Aggregator) logger() *log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.Default()
}

// Assemble concatenates sections in order with markdown headers, then the
// preferences block. Over-budget output is truncated with an explicit marker,
// never silently dropped.
func (a Aggregator) Assemble(sections []Section, preferences string) string {
	var b strings.Builder
	for _, s := range sections {
		if strings.TrimSpace(s.Body) == "" {
			continue
		}
		b.WriteString("## ")
		b.WriteString(s.Label)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(s.Body, "\n"))
		b.WriteString("\n\n")
	}
	if strings.TrimSpace(preferences) != "" {
		b.WriteString("## Preferences\n\n")
		b.WriteString(strings.TrimRight(preferences, "\n"))
		b.WriteString("\n")
	}
	out := b.String()
	if a.MaxChars > 0 && len(out) > a.MaxChars {
		a.logger().Printf("assembled context %d chars exceeds budget %d, truncating", len(out), a.MaxChars)
		marker := TruncationMarker
		cut := a.MaxChars - len(marker)
		if cut < 0 {
			// budget too small to even hold the marker; hard cut
			marker = ""
			cut = a.MaxChars
		}
		// never slice mid-rune
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + marker
	}
	return out
}
