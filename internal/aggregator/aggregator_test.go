package aggregator

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestAssembleOrderedSections(t *testing.T) {
	a := Aggregator{}
	sections := []Section{
		{Label: "Requirements", Body: "the requirements\n"},
		{Label: "Plan", Body: "the plan"},
	}
	got := a.Assemble(sections, "use Go")
	want := "## Requirements\n\nthe requirements\n\n## Plan\n\nthe plan\n\n## Preferences\n\nuse Go\n"
	if got != want {
		t.Fatalf("assemble = %q, want %q", got, want)
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	a := Aggregator{}
	sections := []Section{
		{Label: "Requirements", Body: "alpha"},
		{Label: "User Stories", Body: "beta"},
	}
	first := a.Assemble(sections, "prefs")
	for i := 0; i < 5; i++ {
		if got := a.Assemble(sections, "prefs"); got != first {
			t.Fatalf("run %d differs: %q vs %q", i, got, first)
		}
	}
}

func TestAssembleSkipsEmptySections(t *testing.T) {
	a := Aggregator{}
	got := a.Assemble([]Section{
		{Label: "Requirements", Body: "   "},
		{Label: "Plan", Body: "the plan"},
	}, "")
	if strings.Contains(got, "Requirements") {
		t.Fatalf("blank section leaked: %q", got)
	}
	if got != "## Plan\n\nthe plan\n\n" {
		t.Fatalf("assemble = %q", got)
	}
}

func TestAssembleTruncates(t *testing.T) {
	a := Aggregator{MaxChars: 40}
	got := a.Assemble([]Section{
		{Label: "Requirements", Body: strings.Repeat("x", 200)},
	}, "")
	if len(got) != 40 {
		t.Fatalf("len = %d, want 40", len(got))
	}
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Fatalf("missing truncation marker: %q", got)
	}
}

func TestAssembleTruncatesOnRuneBoundary(t *testing.T) {
	a := Aggregator{MaxChars: 42}
	got := a.Assemble([]Section{
		{Label: "Requirements", Body: strings.Repeat("é", 200)},
	}, "")
	if len(got) > 42 {
		t.Fatalf("len = %d, want <= 42", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated output is not valid utf-8: %q", got)
	}
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Fatalf("missing truncation marker: %q", got)
	}
}

func TestAssembleTinyBudget(t *testing.T) {
	a := Aggregator{MaxChars: 5}
	got := a.Assemble([]Section{
		{Label: "Plan", Body: strings.Repeat("x", 100)},
	}, "")
	if len(got) > 5 {
		t.Fatalf("len = %d, want <= 5", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("output is not valid utf-8: %q", got)
	}
}

func TestAssembleUnderBudgetUntouched(t *testing.T) {
	a := Aggregator{MaxChars: 10_000}
	got := a.Assemble([]Section{{Label: "Plan", Body: "short"}}, "")
	if strings.Contains(got, TruncationMarker) {
		t.Fatalf("unexpected truncation: %q", got)
	}
}
