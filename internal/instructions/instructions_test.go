package instructions

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"forgeline/internal/repo"
)

func TestFSLoaderEmbeddedTemplates(t *testing.T) {
	var l FSLoader
	for _, name := range []string{"requirements", "planning", "stories", "codegen", "codegen_tests", "story_prompt"} {
		text, err := l.Load(name)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if text == "" {
			t.Fatalf("template %s is empty", name)
		}
	}
}

func TestFSLoaderOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "planning.md"), []byte("custom planning"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	l := FSLoader{OverrideDir: dir}
	text, err := l.Load("planning")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if text != "custom planning" {
		t.Fatalf("text = %q", text)
	}
	// stages without an override fall back to the embedded template
	if text, err := l.Load("stories"); err != nil || text == "custom planning" {
		t.Fatalf("fallback: %q %v", text, err)
	}
}

func TestFSLoaderUnknownStage(t *testing.T) {
	var l FSLoader
	if _, err := l.Load("deploy"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	s := Static{"requirements": "fixed"}
	if text, err := s.Load("requirements"); err != nil || text != "fixed" {
		t.Fatalf("load: %q %v", text, err)
	}
	if _, err := s.Load("planning"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
