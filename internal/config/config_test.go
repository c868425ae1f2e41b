package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "proj-1" || cfg.Project.Kind != "software-project" {
		t.Fatalf("project = %+v", cfg.Project)
	}
	if len(cfg.AI.BaseURLs) == 0 {
		t.Fatalf("default config has no ai endpoints")
	}
	if cfg.AI.Models.Codegen == "" || cfg.AI.Models.CodegenComplex == "" {
		t.Fatalf("models = %+v", cfg.AI.Models)
	}
	if cfg.Context.MaxChars <= 0 {
		t.Fatalf("max chars = %d", cfg.Context.MaxChars)
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("proj-2")))
	if err != nil {
		t.Fatalf("parse generated default: %v", err)
	}
	if cfg.Project.ID != "proj-2" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing id",
			yaml: "project:\n  kind: software-project\n",
			want: "project.id",
		},
		{
			name: "wrong kind",
			yaml: "project:\n  id: p\n  kind: library\n",
			want: "software-project",
		},
		{
			name: "no endpoints",
			yaml: "project:\n  id: p\n  kind: software-project\n",
			want: "base_urls",
		},
		{
			name: "missing models",
			yaml: "project:\n  id: p\n  kind: software-project\nai:\n  base_urls: [http://x]\n",
			want: "models",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := FromYAML([]byte(c.yaml))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("expected error containing %q, got %v", c.want, err)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file: cfg=%v err=%v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "forgeline.yml"), []byte(GenerateDefault("p")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("present file: cfg=%v err=%v", cfg, err)
	}
	if cfg.Project.ID != "p" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
}

func TestWebhookValidation(t *testing.T) {
	yaml := GenerateDefault("p") + "\nwebhooks:\n  - events: [stage.failed]\n"
	if _, err := FromYAML([]byte(yaml)); err == nil || !strings.Contains(err.Error(), "url") {
		t.Fatalf("webhook without url must fail, got %v", err)
	}
}
