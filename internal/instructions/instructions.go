// Package instructions resolves the fixed instruction template for each
// pipeline stage. Defaults are embedded; a workspace directory can override
// them per stage with <stage>.md files.
package instructions

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forgeline/internal/repo"
)

//go:embed templates/*.md
var templatesFS embed.FS

// Loader resolves instruction text by stage name.
type Loader interface {
	Load(stageName string) (string, error)
}

// FSLoader checks OverrideDir first, then the embedded templates.
type FSLoader struct {
	OverrideDir string
}

func (l FSLoader) Load(stageName string) (string, error) {
	name := strings.TrimSpace(stageName)
	if name == "" {
		return "", fmt.Errorf("stage name required: %w", repo.ErrNotFound)
	}
	if l.OverrideDir != "" {
		data, err := os.ReadFile(filepath.Join(l.OverrideDir, name+".md"))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
	data, err := templatesFS.ReadFile("templates/" + name + ".md")
	if err != nil {
		return "", fmt.Errorf("no instructions registered for stage %s: %w", name, repo.ErrNotFound)
	}
	return string(data), nil
}

// Static serves fixed strings; used by tests.
type Static map[string]string

func (s Static) Load(stageName string) (string, error) {
	text, ok := s[stageName]
	if !ok {
		return "", fmt.Errorf("no instructions registered for stage %s: %w", stageName, repo.ErrNotFound)
	}
	return text, nil
}
