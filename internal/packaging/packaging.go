// Package packaging exports approved codegen artifacts as a zip archive.
package packaging

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"

	"forgeline/internal/domain"
)

// WriteZip streams the artifacts as a zip archive. Paths are normalized and
// must stay inside the archive root; a generated "../" path is refused rather
// than silently rewritten.
func WriteZip(w io.Writer, artifacts []domain.CodeArtifact) error {
	zw := zip.NewWriter(w)
	seen := map[string]bool{}
	for _, a := range artifacts {
		name, err := archivePath(a)
		if err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("duplicate artifact path %s", name)
		}
		seen[name] = true
		f, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(f, a.Content); err != nil {
			return err
		}
	}
	return zw.Close()
}

func archivePath(a domain.CodeArtifact) (string, error) {
	p := a.Path
	if p == "" {
		p = a.Filename
	}
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("artifact path %q escapes the archive", a.Path)
	}
	return p, nil
}
