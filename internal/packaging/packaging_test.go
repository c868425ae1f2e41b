package packaging

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"

	"forgeline/internal/domain"
)

func TestWriteZip(t *testing.T) {
	var buf bytes.Buffer
	artifacts := []domain.CodeArtifact{
		{Path: "src/calc.py", Content: "def add(a, b):\n    return a + b\n"},
		{Path: "tests/calc_test.py", Content: "def test_add(): pass\n"},
		{Filename: "README.md", Content: "# Calc\n"},
	}
	if err := WriteZip(&buf, artifacts); err != nil {
		t.Fatalf("write zip: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if len(zr.File) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(zr.File))
	}
	want := map[string]string{
		"src/calc.py":        "def add(a, b):\n    return a + b\n",
		"tests/calc_test.py": "def test_add(): pass\n",
		"README.md":          "# Calc\n",
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		if string(data) != want[f.Name] {
			t.Fatalf("%s content = %q", f.Name, data)
		}
	}
}

func TestWriteZipRejectsEscapingPaths(t *testing.T) {
	err := WriteZip(io.Discard, []domain.CodeArtifact{
		{Path: "../outside.txt", Content: "nope"},
	})
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("expected escape error, got %v", err)
	}
}

func TestWriteZipRejectsDuplicates(t *testing.T) {
	err := WriteZip(io.Discard, []domain.CodeArtifact{
		{Path: "a.go", Content: "one"},
		{Path: "./a.go", Content: "two"},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestWriteZipNormalizesBackslashes(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteZip(&buf, []domain.CodeArtifact{
		{Path: `src\win\main.go`, Content: "package main"},
	}); err != nil {
		t.Fatalf("write zip: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if zr.File[0].Name != "src/win/main.go" {
		t.Fatalf("entry name = %q", zr.File[0].Name)
	}
}
