package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/shellmux/internal/config"
)

func TestReadTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	old := config.Cfg
	config.Cfg.LogPath = path
	defer func() { config.Cfg = old }()

	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	got, err := ReadTail(3)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if got != "line 8\nline 9\nline 10" {
		t.Errorf("unexpected tail: %q", got)
	}
}

func TestReadTail_MissingFile(t *testing.T) {
	old := config.Cfg
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "missing.log")
	defer func() { config.Cfg = old }()

	got, err := ReadTail(5)
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if got != "" {
		t.Errorf("expected empty tail, got %q", got)
	}
}
