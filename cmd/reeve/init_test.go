package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/reeve/internal/config"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	out := buf.String()

	// Verify the data directory exists.
	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil {
		t.Errorf("expected data directory: %v", err)
	} else if !info.IsDir() {
		t.Error("data is not a directory")
	}

	// Verify config.yaml exists with restricted permissions.
	cfgInfo, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// Verify output contains the created marker.
	if !strings.Contains(out, "✓") {
		t.Error("output missing ✓ marker for created files")
	}
	if !strings.Contains(out, "config.yaml") {
		t.Error("output missing config.yaml")
	}
}

func TestRunInit_ExampleConfigIsValid(t *testing.T) {
	// The embedded example must stay loadable as the config package
	// evolves; init would otherwise hand users a broken starting point.
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("example config did not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config did not validate: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Store.Backend)
	}
}

func TestRunInit_SkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	// First run: create everything.
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("first runInit failed: %v", err)
	}

	// Write a sentinel into config.yaml so we can verify it isn't overwritten.
	sentinel := []byte("# sentinel — do not overwrite\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), sentinel, 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	// Second run: should skip existing files.
	buf.Reset()
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit failed: %v", err)
	}

	out := buf.String()

	// Verify skip marker appears.
	if !strings.Contains(out, "exists, skipping") {
		t.Error("output missing 'exists, skipping' for pre-existing files")
	}

	// Verify config.yaml was NOT overwritten.
	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml after second run: %v", err)
	}
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml was overwritten: got %d bytes", len(got))
	}
}

func TestWriteIfMissing(t *testing.T) {
	clearUmask(t)

	t.Run("writes new file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fresh.yaml")
		var out bytes.Buffer

		if err := writeIfMissing(&out, path, []byte("contents\n"), 0o640); err != nil {
			t.Fatalf("writeIfMissing: %v", err)
		}
		if !strings.Contains(out.String(), "✓") {
			t.Errorf("output = %q, want ✓ marker", out.String())
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if string(got) != "contents\n" {
			t.Errorf("content = %q", got)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o640 {
			t.Errorf("mode = %o, want 0640", perm)
		}
	})

	t.Run("leaves existing file alone", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kept.yaml")
		if err := os.WriteFile(path, []byte("user edits"), 0o600); err != nil {
			t.Fatalf("seed: %v", err)
		}

		var out bytes.Buffer
		if err := writeIfMissing(&out, path, []byte("replacement"), 0o600); err != nil {
			t.Fatalf("writeIfMissing: %v", err)
		}
		if !strings.Contains(out.String(), "exists, skipping") {
			t.Errorf("output = %q, want skip notice", out.String())
		}
		got, _ := os.ReadFile(path)
		if string(got) != "user edits" {
			t.Errorf("content = %q, want original preserved", got)
		}
	})

	t.Run("surfaces create failure", func(t *testing.T) {
		// A regular file where a directory is needed makes OpenFile
		// fail with something other than ErrExist.
		dir := t.TempDir()
		blocker := filepath.Join(dir, "blocker")
		if err := os.WriteFile(blocker, []byte("file"), 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}

		var out bytes.Buffer
		err := writeIfMissing(&out, filepath.Join(blocker, "under.yaml"), []byte("x"), 0o644)
		if err == nil {
			t.Fatal("writeIfMissing succeeded, want error")
		}
		if !strings.Contains(err.Error(), "create") {
			t.Errorf("error = %q, want create context", err)
		}
	})
}
