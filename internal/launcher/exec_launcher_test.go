package launcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ardenmoss/bdg/internal/launcher"
)

func TestResolveChromeBinary_PrefersExplicitPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fake := filepath.Join(dir, "fake-chrome")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	l := launcher.NewExecLauncher()
	h, err := l.Launch(context.Background(), launcher.Options{
		ChromeBinPath: fake,
		Port:          9222,
		UserDataDir:   dir,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if h.Port != 9222 {
		t.Fatalf("Port = %d, want 9222", h.Port)
	}
	l.Kill(h)
}

func TestResolveChromeBinary_MissingBinaryErrors(t *testing.T) {
	t.Parallel()
	l := launcher.NewExecLauncher()
	_, err := l.Launch(context.Background(), launcher.Options{
		ChromeBinPath: "/definitely/not/a/real/binary",
	})
	if err == nil {
		t.Fatal("expected an error for a nonexistent chrome binary")
	}
}
