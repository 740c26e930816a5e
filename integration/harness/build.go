package harness

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	buildPath string
	buildErr  error
)

var (
	repoRootOnce sync.Once
	repoRoot     string
	repoRootErr  error
)

// RepoRoot returns the repository root for the current module.
func RepoRoot(t *testing.T) string {
	t.Helper()
	root, err := repoRootPath()
	if err != nil {
		t.Fatalf("resolve repo root: %v", err)
	}
	return root
}

func repoRootPath() (string, error) {
	repoRootOnce.Do(func() {
		_, file, _, ok := runtime.Caller(0)
		if !ok {
			repoRootErr = fmt.Errorf("runtime.Caller failed")
			return
		}

		root := filepath.Dir(filepath.Dir(filepath.Dir(file)))
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			repoRootErr = fmt.Errorf("verify repo root: %w", err)
			return
		}
		repoRoot = root
	})
	return repoRoot, repoRootErr
}

// BuildBinary returns the perftrack CLI for the smoke tests. PERFTRACK_BIN
// points at a prebuilt binary; otherwise the CLI is compiled once per run.
func BuildBinary(t *testing.T) string {
	t.Helper()
	if prebuilt := os.Getenv("PERFTRACK_BIN"); prebuilt != "" {
		if _, err := os.Stat(prebuilt); err != nil {
			t.Fatalf("PERFTRACK_BIN: %v", err)
		}
		return prebuilt
	}
	if testing.Short() {
		t.Skip("skipping CLI build in -short mode")
	}
	root := RepoRoot(t)

	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "perftrack-bin-")
		if err != nil {
			buildErr = fmt.Errorf("create temp dir: %w", err)
			return
		}
		outPath := filepath.Join(dir, "perftrack")
		if runtime.GOOS == "windows" {
			outPath += ".exe"
		}

		cmd := exec.Command("go", "build", "-o", outPath, "./cmd/perftrack")
		cmd.Dir = root
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			buildErr = fmt.Errorf("go build failed: %w\nstderr:\n%s", err, stderr.String())
			return
		}
		buildPath = outPath
	})

	if buildErr != nil {
		t.Fatalf("build perftrack binary: %v", buildErr)
	}
	return buildPath
}

// Fixture copies the named directory under integration/fixtures into a fresh
// temp dir and returns its path.
func Fixture(t *testing.T, name string) string {
	t.Helper()
	dst := filepath.Join(t.TempDir(), name)
	CopyDir(t, filepath.Join(RepoRoot(t), "integration", "fixtures", name), dst)
	return dst
}
