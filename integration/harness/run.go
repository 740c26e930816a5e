package harness

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Result is the captured outcome of one CLI invocation.
type Result struct {
	Args   []string
	Stdout string
	Stderr string
	Code   int
}

// CLI runs a built perftrack binary against one workspace.
type CLI struct {
	Bin       string
	Workspace string
	// Env overrides entries of the parent environment.
	Env map[string]string
}

// Run executes the CLI with --workspace appended to args. The working
// directory is the workspace's parent, which exists before init.
func (c *CLI) Run(t *testing.T, args ...string) Result {
	t.Helper()
	full := append(append([]string{}, args...), "--workspace", c.Workspace)
	return run(t, c.Bin, filepath.Dir(c.Workspace), full, c.Env)
}

// MustRun is Run that fails the test on a non-zero exit code.
func (c *CLI) MustRun(t *testing.T, args ...string) Result {
	t.Helper()
	res := c.Run(t, args...)
	if res.Code != 0 {
		t.Fatalf("perftrack %s exit code %d\nstdout:\n%s\nstderr:\n%s",
			strings.Join(res.Args, " "), res.Code, res.Stdout, res.Stderr)
	}
	return res
}

// Run executes binPath in workDir with args as given.
func Run(t *testing.T, binPath, workDir string, args []string) Result {
	t.Helper()
	return run(t, binPath, workDir, args, nil)
}

func run(t *testing.T, binPath, workDir string, args []string, env map[string]string) Result {
	t.Helper()

	cmd := exec.Command(binPath, args...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = mergeEnv(env)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Result{Args: args}
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			t.Fatalf("run %s: %v", binPath, err)
		}
		res.Code = ee.ExitCode()
	}
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	return res
}

func mergeEnv(overrides map[string]string) []string {
	env := make(map[string]string, len(overrides))
	for _, entry := range os.Environ() {
		key, val, _ := strings.Cut(entry, "=")
		env[key] = val
	}
	for k, v := range overrides {
		env[k] = v
	}

	merged := make([]string, 0, len(env))
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	sort.Strings(merged)
	return merged
}
