// Package workspace lays out the files one perftrack workspace owns.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables consulted when no explicit value is given.
const (
	EnvRoot   = "PERFTRACK_WORKSPACE"
	EnvConfig = "PERFTRACK_CONFIG"
)

// ConfigFile is the default config file name at the workspace root.
const ConfigFile = "perftrack.yml"

// ErrNoRoot is returned when neither an explicit root nor EnvRoot is set.
var ErrNoRoot = errors.New("workspace root is required")

// Workspace holds the absolute paths perftrack reads and writes.
type Workspace struct {
	Root             string
	HierarchyDir     string
	DataDir          string
	MeasurementsPath string
	ArtifactsDir     string
	ReportsDir       string
	AuditDir         string
	AuditDBPath      string
	StateDBPath      string
	LogDir           string
	ConfigPath       string
}

// Resolve opens an existing workspace. An empty root falls back to EnvRoot.
// Paths inside the workspace that exist must have the expected kind, so a
// stray file named "hierarchy" fails here instead of during a recompute.
func Resolve(root string) (*Workspace, error) {
	abs, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root is not a directory: %s", abs)
	}

	ws := layout(abs)
	if err := ws.checkLayout(); err != nil {
		return nil, err
	}
	return ws, nil
}

// ResolveRoot returns the absolute workspace root without requiring it to exist.
func ResolveRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = strings.TrimSpace(os.Getenv(EnvRoot))
	}
	if root == "" {
		return "", ErrNoRoot
	}
	expanded, err := expand(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return abs, nil
}

// UseConfig points ConfigPath at path, or at EnvConfig when path is empty.
// Relative paths are taken from the workspace root. With neither set the
// default <root>/perftrack.yml stays in place.
func (w *Workspace) UseConfig(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfig))
	}
	if path == "" {
		return nil
	}
	resolved, err := w.ResolvePath(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return fmt.Errorf("config path is a directory: %s", resolved)
	}
	w.ConfigPath = resolved
	return nil
}

// EnsureDirs creates the directories perftrack writes into.
func (w *Workspace) EnsureDirs() error {
	for _, dir := range w.dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return nil
}

// ResolvePath makes path absolute. Environment variables and a leading ~ are
// expanded; relative results are anchored at the workspace root.
func (w *Workspace) ResolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	expanded, err := expand(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(w.Root, expanded)
	}
	return filepath.Clean(expanded), nil
}

// Rel returns path relative to the workspace root when it lies inside it.
func (w *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(w.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

func layout(root string) *Workspace {
	data := filepath.Join(root, "data")
	artifacts := filepath.Join(root, "artifacts")
	audit := filepath.Join(root, "audit")
	return &Workspace{
		Root:             root,
		HierarchyDir:     filepath.Join(root, "hierarchy"),
		DataDir:          data,
		MeasurementsPath: filepath.Join(data, "measurements.sqlite"),
		ArtifactsDir:     artifacts,
		ReportsDir:       filepath.Join(artifacts, "reports"),
		AuditDir:         audit,
		AuditDBPath:      filepath.Join(audit, "audit.sqlite"),
		StateDBPath:      filepath.Join(audit, "daemon.sqlite"),
		LogDir:           filepath.Join(root, "logs"),
		ConfigPath:       filepath.Join(root, ConfigFile),
	}
}

func (w *Workspace) dirs() []string {
	return []string{w.HierarchyDir, w.DataDir, w.ArtifactsDir, w.ReportsDir, w.AuditDir, w.LogDir}
}

func (w *Workspace) checkLayout() error {
	for _, dir := range w.dirs() {
		info, err := os.Stat(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("workspace layout: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("workspace layout: %s is not a directory", w.Rel(dir))
		}
	}
	return nil
}

// expand substitutes $VAR references, then a leading ~ or ~/.
func expand(path string) (string, error) {
	path = os.ExpandEnv(path)
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return "", fmt.Errorf("unsupported home expansion: %s", path)
}
