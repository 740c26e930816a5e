package hierarchy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"
)

// Fingerprint hashes the hierarchy YAML files in dir. Returns an empty string if dir does not exist.
func Fingerprint(dir string) (string, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat hierarchy dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", dir)
	}

	files, err := hierarchyFiles(dir)
	if err != nil {
		return "", err
	}
	fp := newFingerprinter()
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		fp.add(filepath.Base(path), data)
	}
	return fp.sum(), nil
}

func hierarchyFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("scan hierarchy dir: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

type fingerprinter struct {
	h hash.Hash
}

func newFingerprinter() *fingerprinter {
	return &fingerprinter{h: sha256.New()}
}

// add must be called in sorted file-name order.
func (f *fingerprinter) add(name string, data []byte) {
	sum := sha256.Sum256(data)
	_, _ = f.h.Write([]byte(name))
	_, _ = f.h.Write(sum[:])
}

func (f *fingerprinter) sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}
