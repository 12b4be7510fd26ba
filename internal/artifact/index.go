// Package artifact provides read-only access to the content-addressed
// artifact directory used for dedupe decisions.
package artifact

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Index is a flat directory of files whose stem is a content hash.
// Producers populate it out of band; the scheduler only checks existence.
type Index struct {
	dir string
}

// NewIndex creates an index over dir. The directory need not exist;
// absence is equivalent to "no artifacts".
func NewIndex(dir string) *Index {
	return &Index{dir: dir}
}

// Dir returns the indexed directory.
func (ix *Index) Dir() string {
	return ix.dir
}

// Has reports whether any file in the directory has key as its stem,
// extension ignored.
func (ix *Index) Has(key string) bool {
	if key == "" {
		return false
	}
	entries, err := os.ReadDir(ix.dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if stem == key {
			return true
		}
	}
	return false
}

// SHA1File computes the streaming SHA-1 of the file at path.
func SHA1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
