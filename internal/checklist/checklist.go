// Package checklist loads the external checklist document the analysis step
// works against. The text is opaque to the core beyond an emptiness check.
package checklist

import (
	"fmt"
	"os"
	"strings"
)

// Loader reads the active checklist text. The runner skips a cycle when the
// loaded text is empty.
type Loader interface {
	Load() (string, error)
}

// FileLoader reads the checklist from a file on every call so edits take
// effect on the next cycle without a restart.
type FileLoader struct {
	Path string
}

// NewFileLoader creates a loader for the given path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

// Load returns the checklist text. A missing file is not an error; it reads
// as an empty checklist, which the runner treats as a skip.
func (l *FileLoader) Load() (string, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read checklist: %w", err)
	}
	return string(data), nil
}

// IsEmpty reports whether the checklist has no actionable content.
func IsEmpty(text string) bool {
	return strings.TrimSpace(text) == ""
}
