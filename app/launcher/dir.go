package launcher

import (
	"fmt"
	"os"
)

// EnsureDir makes sure directory exists, creating it with parents if missing.
// Existing directory is not an error, existing non-directory is.
func EnsureDir(path string) error {
	if path == "" {
		return fmt.Errorf("empty directory path")
	}
	if err := os.MkdirAll(path, 0o755); err != nil { //nolint:gosec // pipeline containers need to read it
		return fmt.Errorf("can't make directory %s: %w", path, err)
	}
	return nil
}
