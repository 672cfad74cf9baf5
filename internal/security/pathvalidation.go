// Package security validates file names taken from project files before they
// are joined onto data directories.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateRelativeName checks that name is a relative path that stays inside
// the directory it is joined to. The check is lexical, so it works before
// the directory exists.
func ValidateRelativeName(name string) error {
	if name == "" {
		return fmt.Errorf("empty file name")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("file name %q must be relative", name)
	}
	clean := filepath.Clean(name)
	if clean == "." {
		return fmt.Errorf("file name %q names the directory itself", name)
	}
	// Reject paths that escape the directory
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %s escapes its directory", name)
	}
	return nil
}

// ValidateRelativeNames applies ValidateRelativeName to every name.
func ValidateRelativeNames(names []string) error {
	for _, n := range names {
		if err := ValidateRelativeName(n); err != nil {
			return err
		}
	}
	return nil
}
