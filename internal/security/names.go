// Package security validates names and identifiers read back from the
// synchronized folder. Every file in the store root arrives via an
// external synchronizer and must be treated as untrusted input: a
// tampered filename must never cause the store to read or write
// outside its own directory.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrBadRecordID = errors.New("invalid record id")
	ErrBadFileName = errors.New("invalid file name")
)

// ValidateRecordID checks that an id parsed out of a filename or event
// body is a plain UUID with no path metacharacters.
func ValidateRecordID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return fmt.Errorf("%w: %q", ErrBadRecordID, id)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBadRecordID, id, err)
	}
	return nil
}

// ValidateFileName checks that a name listed from the store directory
// is a bare local filename: no separators, no traversal, not hidden.
func ValidateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBadFileName)
	}
	if name != filepath.Base(name) || !filepath.IsLocal(name) {
		return fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	return nil
}
