// Package delta computes and applies the textual patches stored as
// content delta events. A record's current value is the fold of its
// patches over time, seeded from the empty string.
package delta

import (
	"errors"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var ErrMalformedPatch = errors.New("malformed patch text")

// Codec wraps a diff-match-patch instance. Patch computation and
// application are pure functions; a Codec is safe for concurrent use.
type Codec struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func New() *Codec {
	return &Codec{dmp: diffmatchpatch.New()}
}

// Make produces the patch text transforming oldText into newText.
// oldText == "" is the valid create case.
func (c *Codec) Make(oldText, newText string) string {
	patches := c.dmp.PatchMake(oldText, newText)
	return c.dmp.PatchToText(patches)
}

// Apply applies patch text to a base string. Application against an
// unexpected base may partially succeed; the partial result is returned
// rather than an error, since records are reconstructed independently
// and a best-effort value beats losing the whole record.
func (c *Codec) Apply(patchText, base string) (string, error) {
	patches, err := c.dmp.PatchFromText(patchText)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPatch, err)
	}

	result, _ := c.dmp.PatchApply(patches, base)
	return result, nil
}
