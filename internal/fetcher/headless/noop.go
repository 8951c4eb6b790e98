package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/clipvault/internal/media"
)

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("headless enumerator not configured")

// Noop implements media.Enumerator but always returns an error to indicate
// that no listing source is configured.
type Noop struct{}

// NewNoop creates a new Noop enumerator.
func NewNoop() *Noop {
	return &Noop{}
}

// Enumerate returns ErrNotConfigured.
func (Noop) Enumerate(_ context.Context, _ string) ([]media.Candidate, error) {
	return nil, ErrNotConfigured
}
