package repocache

import (
	"errors"
	"fmt"
)

// NetworkError wraps a transient git clone/fetch failure. The cache
// retries nothing internally; retrying is the caller's choice.
type NetworkError struct {
	Name  string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure for %q: %v", e.Name, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// CorruptError means the cached clone exists but does not match the
// registered origin. Fatal for the request; deletion and re-clone is
// left to the user.
type CorruptError struct {
	Name     string
	Path     string
	WantURL  string
	FoundURL string
}

func (e *CorruptError) Error() string {
	if e.FoundURL == "" {
		return fmt.Sprintf("cached clone %s for %q has no origin remote (want %s)", e.Path, e.Name, e.WantURL)
	}
	return fmt.Sprintf("cached clone %s for %q tracks %s, want %s", e.Path, e.Name, e.FoundURL, e.WantURL)
}

// IsNetwork reports whether err is a transient network failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsCorrupt reports whether err marks a corrupted cache entry.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
