package workspace

import (
	"errors"
	"fmt"
)

// ErrGitCommandFailed is returned when a git worktree command fails.
var ErrGitCommandFailed = errors.New("git command failed")

// MissingError is returned when clearing or inspecting a workspace
// that does not exist on disk.
type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("workspace %q does not exist", e.Key)
}

// IsMissing reports whether err marks a non-existent workspace.
func IsMissing(err error) bool {
	var me *MissingError
	return errors.As(err, &me)
}
