package registry

import (
	"errors"
	"fmt"
)

// ErrInvalidName is returned for names not matching ^[a-z0-9_-]+$.
var ErrInvalidName = errors.New("resource name must match ^[a-z0-9_-]+$")

// NotFoundError is returned when a resource lookup misses.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown resource %q", e.Name)
}

// DuplicateError is returned when adding a resource whose name already exists.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("resource %q already exists", e.Name)
}

// IsNotFound reports whether err is a registry lookup miss.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
