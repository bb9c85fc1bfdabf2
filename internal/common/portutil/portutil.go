// Package portutil provides helpers for local port allocation and probing.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort allocates an available port using OS assignment.
// This approach is thread-safe and avoids port conflicts.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// CheckAvailable verifies the given port is not in use by attempting a
// wildcard bind, matching what the agent server does with ":port".
func CheckAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("port %d unavailable: %w", port, err)
	}
	return ln.Close()
}
