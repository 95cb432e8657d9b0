package ports

import "errors"

var (
	// ErrInvalidPortRange is returned by NewAllocator for a malformed range.
	ErrInvalidPortRange = errors.New("invalid port range")
	// ErrNoPortsAvailable is returned when the range scan is exhausted.
	ErrNoPortsAvailable = errors.New("no ports available")
	// ErrNotAllocated is returned when reserving a port with no allocation.
	ErrNotAllocated = errors.New("port not allocated")
	// ErrPortMismatch is returned when reserving a port held by another name.
	ErrPortMismatch = errors.New("port allocated to a different name")
)
