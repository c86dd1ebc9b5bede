// Package valve drives the irrigation valve with hardware abstraction.
// The real implementation switches a relay through a Linux GPIO character device.
// The fake implementation allows testing without hardware.
package valve

import "context"

// Actuator opens and closes the water valve.
// Implementations may block while the valve moves; callers bound each
// command with ctx.
type Actuator interface {
	// Open energises the valve. Returns error if the command failed.
	Open(ctx context.Context) error

	// Close de-energises the valve. Returns error if the command failed.
	Close(ctx context.Context) error

	// Release frees hardware resources, leaving the valve closed.
	Release() error
}

// DefaultPin is the BCM pin wired to the valve relay.
const DefaultPin = 17
