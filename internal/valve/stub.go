//go:build !linux

package valve

import (
	"context"
	"errors"
)

// GPIOValve is not available on non-Linux platforms.
type GPIOValve struct{}

// NewGPIOValve returns an error on non-Linux platforms.
func NewGPIOValve(pin int, activeLow bool) (*GPIOValve, error) {
	return nil, errors.New("valve: gpio not supported on this platform (requires Linux)")
}

// Open is not implemented on non-Linux platforms.
func (v *GPIOValve) Open(ctx context.Context) error {
	return errors.New("valve: gpio not supported")
}

// Close is not implemented on non-Linux platforms.
func (v *GPIOValve) Close(ctx context.Context) error {
	return errors.New("valve: gpio not supported")
}

// Release is a no-op on non-Linux platforms.
func (v *GPIOValve) Release() error {
	return nil
}
