package valve

import (
	"context"
	"sync"
	"time"
)

// Command is a recorded actuator command.
type Command string

const (
	CmdOpen  Command = "open"
	CmdClose Command = "close"
)

// FakeActuator is a test double that records commands and returns scripted errors.
// It doubles as the simulated valve for running without hardware.
type FakeActuator struct {
	mu sync.Mutex

	// Commands contains every command received, successful or not.
	Commands []Command

	// OpenError, if set, will be returned by Open.
	OpenError error

	// CloseError, if set, will be returned by Close.
	CloseError error

	// Delay simulates valve travel time. Commands honour ctx while waiting.
	Delay time.Duration

	// Released tracks if Release was called.
	Released bool

	isOpen bool
}

// NewFakeActuator creates a closed FakeActuator.
func NewFakeActuator() *FakeActuator {
	return &FakeActuator{}
}

// Open records the command and opens the simulated valve.
func (f *FakeActuator) Open(ctx context.Context) error {
	return f.do(ctx, CmdOpen)
}

// Close records the command and closes the simulated valve.
func (f *FakeActuator) Close(ctx context.Context) error {
	return f.do(ctx, CmdClose)
}

func (f *FakeActuator) do(ctx context.Context, cmd Command) error {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	delay := f.Delay
	var err error
	if cmd == CmdOpen {
		err = f.OpenError
	} else {
		err = f.CloseError
	}
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.isOpen = cmd == CmdOpen
	f.mu.Unlock()
	return nil
}

// IsOpen reports the simulated valve position.
func (f *FakeActuator) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isOpen
}

// History returns a copy of the recorded commands.
func (f *FakeActuator) History() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.Commands))
	copy(out, f.Commands)
	return out
}

// SetErrors replaces the scripted errors.
func (f *FakeActuator) SetErrors(openErr, closeErr error) {
	f.mu.Lock()
	f.OpenError = openErr
	f.CloseError = closeErr
	f.mu.Unlock()
}

// Release marks the actuator as released and closes the simulated valve.
func (f *FakeActuator) Release() error {
	f.mu.Lock()
	f.Released = true
	f.isOpen = false
	f.mu.Unlock()
	return nil
}

// Reset clears recorded commands and errors.
func (f *FakeActuator) Reset() {
	f.mu.Lock()
	f.Commands = nil
	f.OpenError = nil
	f.CloseError = nil
	f.Released = false
	f.isOpen = false
	f.mu.Unlock()
}
