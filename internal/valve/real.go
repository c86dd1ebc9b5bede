//go:build linux

package valve

import (
	"context"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOValve drives the valve relay from a GPIO output line.
type GPIOValve struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// NewGPIOValve requests pin on gpiochip0 as an output, initially closed.
// With activeLow the relay energises on a low level, as most opto-isolated
// relay boards do.
func NewGPIOValve(pin int, activeLow bool) (*GPIOValve, error) {
	chip, err := gpiocdev.NewChip("gpiochip0", gpiocdev.WithConsumer("irrigationd"))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := chip.RequestLine(pin, opts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request valve pin %d: %w", pin, err)
	}

	return &GPIOValve{chip: chip, line: line}, nil
}

// Open sets the line active.
func (v *GPIOValve) Open(ctx context.Context) error {
	return v.set(ctx, 1)
}

// Close sets the line inactive.
func (v *GPIOValve) Close(ctx context.Context) error {
	return v.set(ctx, 0)
}

func (v *GPIOValve) set(ctx context.Context, value int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := v.line.SetValue(value); err != nil {
		return fmt.Errorf("set valve line %d: %w", value, err)
	}
	return nil
}

// Release closes the valve and reconfigures the pin to input with pull-down
// (matching Pi boot defaults) before releasing it, so the relay cannot be
// left energised across a reboot.
func (v *GPIOValve) Release() error {
	var errs []error

	if v.line != nil {
		if err := v.line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("close valve: %w", err))
		}
		if err := v.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure valve pin: %w", err))
		}
		if err := v.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close valve pin: %w", err))
		}
	}
	if v.chip != nil {
		if err := v.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("release errors: %v", errs)
	}
	return nil
}
