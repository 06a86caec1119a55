package tachomotor

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
)

// PowerStage is the engine's view of the motor power electronics. The
// engine drives it once per tick whenever the commanded power changes, and
// whenever polarity is reconfigured.
type PowerStage interface {
	// SetDirection selects which way "run" turns the motor.
	SetDirection(ctx context.Context, polarity Polarity) error

	// SetCommand switches the stage between driving, coasting (outputs
	// floating), and braking (outputs shorted).
	SetCommand(ctx context.Context, cmd MotorCommand) error

	// SetDutyCycle sets the on-fraction, 0..100.
	SetDutyCycle(ctx context.Context, pct int) error
}

// hBridgePowerStage drives a two-input H-bridge (L298-style) from GPIO:
// in1/in2 select direction, both low coasts, both high brakes, and a PWM
// pin carries the duty cycle.
type hBridgePowerStage struct {
	mu      sync.Mutex
	in1     board.GPIOPin
	in2     board.GPIOPin
	pwm     board.GPIOPin
	forward bool
}

func newHBridgePowerStage(in1, in2, pwm board.GPIOPin) *hBridgePowerStage {
	return &hBridgePowerStage{in1: in1, in2: in2, pwm: pwm, forward: true}
}

func (h *hBridgePowerStage) SetDirection(ctx context.Context, polarity Polarity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forward = polarity == PolarityNormal
	return nil
}

func (h *hBridgePowerStage) SetCommand(ctx context.Context, cmd MotorCommand) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch cmd {
	case MotorRun:
		return multierr.Combine(
			h.in1.Set(ctx, h.forward, nil),
			h.in2.Set(ctx, !h.forward, nil),
		)
	case MotorBrake:
		return multierr.Combine(
			h.in1.Set(ctx, true, nil),
			h.in2.Set(ctx, true, nil),
		)
	default: // coast
		return multierr.Combine(
			h.in1.Set(ctx, false, nil),
			h.in2.Set(ctx, false, nil),
		)
	}
}

func (h *hBridgePowerStage) SetDutyCycle(ctx context.Context, pct int) error {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	return h.pwm.SetPWM(ctx, float64(pct)/100.0, nil)
}
