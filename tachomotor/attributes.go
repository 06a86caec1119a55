package tachomotor

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// maxRampMS bounds the ramp setpoints, matching the longest ramp the
// progress math stays well-conditioned for.
const maxRampMS = 10000

// SetRun starts or stops a move. Writing true from idle launches the
// configured run mode; writing false while moving begins a ramp down (or an
// immediate stop for positional moves, whose ramp down is position-driven).
// Writing false while already idle still runs a settle pass, folding any
// edges that arrived while coasting into the position. Either way the
// control loop keeps running until the machine settles back to idle on its
// own. While the emergency stop is armed, any run write forces the machine
// straight to the stop phase instead.
func (e *Engine) SetRun(ctx context.Context, run bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.estop != 0:
		e.state = StateStop
	case !run:
		if e.state == StateIdle {
			e.state = StateStop
		} else {
			e.ramp.down.start = e.ramp.count
			e.ramp.down.end = e.ramp.count + e.rampDownSP
			if e.runMode == RunPosition {
				e.state = StateStop
			} else {
				e.state = StateRampDown
			}
		}
	case run && e.state == StateIdle:
		switch e.runMode {
		case RunForever:
			e.state = StateRunForever
		case RunTimed:
			e.state = StateSetupRampTime
		case RunPosition:
			e.state = StateSetupRampPosition
		}
	default:
		// Already in the requested condition; nothing to do.
		return
	}

	// Set even when stopping: the ramp down (or settle) still needs ticks
	// to execute, and the machine clears it itself on reaching idle.
	e.run = 1
}

// Estop arms the emergency stop: stop mode is forced to coast, the state
// machine is forced into its stop phase so the next tick settles and cuts
// power, and run commands are overridden until the returned token is
// written back via ClearEstop. Arming while already armed returns the
// existing token.
func (e *Engine) Estop(ctx context.Context) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.estop != 0 {
		return e.estop
	}

	e.stopMode = StopCoast
	e.state = StateStop
	e.run = 1

	e.estop = randomEstopToken()
	return e.estop
}

// ClearEstop disarms the emergency stop if token matches the one returned
// when it was armed. A non-matching token is ignored; the interlock stays
// armed.
func (e *Engine) ClearEstop(token int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.estop != 0 && token == e.estop {
		e.estop = 0
	}
}

// EstopArmed reports whether the emergency stop interlock is armed.
func (e *Engine) EstopArmed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estop != 0
}

// randomEstopToken draws a nonzero token; zero is reserved for "disarmed".
// Kept to 31 bits so the token survives a float64 round trip through the
// command layer.
func randomEstopToken() int64 {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		if v := int64(binary.LittleEndian.Uint32(buf[:]) >> 1); v != 0 {
			return v
		}
	}
}

// Reset restores every setpoint, mode, and regulator to its power-on
// default, zeroes the position, disarms the emergency stop, and coasts the
// motor.
func (e *Engine) Reset(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
	e.commandStage(ctx, MotorCoast)
}

func (e *Engine) resetLocked() {
	e.sampler.reset()
	e.est.reset(e.sampler)
	e.pid.zero()
	e.pid.prevPulsesPerSecond = 0
	e.pid.prevPositionError = 0

	e.ramp = rampState{}
	e.state = StateIdle
	e.run = 0
	e.estop = 0

	e.tacho = 0
	e.power = 0
	e.pulsesPerSecond = 0
	e.speedRegSP = 0

	e.dutyCycleSP = 0
	e.pulsesPerSecondSP = 0
	e.timeSP = 0
	e.positionSP = 0
	e.rampUpSP = 0
	e.rampDownSP = 0

	e.runMode = RunForever
	e.regulationMode = RegulationOff
	e.stopMode = StopCoast
	e.positionMode = PositionAbsolute
	e.polarityMode = PolarityNormal
	e.encoderMode = PolarityNormal
	e.sampler.setPolarity(false, false)

	e.gains = defaultGains()
}

// Position returns the settled position plus the live delta accumulated
// since the last settle, in encoder counts.
func (e *Engine) Position() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tacho + e.sampler.liveTacho()
}

// SetPosition rewrites the current position without moving the motor. Only
// legal while idle, since a running move's ramp math is anchored on the old
// position.
func (e *Engine) SetPosition(position int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return errors.New("cannot set position while the motor is running")
	}
	e.sampler.takeTacho()
	e.tacho = position
	// The resolved target follows so the next relative move is anchored on
	// the rewritten position.
	e.ramp.positionSP = position
	return nil
}

// PulsesPerSecond returns the latest speed estimate, signed.
func (e *Engine) PulsesPerSecond() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pulsesPerSecond
}

// DutyCycle returns the power currently commanded to the stage, -100..100.
func (e *Engine) DutyCycle() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.power
}

// State returns the current motion phase.
func (e *Engine) State() MotionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Running reports whether the control machine is still executing a move,
// including its ramp down and stop phases.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != 0
}

// Type returns the motor profile the engine was built with.
func (e *Engine) Type() MotorType { return e.motorType }

// SetDutyCycleSetpoint sets the unregulated power target, nominally
// -100..100. Out-of-range values are not rejected; they are clamped where
// they are consumed.
func (e *Engine) SetDutyCycleSetpoint(v int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dutyCycleSP = v
}

func (e *Engine) DutyCycleSetpoint() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dutyCycleSP
}

// SetPulsesPerSecondSetpoint sets the regulated speed target. Values past
// the motor type's top speed are clamped where they are consumed.
func (e *Engine) SetPulsesPerSecondSetpoint(v int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pulsesPerSecondSP = v
}

func (e *Engine) PulsesPerSecondSetpoint() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pulsesPerSecondSP
}

// SetTimeSetpoint sets the timed-run duration in milliseconds. Negative
// durations read as zero when the move is set up.
func (e *Engine) SetTimeSetpoint(ms int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeSP = ms
}

func (e *Engine) TimeSetpoint() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeSP
}

// SetPositionSetpoint sets the positional target, interpreted per the
// position mode when the move starts.
func (e *Engine) SetPositionSetpoint(v int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positionSP = v
}

func (e *Engine) PositionSetpoint() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionSP
}

// SetRampUpSetpoint sets the time (ms) a full-scale move takes to reach its
// setpoint, clamped to 0..10000.
func (e *Engine) SetRampUpSetpoint(ms int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rampUpSP = clamp(ms, 0, maxRampMS)
}

func (e *Engine) RampUpSetpoint() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rampUpSP
}

// SetRampDownSetpoint sets the time (ms) a full-scale move takes to come
// back to rest, clamped to 0..10000.
func (e *Engine) SetRampDownSetpoint(ms int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rampDownSP = clamp(ms, 0, maxRampMS)
}

func (e *Engine) RampDownSetpoint() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rampDownSP
}

func (e *Engine) SetRunMode(m RunMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runMode = m
}

func (e *Engine) RunMode() RunMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runMode
}

func (e *Engine) SetRegulationMode(m RegulationMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regulationMode = m
}

func (e *Engine) RegulationMode() RegulationMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regulationMode
}

func (e *Engine) SetStopMode(m StopMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopMode = m
}

func (e *Engine) StopMode() StopMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopMode
}

func (e *Engine) SetPositionMode(m PositionMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positionMode = m
}

func (e *Engine) PositionMode() PositionMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionMode
}

// SetPolarityMode flips which way positive commands turn the motor. Takes
// effect immediately, including on a move in flight, so the output is
// re-driven here.
func (e *Engine) SetPolarityMode(ctx context.Context, p Polarity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polarityMode = p
	e.sampler.setPolarity(p == PolarityInverted, e.encoderMode == PolarityInverted)
	e.updateOutput(ctx)
}

func (e *Engine) PolarityMode() Polarity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polarityMode
}

// SetEncoderMode flips the interpretation of the encoder's direction hint,
// for encoders wired with the phase lines swapped.
func (e *Engine) SetEncoderMode(p Polarity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.encoderMode = p
	e.sampler.setPolarity(e.polarityMode == PolarityInverted, p == PolarityInverted)
}

func (e *Engine) EncoderMode() Polarity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoderMode
}

func (e *Engine) SetGains(g PIDGains) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gains = g
}

func (e *Engine) Gains() PIDGains {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gains
}
