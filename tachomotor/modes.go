package tachomotor

import "github.com/pkg/errors"

// RunMode selects what bounds a move: nothing, elapsed time, or position.
type RunMode int

// Run modes.
const (
	RunForever RunMode = iota
	RunTimed
	RunPosition
)

func (m RunMode) String() string {
	switch m {
	case RunTimed:
		return "time"
	case RunPosition:
		return "position"
	default:
		return "forever"
	}
}

// RegulationMode selects closed-loop speed control (on) or open-loop duty
// cycle (off).
type RegulationMode int

// Regulation modes.
const (
	RegulationOff RegulationMode = iota
	RegulationOn
)

func (m RegulationMode) String() string {
	if m == RegulationOn {
		return "on"
	}
	return "off"
}

// StopMode is the terminal behavior once a move ends.
type StopMode int

// Stop modes.
const (
	StopCoast StopMode = iota
	StopBrake
	StopHold
)

func (m StopMode) String() string {
	switch m {
	case StopBrake:
		return "brake"
	case StopHold:
		return "hold"
	default:
		return "coast"
	}
}

func stopModeFromString(s string) (StopMode, error) {
	switch s {
	case "coast", "":
		return StopCoast, nil
	case "brake":
		return StopBrake, nil
	case "hold":
		return StopHold, nil
	default:
		return StopCoast, errors.Errorf("unknown stop_mode %q, expected coast, brake or hold", s)
	}
}

// PositionMode says whether position setpoints are absolute or relative to
// the current target.
type PositionMode int

// Position modes.
const (
	PositionAbsolute PositionMode = iota
	PositionRelative
)

func (m PositionMode) String() string {
	if m == PositionRelative {
		return "relative"
	}
	return "absolute"
}

// Polarity flips the meaning of "forward" for the motor leads or the
// encoder, independently.
type Polarity int

// Polarities.
const (
	PolarityNormal Polarity = iota
	PolarityInverted
)

func (p Polarity) String() string {
	if p == PolarityInverted {
		return "inverted"
	}
	return "normal"
}

func (p Polarity) flipped() Polarity {
	if p == PolarityNormal {
		return PolarityInverted
	}
	return PolarityNormal
}

func polarityFromString(s string) (Polarity, error) {
	switch s {
	case "normal", "":
		return PolarityNormal, nil
	case "inverted":
		return PolarityInverted, nil
	default:
		return PolarityNormal, errors.Errorf("unknown polarity %q, expected normal or inverted", s)
	}
}

// MotorCommand is the run/coast/brake command sent to the power stage.
type MotorCommand int

// Power stage commands.
const (
	MotorCoast MotorCommand = iota
	MotorBrake
	MotorRun
)

// MotionState is the phase the motion state machine is in.
type MotionState int

// Motion states. StateIdle is both the initial and the terminal state.
const (
	StateRunForever MotionState = iota
	StateSetupRampTime
	StateSetupRampPosition
	StateSetupRampRegulation
	StateRampUp
	StateRampConst
	StatePositionRampDown
	StateRampDown
	StateStop
	StateIdle
)

func (s MotionState) String() string {
	switch s {
	case StateRunForever:
		return "run_forever"
	case StateSetupRampTime:
		return "setup_ramp_time"
	case StateSetupRampPosition:
		return "setup_ramp_position"
	case StateSetupRampRegulation:
		return "setup_ramp_regulation"
	case StateRampUp:
		return "ramp_up"
	case StateRampConst:
		return "ramp_const"
	case StatePositionRampDown:
		return "position_ramp_down"
	case StateRampDown:
		return "ramp_down"
	case StateStop:
		return "stop"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}
