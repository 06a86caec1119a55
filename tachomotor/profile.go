package tachomotor

import "github.com/pkg/errors"

// MotorType selects the per-type constant table for the attached motor.
type MotorType int

// Recognized motor types.
const (
	MotorTypeLarge MotorType = iota
	MotorTypeMedium
)

func (t MotorType) String() string {
	if t == MotorTypeMedium {
		return "medium"
	}
	return "large"
}

func motorTypeFromString(s string) (MotorType, error) {
	switch s {
	case "large", "":
		return MotorTypeLarge, nil
	case "medium":
		return MotorTypeMedium, nil
	default:
		return MotorTypeLarge, errors.Errorf("unknown motor_type %q, expected large or medium", s)
	}
}

// typeProfile holds the immutable per-motor-type constants. Selected once
// when the motor type is configured and never mutated afterwards.
type typeProfile struct {
	// samplesPerSpeed maps the current speed bracket (<=40, >40, >60, >80)
	// to how many edge samples the speed estimate averages over.
	samplesPerSpeed [4]int

	// countsPerPulse is the number of hardware clock ticks in one tacho
	// pulse at the motor's minimum usable speed. Doubles as the stall
	// timeout: no edge for this long means the motor has stopped.
	countsPerPulse int

	// maxPulsesPerSec is the motor's top speed in encoder pulses per second.
	maxPulsesPerSec int
}

var typeProfiles = map[MotorType]typeProfile{
	MotorTypeLarge: {
		samplesPerSpeed: [4]int{4, 16, 32, 64},
		countsPerPulse:  3300000,
		maxPulsesPerSec: 900,
	},
	MotorTypeMedium: {
		samplesPerSpeed: [4]int{2, 4, 8, 16},
		countsPerPulse:  2062500,
		maxPulsesPerSec: 1200,
	},
}

// samplesFor picks the averaging window for the given speed bracket. Speed
// here is on the 0..100 bracket scale, not pulses per second.
func (p typeProfile) samplesFor(speed int) int {
	switch {
	case speed > 80:
		return p.samplesPerSpeed[3]
	case speed > 60:
		return p.samplesPerSpeed[2]
	case speed > 40:
		return p.samplesPerSpeed[1]
	default:
		return p.samplesPerSpeed[0]
	}
}
