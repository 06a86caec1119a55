package tachomotor

import (
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestRampProgress(t *testing.T) {
	for _, tc := range []struct {
		name        string
		num, den    int
		wantPercent int
	}{
		{"start", 0, 100, 0},
		{"midway", 50, 100, 50},
		{"uneven", 10, 13, 76},
		{"within final step", 99, 100, 100},
		{"no ramp", 0, 0, 100},
		{"past the end", 120, 100, 100},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, rampProgress(tc.num, tc.den), test.ShouldEqual, tc.wantPercent)
		})
	}
}

func newRampEngine(t *testing.T) *Engine {
	t.Helper()
	logger := logging.NewTestLogger(t)
	return NewEngine(MotorTypeLarge, &fakeStage{}, logger, nil, func() uint32 { return 0 })
}

func TestTimeRampBoundaries(t *testing.T) {
	e := newRampEngine(t)
	e.runMode = RunTimed
	e.dutyCycleSP = 50
	e.rampUpSP = 200
	e.rampDownSP = 400
	e.timeSP = 1000

	e.setupTimeRamp()

	// Half duty scales the configured ramps to half their full-scale time.
	test.That(t, e.ramp.up.full, test.ShouldEqual, 100)
	test.That(t, e.ramp.down.full, test.ShouldEqual, 200)
	test.That(t, e.ramp.up.end, test.ShouldEqual, 100)
	test.That(t, e.ramp.down.start, test.ShouldEqual, 800)
	test.That(t, e.ramp.down.end, test.ShouldEqual, 1000)
	test.That(t, e.ramp.direction, test.ShouldEqual, 1)
}

func TestTimeRampOverlapClamp(t *testing.T) {
	e := newRampEngine(t)
	e.runMode = RunTimed
	e.dutyCycleSP = 100
	e.rampUpSP = 400
	e.rampDownSP = 400
	e.timeSP = 200

	e.setupTimeRamp()

	// The run is shorter than the ramps; both get cut at the intersection.
	test.That(t, e.ramp.up.end, test.ShouldEqual, 100)
	test.That(t, e.ramp.down.start, test.ShouldEqual, 100)
	test.That(t, e.ramp.down.end, test.ShouldEqual, 200)
}

func TestTimeRampRegulatedScaling(t *testing.T) {
	e := newRampEngine(t)
	e.runMode = RunTimed
	e.regulationMode = RegulationOn
	e.pulsesPerSecondSP = -450
	e.rampUpSP = 400
	e.rampDownSP = 400
	e.timeSP = 2000

	e.setupTimeRamp()

	// Half of the large motor's 900 pulses/sec top speed.
	test.That(t, e.ramp.up.full, test.ShouldEqual, 200)
	test.That(t, e.ramp.down.full, test.ShouldEqual, 200)
	test.That(t, e.ramp.direction, test.ShouldEqual, -1)
}

func TestForeverRampNeverEnds(t *testing.T) {
	e := newRampEngine(t)
	e.runMode = RunForever
	e.dutyCycleSP = 100
	e.rampDownSP = 400

	e.setupTimeRamp()

	test.That(t, e.ramp.down.end, test.ShouldEqual, farFutureMS)
}

func TestPositionRampResolvesTarget(t *testing.T) {
	e := newRampEngine(t)
	e.runMode = RunPosition
	e.dutyCycleSP = 100

	e.positionMode = PositionAbsolute
	e.positionSP = 500
	e.setupPositionRamp()
	test.That(t, e.ramp.positionSP, test.ShouldEqual, 500)
	test.That(t, e.ramp.direction, test.ShouldEqual, 1)
	test.That(t, e.ramp.down.end, test.ShouldEqual, farFutureMS)

	// Relative targets accumulate on the previous target, not the current
	// position, so back-to-back relative moves do not compound drift.
	e.positionMode = PositionRelative
	e.positionSP = -800
	e.setupPositionRamp()
	test.That(t, e.ramp.positionSP, test.ShouldEqual, -300)
	test.That(t, e.ramp.direction, test.ShouldEqual, -1)
}

func TestAdjustPositionRampEndNudgesForward(t *testing.T) {
	e := newRampEngine(t)
	e.runMode = RunPosition
	e.ramp.direction = 1
	e.ramp.positionSP = 1000
	e.ramp.count = 500
	e.ramp.down.end = 400 // estimate already elapsed

	e.adjustPositionRampEnd()
	test.That(t, e.ramp.down.end, test.ShouldEqual, 500+nudgeMS)

	// Once the target is reached the endpoint snaps to now.
	e.tacho = 1000
	e.adjustPositionRampEnd()
	test.That(t, e.ramp.down.end, test.ShouldEqual, 500)
}
