package tachomotor

// farFutureMS is the ramp-down endpoint used when there is no endpoint yet:
// an hour of milliseconds, pushed further out every tick while running
// forever.
const farFutureMS = 60 * 60 * 1000

// nudgeMS is how far the position ramp-down endpoint is pushed when the
// estimate elapsed before the target was reached.
const nudgeMS = 100

type rampBoundary struct {
	start int
	end   int
	full  int
}

// rampState tracks one move's ramp timeline. count is milliseconds elapsed
// in active ramp phases, incremented by 2 every tick.
type rampState struct {
	up   rampBoundary
	down rampBoundary

	percent    int
	direction  int
	positionSP int
	count      int
}

// rampProgress maps elapsed time within a ramp to a 0..100 completion
// fraction. The +2 guard matches the per-tick count increment: without it a
// small denominator can leave the numerator stepping permanently just short
// of the denominator, so the ramp never completes.
func rampProgress(numerator, denominator int) int {
	switch {
	case denominator <= numerator+2:
		return 100
	case denominator == 0:
		return 100
	default:
		return (numerator * 100) / denominator
	}
}

// rampFullTimes returns how long (ms) the up and down ramps take to reach
// 100% of the setpoint, plus the intended direction. The ramp durations are
// the configured ones scaled by the fraction of full scale the setpoint
// represents, so a half-power move ramps in half the time.
func (e *Engine) rampFullTimes() (upFull, downFull, dir int) {
	if e.regulationMode == RegulationOff {
		duty := clamp(e.dutyCycleSP, -100, 100)
		upFull = (abs(duty) * e.rampUpSP) / 100
		downFull = (abs(duty) * e.rampDownSP) / 100
		dir = 1
		if duty < 0 {
			dir = -1
		}
		return upFull, downFull, dir
	}
	maxPPS := e.profile.maxPulsesPerSec
	pps := clamp(e.pulsesPerSecondSP, -maxPPS, maxPPS)
	upFull = (abs(pps) * e.rampUpSP) / maxPPS
	downFull = (abs(pps) * e.rampDownSP) / maxPPS
	dir = 1
	if pps < 0 {
		dir = -1
	}
	return upFull, downFull, dir
}

// setupTimeRamp computes the ramp boundaries for forever and timed runs.
// Forever runs get an endpoint a long way out; RAMP_CONST keeps pushing it
// outward so it is never reached while running.
func (e *Engine) setupTimeRamp() {
	timeSP := e.timeSP
	if timeSP < 0 {
		timeSP = 0
	}

	e.ramp.up.start = 0
	e.ramp.down.end = timeSP
	if e.runMode == RunForever {
		e.ramp.down.end = farFutureMS
	}

	e.ramp.up.full, e.ramp.down.full, e.ramp.direction = e.rampFullTimes()

	e.ramp.up.end = e.ramp.up.start + e.ramp.up.full
	e.ramp.down.start = e.ramp.down.end - e.ramp.down.full

	// If the ramps overlap, shorten both to the intersection of the up and
	// down lines so the setpoint fractions still work out.
	if e.ramp.up.end > e.ramp.down.start {
		e.ramp.up.end = (timeSP * e.rampUpSP) / (e.rampUpSP + e.rampDownSP)
		e.ramp.down.start = e.ramp.up.end
	}
}

// setupPositionRamp resolves the position target and primes the ramp for a
// positional move. The ramp-down boundary is pinned far in the future; it is
// re-estimated continuously while the move runs, since the actual speed is
// not known up front.
func (e *Engine) setupPositionRamp() {
	if e.positionMode == PositionAbsolute {
		e.ramp.positionSP = e.positionSP
	} else {
		e.ramp.positionSP += e.positionSP
	}

	if e.ramp.positionSP >= e.tacho+e.sampler.liveTacho() {
		e.ramp.direction = 1
	} else {
		e.ramp.direction = -1
	}

	e.ramp.up.start = 0
	e.ramp.up.full, e.ramp.down.full, _ = e.rampFullTimes()
	e.ramp.up.end = e.ramp.up.start + e.ramp.up.full

	e.ramp.down.end = farFutureMS
	e.ramp.down.start = farFutureMS
}

// adjustRampForPosition re-estimates, from the current power or speed, when
// the ramp down must begin for the motor to land on the position target.
// Called every tick during the up and constant phases of a positional move.
func (e *Engine) adjustRampForPosition() {
	var rampDownTime int
	if e.regulationMode == RegulationOff {
		rampDownTime = abs((e.rampDownSP * e.power) / 100)
	} else {
		rampDownTime = abs((e.rampDownSP * e.pulsesPerSecond) / e.profile.maxPulsesPerSec)
	}

	// Derated distance estimate: landing on the setpoint is hard at low
	// speed, so the distance is shortened to 70% and a bit.
	rampDownDistance := abs((e.pulsesPerSecond * rampDownTime * 7) / (2000 * 10))

	position := e.tacho + e.sampler.liveTacho()

	within := false
	if e.ramp.direction > 0 {
		within = e.ramp.positionSP-rampDownDistance <= position
	} else {
		within = e.ramp.positionSP+rampDownDistance >= position
	}
	if !within {
		return
	}

	// Lock in the down boundary. down.start is recalculated backwards from
	// the end so the progress percentages stay correct.
	e.ramp.up.end = e.ramp.count
	e.ramp.down.end = e.ramp.count + rampDownTime
	e.ramp.down.start = e.ramp.down.end - e.rampDownSP
}

// adjustPositionRampEnd re-pins the ramp-down endpoint while in the position
// ramp-down phase: to now once the target is reached, or nudged forward if
// the previous estimate elapsed with the target still ahead.
func (e *Engine) adjustPositionRampEnd() {
	position := e.tacho + e.sampler.liveTacho()

	reached := false
	if e.ramp.direction > 0 {
		reached = e.ramp.positionSP <= position
	} else {
		reached = e.ramp.positionSP >= position
	}

	if reached {
		e.ramp.down.end = e.ramp.count
	} else if e.ramp.down.end <= e.ramp.count {
		e.ramp.down.end = e.ramp.count + nudgeMS
	}

	e.ramp.down.start = e.ramp.down.end - e.rampDownSP
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
