package tachomotor

import "context"

// PIDGains are the speed regulator's tuning constants. Output power is
// (P*Kp + I*Ki + D*Kd) / Kscale.
type PIDGains struct {
	P int
	I int
	D int
	K int
}

func defaultGains() PIDGains {
	return PIDGains{P: 1000, I: 60, D: 0, K: 9000}
}

// pidState holds the working terms shared by the speed and position
// regulators. The terms are zeroed whenever the state machine settles to
// idle so residue from one move never turns the motor on at the start of
// the next.
type pidState struct {
	p int
	i int
	d int

	prevPulsesPerSecond int
	prevPositionError   int
}

func (p *pidState) zero() {
	p.p = 0
	p.i = 0
	p.d = 0
}

// regulateSpeed closes the loop on pulses per second against the resolved
// speed setpoint. Runs once per tick while the motor is running with
// regulation on.
func (e *Engine) regulateSpeed(ctx context.Context) {
	// The setpoint is clamped here, at the point of use, not where it was
	// written.
	maxPPS := e.profile.maxPulsesPerSec
	if e.speedRegSP > maxPPS {
		e.speedRegSP = maxPPS
	} else if e.speedRegSP < -maxPPS {
		e.speedRegSP = -maxPPS
	}

	speedError := e.speedRegSP - e.pulsesPerSecond

	e.pid.p = speedError
	e.pid.i += speedError
	e.pid.d = e.pulsesPerSecond - e.pid.prevPulsesPerSecond
	e.pid.prevPulsesPerSecond = e.pulsesPerSecond

	// A zero scale divisor would be a configuration accident; treat it as 1
	// rather than rejecting the gains at write time.
	k := e.gains.K
	if k == 0 {
		k = 1
	}
	power := (e.pid.p*e.gains.P + e.pid.i*e.gains.I + e.pid.d*e.gains.D) / k

	// Anti-windup: if the result overshoots 100%, take the just-added error
	// back out of the integral. The integral may still shrink past the
	// limit, it just cannot keep growing.
	if abs(power) > 100 {
		e.pid.i -= speedError
	}

	// A zero setpoint with a still-turning motor would make the regulator
	// hunt around zero. Cut the power instead.
	if e.speedRegSP == 0 {
		e.setPower(ctx, 0)
	} else {
		e.setPower(ctx, power)
	}
}

// regulatePosition drives the motor back toward the last settled position.
// Runs once per tick while the motor is stopped with stop mode hold; the
// live tacho delta is exactly the residual error since the settle.
func (e *Engine) regulatePosition(ctx context.Context) {
	positionError := 0 - e.sampler.liveTacho()

	e.pid.p = positionError * 400
	e.pid.i = (e.pid.i*99)/100 + positionError
	e.pid.d = ((positionError - e.pid.prevPositionError) * 4 / 2) * 2
	e.pid.prevPositionError = positionError

	e.setPower(ctx, (e.pid.p+e.pid.i+e.pid.d)/100)
}
