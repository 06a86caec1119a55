package tachomotor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// tickInterval is the control loop period. The ramp counter advances by
// tickMillis per tick, so ramp.count always reads as milliseconds.
const (
	tickInterval = 2 * time.Millisecond
	tickMillis   = 2
)

// maxPower is the duty cycle limit, either direction.
const maxPower = 100

// minRunningPower is the duty floor applied while driving unregulated:
// below this the motor hums instead of turning.
const minRunningPower = 10

// Engine is the closed-loop control core for one encoder-equipped DC motor.
// It consumes encoder edges through HandleEdge, runs a fixed-rate control
// tick that estimates speed and advances the motion state machine, and
// drives a PowerStage.
//
// Three contexts touch an Engine: the edge stream (sampler only, guarded by
// the sampler's own lock), the tick goroutine, and synchronous
// configuration calls. mu serializes the latter two.
type Engine struct {
	logger  logging.Logger
	stage   PowerStage
	sampler *edgeSampler
	est     *speedEstimator
	profile typeProfile

	motorType MotorType

	// now reads the hardware timestamp clock. Injectable for tests.
	now func() uint32

	// notify is raised exactly once per entry into the idle state.
	notify func()

	mu sync.Mutex

	state MotionState
	ramp  rampState
	pid   pidState
	gains PIDGains

	run   int
	estop int64

	tacho           int
	power           int
	pulsesPerSecond int
	speedRegSP      int

	// Last command actually sent to the power stage, so repeat commands
	// collapse into nothing.
	stageCmd      MotorCommand
	stageCmdKnown bool

	dutyCycleSP        int
	pulsesPerSecondSP  int
	timeSP             int
	positionSP         int
	rampUpSP           int
	rampDownSP         int

	runMode        RunMode
	regulationMode RegulationMode
	stopMode       StopMode
	positionMode   PositionMode
	polarityMode   Polarity
	encoderMode    Polarity

	cancel        context.CancelFunc
	workers       sync.WaitGroup
	tickStarted   bool
}

// NewEngine builds an engine for the given motor type. now may be nil, in
// which case a monotonic 33 MHz-equivalent clock is used. The engine is
// returned idle; call StartTicking to begin the control loop.
func NewEngine(motorType MotorType, stage PowerStage, logger logging.Logger, notify func(), now func() uint32) *Engine {
	if now == nil {
		now = monotonicTicks
	}
	profile := typeProfiles[motorType]
	e := &Engine{
		logger:    logger,
		stage:     stage,
		sampler:   &edgeSampler{},
		est:       newSpeedEstimator(profile),
		profile:   profile,
		motorType: motorType,
		now:       now,
		notify:    notify,
	}
	e.resetLocked()
	return e
}

// HandleEdge records one encoder transition. Safe to call from any
// goroutine; this is the engine's interrupt-context entry point.
func (e *Engine) HandleEdge(intLevel, dirLevel bool, timestamp uint32) {
	e.sampler.handleEdge(intLevel, dirLevel, timestamp)
}

// StartTicking launches the fixed-rate control goroutine.
func (e *Engine) StartTicking() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tickStarted {
		return
	}
	e.tickStarted = true

	cancelCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		for {
			if !utils.SelectContextOrWait(cancelCtx, tickInterval) {
				return
			}
			e.tick(cancelCtx)
		}
	}()
}

// Close stops the control goroutine and waits for it to quiesce. The edge
// source must be closed before state is torn down; the motor wrapper owns
// that ordering.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.tickStarted = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.workers.Wait()
}

// tick is the control loop body: refresh the speed estimate, advance the
// motion state machine, regulate. Never blocks; everything it defers
// resolves on the next tick.
func (e *Engine) tick(ctx context.Context) {
	e.est.update(e.sampler, e.now())

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pulsesPerSecond = e.est.pulsesPerSecond

	if e.run != 0 {
		// The ramp counter advances once per tick, outside the reprocess
		// loop, so a multi-state tick cannot double-count time.
		switch e.state {
		case StateRampUp, StateRampConst, StatePositionRampDown, StateRampDown:
			e.ramp.count += tickMillis
		}

		e.processStates(ctx)

		if e.run != 0 && e.regulationMode == RegulationOn {
			e.regulateSpeed(ctx)
		}
	}

	// Not running (or stopped this very tick): honor the stop mode. Hold is
	// the one path that keeps actively driving while idle.
	if e.run == 0 {
		switch e.stopMode {
		case StopCoast:
			e.commandStage(ctx, MotorCoast)
		case StopBrake:
			e.commandStage(ctx, MotorBrake)
		case StopHold:
			e.regulatePosition(ctx)
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// processStates advances the phase state machine. Setup states fall through
// to their successor within the same tick (reprocess), so no tick is wasted
// on a completed setup step.
func (e *Engine) processStates(ctx context.Context) {
	reprocess := true
	for reprocess {
		reprocess = false

		switch e.state {
		case StateRunForever, StateSetupRampTime:
			// Forever runs share the timed setup; they just get an endpoint
			// a long way out.
			e.setupTimeRamp()
			e.state = StateSetupRampRegulation
			reprocess = true

		case StateSetupRampPosition:
			e.setupPositionRamp()
			e.state = StateSetupRampRegulation
			reprocess = true

		case StateSetupRampRegulation:
			e.ramp.count = 0
			e.state = StateRampUp
			reprocess = true

		case StateRampUp:
			if e.runMode == RunPosition {
				e.adjustRampForPosition()
			}
			if e.ramp.count >= e.ramp.up.end {
				e.state = StateRampConst
				reprocess = true
			}
			e.ramp.percent = rampProgress(e.ramp.count, e.ramp.up.full)
			e.updateSpeedOrPower(ctx, e.ramp.percent)

		case StateRampConst:
			switch e.runMode {
			case RunForever:
				// Never ramp down on our own: keep pushing the down
				// boundary out ahead of the counter.
				e.ramp.down.start = e.ramp.count
				e.ramp.down.end = e.ramp.count + (abs(clamp(e.dutyCycleSP, -100, 100))*e.rampDownSP)/100
			case RunTimed:
				if e.ramp.count >= e.ramp.down.start {
					e.state = StateRampDown
					reprocess = true
				}
			case RunPosition:
				e.adjustRampForPosition()
				if e.ramp.count >= e.ramp.down.start {
					e.state = StatePositionRampDown
					reprocess = true
				}
			}
			// Reapplied every tick so a live setpoint change takes effect
			// without a phase change.
			e.updateSpeedOrPower(ctx, e.ramp.percent)

		case StatePositionRampDown:
			// Re-pin the endpoint from the live position, then run the
			// shared ramp-down step. The state stays here until STOP.
			e.adjustPositionRampEnd()
			reprocess = e.stepRampDown(ctx)

		case StateRampDown:
			reprocess = e.stepRampDown(ctx)

		case StateStop:
			e.settleStop(ctx)
			e.state = StateIdle
			reprocess = true

		case StateIdle:
			e.run = 0
			if e.notify != nil {
				e.notify()
			}
		}
	}
}

// stepRampDown advances the down ramp and reports whether the state machine
// should be reprocessed (it moved to STOP).
func (e *Engine) stepRampDown(ctx context.Context) bool {
	reprocess := false
	if e.ramp.count >= e.ramp.down.end {
		e.state = StateStop
		reprocess = true
	}
	e.ramp.percent = rampProgress(e.ramp.down.end-e.ramp.count, e.ramp.down.full)
	e.updateSpeedOrPower(ctx, e.ramp.percent)
	return reprocess
}

// settleStop folds the live tacho delta into the settled position, cuts
// power, and clears regulator state so nothing carries into the next move.
// Positional moves settle onto the exact target and keep the residual in
// the live delta, which is what the hold regulator then drives to zero.
func (e *Engine) settleStop(ctx context.Context) {
	if e.runMode == RunPosition {
		e.sampler.adjustTacho(e.tacho - e.ramp.positionSP)
		e.tacho = e.ramp.positionSP
	} else {
		e.tacho += e.sampler.takeTacho()
	}

	e.speedRegSP = 0
	e.setPower(ctx, 0)

	e.pid.zero()
}

// updateSpeedOrPower applies a ramp completion percentage to whichever
// setpoint is live: the duty cycle directly when regulation is off, the
// speed regulator setpoint when it is on. Positional moves own the sign via
// the resolved ramp direction. Setpoints are clamped here, at the point of
// use, never rejected at write time.
func (e *Engine) updateSpeedOrPower(ctx context.Context, percent int) {
	if e.regulationMode == RegulationOff {
		duty := clamp(e.dutyCycleSP, -100, 100)
		if e.runMode == RunPosition {
			e.setPower(ctx, e.ramp.direction*abs((duty*percent)/100))
		} else {
			e.setPower(ctx, (duty*percent)/100)
		}
		return
	}
	maxPPS := e.profile.maxPulsesPerSec
	pps := clamp(e.pulsesPerSecondSP, -maxPPS, maxPPS)
	if e.runMode == RunPosition {
		e.speedRegSP = e.ramp.direction * abs((pps*percent)/100)
	} else {
		e.speedRegSP = (pps * percent) / 100
	}
}

// setPower updates the commanded power, clamping to ±100 and skipping the
// power stage entirely when nothing changed.
func (e *Engine) setPower(ctx context.Context, power int) {
	if e.power == power {
		return
	}
	if power > maxPower {
		power = maxPower
	} else if power < -maxPower {
		power = -maxPower
	}
	e.power = power
	e.updateOutput(ctx)
}

// updateOutput pushes the current power and polarity to the power stage.
// Power maps one to one onto duty cycle; sign selects direction.
func (e *Engine) updateOutput(ctx context.Context) {
	var err error
	switch {
	case e.power > 0:
		err = multierr.Combine(
			e.stage.SetDirection(ctx, e.polarityMode),
			e.sendCommand(ctx, MotorRun),
		)
		if e.regulationMode == RegulationOff && e.power < minRunningPower {
			e.power = minRunningPower
		}
	case e.power < 0:
		err = multierr.Combine(
			e.stage.SetDirection(ctx, e.polarityMode.flipped()),
			e.sendCommand(ctx, MotorRun),
		)
		if e.regulationMode == RegulationOff && e.power > -minRunningPower {
			e.power = -minRunningPower
		}
	default:
		if e.stopMode == StopCoast {
			err = e.sendCommand(ctx, MotorCoast)
		} else {
			// Brake and hold both short the windings here; hold adds the
			// position regulator on top.
			err = e.sendCommand(ctx, MotorBrake)
		}
	}

	err = multierr.Combine(err, e.stage.SetDutyCycle(ctx, abs(e.power)))
	if err != nil {
		e.logger.CErrorw(ctx, "failed to drive power stage", "error", err)
	}
}

// sendCommand forwards a run/coast/brake command, swallowing repeats so the
// stage is only touched on actual changes.
func (e *Engine) sendCommand(ctx context.Context, cmd MotorCommand) error {
	if e.stageCmdKnown && e.stageCmd == cmd {
		return nil
	}
	e.stageCmd = cmd
	e.stageCmdKnown = true
	return e.stage.SetCommand(ctx, cmd)
}

// commandStage is sendCommand for callers with nowhere to put the error.
func (e *Engine) commandStage(ctx context.Context, cmd MotorCommand) {
	if err := e.sendCommand(ctx, cmd); err != nil {
		e.logger.CErrorw(ctx, "failed to command power stage", "error", err)
	}
}
