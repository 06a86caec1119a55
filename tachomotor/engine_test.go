package tachomotor

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

// fakeStage records everything the engine commands so tests can assert on
// the drive outputs without hardware.
type fakeStage struct {
	mu        sync.Mutex
	direction Polarity
	command   MotorCommand
	duty      int
	commands  []MotorCommand
}

func (f *fakeStage) SetDirection(ctx context.Context, polarity Polarity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direction = polarity
	return nil
}

func (f *fakeStage) SetCommand(ctx context.Context, cmd MotorCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.command = cmd
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeStage) SetDutyCycle(ctx context.Context, pct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duty = pct
	return nil
}

func (f *fakeStage) lastCommand() MotorCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.command
}

func (f *fakeStage) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func (f *fakeStage) dutyCycle() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duty
}

func newEngineForTest(t *testing.T, notify func()) (*Engine, *fakeStage) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	stage := &fakeStage{}
	e := NewEngine(MotorTypeLarge, stage, logger, notify, func() uint32 { return 0 })
	return e, stage
}

// tickN steps the control loop without the background goroutine, so state
// transitions are deterministic.
func tickN(ctx context.Context, e *Engine, n int) {
	for i := 0; i < n; i++ {
		e.tick(ctx)
	}
}

func TestForeverRunReachesConstantPhase(t *testing.T) {
	ctx := context.Background()
	e, stage := newEngineForTest(t, nil)

	e.SetDutyCycleSetpoint(50)
	e.SetRun(ctx, true)
	test.That(t, e.State(), test.ShouldEqual, StateRunForever)

	// With zero ramp times one tick runs setup, ramp up and the constant
	// phase back to back.
	tickN(ctx, e, 1)
	test.That(t, e.State(), test.ShouldEqual, StateRampConst)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 50)
	test.That(t, stage.dutyCycle(), test.ShouldEqual, 50)
	test.That(t, stage.lastCommand(), test.ShouldEqual, MotorRun)

	// A forever run never winds down on its own, and an unchanged setpoint
	// causes no further power stage commands.
	sent := stage.commandCount()
	tickN(ctx, e, 500)
	test.That(t, e.State(), test.ShouldEqual, StateRampConst)
	test.That(t, e.Running(), test.ShouldBeTrue)
	test.That(t, stage.commandCount(), test.ShouldEqual, sent)
}

func TestForeverRunRampsUp(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngineForTest(t, nil)

	e.SetDutyCycleSetpoint(100)
	e.SetRampUpSetpoint(100)
	e.SetRun(ctx, true)

	tickN(ctx, e, 1)
	test.That(t, e.State(), test.ShouldEqual, StateRampUp)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)

	// Early in the ramp the commanded fraction is below the drive floor, so
	// the output is held at the floor rather than stalling the motor.
	tickN(ctx, e, 1)
	test.That(t, e.DutyCycle(), test.ShouldEqual, minRunningPower)

	tickN(ctx, e, 60)
	test.That(t, e.State(), test.ShouldEqual, StateRampConst)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 100)
}

func TestStopRampsDownAndSettles(t *testing.T) {
	ctx := context.Background()
	var notifications int
	e, stage := newEngineForTest(t, func() { notifications++ })

	e.SetDutyCycleSetpoint(50)
	e.SetRun(ctx, true)
	tickN(ctx, e, 3)
	test.That(t, e.Running(), test.ShouldBeTrue)

	e.SetRun(ctx, false)
	test.That(t, e.State(), test.ShouldEqual, StateRampDown)

	tickN(ctx, e, 2)
	test.That(t, e.State(), test.ShouldEqual, StateIdle)
	test.That(t, e.Running(), test.ShouldBeFalse)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)
	test.That(t, stage.lastCommand(), test.ShouldEqual, MotorCoast)

	// Settling notifies exactly once, no matter how long the loop idles.
	tickN(ctx, e, 10)
	test.That(t, notifications, test.ShouldEqual, 1)
}

func TestStopWhileIdleResettles(t *testing.T) {
	ctx := context.Background()
	var notifications int
	e, _ := newEngineForTest(t, func() { notifications++ })

	// Edges can arrive while coasting. A stop write on an idle motor still
	// runs a settle pass, folding them into the position and raising a
	// fresh notification.
	e.sampler.adjustTacho(5)
	e.SetRun(ctx, false)
	test.That(t, e.State(), test.ShouldEqual, StateStop)
	test.That(t, e.Running(), test.ShouldBeTrue)

	tickN(ctx, e, 1)
	test.That(t, e.State(), test.ShouldEqual, StateIdle)
	test.That(t, e.Running(), test.ShouldBeFalse)
	test.That(t, e.tacho, test.ShouldEqual, 5)
	test.That(t, e.Position(), test.ShouldEqual, 5)
	test.That(t, notifications, test.ShouldEqual, 1)
}

func TestMidMoveStopRampsFromNow(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngineForTest(t, nil)

	e.SetDutyCycleSetpoint(100)
	e.SetRampDownSetpoint(400)
	e.SetRun(ctx, true)
	tickN(ctx, e, 5)
	test.That(t, e.State(), test.ShouldEqual, StateRampConst)

	// The stop ramp is anchored at the elapsed counter, so stopping late in
	// a long run still gets the full configured ramp down.
	e.SetRun(ctx, false)
	e.mu.Lock()
	test.That(t, e.ramp.down.start, test.ShouldEqual, e.ramp.count)
	test.That(t, e.ramp.down.end-e.ramp.down.start, test.ShouldEqual, 400)
	e.mu.Unlock()

	tickN(ctx, e, 3)
	test.That(t, e.DutyCycle(), test.ShouldBeLessThan, 100)
	test.That(t, e.DutyCycle(), test.ShouldBeGreaterThan, 0)

	tickN(ctx, e, 250)
	test.That(t, e.State(), test.ShouldEqual, StateIdle)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)
}

func TestTimedRunStopsOnSchedule(t *testing.T) {
	ctx := context.Background()
	var notifications int
	e, stage := newEngineForTest(t, func() { notifications++ })

	e.SetRunMode(RunTimed)
	e.SetDutyCycleSetpoint(100)
	e.SetTimeSetpoint(10)
	e.SetRun(ctx, true)

	tickN(ctx, e, 1)
	test.That(t, e.State(), test.ShouldEqual, StateRampConst)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 100)

	// 10 ms at 2 ms per tick.
	tickN(ctx, e, 5)
	test.That(t, e.State(), test.ShouldEqual, StateIdle)
	test.That(t, e.Running(), test.ShouldBeFalse)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)
	test.That(t, stage.dutyCycle(), test.ShouldEqual, 0)
	test.That(t, notifications, test.ShouldEqual, 1)
}

func TestRegulatedTimedRunStopsOnSchedule(t *testing.T) {
	ctx := context.Background()
	e, stage := newEngineForTest(t, nil)

	e.SetRunMode(RunTimed)
	e.SetRegulationMode(RegulationOn)
	e.SetPulsesPerSecondSetpoint(300)
	e.SetTimeSetpoint(10)
	e.SetRun(ctx, true)

	// With the motor reading zero speed the full error drives the output:
	// (300*1000 + 300*60) / 9000.
	tickN(ctx, e, 1)
	test.That(t, e.State(), test.ShouldEqual, StateRampConst)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 35)

	// 10 ms at 2 ms per tick. The settle zeroes the regulator setpoint and
	// the power with it.
	tickN(ctx, e, 5)
	test.That(t, e.State(), test.ShouldEqual, StateIdle)
	test.That(t, e.Running(), test.ShouldBeFalse)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)
	test.That(t, stage.dutyCycle(), test.ShouldEqual, 0)
}

func TestRegulatedZeroSetpointCutsPower(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngineForTest(t, nil)

	e.SetRegulationMode(RegulationOn)
	e.SetPulsesPerSecondSetpoint(450)
	e.SetRun(ctx, true)
	tickN(ctx, e, 1)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 53)

	// Zeroing the setpoint mid-run cuts power outright instead of letting
	// the regulator hunt around zero on the residual integral.
	e.SetPulsesPerSecondSetpoint(0)
	tickN(ctx, e, 1)
	test.That(t, e.Running(), test.ShouldBeTrue)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)
}

func TestPositionalRunLandsOnTarget(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngineForTest(t, nil)

	e.SetRunMode(RunPosition)
	e.SetPositionMode(PositionAbsolute)
	e.SetDutyCycleSetpoint(100)
	e.SetPositionSetpoint(100)
	e.SetRun(ctx, true)

	tickN(ctx, e, 1)
	test.That(t, e.State(), test.ShouldEqual, StateRampConst)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 100)

	// Simulate motion: 34 counts per tick until past the target.
	for i := 0; i < 3; i++ {
		e.sampler.adjustTacho(34)
		tickN(ctx, e, 1)
	}

	test.That(t, e.State(), test.ShouldEqual, StateIdle)
	test.That(t, e.Running(), test.ShouldBeFalse)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)
	// The move settles onto the exact target; the two counts of overshoot
	// stay visible as live position for the hold regulator to work off.
	test.That(t, e.tacho, test.ShouldEqual, 100)
	test.That(t, e.Position(), test.ShouldEqual, 102)
}

func TestRegulatedRunDrivesTowardSetpoint(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngineForTest(t, nil)

	e.SetRegulationMode(RegulationOn)
	e.SetPulsesPerSecondSetpoint(450)
	e.SetRun(ctx, true)

	// With the motor reading zero speed the full error drives the output:
	// (450*1000 + 450*60) / 9000.
	tickN(ctx, e, 1)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 53)
}

func TestSetpointsClampAtPointOfUse(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngineForTest(t, nil)

	// Out-of-range writes are never rejected; the consumer clamps.
	e.SetDutyCycleSetpoint(250)
	e.SetRun(ctx, true)
	tickN(ctx, e, 1)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 100)

	e.SetRun(ctx, false)
	tickN(ctx, e, 2)

	e.SetRegulationMode(RegulationOn)
	e.SetPulsesPerSecondSetpoint(5000)
	e.SetRun(ctx, true)
	tickN(ctx, e, 1)
	e.mu.Lock()
	test.That(t, e.speedRegSP, test.ShouldEqual, typeProfiles[MotorTypeLarge].maxPulsesPerSec)
	e.mu.Unlock()
}

func TestHoldStopModeRegulatesPosition(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngineForTest(t, nil)
	e.SetStopMode(StopHold)

	e.SetDutyCycleSetpoint(50)
	e.SetRun(ctx, true)
	tickN(ctx, e, 1)
	e.SetRun(ctx, false)
	tickN(ctx, e, 2)
	test.That(t, e.Running(), test.ShouldBeFalse)

	// Nudge the shaft off the settled position; the hold regulator pushes
	// back the other way.
	e.sampler.adjustTacho(10)
	tickN(ctx, e, 1)
	test.That(t, e.DutyCycle(), test.ShouldBeLessThan, 0)

	e.sampler.adjustTacho(-20)
	tickN(ctx, e, 1)
	test.That(t, e.DutyCycle(), test.ShouldBeGreaterThan, 0)
}

func TestEstopInterlock(t *testing.T) {
	ctx := context.Background()
	e, stage := newEngineForTest(t, nil)

	e.SetDutyCycleSetpoint(50)
	e.SetRun(ctx, true)
	tickN(ctx, e, 1)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 50)

	// Arming forces coast stop mode and routes through the stop phase, so
	// the next tick settles and cuts power.
	token := e.Estop(ctx)
	test.That(t, token, test.ShouldNotEqual, 0)
	test.That(t, e.StopMode(), test.ShouldEqual, StopCoast)
	tickN(ctx, e, 1)
	test.That(t, e.State(), test.ShouldEqual, StateIdle)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)
	test.That(t, stage.lastCommand(), test.ShouldEqual, MotorCoast)

	// Run commands while armed are overridden into the stop phase; the
	// motor never moves.
	e.SetRun(ctx, true)
	tickN(ctx, e, 2)
	test.That(t, e.State(), test.ShouldEqual, StateIdle)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)

	// Re-arming returns the same token.
	test.That(t, e.Estop(ctx), test.ShouldEqual, token)
	tickN(ctx, e, 1)

	// A wrong token leaves the interlock armed.
	e.ClearEstop(token + 1)
	test.That(t, e.EstopArmed(), test.ShouldBeTrue)

	e.ClearEstop(token)
	test.That(t, e.EstopArmed(), test.ShouldBeFalse)
	e.SetRun(ctx, true)
	tickN(ctx, e, 1)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 50)
}

func TestResetRestoresDefaults(t *testing.T) {
	ctx := context.Background()
	e, stage := newEngineForTest(t, nil)

	e.SetRunMode(RunTimed)
	e.SetRegulationMode(RegulationOn)
	e.SetStopMode(StopHold)
	e.SetDutyCycleSetpoint(80)
	e.SetGains(PIDGains{P: 1, I: 2, D: 3, K: 4})
	e.sampler.adjustTacho(42)
	e.Estop(ctx)

	e.Reset(ctx)

	test.That(t, e.RunMode(), test.ShouldEqual, RunForever)
	test.That(t, e.RegulationMode(), test.ShouldEqual, RegulationOff)
	test.That(t, e.StopMode(), test.ShouldEqual, StopCoast)
	test.That(t, e.DutyCycleSetpoint(), test.ShouldEqual, 0)
	test.That(t, e.Gains(), test.ShouldResemble, defaultGains())
	test.That(t, e.Position(), test.ShouldEqual, 0)
	test.That(t, e.EstopArmed(), test.ShouldBeFalse)
	test.That(t, stage.lastCommand(), test.ShouldEqual, MotorCoast)
}

func TestSetPositionOnlyWhileIdle(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngineForTest(t, nil)

	test.That(t, e.SetPosition(1234), test.ShouldBeNil)
	test.That(t, e.Position(), test.ShouldEqual, 1234)

	e.SetDutyCycleSetpoint(50)
	e.SetRun(ctx, true)
	tickN(ctx, e, 1)
	test.That(t, e.SetPosition(0), test.ShouldNotBeNil)
}

func TestEngineStartAndClose(t *testing.T) {
	e, _ := newEngineForTest(t, nil)
	e.StartTicking()
	e.StartTicking() // idempotent
	e.Close()
	e.Close() // safe to close twice
}

func TestResetWhileTicking(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngineForTest(t, nil)
	e.StartTicking()
	defer e.Close()

	// Reset overlaps the live tick loop; enough cycles for the race
	// detector to see concurrent access to the estimator state.
	for i := 0; i < 25; i++ {
		e.SetDutyCycleSetpoint(50)
		e.SetRun(ctx, true)
		time.Sleep(2 * time.Millisecond)
		e.Reset(ctx)
	}

	test.That(t, e.Running(), test.ShouldBeFalse)
	test.That(t, e.DutyCycle(), test.ShouldEqual, 0)
}
