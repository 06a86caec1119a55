// Package tachomotor implements closed-loop control of an encoder-equipped
// DC motor driven through a GPIO H-bridge.
package tachomotor

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
)

// PinConfig defines the mapping of where the motor and its encoder are wired.
type PinConfig struct {
	In1        string `json:"in1"`
	In2        string `json:"in2"`
	PWM        string `json:"pwm"`
	EncoderInt string `json:"encoder_interrupt"`
	EncoderDir string `json:"encoder_direction"`
}

// Config describes the configuration of a motor.
type Config struct {
	Pins             PinConfig `json:"pins"`
	BoardName        string    `json:"board"`
	MotorType        string    `json:"motor_type,omitempty"` // "large" (default) or "medium"
	TicksPerRotation int       `json:"ticks_per_rotation"`
	RampUpMs         int       `json:"ramp_up_ms,omitempty"`
	RampDownMs       int       `json:"ramp_down_ms,omitempty"`
	StopMode         string    `json:"stop_mode,omitempty"` // "coast" (default), "brake" or "hold"
	Polarity         string    `json:"polarity,omitempty"`  // "normal" (default) or "inverted"
}

// Model for the viam supported encoded DC motor.
var Model = resource.NewModel("viam", "tacho-motor", "encoded-dc")

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	var deps []string
	if config.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	deps = append(deps, config.BoardName)

	for field, pin := range map[string]string{
		"in1":               config.Pins.In1,
		"in2":               config.Pins.In2,
		"pwm":               config.Pins.PWM,
		"encoder_interrupt": config.Pins.EncoderInt,
		"encoder_direction": config.Pins.EncoderDir,
	} {
		if pin == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, field)
		}
	}

	if config.TicksPerRotation <= 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "ticks_per_rotation")
	}
	if config.MotorType != "" {
		if _, err := motorTypeFromString(config.MotorType); err != nil {
			return nil, nil, err
		}
	}
	if config.StopMode != "" {
		if _, err := stopModeFromString(config.StopMode); err != nil {
			return nil, nil, err
		}
	}
	if config.Polarity != "" {
		if _, err := polarityFromString(config.Polarity); err != nil {
			return nil, nil, err
		}
	}
	if config.RampUpMs < 0 || config.RampUpMs > maxRampMS {
		return nil, nil, errors.Errorf("ramp_up_ms must be between 0 and %d", maxRampMS)
	}
	if config.RampDownMs < 0 || config.RampDownMs > maxRampMS {
		return nil, nil, errors.Errorf("ramp_down_ms must be between 0 and %d", maxRampMS)
	}
	return deps, nil, nil
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// A Motor is an encoder-equipped DC motor whose speed and position are
// regulated by a control engine ticking in the background.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild
	engine           *Engine
	edges            EdgeSource
	ticksPerRotation int
	maxRPM           float64
	logger           logging.Logger
	opMgr            *operation.SingleOperationManager
	motorName        string
}

// newMotor returns an engine-regulated encoded DC motor.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}

	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}

	in1, err := b.GPIOPinByName(conf.Pins.In1)
	if err != nil {
		return nil, err
	}
	in2, err := b.GPIOPinByName(conf.Pins.In2)
	if err != nil {
		return nil, err
	}
	pwm, err := b.GPIOPinByName(conf.Pins.PWM)
	if err != nil {
		return nil, err
	}
	dirPin, err := b.GPIOPinByName(conf.Pins.EncoderDir)
	if err != nil {
		return nil, err
	}
	interrupt, err := b.DigitalInterruptByName(conf.Pins.EncoderInt)
	if err != nil {
		return nil, errors.Wrapf(err, "%q is not a digital interrupt on board %q", conf.Pins.EncoderInt, conf.BoardName)
	}

	stage := newHBridgePowerStage(in1, in2, pwm)
	edges := newBoardEdgeSource(b, interrupt, dirPin, logger)
	return makeMotor(ctx, *conf, c.ResourceName(), logger, stage, edges, nil)
}

// makeMotor builds the motor around an already-constructed power stage and
// edge source. It is separate from newMotor, above, so you can inject fake
// hardware and a fake clock in here during testing.
func makeMotor(ctx context.Context, c Config, name resource.Name, logger logging.Logger,
	stage PowerStage, edges EdgeSource, now func() uint32,
) (motor.Motor, error) {
	motorType := MotorTypeLarge
	if c.MotorType != "" {
		var err error
		motorType, err = motorTypeFromString(c.MotorType)
		if err != nil {
			return nil, err
		}
	}
	if c.TicksPerRotation == 0 {
		return nil, errors.New("ticks_per_rotation isn't set")
	}

	engine := NewEngine(motorType, stage, logger, nil, now)

	engine.SetRampUpSetpoint(c.RampUpMs)
	engine.SetRampDownSetpoint(c.RampDownMs)
	if c.StopMode != "" {
		sm, err := stopModeFromString(c.StopMode)
		if err != nil {
			return nil, err
		}
		engine.SetStopMode(sm)
	}
	if c.Polarity != "" {
		p, err := polarityFromString(c.Polarity)
		if err != nil {
			return nil, err
		}
		engine.SetPolarityMode(ctx, p)
	}

	m := &Motor{
		Named:            name.AsNamed(),
		engine:           engine,
		edges:            edges,
		ticksPerRotation: c.TicksPerRotation,
		maxRPM:           float64(engine.profile.maxPulsesPerSec) * 60 / float64(c.TicksPerRotation),
		logger:           logger,
		opMgr:            operation.NewSingleOperationManager(),
		motorName:        name.ShortName(),
	}

	// Edges must flow before the loop starts or the first speed estimates
	// run on an empty ring and report a stall.
	if err := edges.Start(ctx, engine.HandleEdge); err != nil {
		engine.Close()
		return nil, errors.Wrapf(err, "error starting encoder edge stream for motor (%s)", m.motorName)
	}
	engine.StartTicking()

	return m, nil
}

// rpmToPPS converts RPM to encoder pulses per second.
func (m *Motor) rpmToPPS(rpm float64) int {
	maxPPS := m.engine.profile.maxPulsesPerSec
	pps := int(rpm / 60 * float64(m.ticksPerRotation))
	if pps > maxPPS {
		pps = maxPPS
	} else if pps < -maxPPS {
		pps = -maxPPS
	}
	return pps
}

// checkEstop surfaces the interlock as an error at the API boundary; the
// engine itself just refuses to move.
func (m *Motor) checkEstop() error {
	if m.engine.EstopArmed() {
		return errors.Errorf("emergency stop is armed on motor (%s)", m.motorName)
	}
	return nil
}

// SetPower drives the motor open loop at powerPct (between -1 and 1) of
// full duty, ramping in per the configured ramp times.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	if err := m.checkEstop(); err != nil {
		return err
	}

	if powerPct > 1 {
		powerPct = 1
	} else if powerPct < -1 {
		powerPct = -1
	}
	if powerPct == 0 {
		return m.Stop(ctx, extra)
	}

	m.engine.SetRunMode(RunForever)
	m.engine.SetRegulationMode(RegulationOff)
	m.engine.SetDutyCycleSetpoint(int(powerPct * 100))
	m.engine.SetRun(ctx, true)
	return nil
}

// SetRPM instructs the motor to move at the specified RPM indefinitely,
// under speed regulation.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	if err := m.checkEstop(); err != nil {
		return err
	}

	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if rpm != 0 {
		if warning != "" {
			m.logger.CWarn(ctx, warning)
		}
		if err != nil {
			m.logger.CError(ctx, err)
		}
	}
	if rpm == 0 {
		return m.Stop(ctx, extra)
	}

	m.engine.SetRunMode(RunForever)
	m.engine.SetRegulationMode(RegulationOn)
	m.engine.SetPulsesPerSecondSetpoint(m.rpmToPPS(rpm))
	m.engine.SetRun(ctx, true)
	return nil
}

// GoFor turns in the given direction the given number of times at the given speed.
// Both the RPM and the revolutions can be assigned negative values to move in a backwards direction.
// Note: if both are negative the motor will spin in the forward direction.
func (m *Motor) GoFor(ctx context.Context, rpm, rotations float64, extra map[string]interface{}) error {
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		return err
	}

	curPos, err := m.Position(ctx, extra)
	if err != nil {
		return errors.Wrapf(err, "error in GoFor from motor (%s)", m.motorName)
	}

	var d float64 = 1
	if math.Signbit(rotations) != math.Signbit(rpm) {
		d = -1
	}
	target := curPos + math.Abs(rotations)*d

	return m.GoTo(ctx, math.Abs(rpm), target, extra)
}

// GoTo moves to the specified position (provided in revolutions from
// home/zero) at a specific speed. Regardless of the directionality of the
// RPM this function will move the motor towards the specified target.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()
	if err := m.checkEstop(); err != nil {
		return err
	}

	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		m.logger.CError(ctx, err)
	}

	m.engine.SetRunMode(RunPosition)
	m.engine.SetPositionMode(PositionAbsolute)
	m.engine.SetRegulationMode(RegulationOn)
	m.engine.SetPositionSetpoint(int(positionRevolutions * float64(m.ticksPerRotation)))
	m.engine.SetPulsesPerSecondSetpoint(m.rpmToPPS(math.Abs(rpm)))
	m.engine.SetRun(ctx, true)

	return m.opMgr.WaitForSuccess(
		ctx,
		time.Millisecond*10,
		m.IsStopped,
	)
}

// runForTime runs the motor for a fixed duration then ramps it down.
func (m *Motor) runForTime(ctx context.Context, ms int) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()
	if err := m.checkEstop(); err != nil {
		return err
	}

	m.engine.SetRunMode(RunTimed)
	m.engine.SetTimeSetpoint(ms)
	m.engine.SetRun(ctx, true)

	return m.opMgr.WaitForSuccess(
		ctx,
		time.Millisecond*10,
		m.IsStopped,
	)
}

// Position gives the current motor position in revolutions.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return float64(m.engine.Position()) / float64(m.ticksPerRotation), nil
}

// ResetZeroPosition sets the current position of the motor specified by the
// request (adjusted by a given offset) to be its new zero position.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	if err := m.engine.SetPosition(int(-1 * offset * float64(m.ticksPerRotation))); err != nil {
		return errors.Wrapf(err, "error in ResetZeroPosition from motor (%s)", m.motorName)
	}
	return nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// Stop ramps the motor down and settles it per the configured stop mode.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.engine.SetRun(ctx, false)
	return nil
}

// IsMoving returns true if the motor is executing a move, including its
// ramp-down and settling phases.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	return m.engine.Running(), nil
}

// IsStopped returns true if the motor is NOT moving.
func (m *Motor) IsStopped(ctx context.Context) (bool, error) {
	moving, err := m.IsMoving(ctx)
	return !moving, err
}

// IsPowered returns whether the power stage is driving and at what fraction
// of full duty.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	power := m.engine.DutyCycle()
	return power != 0, float64(power) / 100, nil
}

// Close stops the edge stream first so no handler fires into a torn-down
// engine, then shuts the control loop down.
func (m *Motor) Close(ctx context.Context) error {
	m.opMgr.CancelRunning(ctx)
	m.engine.SetRun(ctx, false)
	err := m.edges.Close(ctx)
	m.engine.Close()
	return err
}

// DoCommand() related constants.
const (
	Command      = "command"
	RunForTime   = "run_for_time"
	SetSetpoints = "set_setpoints"
	SetStopMode  = "set_stop_mode"
	SetRamp      = "set_ramp"
	SetPID       = "set_pid"
	SetPolarity  = "set_polarity"
	SetPositionC = "set_position"
	EstopArm     = "estop"
	EstopClear   = "clear_estop"
	EstopGet     = "get_estop"
	Status       = "status"
	ResetCmd     = "reset"
)

func cmdInt(cmd map[string]interface{}, key string) (int, bool) {
	v, ok := cmd[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case RunForTime:
		ms, ok := cmdInt(cmd, "ms")
		if !ok {
			return nil, errors.New("need ms value for run_for_time")
		}
		if duty, ok := cmdInt(cmd, "duty_cycle"); ok {
			m.engine.SetRegulationMode(RegulationOff)
			m.engine.SetDutyCycleSetpoint(duty)
		} else if pps, ok := cmdInt(cmd, "pulses_per_second"); ok {
			m.engine.SetRegulationMode(RegulationOn)
			m.engine.SetPulsesPerSecondSetpoint(pps)
		}
		return nil, m.runForTime(ctx, ms)
	case SetSetpoints:
		if duty, ok := cmdInt(cmd, "duty_cycle"); ok {
			m.engine.SetDutyCycleSetpoint(duty)
		}
		if pps, ok := cmdInt(cmd, "pulses_per_second"); ok {
			m.engine.SetPulsesPerSecondSetpoint(pps)
		}
		if ms, ok := cmdInt(cmd, "time_ms"); ok {
			m.engine.SetTimeSetpoint(ms)
		}
		if pos, ok := cmdInt(cmd, "position"); ok {
			m.engine.SetPositionSetpoint(pos)
		}
		if raw, ok := cmd["regulation_mode"].(string); ok {
			switch raw {
			case "on":
				m.engine.SetRegulationMode(RegulationOn)
			case "off":
				m.engine.SetRegulationMode(RegulationOff)
			default:
				return nil, errors.Errorf("unknown regulation_mode %q, expected on or off", raw)
			}
		}
		if raw, ok := cmd["position_mode"].(string); ok {
			switch raw {
			case "absolute":
				m.engine.SetPositionMode(PositionAbsolute)
			case "relative":
				m.engine.SetPositionMode(PositionRelative)
			default:
				return nil, errors.Errorf("unknown position_mode %q, expected absolute or relative", raw)
			}
		}
		return nil, nil
	case SetStopMode:
		modeRaw, ok := cmd["stop_mode"].(string)
		if !ok {
			return nil, errors.New("need stop_mode value for set_stop_mode")
		}
		sm, err := stopModeFromString(modeRaw)
		if err != nil {
			return nil, err
		}
		m.engine.SetStopMode(sm)
		return nil, nil
	case SetRamp:
		if up, ok := cmdInt(cmd, "up_ms"); ok {
			m.engine.SetRampUpSetpoint(up)
		}
		if down, ok := cmdInt(cmd, "down_ms"); ok {
			m.engine.SetRampDownSetpoint(down)
		}
		return nil, nil
	case SetPID:
		gains := m.engine.Gains()
		if p, ok := cmdInt(cmd, "p"); ok {
			gains.P = p
		}
		if i, ok := cmdInt(cmd, "i"); ok {
			gains.I = i
		}
		if d, ok := cmdInt(cmd, "d"); ok {
			gains.D = d
		}
		if k, ok := cmdInt(cmd, "k"); ok {
			gains.K = k
		}
		m.engine.SetGains(gains)
		return nil, nil
	case SetPolarity:
		if raw, ok := cmd["polarity"].(string); ok {
			p, err := polarityFromString(raw)
			if err != nil {
				return nil, err
			}
			m.engine.SetPolarityMode(ctx, p)
		}
		if raw, ok := cmd["encoder_polarity"].(string); ok {
			p, err := polarityFromString(raw)
			if err != nil {
				return nil, err
			}
			m.engine.SetEncoderMode(p)
		}
		return nil, nil
	case SetPositionC:
		ticks, ok := cmdInt(cmd, "position")
		if !ok {
			return nil, errors.New("need position value for set_position")
		}
		return nil, m.engine.SetPosition(ticks)
	case EstopArm:
		token := m.engine.Estop(ctx)
		return map[string]interface{}{"token": token}, nil
	case EstopClear:
		v, ok := cmd["token"]
		if !ok {
			return nil, errors.New("need token value for clear_estop")
		}
		f, ok := v.(float64)
		if !ok {
			return nil, errors.New("token value must be numeric")
		}
		m.engine.ClearEstop(int64(f))
		if m.engine.EstopArmed() {
			return nil, errors.Errorf("estop token mismatch on motor (%s)", m.motorName)
		}
		return nil, nil
	case EstopGet:
		return map[string]interface{}{"armed": m.engine.EstopArmed()}, nil
	case Status:
		gains := m.engine.Gains()
		return map[string]interface{}{
			"state":                m.engine.State().String(),
			"running":              m.engine.Running(),
			"position":             m.engine.Position(),
			"pulses_per_second":    m.engine.PulsesPerSecond(),
			"duty_cycle":           m.engine.DutyCycle(),
			"estop_armed":          m.engine.EstopArmed(),
			"motor_type":           m.engine.Type().String(),
			"run_mode":             m.engine.RunMode().String(),
			"regulation_mode":      m.engine.RegulationMode().String(),
			"stop_mode":            m.engine.StopMode().String(),
			"position_mode":        m.engine.PositionMode().String(),
			"polarity":             m.engine.PolarityMode().String(),
			"encoder_polarity":     m.engine.EncoderMode().String(),
			"duty_cycle_sp":        m.engine.DutyCycleSetpoint(),
			"pulses_per_second_sp": m.engine.PulsesPerSecondSetpoint(),
			"time_sp":              m.engine.TimeSetpoint(),
			"position_sp":          m.engine.PositionSetpoint(),
			"ramp_up_sp":           m.engine.RampUpSetpoint(),
			"ramp_down_sp":         m.engine.RampDownSetpoint(),
			"pid":                  map[string]interface{}{"p": gains.P, "i": gains.I, "d": gains.D, "k": gains.K},
		}, nil
	case ResetCmd:
		m.engine.Reset(ctx)
		return nil, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
