// Package traverse converts the spindle angle and the active layer
// decision into wire-guide stepper motion.
//
// Each control tick the controller computes the phase-locked target
// position, checks it against the physical travel range, and issues a
// rate-limited step command toward it. A target beyond the travel range
// is a design-parameter violation and raises a TravelLimitFault; it is
// never silently clamped, because a clamped target would wind a
// geometrically wrong coil with no visible evidence.
package traverse

import (
	"math"
	"sync"

	"github.com/gobbyo/orthocyclic-winder/pkg/encoder"
	"github.com/gobbyo/orthocyclic-winder/pkg/geometry"
	"github.com/gobbyo/orthocyclic-winder/pkg/layer"
	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// Actuator issues fire-and-forget commands to the traverse stepper
// driver. Implementations must not block; readbacks are consumed on the
// next tick.
type Actuator interface {
	// Step commands a signed relative move in stepper steps.
	Step(delta int) error

	// Home runs the homing move to the inside flange reference.
	Home() error
}

// Config holds traverse controller parameters.
type Config struct {
	// LeadScrewPitch is the lead screw pitch in mm/rev.
	LeadScrewPitch float64

	// StepsPerRev is the stepper's steps per revolution.
	StepsPerRev int

	// TravelLength is the usable spool width in mm.
	TravelLength float64

	// EndMargin extends the valid range past [0, TravelLength] at
	// both ends, in mm. The odd layers' tuck turn rides the flange
	// chamfer, so one wire diameter of margin is the physical default.
	EndMargin float64

	// MaxStepsPerTick rate-limits motion to avoid mechanical shock at
	// layer transitions.
	MaxStepsPerTick int

	// PhaseToleranceMM is the acceptable phase-lock error before the
	// tick is counted as drifting. Required configuration; there is
	// no universal value, it depends on wire gauge and mechanics.
	PhaseToleranceMM float64

	// DriftFaultTicks is the number of consecutive ticks the phase
	// error may exceed one wire diameter before the controller
	// declares the stepper stalled (ActuatorFault).
	DriftFaultTicks int
}

// DefaultConfig returns traverse parameters for the M3x1.25 guide screw
// build.
func DefaultConfig() Config {
	return Config{
		LeadScrewPitch:   1.25,
		StepsPerRev:      200,
		TravelLength:     20.0,
		MaxStepsPerTick:  40,
		PhaseToleranceMM: 0.05,
		DriftFaultTicks:  50,
	}
}

// Snapshot is an immutable view of the traverse state.
type Snapshot struct {
	PositionMM float64
	TargetMM   float64
	PhaseErrMM float64
	Homed      bool
	Drifting   bool
}

// Controller drives the traverse stepper. It exclusively owns the
// traverse position; the layer machine owns direction and layer index.
type Controller struct {
	mu sync.Mutex

	cfg      Config
	consts   geometry.Constants
	actuator Actuator

	mmPerStep float64
	minPos    float64
	maxPos    float64

	posSteps   int64
	targetMM   float64
	phaseErrMM float64
	homed      bool
	driftTicks int
}

// New creates a traverse Controller.
func New(cfg Config, consts geometry.Constants, actuator Actuator) (*Controller, error) {
	if cfg.LeadScrewPitch <= 0 || cfg.StepsPerRev <= 0 {
		return nil, werrors.New(werrors.ErrRuntimeInit, "traverse pitch and steps per rev must be > 0")
	}
	if cfg.TravelLength <= 0 {
		return nil, werrors.New(werrors.ErrRuntimeInit, "traverse travel length must be > 0")
	}
	if cfg.MaxStepsPerTick <= 0 {
		cfg.MaxStepsPerTick = DefaultConfig().MaxStepsPerTick
	}
	if cfg.PhaseToleranceMM <= 0 {
		return nil, werrors.New(werrors.ErrRuntimeInit,
			"phase_tolerance_mm must be configured explicitly (> 0)")
	}
	if cfg.DriftFaultTicks <= 0 {
		cfg.DriftFaultTicks = DefaultConfig().DriftFaultTicks
	}
	margin := cfg.EndMargin
	if margin == 0 {
		margin = consts.WireAdvance
	}
	return &Controller{
		cfg:       cfg,
		consts:    consts,
		actuator:  actuator,
		mmPerStep: cfg.LeadScrewPitch / float64(cfg.StepsPerRev),
		minPos:    -margin,
		maxPos:    cfg.TravelLength + margin,
	}, nil
}

// Home runs the homing move and zeroes the position reference.
func (c *Controller) Home() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.actuator.Home(); err != nil {
		return werrors.ActuatorFaultError("traverse", "homing failed: "+err.Error())
	}
	c.posSteps = 0
	c.targetMM = 0
	c.phaseErrMM = 0
	c.driftTicks = 0
	c.homed = true
	return nil
}

// Homed reports whether the position reference is established.
func (c *Controller) Homed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.homed
}

// Tick computes the phase-locked target from the spindle and layer
// snapshots and issues one rate-limited step command toward it.
func (c *Controller) Tick(spindle encoder.Snapshot, lay layer.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.homed {
		return werrors.New(werrors.ErrRuntime, "traverse not homed")
	}
	if lay.State != layer.StateWinding && lay.State != layer.StateLayerTransition {
		return nil
	}

	// Phase lock: the guide position is a pure function of the
	// unwrapped spindle angle within the layer.
	angleIntoLayer := spindle.Angle - float64(lay.LayerStartRevs)
	target := lay.Origin + float64(lay.Direction)*c.consts.WireAdvance*angleIntoLayer

	if target < c.minPos || target > c.maxPos {
		return werrors.TravelLimitError(target, c.minPos, c.maxPos)
	}
	c.targetMM = target

	targetSteps := int64(math.Round(target / c.mmPerStep))
	delta := targetSteps - c.posSteps
	if delta > int64(c.cfg.MaxStepsPerTick) {
		delta = int64(c.cfg.MaxStepsPerTick)
	} else if delta < -int64(c.cfg.MaxStepsPerTick) {
		delta = -int64(c.cfg.MaxStepsPerTick)
	}

	if delta != 0 {
		if err := c.actuator.Step(int(delta)); err != nil {
			return werrors.ActuatorFaultError("traverse", err.Error())
		}
		c.posSteps += delta
	}

	c.phaseErrMM = target - float64(c.posSteps)*c.mmPerStep
	if math.Abs(c.phaseErrMM) > c.consts.WireAdvance {
		c.driftTicks++
		if c.driftTicks >= c.cfg.DriftFaultTicks {
			return werrors.ActuatorFaultError("traverse",
				"phase error exceeds one wire diameter, stepper stalled or losing steps")
		}
	} else {
		c.driftTicks = 0
	}

	return nil
}

// Snapshot returns an immutable view of the traverse state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		PositionMM: float64(c.posSteps) * c.mmPerStep,
		TargetMM:   c.targetMM,
		PhaseErrMM: c.phaseErrMM,
		Homed:      c.homed,
		Drifting:   math.Abs(c.phaseErrMM) > c.cfg.PhaseToleranceMM,
	}
}

// PositionSteps returns the commanded position in steps from home.
func (c *Controller) PositionSteps() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posSteps
}
