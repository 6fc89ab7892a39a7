// Package supervisor ties the winder's control components together.
//
// One reactor timer drives the fixed-period control tick. Within a tick
// the order is fixed: operator commands, then the encoder drain and
// spindle snapshot, then the tension loop, then the layer state
// machine, then the traverse controller. The order keeps the traverse
// controller from acting on a stale layer decision.
//
// Each state struct has exactly one writer; everything crossing a
// component boundary is an immutable snapshot taken in this tick.
package supervisor

import (
	"sync"

	"github.com/gobbyo/orthocyclic-winder/pkg/encoder"
	"github.com/gobbyo/orthocyclic-winder/pkg/geometry"
	"github.com/gobbyo/orthocyclic-winder/pkg/layer"
	"github.com/gobbyo/orthocyclic-winder/pkg/log"
	"github.com/gobbyo/orthocyclic-winder/pkg/reactor"
	"github.com/gobbyo/orthocyclic-winder/pkg/tension"
	"github.com/gobbyo/orthocyclic-winder/pkg/traverse"
	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// RunState is the supervisor's operating state.
type RunState int

const (
	// StateIdle means no job is running.
	StateIdle RunState = iota

	// StateRunning means the control loop is winding.
	StateRunning

	// StatePaused means the operator paused; phase lock is
	// maintained so the run can resume without disturbing geometry.
	StatePaused

	// StateAborted means the operator stopped gracefully; layer and
	// position are preserved for a potential resume.
	StateAborted

	// StateComplete means the programmed layers are wound.
	StateComplete

	// StateFaulted means a fault halted actuation; an explicit
	// operator reset is required.
	StateFaulted
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateAborted:
		return "aborted"
	case StateComplete:
		return "complete"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Fault records what went wrong and where the run was when it did.
type Fault struct {
	Code  werrors.ErrorCode
	Err   error
	Tick  int64
	Layer int
	Turn  int64
	Time  float64
}

// LoadCell supplies the most recent raw tension sample. Must not block;
// the reading is whatever the hardware last reported.
type LoadCell interface {
	Sample() (raw float64, ok bool)
}

// BrakeActuator drives the tension brake. Commands are fire-and-forget.
type BrakeActuator interface {
	// SetBrake commands brake duty (0-1).
	SetBrake(duty float64) error

	// Release drops the brake entirely so the wire goes slack-safe.
	Release() error
}

// Config holds supervisor timing parameters.
type Config struct {
	// TickPeriod is the control tick period in seconds.
	TickPeriod float64

	// TensionPeriod is the tension control period in seconds. Runs on
	// its own cadence, independent of spindle speed, but is invoked
	// from the control tick so the intra-tick ordering holds.
	TensionPeriod float64
}

// DefaultConfig returns supervisor timing for the 100Hz control loop.
func DefaultConfig() Config {
	return Config{
		TickPeriod:    0.01,
		TensionPeriod: 0.05,
	}
}

// Status is the telemetry snapshot handed to the status server.
type Status struct {
	State        string  `json:"state"`
	LayerState   string  `json:"layer_state"`
	Layer        int     `json:"layer"`
	TargetLayers int     `json:"target_layers"`
	TurnCount    int64   `json:"turn_count"`
	TurnsInLayer int64   `json:"turns_in_layer"`
	SpindleRPS   float64 `json:"spindle_rps"`
	PositionMM   float64 `json:"position_mm"`
	TargetMM     float64 `json:"target_mm"`
	PhaseErrMM   float64 `json:"phase_err_mm"`
	TensionGrams float64 `json:"tension_grams"`
	TensionOut   float64 `json:"tension_out"`
	Tick         int64   `json:"tick"`
	TickTime     float64 `json:"tick_time"`
	FaultCode    string  `json:"fault_code,omitempty"`
	FaultMsg     string  `json:"fault_msg,omitempty"`
	FaultLayer   int     `json:"fault_layer,omitempty"`
	FaultTurn    int64   `json:"fault_turn,omitempty"`
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdAbort
	cmdEmergencyStop
	cmdReset
)

type command struct {
	kind commandKind
	done chan error
}

// Supervisor orchestrates the control tick and owns the fault state.
type Supervisor struct {
	logger *log.Logger
	cfg    Config
	consts geometry.Constants

	tracker  *encoder.Tracker
	tenLoop  *tension.Loop
	machine  *layer.Machine
	trav     *traverse.Controller
	loadCell LoadCell
	brake    BrakeActuator

	commands chan command

	mu              sync.Mutex
	disablers       []disabler
	state           RunState
	fault           *Fault
	tickCount       int64
	lastTickTime    float64
	nextTensionTime float64
	targetLayers    int
}

// New creates a Supervisor wiring the control components together.
func New(cfg Config, consts geometry.Constants, targetLayers int,
	tracker *encoder.Tracker, tenLoop *tension.Loop, machine *layer.Machine,
	trav *traverse.Controller, loadCell LoadCell, brake BrakeActuator,
	logger *log.Logger) (*Supervisor, error) {

	if cfg.TickPeriod <= 0 {
		return nil, werrors.New(werrors.ErrRuntimeInit, "tick period must be > 0")
	}
	if cfg.TensionPeriod <= 0 {
		cfg.TensionPeriod = cfg.TickPeriod
	}
	return &Supervisor{
		logger:       logger,
		cfg:          cfg,
		consts:       consts,
		tracker:      tracker,
		tenLoop:      tenLoop,
		machine:      machine,
		trav:         trav,
		loadCell:     loadCell,
		brake:        brake,
		commands:     make(chan command, 16),
		state:        StateIdle,
		targetLayers: targetLayers,
	}, nil
}

type disabler struct {
	name string
	fn   func() error
}

// RegisterDisabler adds an actuator shutdown hook. Every registered
// disabler runs when a fault or emergency stop halts the run, and when
// winding completes. The spindle drive registers here so a fault never
// leaves it pulling slack wire.
func (s *Supervisor) RegisterDisabler(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disablers = append(s.disablers, disabler{name: name, fn: fn})
}

func (s *Supervisor) runDisablers() {
	s.mu.Lock()
	ds := s.disablers
	s.mu.Unlock()
	for _, d := range ds {
		if err := d.fn(); err != nil {
			s.logger.Error("disable %s: %v", d.name, err)
		}
	}
}

// Attach registers the control tick on the reactor.
func (s *Supervisor) Attach(r *reactor.Reactor) *reactor.Timer {
	return r.RegisterTimer(s.Tick, reactor.NOW)
}

// submit queues an operator command; it is actioned at the start of the
// next control tick, bounding command latency to one tick period.
func (s *Supervisor) submit(kind commandKind) error {
	cmd := command{kind: kind, done: make(chan error, 1)}
	s.commands <- cmd
	return <-cmd.done
}

// Start homes the traverse if needed and begins winding.
func (s *Supervisor) Start() error { return s.submit(cmdStart) }

// Pause suspends the run. Phase lock is maintained while paused.
func (s *Supervisor) Pause() error { return s.submit(cmdPause) }

// Resume continues a paused or aborted run.
func (s *Supervisor) Resume() error { return s.submit(cmdResume) }

// Abort stops gracefully, preserving layer and position for resume.
func (s *Supervisor) Abort() error { return s.submit(cmdAbort) }

// EmergencyStop halts all actuation immediately and enters FAULT. The
// tension brake is released so the wire goes slack rather than snapping.
func (s *Supervisor) EmergencyStop() error { return s.submit(cmdEmergencyStop) }

// Reset clears a fault or finished run back to idle. Never automatic.
func (s *Supervisor) Reset() error { return s.submit(cmdReset) }

// Tick runs one control cycle and returns the next wake time. Exposed
// as a reactor timer callback; tests drive it directly with synthetic
// event times.
func (s *Supervisor) Tick(eventtime float64) float64 {
	s.drainCommands(eventtime)

	s.mu.Lock()
	state := s.state
	s.tickCount++
	s.lastTickTime = eventtime
	tensionDue := eventtime >= s.nextTensionTime
	if tensionDue {
		s.nextTensionTime = eventtime + s.cfg.TensionPeriod
	}
	s.mu.Unlock()

	if state != StateRunning && state != StatePaused {
		return eventtime + s.cfg.TickPeriod
	}

	// 1. Encoder first: drain queued edges, snapshot the spindle.
	if err := s.tracker.Drain(); err != nil {
		s.raiseFault(eventtime, err)
		return eventtime + s.cfg.TickPeriod
	}
	spindle := s.tracker.Snapshot()

	if state == StateRunning && spindle.Velocity > 0 {
		if err := s.tracker.CheckStalled(eventtime); err != nil {
			s.raiseFault(eventtime, err)
			return eventtime + s.cfg.TickPeriod
		}
	}

	// 2. Tension loop on its own period.
	if tensionDue {
		if raw, ok := s.loadCell.Sample(); ok {
			duty, err := s.tenLoop.Update(eventtime, raw)
			if brakeErr := s.brake.SetBrake(duty); brakeErr != nil {
				s.raiseFault(eventtime, werrors.ActuatorFaultError("brake", brakeErr.Error()))
				return eventtime + s.cfg.TickPeriod
			}
			if err != nil {
				// Dwell exceeded; escalate to halt.
				s.raiseFault(eventtime, err)
				return eventtime + s.cfg.TickPeriod
			}
		}
	}

	// 3. Layer decision from the turn counter.
	if tr := s.machine.Observe(spindle.TotalRevs); tr != nil {
		s.logger.WithFields(log.Fields{
			"layer": tr.ToLayer + 1,
			"dir":   tr.Direction,
			"shift": tr.NestingShift,
			"turn":  tr.AtRevs,
		}).Info("layer transition")
	}
	laySnap := s.machine.Snapshot()

	if laySnap.State == layer.StateComplete {
		s.mu.Lock()
		if s.state == StateRunning || s.state == StatePaused {
			s.state = StateComplete
		}
		s.mu.Unlock()
		s.tenLoop.Release()
		s.brake.Release()
		s.runDisablers()
		s.logger.Info("winding complete after %d turns", spindle.TotalRevs)
		return eventtime + s.cfg.TickPeriod
	}

	// 4. Traverse last, so it acts on this tick's layer decision.
	if err := s.trav.Tick(spindle, laySnap); err != nil {
		s.raiseFault(eventtime, err)
	}

	return eventtime + s.cfg.TickPeriod
}

func (s *Supervisor) drainCommands(eventtime float64) {
	for {
		select {
		case cmd := <-s.commands:
			cmd.done <- s.apply(cmd.kind, eventtime)
		default:
			return
		}
	}
}

func (s *Supervisor) apply(kind commandKind, eventtime float64) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch kind {
	case cmdStart:
		if state != StateIdle {
			return werrors.Newf(werrors.ErrRuntime, "cannot start from state %s", state)
		}
		if !s.trav.Homed() {
			s.logger.Info("homing traverse guide")
			if err := s.trav.Home(); err != nil {
				return err
			}
		}
		if err := s.machine.Begin(); err != nil {
			return err
		}
		s.tracker.Reset()
		s.tenLoop.Start(eventtime)
		s.mu.Lock()
		s.state = StateRunning
		s.fault = nil
		s.mu.Unlock()
		s.logger.Info("winding started: %d layers, gear ratio %.6f",
			s.targetLayers, s.consts.GearRatio)
		return nil

	case cmdPause:
		if state != StateRunning {
			return werrors.Newf(werrors.ErrRuntime, "cannot pause from state %s", state)
		}
		s.mu.Lock()
		s.state = StatePaused
		s.mu.Unlock()
		s.logger.Info("paused at %s", s.machine.Describe())
		return nil

	case cmdResume:
		if state != StatePaused && state != StateAborted {
			return werrors.Newf(werrors.ErrRuntime, "cannot resume from state %s", state)
		}
		s.tenLoop.Resume(eventtime)
		s.mu.Lock()
		s.state = StateRunning
		s.mu.Unlock()
		s.logger.Info("resumed at %s", s.machine.Describe())
		return nil

	case cmdAbort:
		if state != StateRunning && state != StatePaused {
			return werrors.Newf(werrors.ErrRuntime, "cannot abort from state %s", state)
		}
		s.tenLoop.Freeze()
		s.mu.Lock()
		s.state = StateAborted
		s.mu.Unlock()
		s.logger.Info("aborted at %s", s.machine.Describe())
		return nil

	case cmdEmergencyStop:
		s.tenLoop.Release()
		s.brake.Release()
		s.raiseFault(eventtime, werrors.New(werrors.ErrEmergencyStop, "operator emergency stop"))
		return nil

	case cmdReset:
		if state == StateRunning || state == StatePaused {
			return werrors.New(werrors.ErrRuntime, "cannot reset while running")
		}
		if err := s.machine.Reset(); err != nil {
			return err
		}
		s.tracker.Reset()
		s.mu.Lock()
		s.state = StateIdle
		s.fault = nil
		s.mu.Unlock()
		s.logger.Info("reset to idle")
		return nil
	}
	return werrors.New(werrors.ErrRuntime, "unknown command")
}

// raiseFault records the fault with its tick/layer/turn context, halts
// actuation and moves the layer machine to FAULT. The tension output is
// frozen at its last safe value unless the fault already released it.
func (s *Supervisor) raiseFault(eventtime float64, err error) {
	laySnap := s.machine.Snapshot()
	spindle := s.tracker.Snapshot()

	s.mu.Lock()
	if s.state == StateFaulted {
		s.mu.Unlock()
		return
	}
	s.state = StateFaulted
	s.fault = &Fault{
		Code:  werrors.CodeOf(err),
		Err:   err,
		Tick:  s.tickCount,
		Layer: laySnap.Layer,
		Turn:  spindle.TotalRevs,
		Time:  eventtime,
	}
	fault := s.fault
	s.mu.Unlock()

	s.machine.Fault(err)
	if fault.Code != werrors.ErrEmergencyStop {
		s.tenLoop.Freeze()
	}
	s.runDisablers()

	s.logger.WithFields(log.Fields{
		"code":  string(fault.Code),
		"tick":  fault.Tick,
		"layer": fault.Layer + 1,
		"turn":  fault.Turn,
	}).Error("fault: %v", err)
}

// ProgramInfo describes the loaded winding geometry for telemetry.
type ProgramInfo struct {
	TargetLayers       int     `json:"target_layers"`
	GearRatio          float64 `json:"gear_ratio"`
	TurnsPerLayerExact float64 `json:"turns_per_layer_exact"`
	TurnsOdd           int     `json:"turns_odd"`
	TurnsEven          int     `json:"turns_even"`
	StepsPerLayer      int     `json:"steps_per_layer"`
	WireAdvance        float64 `json:"wire_advance_mm"`
	NestingOffset      float64 `json:"nesting_offset_mm"`
	SpindleSpeedScale  float64 `json:"spindle_speed_scale"`
}

// Program returns the loaded winding geometry.
func (s *Supervisor) Program() ProgramInfo {
	return ProgramInfo{
		TargetLayers:       s.targetLayers,
		GearRatio:          s.consts.GearRatio,
		TurnsPerLayerExact: s.consts.TurnsPerLayerExact,
		TurnsOdd:           s.consts.TurnsOdd,
		TurnsEven:          s.consts.TurnsEven,
		StepsPerLayer:      s.consts.StepsPerLayer,
		WireAdvance:        s.consts.WireAdvance,
		NestingOffset:      s.consts.NestingOffset,
		SpindleSpeedScale:  s.consts.SpindleSpeedScale,
	}
}

// State returns the current run state.
func (s *Supervisor) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastFault returns the recorded fault, or nil.
func (s *Supervisor) LastFault() *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Snapshot assembles the telemetry status.
func (s *Supervisor) Snapshot() Status {
	spindle := s.tracker.Snapshot()
	laySnap := s.machine.Snapshot()
	travSnap := s.trav.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	tenStatus := s.tenLoop.Status(s.lastTickTime)
	st := Status{
		State:        s.state.String(),
		LayerState:   laySnap.State.String(),
		Layer:        laySnap.Layer + 1,
		TargetLayers: s.targetLayers,
		TurnCount:    spindle.TotalRevs,
		TurnsInLayer: spindle.TotalRevs - laySnap.LayerStartRevs,
		SpindleRPS:   spindle.Velocity,
		PositionMM:   travSnap.PositionMM,
		TargetMM:     travSnap.TargetMM,
		PhaseErrMM:   travSnap.PhaseErrMM,
		TensionGrams: tenStatus.Measured,
		TensionOut:   tenStatus.Output,
		Tick:         s.tickCount,
		TickTime:     s.lastTickTime,
	}
	if s.fault != nil {
		st.FaultCode = string(s.fault.Code)
		st.FaultMsg = s.fault.Err.Error()
		st.FaultLayer = s.fault.Layer + 1
		st.FaultTurn = s.fault.Turn
	}
	return st
}
