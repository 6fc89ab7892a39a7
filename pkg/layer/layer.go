// Package layer implements the layer-sequencing state machine.
//
// The machine exclusively owns the layer index, the traverse direction
// and the nesting origin; the traverse controller reads them through
// snapshots and never flips them itself. Transitions fire on the first
// turn-count sample at or past the layer boundary, never by
// interpolating mid-turn, and re-delivery of the same boundary sample
// is a no-op.
package layer

import (
	"fmt"
	"sync"

	"github.com/gobbyo/orthocyclic-winder/pkg/geometry"
	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// State enumerates the winding sequence states.
type State int

const (
	// StateIdle means no winding run is active.
	StateIdle State = iota

	// StateWinding means turns are being laid on the current layer.
	StateWinding

	// StateLayerTransition is the single-tick window in which the
	// direction flip and nesting offset take effect.
	StateLayerTransition

	// StateComplete means the target layer count has been wound.
	StateComplete

	// StateFault means an unrecoverable fault halted the sequence.
	StateFault
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWinding:
		return "winding"
	case StateLayerTransition:
		return "layer_transition"
	case StateComplete:
		return "complete"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Transition describes one committed layer change.
type Transition struct {
	FromLayer    int
	ToLayer      int
	Direction    int     // new travel direction
	NestingShift float64 // signed lateral shift applied to the origin, mm
	AtRevs       int64   // turn count at which the boundary fired
}

// Snapshot is an immutable view of the sequencing state, taken once per
// control tick.
type Snapshot struct {
	State          State
	Layer          int     // 0-based current layer index
	Direction      int     // +1 away from home, -1 toward home
	Origin         float64 // guide position where this layer began, mm
	LayerStartRevs int64   // cumulative turns at the start of this layer
	BoundaryRevs   int64   // cumulative turns at which this layer ends
	FaultErr       error
}

// Machine is the layer state machine.
type Machine struct {
	mu sync.Mutex

	consts       geometry.Constants
	targetLayers int

	state          State
	layer          int
	direction      int
	origin         float64
	layerStartRevs int64
	boundaryRevs   int64
	faultErr       error
}

// New creates a Machine for the given motion constants and target layer
// count.
func New(c geometry.Constants, targetLayers int) (*Machine, error) {
	if targetLayers <= 0 {
		return nil, werrors.InvalidProgramError("layer count must be > 0")
	}
	return &Machine{
		consts:       c,
		targetLayers: targetLayers,
		state:        StateIdle,
		direction:    1,
	}, nil
}

// Begin starts the run: IDLE -> WINDING with layer 0, direction +1 and
// the origin at home.
func (m *Machine) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return werrors.Newf(werrors.ErrRuntime, "cannot begin winding from state %s", m.state)
	}
	m.state = StateWinding
	m.layer = 0
	m.direction = 1
	m.origin = 0
	m.layerStartRevs = 0
	m.boundaryRevs = int64(m.consts.LayerTurns(0))
	return nil
}

// Observe feeds the current completed-turn count. It returns a non-nil
// Transition in the tick that commits a layer change. The boundary
// policy is first-sample-at-or-past: a sample exactly on the boundary
// fires the transition, a repeat of the same sample does not fire it
// again because the boundary has already advanced.
func (m *Machine) Observe(totalRevs int64) *Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateLayerTransition:
		// The flip was committed last tick; resume winding.
		m.state = StateWinding
		if totalRevs < m.boundaryRevs {
			return nil
		}
		fallthrough

	case StateWinding:
		if totalRevs < m.boundaryRevs {
			return nil
		}
		if m.layer+1 >= m.targetLayers {
			m.state = StateComplete
			return nil
		}

		from := m.layer
		m.layer++
		m.direction = -m.direction

		// End position of the finished layer, from which the new
		// origin is offset by half a wire diameter along the new
		// travel direction. This lateral micro-shift is what nests
		// the new turns into the valleys of the layer below.
		endPos := m.origin + float64(-m.direction)*m.consts.WireAdvance*float64(m.boundaryRevs-m.layerStartRevs)
		shift := geometry.NestingSign(m.layer) * m.consts.NestingOffset
		m.origin = endPos + shift

		m.layerStartRevs = m.boundaryRevs
		m.boundaryRevs += int64(m.consts.LayerTurns(m.layer))
		m.state = StateLayerTransition

		return &Transition{
			FromLayer:    from,
			ToLayer:      m.layer,
			Direction:    m.direction,
			NestingShift: shift,
			AtRevs:       m.layerStartRevs,
		}
	}
	return nil
}

// Fault forces the machine into FAULT, recording the cause. Reachable
// from any state.
func (m *Machine) Fault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFault {
		return
	}
	m.state = StateFault
	m.faultErr = err
}

// Reset returns a faulted or completed machine to IDLE. Requires an
// explicit operator action; winding never auto-retries after a fault.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateWinding || m.state == StateLayerTransition {
		return werrors.New(werrors.ErrRuntime, "cannot reset while winding")
	}
	m.state = StateIdle
	m.layer = 0
	m.direction = 1
	m.origin = 0
	m.layerStartRevs = 0
	m.boundaryRevs = 0
	m.faultErr = nil
	return nil
}

// Snapshot returns an immutable view of the sequencing state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:          m.state,
		Layer:          m.layer,
		Direction:      m.direction,
		Origin:         m.origin,
		LayerStartRevs: m.layerStartRevs,
		BoundaryRevs:   m.boundaryRevs,
		FaultErr:       m.faultErr,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Describe returns a short human-readable position summary for logs.
func (m *Machine) Describe() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("%s layer=%d/%d dir=%+d", m.state, m.layer+1, m.targetLayers, m.direction)
}
