// Package encoder tracks spindle rotation from a stream of slot-encoder
// edge events.
//
// Edges arrive from the hardware reader goroutine through a bounded
// single-producer/single-consumer channel and are drained once per
// control tick, preserving edge order. The tracker maintains the
// unwrapped spindle angle, the phase within the current revolution, a
// monotonic completed-revolutions counter and a smoothed angular
// velocity estimate. Every per-edge update is O(1) and never blocks.
package encoder

import (
	"sync"

	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// Edge is one encoder transition event. Time is in seconds on the
// reactor's monotonic clock; Dir is the direction-signed increment.
type Edge struct {
	Time float64
	Dir  int
}

// Snapshot is an immutable view of the spindle state, taken once per
// control tick.
type Snapshot struct {
	// Angle is the unwrapped spindle angle in revolutions. Continuous
	// and monotonic within a forward winding run.
	Angle float64

	// Phase is the position within the current revolution, [0, 1).
	Phase float64

	// TotalRevs is the count of completed revolutions. Monotonic for
	// a gap-free forward edge stream.
	TotalRevs int64

	// Velocity is the smoothed angular velocity in rev/s.
	Velocity float64

	// EdgeCount is the net direction-signed edge count.
	EdgeCount int64

	// LastEdgeTime is the timestamp of the most recent edge, or 0
	// before the first edge.
	LastEdgeTime float64
}

// Config holds tracker parameters.
type Config struct {
	// EdgesPerRev is the encoder slot count per spindle revolution.
	EdgesPerRev int

	// GapFactor scales the velocity-implied edge deadline. An
	// inter-edge gap longer than GapFactor expected periods is
	// reported as an encoder fault.
	GapFactor float64

	// QueueSize bounds the edge channel. An overflow means edges were
	// dropped, which is indistinguishable from a broken encoder.
	QueueSize int

	// VelocitySmoothing is the exponential smoothing coefficient for
	// the velocity estimate, (0, 1]. 1 disables smoothing.
	VelocitySmoothing float64
}

// DefaultConfig returns tracker parameters matching the 16-slot
// interrupter disc on the spindle shaft.
func DefaultConfig() Config {
	return Config{
		EdgesPerRev:       16,
		GapFactor:         4.0,
		QueueSize:         256,
		VelocitySmoothing: 0.25,
	}
}

// Tracker consumes encoder edges and maintains the spindle state.
type Tracker struct {
	edgesPerRev int64
	gapFactor   float64
	alpha       float64

	events   chan Edge
	overflow bool

	mu sync.RWMutex
	// Written only by Drain (the supervisor tick goroutine).
	edgeCount    int64
	totalRevs    int64
	velocity     float64
	lastEdgeTime float64
	haveEdge     bool
}

// New creates a Tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.EdgesPerRev <= 0 {
		return nil, werrors.New(werrors.ErrRuntimeInit, "encoder edges per revolution must be > 0")
	}
	if cfg.GapFactor <= 1 {
		cfg.GapFactor = DefaultConfig().GapFactor
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.VelocitySmoothing <= 0 || cfg.VelocitySmoothing > 1 {
		cfg.VelocitySmoothing = DefaultConfig().VelocitySmoothing
	}
	return &Tracker{
		edgesPerRev: int64(cfg.EdgesPerRev),
		gapFactor:   cfg.GapFactor,
		alpha:       cfg.VelocitySmoothing,
		events:      make(chan Edge, cfg.QueueSize),
	}, nil
}

// Offer enqueues an edge from the hardware reader. Never blocks; a full
// queue marks the tracker overflowed and the edge is dropped, which
// Drain reports as an encoder fault.
func (t *Tracker) Offer(e Edge) bool {
	select {
	case t.events <- e:
		return true
	default:
		t.mu.Lock()
		t.overflow = true
		t.mu.Unlock()
		return false
	}
}

// Drain consumes all queued edges, updating the spindle state. Called
// once per control tick before any other component runs. Returns an
// EncoderFault when edges were dropped or an inter-edge gap exceeded
// the velocity-implied deadline.
func (t *Tracker) Drain() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.overflow {
		t.overflow = false
		return werrors.EncoderFaultError("edge queue overflow, edges lost")
	}

	for {
		select {
		case e := <-t.events:
			if err := t.applyEdge(e); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// applyEdge folds one edge into the state. O(1).
func (t *Tracker) applyEdge(e Edge) error {
	if t.haveEdge {
		dt := e.Time - t.lastEdgeTime
		if dt < 0 {
			return werrors.EncoderFaultError("edge timestamps out of order")
		}
		if t.velocity > 0 {
			expected := 1.0 / (t.velocity * float64(t.edgesPerRev))
			if dt > t.gapFactor*expected {
				return werrors.Newf(werrors.ErrEncoderFault,
					"inter-edge gap %.4fs exceeds deadline %.4fs (missed edges)",
					dt, t.gapFactor*expected)
			}
		}
		if dt > 0 {
			inst := 1.0 / (dt * float64(t.edgesPerRev))
			if t.velocity == 0 {
				t.velocity = inst
			} else {
				t.velocity += t.alpha * (inst - t.velocity)
			}
		}
	}

	t.edgeCount += int64(e.Dir)
	t.lastEdgeTime = e.Time
	t.haveEdge = true

	if revs := t.edgeCount / t.edgesPerRev; revs > t.totalRevs {
		t.totalRevs = revs
	}
	return nil
}

// CheckStalled reports an EncoderFault when no edge has arrived for
// longer than the velocity-implied deadline while the spindle should be
// turning. Called by the supervisor only in the WINDING state.
func (t *Tracker) CheckStalled(now float64) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.haveEdge || t.velocity <= 0 {
		return nil
	}
	expected := 1.0 / (t.velocity * float64(t.edgesPerRev))
	if now-t.lastEdgeTime > t.gapFactor*expected {
		return werrors.Newf(werrors.ErrEncoderFault,
			"no edge for %.4fs at %.2f rev/s (spindle stalled or encoder dead)",
			now-t.lastEdgeTime, t.velocity)
	}
	return nil
}

// Snapshot returns an immutable copy of the current spindle state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	angle := float64(t.edgeCount) / float64(t.edgesPerRev)
	phaseEdges := t.edgeCount % t.edgesPerRev
	if phaseEdges < 0 {
		phaseEdges += t.edgesPerRev
	}
	return Snapshot{
		Angle:        angle,
		Phase:        float64(phaseEdges) / float64(t.edgesPerRev),
		TotalRevs:    t.totalRevs,
		Velocity:     t.velocity,
		EdgeCount:    t.edgeCount,
		LastEdgeTime: t.lastEdgeTime,
	}
}

// Reset clears all state for a new winding run.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		select {
		case <-t.events:
		default:
			t.edgeCount = 0
			t.totalRevs = 0
			t.velocity = 0
			t.lastEdgeTime = 0
			t.haveEdge = false
			t.overflow = false
			return
		}
	}
}
