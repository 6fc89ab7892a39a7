package hw

import (
	"math"
	"sync"
	"time"

	"github.com/gobbyo/orthocyclic-winder/pkg/encoder"
)

// SimConfig parameterizes the rig simulator.
type SimConfig struct {
	// SpindleRPM is the simulated spindle speed once started.
	SpindleRPM float64

	// EdgesPerRev matches the encoder disc slot count.
	EdgesPerRev int

	// FullScaleGrams is the tension produced at full brake duty.
	FullScaleGrams float64

	// TensionLag is the first-order response coefficient per step,
	// (0, 1]. 1 makes tension follow the brake instantly.
	TensionLag float64

	// StepPeriod is the model integration period for the background
	// goroutine.
	StepPeriod time.Duration
}

// DefaultSimConfig returns a model of the bench rig.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		SpindleRPM:     300,
		EdgesPerRev:    16,
		FullScaleGrams: 400,
		TensionLag:     0.2,
		StepPeriod:     2 * time.Millisecond,
	}
}

// Sim is a deterministic in-process model of the winder rig: spindle
// with encoder disc, traverse stepper, brake and load cell. It stands
// in for the Link when running with --sim.
type Sim struct {
	cfg     SimConfig
	tracker *encoder.Tracker
	clock   func() float64

	mu        sync.Mutex
	running   bool
	edgeAccum float64
	lastStep  float64
	posSteps  int64
	homed     bool
	brakeDuty float64
	tension   float64

	done chan struct{}
	once sync.Once
}

// NewSim creates a Sim feeding edges into the given tracker.
func NewSim(cfg SimConfig, tracker *encoder.Tracker, clock func() float64) *Sim {
	if cfg.EdgesPerRev <= 0 {
		cfg.EdgesPerRev = DefaultSimConfig().EdgesPerRev
	}
	if cfg.TensionLag <= 0 || cfg.TensionLag > 1 {
		cfg.TensionLag = DefaultSimConfig().TensionLag
	}
	if cfg.StepPeriod <= 0 {
		cfg.StepPeriod = DefaultSimConfig().StepPeriod
	}
	return &Sim{
		cfg:     cfg,
		tracker: tracker,
		clock:   clock,
		done:    make(chan struct{}),
	}
}

// Run integrates the model in the background until Close.
func (s *Sim) Run() {
	go func() {
		ticker := time.NewTicker(s.cfg.StepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.Advance(s.clock())
			}
		}
	}()
}

// Close stops the background integration.
func (s *Sim) Close() {
	s.once.Do(func() { close(s.done) })
}

// SetSpinning starts or stops the simulated spindle.
func (s *Sim) SetSpinning(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = on
	if on {
		s.lastStep = s.clock()
	}
}

// SetSpeed adjusts the simulated spindle speed in RPM.
func (s *Sim) SetSpeed(rpm int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.SpindleRPM = float64(rpm)
	s.running = rpm > 0
	if s.running {
		s.lastStep = s.clock()
	}
	return nil
}

// Stop halts the simulated spindle.
func (s *Sim) Stop() error { return s.SetSpeed(0) }

// Advance integrates the model up to the given time. Exposed so tests
// can drive the simulation deterministically.
func (s *Sim) Advance(now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Tension follows the brake with a first-order lag.
	target := s.brakeDuty * s.cfg.FullScaleGrams
	s.tension += s.cfg.TensionLag * (target - s.tension)

	if !s.running {
		s.lastStep = now
		return
	}

	dt := now - s.lastStep
	if dt <= 0 {
		return
	}
	s.lastStep = now

	revPerSec := s.cfg.SpindleRPM / 60.0
	s.edgeAccum += dt * revPerSec * float64(s.cfg.EdgesPerRev)
	edges := int(s.edgeAccum)
	s.edgeAccum -= float64(edges)

	// Spread the edge timestamps across the elapsed interval so the
	// tracker's velocity estimate stays smooth.
	for i := 1; i <= edges; i++ {
		ts := now - dt + dt*float64(i)/float64(edges)
		s.tracker.Offer(encoder.Edge{Time: ts, Dir: 1})
	}
}

// Step implements the traverse actuator.
func (s *Sim) Step(delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posSteps += int64(delta)
	return nil
}

// Home implements the traverse actuator homing move.
func (s *Sim) Home() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posSteps = 0
	s.homed = true
	return nil
}

// SetBrake implements the brake actuator.
func (s *Sim) SetBrake(duty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brakeDuty = math.Max(0, math.Min(1, duty))
	return nil
}

// Release implements the brake actuator.
func (s *Sim) Release() error { return s.SetBrake(0) }

// Sample implements the load cell; the raw reading is already in grams.
func (s *Sim) Sample() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tension, true
}

// PositionSteps returns the modeled traverse position.
func (s *Sim) PositionSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posSteps
}

// Homed reports whether the homing move has run.
func (s *Sim) Homed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homed
}
