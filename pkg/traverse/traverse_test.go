package traverse

import (
	"errors"
	"math"
	"testing"

	"github.com/gobbyo/orthocyclic-winder/pkg/encoder"
	"github.com/gobbyo/orthocyclic-winder/pkg/geometry"
	"github.com/gobbyo/orthocyclic-winder/pkg/layer"
	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// fakeActuator records step commands.
type fakeActuator struct {
	steps    []int
	homed    bool
	stepErr  error
	homeErr  error
	netSteps int64
}

func (f *fakeActuator) Step(delta int) error {
	if f.stepErr != nil {
		return f.stepErr
	}
	f.steps = append(f.steps, delta)
	f.netSteps += int64(delta)
	return nil
}

func (f *fakeActuator) Home() error {
	if f.homeErr != nil {
		return f.homeErr
	}
	f.homed = true
	return nil
}

func refConstants(t *testing.T) geometry.Constants {
	t.Helper()
	c, err := geometry.Compute(geometry.Program{
		WireOD:         0.82,
		TraverseLength: 20.0,
		Layers:         4,
		LeadScrewPitch: 1.25,
		StepsPerRev:    200,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testConfig() Config {
	return Config{
		LeadScrewPitch:   1.25,
		StepsPerRev:      200,
		TravelLength:     20.0,
		MaxStepsPerTick:  40,
		PhaseToleranceMM: 0.05,
		DriftFaultTicks:  10,
	}
}

func newController(t *testing.T, cfg Config, act Actuator) *Controller {
	t.Helper()
	c, err := New(cfg, refConstants(t), act)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func windingSnapshot() layer.Snapshot {
	return layer.Snapshot{
		State:          layer.StateWinding,
		Layer:          0,
		Direction:      1,
		Origin:         0,
		LayerStartRevs: 0,
	}
}

func TestRequiresExplicitPhaseTolerance(t *testing.T) {
	cfg := testConfig()
	cfg.PhaseToleranceMM = 0
	if _, err := New(cfg, refConstants(t), &fakeActuator{}); err == nil {
		t.Error("expected error for unset phase tolerance")
	}
}

func TestRequiresHoming(t *testing.T) {
	c := newController(t, testConfig(), &fakeActuator{})
	if err := c.Tick(encoder.Snapshot{Angle: 1}, windingSnapshot()); err == nil {
		t.Error("expected error when not homed")
	}
}

func TestPhaseLockTarget(t *testing.T) {
	act := &fakeActuator{}
	c := newController(t, testConfig(), act)
	if err := c.Home(); err != nil {
		t.Fatal(err)
	}

	// One spindle revolution advances the guide one wire diameter.
	// Walk angle up slowly so rate limiting never truncates.
	for a := 0.05; a <= 1.0+1e-9; a += 0.05 {
		if err := c.Tick(encoder.Snapshot{Angle: a}, windingSnapshot()); err != nil {
			t.Fatalf("tick at angle %.2f: %v", a, err)
		}
	}

	s := c.Snapshot()
	if math.Abs(s.TargetMM-0.82) > 1e-9 {
		t.Errorf("target after 1 rev = %v, want 0.82", s.TargetMM)
	}
	// 0.82mm at 160 steps/mm = 131.2 steps; commanded position must be
	// within one step of the target.
	if math.Abs(s.PositionMM-0.82) > 1.25/200 {
		t.Errorf("position %.4f not within one step of 0.82", s.PositionMM)
	}
}

func TestRateLimiting(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStepsPerTick = 10
	act := &fakeActuator{}
	c := newController(t, cfg, act)
	c.Home()

	// A large angle jump must be approached, not jumped to.
	if err := c.Tick(encoder.Snapshot{Angle: 5}, windingSnapshot()); err != nil {
		t.Fatal(err)
	}
	if len(act.steps) != 1 || act.steps[0] != 10 {
		t.Errorf("first command = %v, want [10]", act.steps)
	}
}

func TestTravelLimitFaultNeverClamps(t *testing.T) {
	act := &fakeActuator{}
	c := newController(t, testConfig(), act)
	c.Home()

	// 30 revolutions * 0.82mm = 24.6mm, past 20mm travel plus margin.
	err := c.Tick(encoder.Snapshot{Angle: 30}, windingSnapshot())
	if err == nil {
		t.Fatal("expected TravelLimitFault")
	}
	if !werrors.IsCode(err, werrors.ErrTravelLimitFault) {
		t.Errorf("error code = %v, want TRAVEL_LIMIT_FAULT", werrors.CodeOf(err))
	}
	// No motion was commanded for the invalid target.
	if len(act.steps) != 0 {
		t.Errorf("steps issued despite travel limit: %v", act.steps)
	}
}

func TestNarrowSpoolFaultsEarly(t *testing.T) {
	// A traverse length too small for the program's layers shows up as
	// a travel limit fault as soon as the target leaves the range.
	cfg := testConfig()
	cfg.TravelLength = 2.0
	act := &fakeActuator{}
	c := newController(t, cfg, act)
	c.Home()

	var err error
	for a := 0.0; a <= 6.0; a += 0.1 {
		if err = c.Tick(encoder.Snapshot{Angle: a}, windingSnapshot()); err != nil {
			break
		}
	}
	if !werrors.IsCode(err, werrors.ErrTravelLimitFault) {
		t.Errorf("error = %v, want TRAVEL_LIMIT_FAULT", err)
	}
}

func TestActuatorErrorBecomesActuatorFault(t *testing.T) {
	act := &fakeActuator{stepErr: errors.New("no ack")}
	c := newController(t, testConfig(), act)
	c.Home()

	err := c.Tick(encoder.Snapshot{Angle: 0.5}, windingSnapshot())
	if !werrors.IsCode(err, werrors.ErrActuatorFault) {
		t.Errorf("error = %v, want ACTUATOR_FAULT", err)
	}
}

func TestDriftFault(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStepsPerTick = 1 // starve the stepper so phase error grows
	cfg.DriftFaultTicks = 5
	act := &fakeActuator{}
	c := newController(t, cfg, act)
	c.Home()

	var err error
	for i := 0; i < 100 && err == nil; i++ {
		err = c.Tick(encoder.Snapshot{Angle: 10}, windingSnapshot())
	}
	if !werrors.IsCode(err, werrors.ErrActuatorFault) {
		t.Errorf("error = %v, want ACTUATOR_FAULT from sustained drift", err)
	}
}

func TestNoMotionOutsideWinding(t *testing.T) {
	act := &fakeActuator{}
	c := newController(t, testConfig(), act)
	c.Home()

	for _, st := range []layer.State{layer.StateIdle, layer.StateComplete, layer.StateFault} {
		lay := windingSnapshot()
		lay.State = st
		if err := c.Tick(encoder.Snapshot{Angle: 3}, lay); err != nil {
			t.Errorf("tick in %v: %v", st, err)
		}
	}
	if len(act.steps) != 0 {
		t.Errorf("motion commanded outside winding states: %v", act.steps)
	}
}

func TestReversedDirectionTracksBack(t *testing.T) {
	act := &fakeActuator{}
	c := newController(t, testConfig(), act)
	c.Home()

	// Wind forward one revolution.
	for a := 0.05; a <= 1.0+1e-9; a += 0.05 {
		if err := c.Tick(encoder.Snapshot{Angle: a}, windingSnapshot()); err != nil {
			t.Fatal(err)
		}
	}

	// Second layer: direction -1, origin at the far end.
	lay := layer.Snapshot{
		State:          layer.StateWinding,
		Layer:          1,
		Direction:      -1,
		Origin:         0.82,
		LayerStartRevs: 1,
	}
	for a := 1.05; a <= 2.0+1e-9; a += 0.05 {
		if err := c.Tick(encoder.Snapshot{Angle: a}, lay); err != nil {
			t.Fatal(err)
		}
	}

	s := c.Snapshot()
	if math.Abs(s.TargetMM-0.0) > 1e-9 {
		t.Errorf("return target = %v, want 0", s.TargetMM)
	}
	if math.Abs(s.PositionMM) > 1.25/200 {
		t.Errorf("return position %.4f not within one step of 0", s.PositionMM)
	}
}
