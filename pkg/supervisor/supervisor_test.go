package supervisor

import (
	"math"
	"testing"
	"time"

	"github.com/gobbyo/orthocyclic-winder/pkg/encoder"
	"github.com/gobbyo/orthocyclic-winder/pkg/geometry"
	"github.com/gobbyo/orthocyclic-winder/pkg/layer"
	"github.com/gobbyo/orthocyclic-winder/pkg/log"
	"github.com/gobbyo/orthocyclic-winder/pkg/tension"
	"github.com/gobbyo/orthocyclic-winder/pkg/traverse"
	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

type stubActuator struct {
	homed    bool
	netSteps int64
}

func (a *stubActuator) Step(delta int) error { a.netSteps += int64(delta); return nil }
func (a *stubActuator) Home() error          { a.homed = true; return nil }

type stubBrake struct {
	duty     float64
	released bool
}

func (b *stubBrake) SetBrake(duty float64) error { b.duty = duty; return nil }
func (b *stubBrake) Release() error              { b.released = true; return nil }

type stubCell struct {
	raw float64
	ok  bool
}

func (c *stubCell) Sample() (float64, bool) { return c.raw, c.ok }

type fixture struct {
	sup     *Supervisor
	tracker *encoder.Tracker
	act     *stubActuator
	brake   *stubBrake
	cell    *stubCell
	consts  geometry.Constants
	now     float64
}

const tickPeriod = 0.01
const edgesPerRev = 16

func newFixture(t *testing.T, targetLayers int, tenCfg tension.Config) *fixture {
	return newFixtureTravel(t, targetLayers, 20.0, tenCfg)
}

func newFixtureTravel(t *testing.T, targetLayers int, travelLen float64, tenCfg tension.Config) *fixture {
	t.Helper()

	consts, err := geometry.Compute(geometry.Program{
		WireOD:         0.82,
		TraverseLength: 20.0,
		Layers:         targetLayers,
		LeadScrewPitch: 1.25,
		StepsPerRev:    200,
	})
	if err != nil {
		t.Fatal(err)
	}

	tracker, err := encoder.New(encoder.Config{
		EdgesPerRev: edgesPerRev,
		GapFactor:   1e9, // gap checks exercised in the encoder tests
		QueueSize:   4096,
	})
	if err != nil {
		t.Fatal(err)
	}

	tenLoop, err := tension.New(tenCfg)
	if err != nil {
		t.Fatal(err)
	}

	machine, err := layer.New(consts, targetLayers)
	if err != nil {
		t.Fatal(err)
	}

	act := &stubActuator{}
	trav, err := traverse.New(traverse.Config{
		LeadScrewPitch:   1.25,
		StepsPerRev:      200,
		TravelLength:     travelLen,
		MaxStepsPerTick:  100000,
		PhaseToleranceMM: 0.05,
		DriftFaultTicks:  100000,
	}, consts, act)
	if err != nil {
		t.Fatal(err)
	}

	brake := &stubBrake{}
	cell := &stubCell{raw: tenCfg.SetpointGrams, ok: true}

	logger := log.New("test")
	logger.SetLevel(log.ERROR)

	sup, err := New(Config{TickPeriod: tickPeriod, TensionPeriod: tickPeriod},
		consts, targetLayers, tracker, tenLoop, machine, trav, cell, brake, logger)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{sup: sup, tracker: tracker, act: act, brake: brake,
		cell: cell, consts: consts}
}

func lenientTension() tension.Config {
	return tension.Config{
		SetpointGrams:  150,
		Kp:             0.004,
		Ki:             0.001,
		MaxOutput:      1.0,
		ToleranceGrams: 1000,
		DwellTime:      100,
	}
}

// do submits an operator command while driving the tick loop, since
// commands are only actioned at tick boundaries.
func (f *fixture) do(t *testing.T, cmd func() error) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- cmd() }()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.now += tickPeriod
		f.sup.Tick(f.now)
		select {
		case err := <-errc:
			return err
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("command never actioned")
		}
		time.Sleep(time.Millisecond)
	}
}

// feedRevs enqueues edges for n spindle revolutions, spaced evenly over
// the ticks it then runs, and returns after draining them.
func (f *fixture) feedRevs(t *testing.T, n int) {
	t.Helper()
	for rev := 0; rev < n; rev++ {
		period := tickPeriod / edgesPerRev
		for k := 1; k <= edgesPerRev; k++ {
			f.tracker.Offer(encoder.Edge{Time: f.now + float64(k)*period, Dir: 1})
		}
		f.now += tickPeriod
		f.sup.Tick(f.now)
	}
}

func TestStartHomesAndRuns(t *testing.T) {
	f := newFixture(t, 4, lenientTension())

	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.act.homed {
		t.Error("start did not home the traverse")
	}
	if st := f.sup.State(); st != StateRunning {
		t.Errorf("state = %v, want running", st)
	}
	// A second start must be refused.
	if err := f.do(t, f.sup.Start); err == nil {
		t.Error("second start accepted")
	}
}

func TestLayerTransitionAndCompletion(t *testing.T) {
	f := newFixture(t, 2, lenientTension())
	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}

	// Layer 1 holds 25 turns; crossing the boundary flips direction.
	f.feedRevs(t, 25)
	st := f.sup.Snapshot()
	if st.Layer != 2 {
		t.Fatalf("layer = %d after 25 turns, want 2", st.Layer)
	}
	if st.TurnCount != 25 {
		t.Errorf("turn count = %d, want 25", st.TurnCount)
	}

	// Layer 2 holds 24 turns; the run completes at 49.
	f.feedRevs(t, 24)
	if got := f.sup.State(); got != StateComplete {
		t.Errorf("state = %v after final layer, want complete", got)
	}
	if !f.brake.released {
		t.Error("brake not released on completion")
	}
}

func TestPauseResumePreservesPhaseLock(t *testing.T) {
	f := newFixture(t, 4, lenientTension())
	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}
	f.feedRevs(t, 10)
	before := f.sup.Snapshot()

	if err := f.do(t, f.sup.Pause); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Idle ticks while paused; the spindle is not turning.
	for i := 0; i < 20; i++ {
		f.now += tickPeriod
		f.sup.Tick(f.now)
	}
	if err := f.do(t, f.sup.Resume); err != nil {
		t.Fatalf("resume: %v", err)
	}

	after := f.sup.Snapshot()
	// The target is a pure function of spindle angle and layer state,
	// so pausing must not move it.
	if math.Abs(after.TargetMM-before.TargetMM) > 1e-9 {
		t.Errorf("target moved across pause/resume: %v -> %v",
			before.TargetMM, after.TargetMM)
	}
	if after.Layer != before.Layer || after.TurnCount != before.TurnCount {
		t.Errorf("layer/turn state changed across pause: %+v -> %+v", before, after)
	}

	// Winding continues where it left off.
	f.feedRevs(t, 5)
	if got := f.sup.Snapshot().TurnCount; got != 15 {
		t.Errorf("turn count after resume = %d, want 15", got)
	}
}

func TestAbortPreservesStateForResume(t *testing.T) {
	f := newFixture(t, 4, lenientTension())
	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}
	f.feedRevs(t, 5)

	if err := f.do(t, f.sup.Abort); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if st := f.sup.State(); st != StateAborted {
		t.Fatalf("state = %v, want aborted", st)
	}
	if err := f.do(t, f.sup.Resume); err != nil {
		t.Fatalf("resume after abort: %v", err)
	}
	f.feedRevs(t, 5)
	if got := f.sup.Snapshot().TurnCount; got != 10 {
		t.Errorf("turn count = %d, want 10", got)
	}
}

func TestEmergencyStopReleasesTension(t *testing.T) {
	f := newFixture(t, 4, lenientTension())
	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}
	f.feedRevs(t, 3)

	if err := f.do(t, f.sup.EmergencyStop); err != nil {
		t.Fatalf("estop: %v", err)
	}
	if st := f.sup.State(); st != StateFaulted {
		t.Errorf("state = %v, want faulted", st)
	}
	if !f.brake.released {
		t.Error("brake not released on emergency stop")
	}
	fault := f.sup.LastFault()
	if fault == nil || fault.Code != werrors.ErrEmergencyStop {
		t.Errorf("fault = %+v, want EMERGENCY_STOP", fault)
	}
}

func TestEmergencyStopRunsDisablers(t *testing.T) {
	f := newFixture(t, 4, lenientTension())
	spindleStopped := 0
	f.sup.RegisterDisabler("spindle", func() error { spindleStopped++; return nil })

	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}
	f.feedRevs(t, 3)
	if spindleStopped != 0 {
		t.Fatalf("disabler ran %d times during normal winding", spindleStopped)
	}

	if err := f.do(t, f.sup.EmergencyStop); err != nil {
		t.Fatalf("estop: %v", err)
	}
	if spindleStopped == 0 {
		t.Error("spindle disabler never ran on emergency stop")
	}
}

func TestFaultRunsDisablers(t *testing.T) {
	f := newFixture(t, 4, lenientTension())
	spindleStopped := 0
	f.sup.RegisterDisabler("spindle", func() error { spindleStopped++; return nil })

	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5000; i++ {
		f.tracker.Offer(encoder.Edge{Time: f.now, Dir: 1})
	}
	f.now += tickPeriod
	f.sup.Tick(f.now)

	if st := f.sup.State(); st != StateFaulted {
		t.Fatalf("state = %v, want faulted", st)
	}
	if spindleStopped == 0 {
		t.Error("spindle disabler never ran on fault")
	}
}

func TestCompletionRunsDisablers(t *testing.T) {
	f := newFixture(t, 2, lenientTension())
	spindleStopped := 0
	f.sup.RegisterDisabler("spindle", func() error { spindleStopped++; return nil })

	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}
	f.feedRevs(t, 49)
	if got := f.sup.State(); got != StateComplete {
		t.Fatalf("state = %v, want complete", got)
	}
	if spindleStopped == 0 {
		t.Error("spindle disabler never ran on completion")
	}
}

func TestEncoderOverflowFaultsWithContext(t *testing.T) {
	f := newFixture(t, 4, lenientTension())
	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}
	f.feedRevs(t, 7)

	// Saturate the edge queue so Offer drops an edge.
	for i := 0; i < 5000; i++ {
		f.tracker.Offer(encoder.Edge{Time: f.now, Dir: 1})
	}
	f.now += tickPeriod
	f.sup.Tick(f.now)

	if st := f.sup.State(); st != StateFaulted {
		t.Fatalf("state = %v, want faulted", st)
	}
	fault := f.sup.LastFault()
	if fault.Code != werrors.ErrEncoderFault {
		t.Errorf("fault code = %v, want ENCODER_FAULT", fault.Code)
	}
	if fault.Turn != 7 {
		t.Errorf("fault turn context = %d, want 7", fault.Turn)
	}
	if fault.Tick == 0 {
		t.Error("fault tick context missing")
	}
}

func TestTensionFaultEscalatesAfterDwell(t *testing.T) {
	cfg := lenientTension()
	cfg.ToleranceGrams = 10
	cfg.DwellTime = 0.05
	cfg.RampTime = 0
	f := newFixture(t, 4, cfg)
	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}

	f.cell.raw = 500 // far above the band
	for i := 0; i < 20 && f.sup.State() == StateRunning; i++ {
		f.now += tickPeriod
		f.sup.Tick(f.now)
	}
	if st := f.sup.State(); st != StateFaulted {
		t.Fatalf("state = %v, want faulted from sustained tension excursion", st)
	}
	if code := f.sup.LastFault().Code; code != werrors.ErrTensionFault {
		t.Errorf("fault code = %v, want TENSION_FAULT", code)
	}
}

func TestTravelLimitFaultHaltsRun(t *testing.T) {
	// A rig whose physical travel is shorter than the program expects
	// must fault the moment the phase-locked target leaves the range,
	// with the run context recorded.
	f := newFixtureTravel(t, 4, 5.0, lenientTension())
	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}

	f.feedRevs(t, 10)
	if st := f.sup.State(); st != StateFaulted {
		t.Fatalf("state = %v, want faulted past 5mm travel", st)
	}
	fault := f.sup.LastFault()
	if fault.Code != werrors.ErrTravelLimitFault {
		t.Errorf("fault code = %v, want TRAVEL_LIMIT_FAULT", fault.Code)
	}
	if fault.Layer != 0 {
		t.Errorf("fault layer context = %d, want 0", fault.Layer)
	}
	// Position stays inside the physical range; the target is never
	// clamped into it.
	if pos := f.sup.Snapshot().PositionMM; pos > 5.83 {
		t.Errorf("position %.3f commanded past travel", pos)
	}
}

func TestResetClearsFault(t *testing.T) {
	f := newFixture(t, 4, lenientTension())
	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}
	if err := f.do(t, f.sup.EmergencyStop); err != nil {
		t.Fatal(err)
	}

	if err := f.do(t, f.sup.Reset); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st := f.sup.State(); st != StateIdle {
		t.Errorf("state = %v after reset, want idle", st)
	}
	if f.sup.LastFault() != nil {
		t.Error("fault not cleared by reset")
	}

	// The rig can start a fresh run after reset.
	if err := f.do(t, f.sup.Start); err != nil {
		t.Errorf("restart after reset: %v", err)
	}
}

func TestResetRefusedWhileRunning(t *testing.T) {
	f := newFixture(t, 4, lenientTension())
	if err := f.do(t, f.sup.Start); err != nil {
		t.Fatal(err)
	}
	if err := f.do(t, f.sup.Reset); err == nil {
		t.Error("reset accepted while running")
	}
}
