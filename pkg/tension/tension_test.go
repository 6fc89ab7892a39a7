package tension

import (
	"testing"

	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

func testConfig() Config {
	return Config{
		SetpointGrams:  150,
		Kp:             0.004,
		Ki:             0.001,
		MaxOutput:      1.0,
		ToleranceGrams: 30,
		DwellTime:      2.0,
		RampTime:       0, // most tests want no ramp
		Scale:          Scale{Factor: 1.0},
	}
}

func newLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestScale(t *testing.T) {
	s := Scale{Offset: 1000, Factor: 0.05, ZeroDeadband: 2}
	if g := s.Grams(4000); g != 150 {
		t.Errorf("Grams(4000) = %v, want 150", g)
	}
	if g := s.Grams(1020); g != 0 {
		t.Errorf("Grams within deadband = %v, want 0", g)
	}
}

func TestOutputRisesWhenTensionLow(t *testing.T) {
	l := newLoop(t, testConfig())
	l.Start(0)

	var prev float64
	for i := 1; i <= 10; i++ {
		out, err := l.Update(float64(i)*0.1, 140) // slightly under setpoint, in band
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if out < prev {
			t.Errorf("tick %d: output fell %v -> %v while under setpoint", i, prev, out)
		}
		prev = out
	}
	if prev <= 0 {
		t.Error("output never rose above zero under low tension")
	}
}

func TestIntegralClamp(t *testing.T) {
	cfg := testConfig()
	l := newLoop(t, cfg)
	l.Start(0)

	// Thread-break: zero tension for a long stretch. Output must
	// saturate at MaxOutput, not beyond.
	now := 0.0
	for i := 0; i < 100; i++ {
		now += 0.01
		out, _ := l.Update(now, 0)
		if out > cfg.MaxOutput {
			t.Fatalf("output %v exceeds MaxOutput %v", out, cfg.MaxOutput)
		}
	}

	// Recovery must not take pathologically long: after tension
	// overshoots, the clamped integral lets the output fall again.
	for i := 0; i < 50; i++ {
		now += 0.01
		l.Update(now, 400)
	}
	out, _ := l.Update(now+0.01, 400)
	if out >= cfg.MaxOutput {
		t.Errorf("output still saturated at %v after sustained overshoot", out)
	}
}

func TestDwellFault(t *testing.T) {
	cfg := testConfig()
	cfg.DwellTime = 1.0
	l := newLoop(t, cfg)
	l.Start(0)

	const tick = 0.1
	// Tension held at 2x the tolerance band above setpoint.
	high := cfg.SetpointGrams + 2*cfg.ToleranceGrams

	// Up to exactly dwell time: no fault.
	now := 0.0
	for i := 0; i < 10; i++ {
		now += tick
		if _, err := l.Update(now, high); err != nil {
			t.Fatalf("fault before dwell elapsed at t=%.1f: %v", now, err)
		}
	}

	// One more tick pushes past dwell.
	now += tick
	_, err := l.Update(now, high)
	if err == nil {
		t.Fatal("expected TensionFault after dwell time")
	}
	if !werrors.IsCode(err, werrors.ErrTensionFault) {
		t.Errorf("error code = %v, want TENSION_FAULT", werrors.CodeOf(err))
	}
}

func TestExcursionBelowDwellIsWarning(t *testing.T) {
	cfg := testConfig()
	cfg.DwellTime = 1.0
	l := newLoop(t, cfg)
	l.Start(0)

	high := cfg.SetpointGrams + 2*cfg.ToleranceGrams

	// Out of band for dwell minus one tick, then back in band.
	now := 0.0
	for i := 0; i < 9; i++ {
		now += 0.1
		if _, err := l.Update(now, high); err != nil {
			t.Fatalf("unexpected fault: %v", err)
		}
	}
	now += 0.1
	if _, err := l.Update(now, cfg.SetpointGrams); err != nil {
		t.Fatalf("unexpected fault on recovery: %v", err)
	}

	st := l.Status(now)
	if st.Warnings != 1 {
		t.Errorf("Warnings = %d, want 1", st.Warnings)
	}
	if !st.InBand {
		t.Error("expected InBand after recovery")
	}
}

func TestSetpointRamp(t *testing.T) {
	cfg := testConfig()
	cfg.RampTime = 2.0
	l := newLoop(t, cfg)
	l.Start(0)

	l.Update(1.0, 0)
	if sp := l.Status(1.0).Setpoint; sp != cfg.SetpointGrams/2 {
		t.Errorf("setpoint at half ramp = %v, want %v", sp, cfg.SetpointGrams/2)
	}
	l.Update(3.0, 0)
	if sp := l.Status(3.0).Setpoint; sp != cfg.SetpointGrams {
		t.Errorf("setpoint after ramp = %v, want %v", sp, cfg.SetpointGrams)
	}
}

func TestNoFaultDuringRamp(t *testing.T) {
	cfg := testConfig()
	cfg.RampTime = 5.0
	cfg.DwellTime = 1.0
	l := newLoop(t, cfg)
	l.Start(0)

	// Zero tension through the whole ramp window must not fault.
	now := 0.0
	for i := 0; i < 40; i++ {
		now += 0.1
		if _, err := l.Update(now, 0); err != nil {
			t.Fatalf("fault during ramp at t=%.1f: %v", now, err)
		}
	}
}

func TestFreezeHoldsLastOutput(t *testing.T) {
	l := newLoop(t, testConfig())
	l.Start(0)

	out1, _ := l.Update(0.1, 100)
	l.Freeze()
	out2, err := l.Update(0.2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out2 != out1 {
		t.Errorf("frozen output changed: %v -> %v", out1, out2)
	}
}

func TestResumeAfterReleaseRampsFromResumeTime(t *testing.T) {
	cfg := testConfig()
	cfg.RampTime = 2.0
	l := newLoop(t, cfg)
	l.Start(0)

	l.Update(5.0, cfg.SetpointGrams) // ramp long over
	l.Release()
	l.Resume(10.0)

	// One second into the restarted ramp the setpoint is halfway.
	l.Update(11.0, 0)
	if sp := l.Status(11.0).Setpoint; sp != cfg.SetpointGrams/2 {
		t.Errorf("setpoint 1s after resume = %v, want %v", sp, cfg.SetpointGrams/2)
	}
}

func TestResumeRestartsDwellWindow(t *testing.T) {
	cfg := testConfig()
	cfg.DwellTime = 1.0
	l := newLoop(t, cfg)
	l.Start(0)

	high := cfg.SetpointGrams + 2*cfg.ToleranceGrams
	// Out of band almost to the dwell limit, then freeze and resume.
	now := 0.0
	for i := 0; i < 9; i++ {
		now += 0.1
		if _, err := l.Update(now, high); err != nil {
			t.Fatalf("unexpected fault: %v", err)
		}
	}
	l.Freeze()
	l.Resume(now + 30.0)

	// The pre-stop excursion must not carry into the new window.
	now += 30.0
	for i := 0; i < 9; i++ {
		now += 0.1
		if _, err := l.Update(now, high); err != nil {
			t.Fatalf("fault before a full dwell after resume: %v", err)
		}
	}
}

func TestReleaseDropsOutput(t *testing.T) {
	l := newLoop(t, testConfig())
	l.Start(0)

	l.Update(0.1, 100)
	l.Release()
	out, _ := l.Update(0.2, 100)
	if out != 0 {
		t.Errorf("released output = %v, want 0", out)
	}
	if !l.Status(0.2).Released {
		t.Error("Status.Released = false after Release")
	}
}
