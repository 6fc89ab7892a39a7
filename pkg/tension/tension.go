// Package tension implements the closed-loop wire tension regulator.
//
// The loop runs on a fixed control period independent of spindle speed.
// A load-cell sample (raw ADC counts scaled to grams) is compared to the
// setpoint and a proportional-integral law with integral clamping drives
// the brake actuator. Sustained out-of-band tension is a quality signal
// reported as a TensionFault once the dwell time elapses; the supervisor
// decides whether to halt.
package tension

import (
	"sync"

	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// Config holds regulator parameters.
type Config struct {
	// SetpointGrams is the target wire tension.
	SetpointGrams float64

	// Kp and Ki are the proportional and integral gains.
	Kp float64
	Ki float64

	// MaxOutput is the maximum actuator command (brake duty, 0-1).
	MaxOutput float64

	// ToleranceGrams is the half-width of the acceptable band around
	// the setpoint.
	ToleranceGrams float64

	// DwellTime is how long tension may sit outside the band before a
	// TensionFault is reported, in seconds.
	DwellTime float64

	// RampTime ramps the setpoint linearly from zero at start, in
	// seconds, so the brake does not snatch slack wire.
	RampTime float64

	// Scale converts raw load-cell counts to grams.
	Scale Scale
}

// Scale converts raw load-cell ADC counts to grams.
type Scale struct {
	// Offset is the raw reading at zero load.
	Offset float64

	// Factor is grams per count after offset removal.
	Factor float64

	// ZeroDeadband clamps scaled readings below this magnitude to
	// zero, suppressing ADC noise around empty.
	ZeroDeadband float64
}

// Grams converts a raw sample.
func (s Scale) Grams(raw float64) float64 {
	g := (raw - s.Offset) * s.Factor
	if g < s.ZeroDeadband && g > -s.ZeroDeadband {
		return 0
	}
	return g
}

// DefaultConfig returns regulator parameters for the spring-arm brake.
func DefaultConfig() Config {
	return Config{
		SetpointGrams:  150,
		Kp:             0.004,
		Ki:             0.001,
		MaxOutput:      1.0,
		ToleranceGrams: 30,
		DwellTime:      2.0,
		RampTime:       1.5,
		Scale:          Scale{Factor: 1.0},
	}
}

// Status is an immutable view of the regulator state.
type Status struct {
	Measured  float64
	Setpoint  float64 // effective (ramped) setpoint
	Output    float64
	InBand    bool
	Frozen    bool
	Released  bool
	Warnings  int64 // out-of-band excursions that recovered before dwell
}

// Loop is the tension regulator. It exclusively owns the tension state;
// other components read it through Status snapshots only.
type Loop struct {
	mu  sync.Mutex
	cfg Config

	startTime float64
	started   bool

	integral  float64
	measured  float64
	output    float64
	lastTime  float64
	haveTime  bool

	outOfBandSince float64
	outOfBand      bool
	warnings       int64

	frozen   bool
	released bool
}

// New creates a tension Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.SetpointGrams <= 0 {
		return nil, werrors.New(werrors.ErrRuntimeInit, "tension setpoint must be > 0")
	}
	if cfg.Kp <= 0 || cfg.Ki < 0 {
		return nil, werrors.New(werrors.ErrRuntimeInit, "tension gains must be positive")
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 1.0
	}
	if cfg.Scale.Factor == 0 {
		cfg.Scale.Factor = 1.0
	}
	return &Loop{cfg: cfg}, nil
}

// Start arms the regulator; the setpoint ramps from zero beginning now.
func (l *Loop) Start(now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startTime = now
	l.started = true
	l.frozen = false
	l.released = false
	l.integral = 0
	l.outOfBand = false
	l.haveTime = false
}

// effectiveSetpoint applies the startup ramp.
func (l *Loop) effectiveSetpoint(now float64) float64 {
	if l.cfg.RampTime <= 0 {
		return l.cfg.SetpointGrams
	}
	elapsed := now - l.startTime
	if elapsed >= l.cfg.RampTime {
		return l.cfg.SetpointGrams
	}
	if elapsed < 0 {
		return 0
	}
	return l.cfg.SetpointGrams * elapsed / l.cfg.RampTime
}

// Update runs one control period: scales the raw load-cell sample,
// applies the PI law and returns the actuator command. A TensionFault
// is returned once the measurement has been outside the tolerance band
// for longer than the dwell time; the command remains valid either way.
func (l *Loop) Update(now, rawSample float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started || l.frozen || l.released {
		return l.output, nil
	}

	measured := l.cfg.Scale.Grams(rawSample)
	l.measured = measured
	setpoint := l.effectiveSetpoint(now)

	dt := 0.0
	if l.haveTime {
		dt = now - l.lastTime
	}
	l.lastTime = now
	l.haveTime = true

	err := setpoint - measured

	// Integral term with anti-windup. The clamp keeps a snapped wire
	// or empty spool from winding the integrator into a slam when
	// tension returns.
	if dt > 0 && l.cfg.Ki > 0 {
		l.integral += err * dt
		maxIntegral := l.cfg.MaxOutput / l.cfg.Ki
		if l.integral > maxIntegral {
			l.integral = maxIntegral
		} else if l.integral < -maxIntegral {
			l.integral = -maxIntegral
		}
	}

	output := l.cfg.Kp*err + l.cfg.Ki*l.integral
	if output > l.cfg.MaxOutput {
		output = l.cfg.MaxOutput
	} else if output < 0 {
		output = 0
	}
	l.output = output

	// Dwell-gated band check. Only sustained excursions fault; a
	// momentary excursion past the band is recorded as a warning once
	// it recovers. The ramp window is exempt.
	inRamp := l.cfg.RampTime > 0 && now-l.startTime < l.cfg.RampTime
	outside := !inRamp &&
		(measured > setpoint+l.cfg.ToleranceGrams || measured < setpoint-l.cfg.ToleranceGrams)
	if outside {
		if !l.outOfBand {
			l.outOfBand = true
			l.outOfBandSince = now
		} else if now-l.outOfBandSince > l.cfg.DwellTime {
			return output, werrors.TensionFaultError(measured, setpoint, l.cfg.ToleranceGrams)
		}
	} else if l.outOfBand {
		l.outOfBand = false
		l.warnings++
	}

	return output, nil
}

// Freeze holds the actuator at its last safe output. Used when the
// supervisor enters FAULT for a non-tension cause.
func (l *Loop) Freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = true
}

// Release drops the actuator command to zero so the wire goes slack
// rather than snapping. Used on emergency stop.
func (l *Loop) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	l.output = 0
	l.integral = 0
}

// Resume unfreezes the regulator. A released regulator re-ramps its
// setpoint from now so tension comes back gradually instead of
// slamming to the full setpoint; the dwell window restarts either way,
// so time spent stopped never counts toward a tension fault.
func (l *Loop) Resume(now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		l.startTime = now
		l.integral = 0
	}
	l.frozen = false
	l.released = false
	l.outOfBand = false
	l.haveTime = false
}

// Status returns an immutable snapshot.
func (l *Loop) Status(now float64) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	setpoint := 0.0
	if l.started {
		setpoint = l.effectiveSetpoint(now)
	}
	return Status{
		Measured: l.measured,
		Setpoint: setpoint,
		Output:   l.output,
		InBand:   !l.outOfBand,
		Frozen:   l.frozen,
		Released: l.released,
		Warnings: l.warnings,
	}
}
