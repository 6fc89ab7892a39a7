// Package geometry derives the motion constants that couple the wire
// guide to the spindle for ortho-cyclic winding.
//
// The packing relation is fixed by the wire itself: the guide must
// advance exactly one wire diameter per spindle revolution, so the
// guide:spindle gear ratio is wire_od / lead_screw_pitch. Everything
// else here follows from that quotient.
package geometry

import (
	"math"

	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// Program holds the immutable per-job winding parameters. Created once
// at job start; every other component reads it as-is.
type Program struct {
	// WireOD is the wire nominal outer diameter in mm.
	WireOD float64

	// TraverseLength is the usable spool width in mm.
	TraverseLength float64

	// Layers is the target number of layers.
	Layers int

	// TurnsPerLayer overrides the computed turns per layer when > 0.
	TurnsPerLayer int

	// LeadScrewPitch is the traverse lead screw pitch in mm/rev.
	LeadScrewPitch float64

	// StepsPerRev is the traverse stepper's steps per revolution.
	StepsPerRev int
}

// Constants holds the values derived from a Program. Recomputed only
// when the program changes.
type Constants struct {
	// GearRatio is guide revolutions per spindle revolution
	// (wire_od / lead_screw_pitch).
	GearRatio float64

	// TurnsPerLayerExact is traverse_length / wire_od, the real-valued
	// number of turns that fit in one layer.
	TurnsPerLayerExact float64

	// TurnsOdd and TurnsEven are the integer turns wound on odd and
	// even layers (1-based). Odd layers carry one extra turn so the
	// even layer's turns can nest in the valleys below without
	// touching the flange.
	TurnsOdd  int
	TurnsEven int

	// StepsPerLayer is the traverse stepper steps spanning one full
	// layer (steps_per_rev * traverse_length / lead_screw_pitch).
	StepsPerLayer int

	// StepNum/StepDen express steps-per-spindle-turn as a reduced
	// rational (steps_per_rev * wire_od / pitch). The traverse step
	// accumulator uses the rational form so rounding error over
	// thousands of turns stays below one step.
	StepNum int64
	StepDen int64

	// WireAdvance is the guide travel per spindle revolution in mm,
	// which the packing relation fixes at exactly one wire diameter
	// (gear_ratio * lead_screw_pitch).
	WireAdvance float64

	// NestingOffset is the lateral micro-shift in mm applied at each
	// layer transition, half the wire diameter. Its sign alternates
	// with layer parity.
	NestingOffset float64

	// SpindleSpeedScale is the factor applied to the base spindle
	// speed so thinner wire spins proportionally faster
	// (reference pitch / wire_od).
	SpindleSpeedScale float64
}

// referencePitch is the lead used to normalize spindle speed, M3x1.25.
const referencePitch = 1.25

// micronsPerMM converts mm quotients into integer rational terms.
const micronsPerMM = 1000

// Compute derives Constants from a Program. Pure and deterministic.
// Returns InvalidProgram when the program cannot produce a coil.
func Compute(p Program) (Constants, error) {
	if p.WireOD <= 0 {
		return Constants{}, werrors.InvalidProgramError("wire outer diameter must be > 0")
	}
	if p.LeadScrewPitch <= 0 {
		return Constants{}, werrors.InvalidProgramError("lead screw pitch must be > 0")
	}
	if p.TraverseLength < p.WireOD {
		return Constants{}, werrors.Newf(werrors.ErrInvalidProgram,
			"traverse length %.3fmm cannot fit one turn of %.3fmm wire",
			p.TraverseLength, p.WireOD)
	}
	if p.Layers <= 0 {
		return Constants{}, werrors.InvalidProgramError("layer count must be > 0")
	}
	if p.StepsPerRev <= 0 {
		return Constants{}, werrors.InvalidProgramError("steps per revolution must be > 0")
	}

	exact := p.TraverseLength / p.WireOD
	base := int(exact)
	if p.TurnsPerLayer > 0 {
		base = p.TurnsPerLayer
	}

	num := int64(p.StepsPerRev) * int64(math.Round(p.WireOD*micronsPerMM))
	den := int64(math.Round(p.LeadScrewPitch * micronsPerMM))
	g := gcd(num, den)
	num /= g
	den /= g

	return Constants{
		GearRatio:          p.WireOD / p.LeadScrewPitch,
		TurnsPerLayerExact: exact,
		TurnsOdd:           base + 1,
		TurnsEven:          base,
		StepsPerLayer:      int(math.Round(float64(p.StepsPerRev) * p.TraverseLength / p.LeadScrewPitch)),
		StepNum:            num,
		StepDen:            den,
		WireAdvance:        p.WireOD,
		NestingOffset:      p.WireOD / 2,
		SpindleSpeedScale:  referencePitch / p.WireOD,
	}, nil
}

// StepsPerTurn returns the real-valued traverse steps per spindle turn.
func (c Constants) StepsPerTurn() float64 {
	return float64(c.StepNum) / float64(c.StepDen)
}

// LayerTurns returns the integer turns for a 0-based layer index.
func (c Constants) LayerTurns(layer int) int {
	if layer%2 == 0 {
		return c.TurnsOdd
	}
	return c.TurnsEven
}

// NestingSign returns the nesting offset sign for the transition into
// the given 0-based layer. The shift always points along the new
// layer's travel direction, so with the first layer winding away from
// home the sign is negative entering odd layers and positive entering
// even ones. The origin therefore oscillates by half a wire diameter
// rather than walking off the spool.
func NestingSign(layer int) float64 {
	if layer%2 == 1 {
		return -1
	}
	return 1
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
