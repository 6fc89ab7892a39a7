// Package gauge provides the AWG wire-diameter lookup used to derive a
// winding program's wire outer diameter.
package gauge

import (
	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// WireType selects which diameter column of the AWG table applies.
type WireType string

const (
	Bare     WireType = "bare"
	Magnet   WireType = "magnet"
	Stranded WireType = "stranded"
)

// diameters holds nominal outer diameters in mm per wire type.
type diameters struct {
	bare     float64
	magnet   float64
	stranded float64
}

// Nominal outer diameters in mm. Magnet wire includes the enamel coat,
// stranded includes insulation.
var awgTable = map[int]diameters{
	18: {1.024, 1.06, 2.0},
	19: {0.912, 0.95, 1.8},
	20: {0.812, 0.85, 1.6},
	21: {0.723, 0.76, 1.5},
	22: {0.644, 0.68, 1.4},
	23: {0.573, 0.61, 1.3},
	24: {0.511, 0.55, 1.2},
	25: {0.455, 0.49, 1.1},
	26: {0.405, 0.44, 1.0},
	27: {0.361, 0.40, 0.9},
	28: {0.321, 0.36, 0.8},
	29: {0.286, 0.32, 0.75},
	30: {0.255, 0.29, 0.70},
	31: {0.227, 0.26, 0.65},
	32: {0.202, 0.23, 0.60},
	33: {0.180, 0.21, 0.55},
	34: {0.160, 0.19, 0.50},
	35: {0.143, 0.17, 0.45},
	36: {0.127, 0.15, 0.40},
}

const (
	// MinAWG and MaxAWG bound the supported gauge range.
	MinAWG = 18
	MaxAWG = 36
)

// Diameter returns the nominal outer diameter in mm for an AWG size and
// wire type.
func Diameter(awg int, wireType WireType) (float64, error) {
	d, ok := awgTable[awg]
	if !ok {
		return 0, werrors.Newf(werrors.ErrInvalidProgram,
			"AWG %d is not supported (supported range: %d-%d)", awg, MinAWG, MaxAWG)
	}
	switch wireType {
	case Bare:
		return d.bare, nil
	case Magnet:
		return d.magnet, nil
	case Stranded:
		return d.stranded, nil
	default:
		return 0, werrors.Newf(werrors.ErrInvalidProgram,
			"wire type %q must be one of: bare, magnet, stranded", wireType)
	}
}

// Sizes returns the supported AWG sizes in ascending order.
func Sizes() []int {
	sizes := make([]int, 0, len(awgTable))
	for awg := MinAWG; awg <= MaxAWG; awg++ {
		if _, ok := awgTable[awg]; ok {
			sizes = append(sizes, awg)
		}
	}
	return sizes
}
