package geometry

import (
	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// LayerPlan describes one planned layer.
type LayerPlan struct {
	// Layer is the 1-based layer number.
	Layer int

	// Turns is the spindle turns wound on this layer.
	Turns int

	// Steps is the traverse stepper steps spanning this layer.
	Steps int

	// Direction is +1 for away-from-home travel, -1 for the return.
	Direction int
}

// PlanSummary compares requested and planned turns.
type PlanSummary struct {
	RequestedTurns int
	ActualTurns    int
	OverrunTurns   int
	LayerCount     int
}

// PlanForTurns builds a layer-by-layer plan covering at least totalTurns,
// alternating direction each layer. The last layer may overshoot the
// request; the summary reports by how much.
func PlanForTurns(p Program, totalTurns int) ([]LayerPlan, PlanSummary, error) {
	if totalTurns <= 0 {
		return nil, PlanSummary{}, werrors.InvalidProgramError("total turns must be > 0")
	}
	c, err := Compute(p)
	if err != nil {
		return nil, PlanSummary{}, err
	}

	var layers []LayerPlan
	remaining := totalTurns
	dir := 1
	for n := 1; remaining > 0; n++ {
		turns := c.LayerTurns(n - 1)
		steps := int(float64(turns)*c.StepsPerTurn() + 0.5)
		layers = append(layers, LayerPlan{Layer: n, Turns: turns, Steps: steps, Direction: dir})
		remaining -= turns
		dir = -dir
	}

	actual := 0
	for _, l := range layers {
		actual += l.Turns
	}
	return layers, PlanSummary{
		RequestedTurns: totalTurns,
		ActualTurns:    actual,
		OverrunTurns:   actual - totalTurns,
		LayerCount:     len(layers),
	}, nil
}

// PlanForProgram builds the plan for the program's configured layer count.
func PlanForProgram(p Program) ([]LayerPlan, PlanSummary, error) {
	c, err := Compute(p)
	if err != nil {
		return nil, PlanSummary{}, err
	}

	layers := make([]LayerPlan, 0, p.Layers)
	dir := 1
	total := 0
	for n := 1; n <= p.Layers; n++ {
		turns := c.LayerTurns(n - 1)
		steps := int(float64(turns)*c.StepsPerTurn() + 0.5)
		layers = append(layers, LayerPlan{Layer: n, Turns: turns, Steps: steps, Direction: dir})
		total += turns
		dir = -dir
	}
	return layers, PlanSummary{
		RequestedTurns: total,
		ActualTurns:    total,
		LayerCount:     len(layers),
	}, nil
}
