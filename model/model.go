// Package model implements the linear regressors and error-bound
// tracking shared by every learned node (leaf and inner) in the
// hierarchical index. There is no teacher code that fits a model over
// numeric data directly; this package follows the shape of the
// teacher's pkg/schema/statistics.go running-statistics style (small
// value struct, exported constructors, cheap incremental update)
// generalized from descriptive stats to a trained predictor.
package model

import "math"

// Point is one (x, y) training observation: x is a key projected to
// float64 (see KeyToF64), y is the target slot or child index.
type Point struct {
	X, Y float64
}

// Linear is a trained linear model y = Slope*x + Intercept.
type Linear struct {
	Slope     float64
	Intercept float64
}

// Model is a Linear model plus the honest error bound over the data it
// was last trained or incrementally updated on.
type Model struct {
	Linear
	Epsilon    float64
	MinY, MaxY float64
	trained    bool
}

// Train fits a closed-form least-squares linear model over points and
// records the maximum absolute training error as Epsilon. A degenerate
// training set (all x equal, or fewer than two points) produces the
// flat model described in spec §4.1: slope 0, intercept the mean y,
// epsilon half the y-range.
func Train(points []Point) Model {
	if len(points) == 0 {
		return Model{trained: true}
	}
	if len(points) == 1 {
		p := points[0]
		return Model{Linear: Linear{Slope: 0, Intercept: p.Y}, Epsilon: 0, MinY: p.Y, MaxY: p.Y, trained: true}
	}

	var sumX, sumY, sumXY, sumXX float64
	minY, maxY := points[0].Y, points[0].Y
	n := float64(len(points))
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
		sumXY += p.X * p.Y
		sumXX += p.X * p.X
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}

	denom := n*sumXX - sumX*sumX
	var lin Linear
	if denom == 0 {
		// All x identical: no slope is meaningful.
		lin = Linear{Slope: 0, Intercept: sumY / n}
	} else {
		lin.Slope = (n*sumXY - sumX*sumY) / denom
		lin.Intercept = (sumY - lin.Slope*sumX) / n
	}

	m := Model{Linear: lin, MinY: minY, MaxY: maxY, trained: true}
	if denom == 0 {
		m.Epsilon = (maxY - minY) / 2
	} else {
		var eps float64
		for _, p := range points {
			pred := lin.Slope*p.X + lin.Intercept
			if d := math.Abs(pred - p.Y); d > eps {
				eps = d
			}
		}
		m.Epsilon = eps
	}
	return m
}

// PredictRaw returns the unclamped predicted y for x.
func (m Model) PredictRaw(x float64) float64 {
	return m.Slope*x + m.Intercept
}

// Predict returns the predicted slot for key x, clamped to
// [0, capacity-1].
func (m Model) Predict(x float64, capacity int) int {
	return m.Clamp(int(math.Round(m.PredictRaw(x))), capacity)
}

// Clamp bounds a raw predicted slot to the valid range for capacity.
func (m Model) Clamp(slot, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	if slot < 0 {
		return 0
	}
	if slot >= capacity {
		return capacity - 1
	}
	return slot
}

// IncrementalUpdate folds a single new observation into the model
// without a full retrain. It may only widen Epsilon, never narrow it;
// narrowing requires a full Train. It also extends MinY/MaxY to cover
// the new observation, per spec §4.2 ("inserting a key strictly beyond
// max_y range extends max_y").
func (m *Model) IncrementalUpdate(p Point) {
	if !m.trained {
		*m = Train([]Point{p})
		return
	}
	pred := m.PredictRaw(p.X)
	if d := math.Abs(pred - p.Y); d > m.Epsilon {
		m.Epsilon = d
	}
	if p.Y < m.MinY {
		m.MinY = p.Y
	}
	if p.Y > m.MaxY {
		m.MaxY = p.Y
	}
}

// ErrorBound returns the model's tracked maximum absolute error.
func (m Model) ErrorBound() float64 { return m.Epsilon }

// KeyToF64 projects an integer primary key to float64. Order is
// preserved exactly for |key| <= 2^53, per spec §3; beyond that magnitude
// float64 rounding can merge adjacent keys, which only ever widens a
// node's epsilon (more slots fall in-window), never breaks correctness
// of the bounded search.
func KeyToF64(key int64) float64 {
	return float64(key)
}
