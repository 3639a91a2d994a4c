package model

import (
	"math"
	"testing"
)

func TestTrainExactFit(t *testing.T) {
	// y = 2x + 1 exactly
	pts := []Point{{0, 1}, {1, 3}, {2, 5}, {3, 7}}
	m := Train(pts)
	if math.Abs(m.Slope-2) > 1e-9 || math.Abs(m.Intercept-1) > 1e-9 {
		t.Fatalf("unexpected fit: slope=%v intercept=%v", m.Slope, m.Intercept)
	}
	if m.Epsilon > 1e-9 {
		t.Fatalf("expected ~0 epsilon for exact fit, got %v", m.Epsilon)
	}
}

func TestTrainDegenerateX(t *testing.T) {
	pts := []Point{{5, 10}, {5, 20}, {5, 30}}
	m := Train(pts)
	if m.Slope != 0 {
		t.Fatalf("expected flat model, got slope %v", m.Slope)
	}
	if math.Abs(m.Intercept-20) > 1e-9 {
		t.Fatalf("expected intercept = mean(y) = 20, got %v", m.Intercept)
	}
	wantEps := (30.0 - 10.0) / 2
	if math.Abs(m.Epsilon-wantEps) > 1e-9 {
		t.Fatalf("expected epsilon %v, got %v", wantEps, m.Epsilon)
	}
}

func TestPredictClamps(t *testing.T) {
	m := Model{Linear: Linear{Slope: 1, Intercept: 0}}
	if got := m.Predict(-100, 10); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
	if got := m.Predict(100, 10); got != 9 {
		t.Fatalf("expected clamp to 9, got %d", got)
	}
}

func TestIncrementalUpdateWidensOnly(t *testing.T) {
	m := Train([]Point{{0, 0}, {1, 1}, {2, 2}})
	before := m.Epsilon
	m.IncrementalUpdate(Point{X: 3, Y: 100})
	if m.Epsilon <= before {
		t.Fatalf("expected epsilon to widen, before=%v after=%v", before, m.Epsilon)
	}
	// A second update that fits well must not narrow epsilon.
	widened := m.Epsilon
	m.IncrementalUpdate(Point{X: 4, Y: 4})
	if m.Epsilon < widened {
		t.Fatalf("incremental update narrowed epsilon: %v -> %v", widened, m.Epsilon)
	}
}
