// Package motionplan searches a discrete-time motion-primitive graph for a
// risk-bounded, dynamically feasible reference path. Vertices are terminal
// states (t, p, v) of constant-acceleration primitives; edges are the
// primitives themselves, sampled against the risk map.
package motionplan

import (
	"time"

	"github.com/pkg/errors"
)

// Status reports the outcome of a search.
type Status int

// Search outcomes.
const (
	StatusFound Status = iota
	StatusNoPath
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNoPath:
		return "no path"
	case StatusTimeout:
		return "timeout"
	}
	return "unknown"
}

// Options bound the search graph and its costs.
type Options struct {
	// StepNode is the duration of one motion primitive.
	StepNode float64
	// StepSample is the dense sampling step used for risk checks along a
	// primitive; must be smaller than StepNode.
	StepSample float64
	// Per-axis velocity caps; candidate successors violating them are pruned.
	VMaxXY float64
	VMaxZ  float64
	// AMax and AccStep define the acceleration lattice on each axis.
	AMax    float64
	AccStep float64
	// SampleZAcc enables vertical acceleration samples; off means planar.
	SampleZAcc bool
	// Optional altitude band.
	UseHeightLimit bool
	HeightMin      float64
	HeightMax      float64
	// GoalRadius terminates the search when a node enters the goal ball.
	GoalRadius float64
	// RiskThresholdVoxel rejects any sample whose single-voxel risk exceeds
	// it; RiskThresholdPrimitive rejects an edge whose summed risk exceeds it.
	RiskThresholdVoxel     float64
	RiskThresholdPrimitive float64
	// Cost weights: g = WeightTime*Δt + WeightAcc*|a|² + WeightRisk*Σrisk.
	WeightTime float64
	WeightAcc  float64
	WeightRisk float64
	// Hard bounds on search effort.
	MaxIterations int
	Budget        time.Duration
}

// DefaultOptions mirrors the planner defaults, except GoalRadius: the
// planner sets it from its replan tolerance (1.0 by default).
func DefaultOptions() *Options {
	return &Options{
		StepNode:               0.4,
		StepSample:             0.1,
		VMaxXY:                 3.0,
		VMaxZ:                  1.5,
		AMax:                   3.0,
		AccStep:                1.5,
		SampleZAcc:             false,
		GoalRadius:             0.8,
		RiskThresholdVoxel:     0.5,
		RiskThresholdPrimitive: 1.2,
		WeightTime:             1.0,
		WeightAcc:              0.02,
		WeightRisk:             1.0,
		MaxIterations:          30000,
		Budget:                 80 * time.Millisecond,
	}
}

// Validate rejects option sets that cannot produce a meaningful lattice.
func (o *Options) Validate() error {
	if o.StepNode <= 0 || o.StepSample <= 0 || o.StepSample >= o.StepNode {
		return errors.New("sample step must be positive and smaller than node step")
	}
	if o.VMaxXY <= 0 || o.VMaxZ <= 0 || o.AMax <= 0 || o.AccStep <= 0 {
		return errors.New("kinematic bounds must be positive")
	}
	if o.GoalRadius <= 0 {
		return errors.New("goal radius must be positive")
	}
	if o.UseHeightLimit && o.HeightMin >= o.HeightMax {
		return errors.New("height band is empty")
	}
	return nil
}

// accSamples enumerates the per-axis acceleration lattice, always including
// zero.
func (o *Options) accSamples() []float64 {
	samples := []float64{0}
	for a := o.AccStep; a <= o.AMax+1e-9; a += o.AccStep {
		samples = append(samples, a, -a)
	}
	return samples
}
