package motionplan

import (
	"math"

	"github.com/golang/geo/r3"
)

// Node is one timed state on the reference path.
type Node struct {
	T   float64
	Pos r3.Vector
	Vel r3.Vector
}

// Sample is one densely interpolated state between path nodes.
type Sample struct {
	T   float64
	Pos r3.Vector
	Vel r3.Vector
	Acc r3.Vector
}

// searchNode carries the search bookkeeping for one lattice vertex. Nodes
// live in an arena and refer to their parents by index, so the whole search
// DAG is freed in one step when the search ends.
type searchNode struct {
	state      Node
	g          float64
	f          float64
	headingErr float64
	parent     int32
}

type arena struct {
	nodes []searchNode
}

func (a *arena) add(n searchNode) int32 {
	a.nodes = append(a.nodes, n)
	return int32(len(a.nodes) - 1)
}

func (a *arena) at(id int32) *searchNode {
	return &a.nodes[id]
}

// openSet is a binary heap of arena ids ordered by f, breaking ties toward
// the reference heading.
type openSet struct {
	arena *arena
	ids   []int32
}

func (o *openSet) Len() int { return len(o.ids) }

func (o *openSet) Less(i, j int) bool {
	ni, nj := o.arena.at(o.ids[i]), o.arena.at(o.ids[j])
	if math.Abs(ni.f-nj.f) > 1e-9 {
		return ni.f < nj.f
	}
	return ni.headingErr < nj.headingErr
}

func (o *openSet) Swap(i, j int) { o.ids[i], o.ids[j] = o.ids[j], o.ids[i] }

func (o *openSet) Push(x interface{}) { o.ids = append(o.ids, x.(int32)) }

func (o *openSet) Pop() interface{} {
	last := o.ids[len(o.ids)-1]
	o.ids = o.ids[:len(o.ids)-1]
	return last
}

// Path is the ordered node sequence from start to goal.
type Path struct {
	Nodes []Node
}

// Degenerate reports the failure class the supervisor retries on: too short
// to build a corridor, or suspiciously long.
func (p *Path) Degenerate() bool {
	return len(p.Nodes) <= 1 || len(p.Nodes) >= 10
}

// Truncate drops nodes beyond n, keeping the short horizon the corridor
// stage works on.
func (p *Path) Truncate(n int) {
	if len(p.Nodes) > n {
		p.Nodes = p.Nodes[:n]
	}
}

// Sample reconstructs dense states by constant-acceleration integration
// between successive nodes. The first sample of each piece after the first
// is skipped, as it duplicates the previous piece's last sample.
func (p *Path) Sample(dtSample float64) []Sample {
	if len(p.Nodes) == 0 {
		return nil
	}
	out := []Sample{{
		T:   p.Nodes[0].T,
		Pos: p.Nodes[0].Pos,
		Vel: p.Nodes[0].Vel,
	}}
	for i := 0; i+1 < len(p.Nodes); i++ {
		n1, n2 := p.Nodes[i], p.Nodes[i+1]
		dt := n2.T - n1.T
		if dt <= 0 {
			continue
		}
		acc := n2.Vel.Sub(n1.Vel).Mul(1 / dt)
		steps := int(dt / dtSample)
		for j := 1; j <= steps; j++ {
			t := float64(j) * dtSample
			if t > dt {
				break
			}
			out = append(out, Sample{
				T:   n1.T + t,
				Pos: n1.Pos.Add(n1.Vel.Mul(t)).Add(acc.Mul(0.5 * t * t)),
				Vel: n1.Vel.Add(acc.Mul(t)),
				Acc: acc,
			})
		}
	}
	return out
}
