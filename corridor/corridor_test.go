package corridor

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/flightplan/motionplan"
)

func referenceNodes() []motionplan.Node {
	return []motionplan.Node{
		{T: 0, Pos: r3.Vector{X: 0, Z: 1}},
		{T: 0.4, Pos: r3.Vector{X: 1, Z: 1}},
		{T: 0.8, Pos: r3.Vector{X: 2, Z: 1}},
		{T: 1.2, Pos: r3.Vector{X: 3, Z: 1}},
		{T: 1.6, Pos: r3.Vector{X: 4, Z: 1}},
	}
}

func growthConfig() Config {
	return Config{MaxExpand: 3, Shrink: 0.25, Resolution: 0.25}
}

func TestFindCorridorsInvariants(t *testing.T) {
	nodes := referenceNodes()
	obstacles := []Obstacle{
		{Point: r3.Vector{X: 1.5, Y: 0.8, Z: 1}, Stamp: 0.4},
		{Point: r3.Vector{X: 2.5, Y: -0.9, Z: 1}, Stamp: 1.0},
	}
	polys, err := FindCorridors(nodes, 2, obstacles, growthConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(polys), test.ShouldEqual, 2)

	// durations come from the actual node-to-node traversal times
	test.That(t, polys[0].Duration, test.ShouldAlmostEqual, 0.8, 1e-9)
	test.That(t, polys[1].Duration, test.ShouldAlmostEqual, 0.8, 1e-9)

	// every reference node inside the polytope whose window contains it
	for _, n := range nodes {
		for i := range polys {
			if n.T >= polys[i].TLo-1e-9 && n.T <= polys[i].THi+1e-9 {
				test.That(t, polys[i].Contains(n.Pos), test.ShouldBeTrue)
			}
		}
	}

	// adjacent polytopes intersect: the shared node is in both
	test.That(t, polys[0].Contains(nodes[2].Pos), test.ShouldBeTrue)
	test.That(t, polys[1].Contains(nodes[2].Pos), test.ShouldBeTrue)

	// no polytope contains an obstacle active within its window
	for _, o := range obstacles {
		for i := range polys {
			if o.Stamp >= polys[i].TLo-1e-9 && o.Stamp <= polys[i].THi+1e-9 {
				test.That(t, polys[i].Contains(o.Point), test.ShouldBeFalse)
			}
		}
	}
}

func TestContainsMargin(t *testing.T) {
	nodes := referenceNodes()[:3]
	polys, err := FindCorridors(nodes, 2, nil, growthConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(polys), test.ShouldEqual, 1)

	center := r3.Vector{X: 1, Z: 1}
	test.That(t, polys[0].ContainsMargin(center, 0.5), test.ShouldBeTrue)
	lo, hi, ok := polys[0].Bounds()
	test.That(t, ok, test.ShouldBeTrue)
	// a point hugging a face fails once the margin is applied
	edge := r3.Vector{X: hi.X - 0.05, Y: center.Y, Z: center.Z}
	test.That(t, polys[0].Contains(edge), test.ShouldBeTrue)
	test.That(t, polys[0].ContainsMargin(edge, 0.2), test.ShouldBeFalse)
	test.That(t, lo.X, test.ShouldBeLessThan, hi.X)
}

func TestGrowthStopsAtObstacles(t *testing.T) {
	nodes := referenceNodes()[:3]
	obstacles := []Obstacle{{Point: r3.Vector{X: 1, Y: 1, Z: 1}, Stamp: 0.4}}
	polys, err := FindCorridors(nodes, 2, obstacles, growthConfig())
	test.That(t, err, test.ShouldBeNil)

	_, hi, ok := polys[0].Bounds()
	test.That(t, ok, test.ShouldBeTrue)
	// growth in +y halted short of the obstacle, standoff included
	test.That(t, hi.Y, test.ShouldBeLessThanOrEqualTo, 1.0-0.25+1e-9)
}

func TestConvexCover(t *testing.T) {
	path := []r3.Vector{{X: 0, Z: 1}, {X: 1, Z: 1}, {X: 2, Z: 1}}
	cloud := []r3.Vector{{X: 1, Y: 1.2, Z: 1}}
	lo := r3.Vector{X: -5, Y: -5, Z: -1}
	hi := r3.Vector{X: 5, Y: 5, Z: 3}
	polys, err := ConvexCover(path, cloud, lo, hi, 7.0, 1.0, 0.25)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(polys), test.ShouldEqual, 2)
	for i, seg := range [][2]r3.Vector{{path[0], path[1]}, {path[1], path[2]}} {
		test.That(t, polys[i].Contains(seg[0]), test.ShouldBeTrue)
		test.That(t, polys[i].Contains(seg[1]), test.ShouldBeTrue)
		test.That(t, polys[i].Contains(cloud[0]), test.ShouldBeFalse)
	}
}

func TestShortCutMergesCoveredNeighbors(t *testing.T) {
	// two boxes where the second spans the first on y and z: mergeable
	a := (&box{lo: r3.Vector{X: 0, Y: -1, Z: 0}, hi: r3.Vector{X: 2, Y: 1, Z: 2}}).toPolytope(0, 0.4)
	b := (&box{lo: r3.Vector{X: 1, Y: -1, Z: 0}, hi: r3.Vector{X: 3, Y: 1, Z: 2}}).toPolytope(0.4, 0.8)
	merged := ShortCut([]Polytope{a, b})
	test.That(t, len(merged), test.ShouldEqual, 1)
	test.That(t, merged[0].TLo, test.ShouldAlmostEqual, 0.0, 1e-9)
	test.That(t, merged[0].THi, test.ShouldAlmostEqual, 0.8, 1e-9)

	// disjoint boxes stay separate
	c := (&box{lo: r3.Vector{X: 10, Y: -1, Z: 0}, hi: r3.Vector{X: 12, Y: 1, Z: 2}}).toPolytope(0.8, 1.2)
	kept := ShortCut([]Polytope{a, c})
	test.That(t, len(kept), test.ShouldEqual, 2)
}
