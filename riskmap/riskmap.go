// Package riskmap maintains a vehicle-centered, spatio-temporal occupancy grid.
// Each voxel carries an occupancy probability for every slice of a short
// prediction horizon, so planners can ask "how risky is this point at t+τ"
// rather than only "is this point occupied now".
package riskmap

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Occupancy is the tri-state result of a map query. Queries outside the
// rolling window report OutOfRange; callers decide what unknown space means.
type Occupancy int

// Occupancy states.
const (
	Free Occupancy = iota
	Occupied
	OutOfRange
)

func (o Occupancy) String() string {
	switch o {
	case Free:
		return "free"
	case Occupied:
		return "occupied"
	case OutOfRange:
		return "out of range"
	}
	return "unknown"
}

// GridConfig fixes the shape of the rolling window and prediction horizon.
type GridConfig struct {
	VoxelsX        int     `json:"voxels_x"`
	VoxelsY        int     `json:"voxels_y"`
	VoxelsZ        int     `json:"voxels_z"`
	Resolution     float64 `json:"resolution"`
	TimeSlices     int     `json:"time_slices"`
	TimeResolution float64 `json:"time_resolution"`
	Clearance      float64 `json:"clearance"`
	RiskThreshold  float64 `json:"risk_threshold"`
}

// DefaultGridConfig is a 15x15x6 m window at 15 cm resolution with a
// 2.0 s prediction horizon.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		VoxelsX:        100,
		VoxelsY:        100,
		VoxelsZ:        40,
		Resolution:     0.15,
		TimeSlices:     6,
		TimeResolution: 0.4,
		Clearance:      0.3,
		RiskThreshold:  0.2,
	}
}

// Validate checks the grid shape before any buffers are sized from it.
func (cfg GridConfig) Validate() error {
	if cfg.VoxelsX <= 0 || cfg.VoxelsY <= 0 || cfg.VoxelsZ <= 0 {
		return errors.New("voxel counts must be positive")
	}
	if cfg.Resolution <= 0 {
		return errors.New("resolution must be positive")
	}
	if cfg.TimeSlices <= 0 || cfg.TimeResolution <= 0 {
		return errors.New("prediction horizon must be positive")
	}
	if cfg.Clearance < 0 {
		return errors.New("clearance may not be negative")
	}
	return nil
}

func (cfg GridConfig) voxelCount() int {
	return cfg.VoxelsX * cfg.VoxelsY * cfg.VoxelsZ
}

// Horizon is the total predicted duration covered by the tensor.
func (cfg GridConfig) Horizon() float64 {
	return float64(cfg.TimeSlices-1) * cfg.TimeResolution
}

type voxelOffset struct{ x, y, z int }

// sphereKernel precomputes the relative voxel offsets within the clearance
// sphere; queries sum risk over these offsets instead of dilating at write
// time.
func sphereKernel(cfg GridConfig) []voxelOffset {
	steps := int(cfg.Clearance / cfg.Resolution)
	kernel := make([]voxelOffset, 0, (2*steps+1)*(2*steps+1)*(2*steps+1))
	for x := -steps; x <= steps; x++ {
		for y := -steps; y <= steps; y++ {
			for z := -steps; z <= steps; z++ {
				d := math.Sqrt(float64(x*x+y*y+z*z)) * cfg.Resolution
				if d <= cfg.Clearance {
					kernel = append(kernel, voxelOffset{x, y, z})
				}
			}
		}
	}
	return kernel
}

// PeerSampler reports world-frame sample points of peer reservations active
// at a given absolute time. The deconfliction registry implements this.
type PeerSampler interface {
	SamplesAt(t float64) []r3.Vector
}

// Map is the query surface shared by the particle-filter and ground-truth
// variants. Planners depend only on this set.
type Map interface {
	// Update rebuilds the tensor from a point cloud synchronized with a pose.
	Update(cloud []r3.Vector, pose r3.Vector, stamp float64)
	// Snapshot returns an immutable view of the tensor for one planning cycle.
	Snapshot() *Snapshot
	// Center is the world position the window is centered on.
	Center() r3.Vector
	// SetPeerSampler overlays peer reservations into future slices on update.
	SetPeerSampler(ps PeerSampler)
}

// Snapshot is one published state of the tensor: risk values, window center
// and update stamp. It is never mutated after publication; the updater swaps
// in a freshly built buffer each cycle.
type Snapshot struct {
	cfg    GridConfig
	center r3.Vector
	stamp  float64
	risk   [][]float32
	kernel []voxelOffset
}

// Config returns the grid shape the snapshot was built with.
func (s *Snapshot) Config() GridConfig { return s.cfg }

// Center returns the window center at the update instant.
func (s *Snapshot) Center() r3.Vector { return s.center }

// Stamp returns the update time of the snapshot.
func (s *Snapshot) Stamp() float64 { return s.stamp }

// InRange reports whether a map-frame point falls inside the window.
func (s *Snapshot) InRange(rel r3.Vector) bool {
	hx := float64(s.cfg.VoxelsX) / 2 * s.cfg.Resolution
	hy := float64(s.cfg.VoxelsY) / 2 * s.cfg.Resolution
	hz := float64(s.cfg.VoxelsZ) / 2 * s.cfg.Resolution
	return rel.X > -hx && rel.X < hx && rel.Y > -hy && rel.Y < hy && rel.Z > -hz && rel.Z < hz
}

func (s *Snapshot) inRangeCell(x, y, z int) bool {
	return x >= 0 && x < s.cfg.VoxelsX && y >= 0 && y < s.cfg.VoxelsY && z >= 0 && z < s.cfg.VoxelsZ
}

// VoxelIndex maps a map-frame point to its flat voxel index, or -1 when the
// point is outside the window. Layout is row-major with z slowest.
func (s *Snapshot) VoxelIndex(rel r3.Vector) int {
	if !s.InRange(rel) {
		return -1
	}
	x := int((rel.X + float64(s.cfg.VoxelsX)/2*s.cfg.Resolution) / s.cfg.Resolution)
	y := int((rel.Y + float64(s.cfg.VoxelsY)/2*s.cfg.Resolution) / s.cfg.Resolution)
	z := int((rel.Z + float64(s.cfg.VoxelsZ)/2*s.cfg.Resolution) / s.cfg.Resolution)
	return z*s.cfg.VoxelsX*s.cfg.VoxelsY + y*s.cfg.VoxelsX + x
}

// VoxelPosition returns the world-frame position of a voxel's center.
func (s *Snapshot) VoxelPosition(idx int) r3.Vector {
	x := idx % s.cfg.VoxelsX
	y := (idx / s.cfg.VoxelsX) % s.cfg.VoxelsY
	z := idx / (s.cfg.VoxelsX * s.cfg.VoxelsY)
	return r3.Vector{
		X: (float64(x)+0.5)*s.cfg.Resolution - float64(s.cfg.VoxelsX)/2*s.cfg.Resolution,
		Y: (float64(y)+0.5)*s.cfg.Resolution - float64(s.cfg.VoxelsY)/2*s.cfg.Resolution,
		Z: (float64(z)+0.5)*s.cfg.Resolution - float64(s.cfg.VoxelsZ)/2*s.cfg.Resolution,
	}.Add(s.center)
}

// RiskAt returns the raw occupancy probability of a voxel at a slice.
func (s *Snapshot) RiskAt(idx, slice int) float64 {
	if idx < 0 || idx >= len(s.risk) || slice < 0 || slice >= s.cfg.TimeSlices {
		return 0
	}
	return float64(s.risk[idx][slice])
}

// RiskOf returns the single-voxel risk of a world-frame point at a slice
// without inflation. Out-of-range points report zero; use InflatedOccupancy when the
// distinction matters.
func (s *Snapshot) RiskOf(pos r3.Vector, slice int) float64 {
	return s.RiskAt(s.VoxelIndex(pos.Sub(s.center)), slice)
}

// InflatedOccupancy checks a world-frame point at a discrete slice, summing
// risk over the clearance kernel.
func (s *Snapshot) InflatedOccupancy(pos r3.Vector, slice int) Occupancy {
	if slice < 0 {
		slice = 0
	}
	if slice >= s.cfg.TimeSlices {
		slice = s.cfg.TimeSlices - 1
	}
	rel := pos.Sub(s.center)
	if !s.InRange(rel) {
		return OutOfRange
	}
	cx := int((rel.X + float64(s.cfg.VoxelsX)/2*s.cfg.Resolution) / s.cfg.Resolution)
	cy := int((rel.Y + float64(s.cfg.VoxelsY)/2*s.cfg.Resolution) / s.cfg.Resolution)
	cz := int((rel.Z + float64(s.cfg.VoxelsZ)/2*s.cfg.Resolution) / s.cfg.Resolution)
	sum := 0.0
	for _, off := range s.kernel {
		x, y, z := cx+off.x, cy+off.y, cz+off.z
		if !s.inRangeCell(x, y, z) {
			continue
		}
		sum += float64(s.risk[z*s.cfg.VoxelsX*s.cfg.VoxelsY+y*s.cfg.VoxelsX+x][slice])
		if sum > s.cfg.RiskThreshold {
			return Occupied
		}
	}
	return Free
}

// InflatedOccupancyAtTime checks a world-frame point at a fractional future
// offset. The result is the union of the two bracketing slices: the point is
// free only if both are free, and OutOfRange dominates.
func (s *Snapshot) InflatedOccupancyAtTime(pos r3.Vector, dt float64) Occupancy {
	if dt < 0 {
		dt = 0
	}
	tf := int(math.Floor(dt / s.cfg.TimeResolution))
	tc := int(math.Ceil(dt / s.cfg.TimeResolution))
	if tf > s.cfg.TimeSlices-1 {
		tf = s.cfg.TimeSlices - 1
	}
	if tc > s.cfg.TimeSlices-1 {
		tc = s.cfg.TimeSlices - 1
	}
	of := s.InflatedOccupancy(pos, tf)
	oc := s.InflatedOccupancy(pos, tc)
	if of == OutOfRange || oc == OutOfRange {
		return OutOfRange
	}
	if of == Free && oc == Free {
		return Free
	}
	return Occupied
}

// ObstaclePoints appends the world-frame centers of voxels whose risk exceeds
// the threshold in any slice within [tLo, tHi] (offsets from the update
// instant), restricted to the given world-frame bounding box.
func (s *Snapshot) ObstaclePoints(out []r3.Vector, tLo, tHi float64, lo, hi r3.Vector) []r3.Vector {
	sLo := int(math.Floor(tLo / s.cfg.TimeResolution))
	sHi := int(math.Ceil(tHi / s.cfg.TimeResolution))
	if sLo < 0 {
		sLo = 0
	}
	if sHi > s.cfg.TimeSlices-1 {
		sHi = s.cfg.TimeSlices - 1
	}
	for idx := range s.risk {
		hot := false
		for k := sLo; k <= sHi; k++ {
			if float64(s.risk[idx][k]) > s.cfg.RiskThreshold {
				hot = true
				break
			}
		}
		if !hot {
			continue
		}
		p := s.VoxelPosition(idx)
		if p.X < lo.X || p.X > hi.X || p.Y < lo.Y || p.Y > hi.Y || p.Z < lo.Z || p.Z > hi.Z {
			continue
		}
		out = append(out, p)
	}
	return out
}

// OccupiedCloud returns the world-frame voxel centers occupied at a slice,
// for introspection publishing.
func (s *Snapshot) OccupiedCloud(slice int) []r3.Vector {
	var out []r3.Vector
	for idx := range s.risk {
		if float64(s.risk[idx][slice]) > s.cfg.RiskThreshold {
			out = append(out, s.VoxelPosition(idx))
		}
	}
	return out
}

// grid is the shared core of both map variants: the tensor build pipeline
// minus the per-variant velocity source.
type grid struct {
	cfg    GridConfig
	logger golog.Logger
	kernel []voxelOffset
	peers  PeerSampler
	snap   *Snapshot
}

func newGrid(cfg GridConfig, logger golog.Logger) *grid {
	g := &grid{
		cfg:    cfg,
		logger: logger,
		kernel: sphereKernel(cfg),
	}
	g.snap = &Snapshot{
		cfg:    cfg,
		risk:   newTensor(cfg),
		kernel: g.kernel,
	}
	logger.Debugf("risk map window %dx%dx%d @ %.2fm, %d slices @ %.2fs, kernel %d",
		cfg.VoxelsX, cfg.VoxelsY, cfg.VoxelsZ, cfg.Resolution,
		cfg.TimeSlices, cfg.TimeResolution, len(g.kernel))
	return g
}

func newTensor(cfg GridConfig) [][]float32 {
	risk := make([][]float32, cfg.voxelCount())
	for i := range risk {
		risk[i] = make([]float32, cfg.TimeSlices)
	}
	return risk
}

func (g *grid) Snapshot() *Snapshot { return g.snap }

func (g *grid) Center() r3.Vector { return g.snap.center }

func (g *grid) SetPeerSampler(ps PeerSampler) { g.peers = ps }

// velocityFunc resolves the world velocity of an occupied voxel at slice 0.
type velocityFunc func(voxelCenter r3.Vector) r3.Vector

// rebuild runs the update pipeline into a fresh snapshot: clip, mark slice 0,
// propagate under per-voxel velocity, overlay peers. The previous snapshot
// stays valid for any in-flight planning cycle.
func (g *grid) rebuild(cloud []r3.Vector, pose r3.Vector, stamp float64, velOf velocityFunc) {
	next := &Snapshot{
		cfg:    g.cfg,
		center: pose,
		stamp:  stamp,
		risk:   newTensor(g.cfg),
		kernel: g.kernel,
	}

	for _, pt := range cloud {
		if idx := next.VoxelIndex(pt.Sub(pose)); idx >= 0 {
			next.risk[idx][0] = 1
		}
	}

	var occupied []int
	for idx := range next.risk {
		if float64(next.risk[idx][0]) > g.cfg.RiskThreshold {
			occupied = append(occupied, idx)
		}
	}
	for _, idx := range occupied {
		p := next.VoxelPosition(idx)
		vel := velOf(p)
		for k := 1; k < g.cfg.TimeSlices; k++ {
			pred := p.Add(vel.Mul(g.cfg.TimeResolution * float64(k))).Sub(pose)
			if j := next.VoxelIndex(pred); j >= 0 {
				next.risk[j][k] = 1
			}
		}
	}

	if g.peers != nil {
		for k := 0; k < g.cfg.TimeSlices; k++ {
			for _, pt := range g.peers.SamplesAt(stamp + g.cfg.TimeResolution*float64(k)) {
				if idx := next.VoxelIndex(pt.Sub(pose)); idx >= 0 {
					next.risk[idx][k] = 1
				}
			}
		}
	}

	g.snap = next
}
