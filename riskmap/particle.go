package riskmap

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
)

// ParticleMap is the onboard variant: per-voxel velocities come from a
// lightweight dynamic-occupancy filter over consecutive clouds. Newly
// occupied voxels are matched to the nearest voxel occupied in the previous
// frame; the displacement over the inter-frame interval is the velocity
// observation, smoothed exponentially against the previous estimate.
type ParticleMap struct {
	*grid
	matchRadius float64
	smoothing   float64
	prevStamp   float64
	prevOcc     []r3.Vector
	velocities  map[int]r3.Vector
	probe       *Snapshot
}

// NewParticleMap returns a filter-driven risk map. matchRadius bounds the
// inter-frame association distance; anything farther is treated as a new,
// static obstacle.
func NewParticleMap(cfg GridConfig, logger golog.Logger) *ParticleMap {
	return &ParticleMap{
		grid:        newGrid(cfg, logger),
		matchRadius: 4 * cfg.Resolution,
		smoothing:   0.5,
		velocities:  map[int]r3.Vector{},
	}
}

// Update rebuilds the tensor, first refreshing the velocity estimates from
// the displacement between this cloud's occupancy and the previous one.
func (m *ParticleMap) Update(cloud []r3.Vector, pose r3.Vector, stamp float64) {
	m.estimateVelocities(cloud, pose, stamp)
	m.rebuild(cloud, pose, stamp, m.velocityAt)
	m.prevStamp = stamp
	m.prevOcc = m.snap.OccupiedCloud(0)
}

func (m *ParticleMap) estimateVelocities(cloud []r3.Vector, pose r3.Vector, stamp float64) {
	// probe provides index math in the new window before the rebuilt
	// snapshot exists; velocityAt reuses it during the rebuild.
	probe := &Snapshot{cfg: m.cfg, center: pose}
	m.probe = probe

	dt := stamp - m.prevStamp
	if len(m.prevOcc) == 0 || dt <= 0 {
		m.velocities = map[int]r3.Vector{}
		return
	}
	next := make(map[int]r3.Vector, len(m.velocities))
	for _, pt := range cloud {
		idx := probe.VoxelIndex(pt.Sub(pose))
		if idx < 0 {
			continue
		}
		if _, seen := next[idx]; seen {
			continue
		}
		center := probe.VoxelPosition(idx)
		prev, ok := m.nearestPrev(center)
		if !ok {
			continue
		}
		obs := center.Sub(prev).Mul(1 / dt)
		if old, ok := m.velocities[idx]; ok {
			obs = old.Mul(1 - m.smoothing).Add(obs.Mul(m.smoothing))
		}
		next[idx] = obs
	}
	m.velocities = next
}

func (m *ParticleMap) nearestPrev(p r3.Vector) (r3.Vector, bool) {
	best := math.Inf(1)
	var bestPt r3.Vector
	for _, q := range m.prevOcc {
		if d := p.Sub(q).Norm(); d < best {
			best = d
			bestPt = q
		}
	}
	if best > m.matchRadius {
		return r3.Vector{}, false
	}
	return bestPt, true
}

func (m *ParticleMap) velocityAt(p r3.Vector) r3.Vector {
	idx := m.probe.VoxelIndex(p.Sub(m.probe.center))
	if v, ok := m.velocities[idx]; ok {
		return v
	}
	return r3.Vector{}
}
