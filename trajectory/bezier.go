// Package trajectory holds the piecewise Bezier trajectory representation
// shared by the optimizer, deconfliction and the broadcast wire format.
// Control points carry the convex-hull property the corridor constraint
// relies on.
package trajectory

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Degree of every Bezier piece. Fixed at build time: degree 5 leaves enough
// freedom for C² junctions while keeping snap a linear function of the
// control net.
const Degree = 5

// Piece is one Bezier segment of the trajectory.
type Piece struct {
	Duration float64
	Ctrl     [Degree + 1]r3.Vector
}

// Bezier is an ordered sequence of pieces, C² across junctions by
// construction of the optimizer.
type Bezier struct {
	Pieces []Piece
}

// TotalDuration sums the piece durations.
func (b *Bezier) TotalDuration() float64 {
	total := 0.0
	for _, p := range b.Pieces {
		total += p.Duration
	}
	return total
}

// locate maps a global time to (piece, local fraction), clamping to the ends.
func (b *Bezier) locate(t float64) (int, float64) {
	if len(b.Pieces) == 0 {
		return 0, 0
	}
	if t <= 0 {
		return 0, 0
	}
	for i, p := range b.Pieces {
		if t <= p.Duration || i == len(b.Pieces)-1 {
			s := t / p.Duration
			if s > 1 {
				s = 1
			}
			return i, s
		}
		t -= p.Duration
	}
	return len(b.Pieces) - 1, 1
}

// Position evaluates the curve at global time t.
func (b *Bezier) Position(t float64) r3.Vector {
	i, s := b.locate(t)
	return deCasteljau(b.Pieces[i].Ctrl[:], s)
}

// Velocity evaluates the first derivative at global time t.
func (b *Bezier) Velocity(t float64) r3.Vector {
	i, s := b.locate(t)
	d := velocityCtrl(b.Pieces[i])
	return deCasteljau(d, s)
}

// Acceleration evaluates the second derivative at global time t.
func (b *Bezier) Acceleration(t float64) r3.Vector {
	i, s := b.locate(t)
	d := accelerationCtrl(b.Pieces[i])
	return deCasteljau(d, s)
}

// velocityCtrl returns the degree-4 control net of the derivative curve.
func velocityCtrl(p Piece) []r3.Vector {
	d := make([]r3.Vector, Degree)
	for k := 0; k < Degree; k++ {
		d[k] = p.Ctrl[k+1].Sub(p.Ctrl[k]).Mul(float64(Degree) / p.Duration)
	}
	return d
}

// accelerationCtrl returns the degree-3 control net of the second derivative.
func accelerationCtrl(p Piece) []r3.Vector {
	v := velocityCtrl(p)
	d := make([]r3.Vector, Degree-1)
	for k := 0; k < Degree-1; k++ {
		d[k] = v[k+1].Sub(v[k]).Mul(float64(Degree-1) / p.Duration)
	}
	return d
}

// VelocityCtrl exposes the derivative control net of piece i; the optimizer
// checks kinematic caps on these via the convex-hull property.
func (b *Bezier) VelocityCtrl(i int) []r3.Vector { return velocityCtrl(b.Pieces[i]) }

// AccelerationCtrl exposes the second-derivative control net of piece i.
func (b *Bezier) AccelerationCtrl(i int) []r3.Vector { return accelerationCtrl(b.Pieces[i]) }

func deCasteljau(ctrl []r3.Vector, s float64) r3.Vector {
	work := make([]r3.Vector, len(ctrl))
	copy(work, ctrl)
	for level := len(work) - 1; level > 0; level-- {
		for k := 0; k < level; k++ {
			work[k] = work[k].Mul(1 - s).Add(work[k+1].Mul(s))
		}
	}
	return work[0]
}

// TrajSample is one dense sample of the trajectory.
type TrajSample struct {
	T   float64
	Pos r3.Vector
	Vel r3.Vector
	Acc r3.Vector
}

// SampleEvery evaluates the trajectory on a regular grid including both
// endpoints.
func (b *Bezier) SampleEvery(dt float64) []TrajSample {
	total := b.TotalDuration()
	if total <= 0 || dt <= 0 {
		return nil
	}
	n := int(math.Ceil(total/dt)) + 1
	out := make([]TrajSample, 0, n)
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		if t > total {
			t = total
		}
		out = append(out, TrajSample{
			T:   t,
			Pos: b.Position(t),
			Vel: b.Velocity(t),
			Acc: b.Acceleration(t),
		})
		if t >= total {
			break
		}
	}
	return out
}

// Msg is the broadcast wire form of a trajectory: flat control points and
// per-piece durations. It is what peers consume for deconfliction.
type Msg struct {
	DroneID       int          `json:"drone_id"`
	TrajID        int          `json:"traj_id"`
	StartTime     float64      `json:"start_time"`
	PubTime       float64      `json:"pub_time"`
	Order         int          `json:"order"`
	Durations     []float64    `json:"durations"`
	ControlPoints [][3]float64 `json:"control_points"`
}

// NewMsg flattens a Bezier into its wire form.
func NewMsg(droneID, trajID int, startTime, pubTime float64, b *Bezier) Msg {
	msg := Msg{
		DroneID:   droneID,
		TrajID:    trajID,
		StartTime: startTime,
		PubTime:   pubTime,
		Order:     Degree,
	}
	for _, p := range b.Pieces {
		msg.Durations = append(msg.Durations, p.Duration)
		for _, c := range p.Ctrl {
			msg.ControlPoints = append(msg.ControlPoints, [3]float64{c.X, c.Y, c.Z})
		}
	}
	return msg
}

// Bezier reconstructs the trajectory from its wire form.
func (m *Msg) Bezier() (*Bezier, error) {
	if m.Order != Degree {
		return nil, errors.Errorf("unsupported trajectory order %d", m.Order)
	}
	perPiece := Degree + 1
	if len(m.ControlPoints) != len(m.Durations)*perPiece {
		return nil, errors.Errorf("control point count %d does not match %d pieces",
			len(m.ControlPoints), len(m.Durations))
	}
	b := &Bezier{}
	for i, d := range m.Durations {
		if d <= 0 {
			return nil, errors.Errorf("piece %d has non-positive duration", i)
		}
		piece := Piece{Duration: d}
		for k := 0; k <= Degree; k++ {
			cp := m.ControlPoints[i*perPiece+k]
			piece.Ctrl[k] = r3.Vector{X: cp[0], Y: cp[1], Z: cp[2]}
		}
		b.Pieces = append(b.Pieces, piece)
	}
	return b, nil
}
