package planner

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/flightplan/corridor"
	"go.viam.com/flightplan/riskmap"
	"go.viam.com/flightplan/trajectory"
)

// Pose is the odometry ingress message.
type Pose struct {
	Position    r3.Vector   `json:"position"`
	Orientation quat.Number `json:"orientation"`
	Stamp       float64     `json:"stamp"`
}

// Velocity is the body velocity ingress message.
type Velocity struct {
	Linear  r3.Vector `json:"linear"`
	Angular r3.Vector `json:"angular"`
	Stamp   float64   `json:"stamp"`
}

// PointCloud is the sensor cloud ingress message.
type PointCloud struct {
	Points []r3.Vector `json:"points"`
	Stamp  float64     `json:"stamp"`
	Frame  string      `json:"frame"`
}

// Trigger starts execution; if no waypoint is queued its pose becomes the
// goal.
type Trigger struct {
	Stamp float64   `json:"stamp"`
	Goal  r3.Vector `json:"goal"`
}

// ObstacleGroundTruth carries simulator obstacle states for the fake map.
type ObstacleGroundTruth struct {
	Markers []riskmap.ObstacleState `json:"markers"`
}

// EndState is a boundary state carried on the corridor egress message.
type EndState struct {
	Pos r3.Vector `json:"pos"`
	Vel r3.Vector `json:"vel"`
	Acc r3.Vector `json:"acc"`
}

// CorridorMsg is the corridor egress message.
type CorridorMsg struct {
	Stamp      float64             `json:"stamp"`
	StartState EndState            `json:"start_state"`
	EndState   EndState            `json:"end_state"`
	Polytopes  []corridor.Polytope `json:"polytopes"`
}

// Publisher is the egress surface; the transport behind it is not this
// system's concern. The broadcast topic is what peers' deconfliction
// consumes.
type Publisher interface {
	PublishTrajectory(msg trajectory.Msg)
	BroadcastTrajectory(msg trajectory.Msg)
	PublishCorridor(msg CorridorMsg)
	PublishOccupancy(points []r3.Vector)
}

// NopPublisher discards all egress, for tests and headless runs.
type NopPublisher struct{}

// PublishTrajectory implements Publisher.
func (NopPublisher) PublishTrajectory(trajectory.Msg) {}

// BroadcastTrajectory implements Publisher.
func (NopPublisher) BroadcastTrajectory(trajectory.Msg) {}

// PublishCorridor implements Publisher.
func (NopPublisher) PublishCorridor(CorridorMsg) {}

// PublishOccupancy implements Publisher.
func (NopPublisher) PublishOccupancy([]r3.Vector) {}
