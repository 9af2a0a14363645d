package planner

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/flightplan/motionplan"
	"go.viam.com/flightplan/riskmap"
)

// Config is the full planner parameter set. Loading it from file or flags
// is the embedding application's concern; validation here is fatal at
// startup.
type Config struct {
	DroneID int `json:"drone_id"`

	// Replanning cadence and goal handling.
	PlanningTimeStep float64 `json:"planning_time_step"`
	ReplanDuration   float64 `json:"replan_duration"`
	ReplanTolerance  float64 `json:"replan_tolerance"`
	GoalX            float64 `json:"goal_x"`
	GoalY            float64 `json:"goal_y"`
	GoalZ            float64 `json:"goal_z"`
	GoalTolerance    float64 `json:"goal_tolerance"`

	// Search lattice.
	AStarSearchTimeStep float64 `json:"a_star_search_time_step"`
	AStarAccSampleStep  float64 `json:"a_star_acc_sample_step"`
	MaxVel              float64 `json:"max_vel"`
	MaxAcc              float64 `json:"max_acc"`
	SampleZAcc          bool    `json:"sample_z_acc"`
	UseHeightLimit      bool    `json:"use_height_limit"`
	HeightLimitMin      float64 `json:"height_limit_min"`
	HeightLimitMax      float64 `json:"height_limit_max"`

	// Risk gates.
	RiskThresholdSingleVoxel     float64 `json:"risk_threshold_single_voxel"`
	RiskThresholdCorridor        float64 `json:"risk_threshold_corridor"`
	RiskThresholdMotionPrimitive float64 `json:"risk_threshold_motion_primitive"`

	// Corridor growth.
	ExpandSafetyDistance float64 `json:"expand_safety_distance"`
	DeltaCorridor        float64 `json:"delta_corridor"`

	// Optimizer caps and cost weights.
	MaxVelOptimization float64 `json:"max_vel_optimization"`
	MaxAccOptimization float64 `json:"max_acc_optimization"`
	FactorTime         float64 `json:"factor_time"`
	FactorAcc          float64 `json:"factor_acc"`
	FactorRisk         float64 `json:"factor_risk"`

	TrajectoryPieceMaxSize int     `json:"trajectory_piece_max_size"`
	MaxDifferentiatedAcc   float64 `json:"max_differentiated_current_a"`
	SafeDistance           float64 `json:"safe_distance"`

	RVizMapCenterLocked bool `json:"is_rviz_map_center_locked"`

	Grid riskmap.GridConfig `json:"grid"`
}

// DefaultConfig mirrors the reference parameter file.
func DefaultConfig() Config {
	return Config{
		PlanningTimeStep:             0.1,
		ReplanDuration:               0.5,
		ReplanTolerance:              1.0,
		GoalTolerance:                1.0,
		AStarSearchTimeStep:          0.4,
		AStarAccSampleStep:           1.5,
		MaxVel:                       3.0,
		MaxAcc:                       3.0,
		SampleZAcc:                   false,
		RiskThresholdSingleVoxel:     0.5,
		RiskThresholdCorridor:        2.5,
		RiskThresholdMotionPrimitive: 1.2,
		ExpandSafetyDistance:         0.25,
		DeltaCorridor:                0.05,
		MaxVelOptimization:           4.0,
		MaxAccOptimization:           6.0,
		FactorTime:                   1.0,
		FactorAcc:                    0.02,
		FactorRisk:                   1.0,
		TrajectoryPieceMaxSize:       12,
		MaxDifferentiatedAcc:         4.0,
		SafeDistance:                 0.6,
		Grid:                         riskmap.DefaultGridConfig(),
	}
}

// Validate accumulates every configuration fault; any fault is fatal at
// startup.
func (c *Config) Validate() error {
	var err error
	if c.PlanningTimeStep <= 0 {
		err = multierr.Append(err, errors.New("planning_time_step must be positive"))
	}
	if c.ReplanDuration <= 0 {
		err = multierr.Append(err, errors.New("replan_duration must be positive"))
	}
	if c.AStarSearchTimeStep <= 0 {
		err = multierr.Append(err, errors.New("a_star_search_time_step must be positive"))
	}
	if c.MaxVel <= 0 || c.MaxAcc <= 0 {
		err = multierr.Append(err, errors.New("kinematic limits must be positive"))
	}
	if c.MaxVelOptimization < c.MaxVel || c.MaxAccOptimization < c.MaxAcc {
		err = multierr.Append(err, errors.New("optimizer caps may not be tighter than search caps"))
	}
	if c.GoalTolerance <= 0 {
		err = multierr.Append(err, errors.New("goal_tolerance must be positive"))
	}
	if c.SafeDistance <= 0 {
		err = multierr.Append(err, errors.New("safe_distance must be positive"))
	}
	if c.TrajectoryPieceMaxSize <= 0 {
		err = multierr.Append(err, errors.New("trajectory_piece_max_size must be positive"))
	}
	if gerr := c.Grid.Validate(); gerr != nil {
		err = multierr.Append(err, errors.Wrap(gerr, "grid"))
	}
	if serr := c.searchOptions().Validate(); serr != nil {
		err = multierr.Append(err, errors.Wrap(serr, "search"))
	}
	return err
}

// Goal returns the configured default goal.
func (c *Config) Goal() [3]float64 {
	return [3]float64{c.GoalX, c.GoalY, c.GoalZ}
}

func (c *Config) searchOptions() *motionplan.Options {
	opts := motionplan.DefaultOptions()
	opts.StepNode = c.AStarSearchTimeStep
	opts.StepSample = c.PlanningTimeStep
	opts.VMaxXY = c.MaxVel
	opts.VMaxZ = c.MaxVel / 2
	opts.AMax = c.MaxAcc
	opts.AccStep = c.AStarAccSampleStep
	opts.SampleZAcc = c.SampleZAcc
	opts.UseHeightLimit = c.UseHeightLimit
	opts.HeightMin = c.HeightLimitMin
	opts.HeightMax = c.HeightLimitMax
	opts.GoalRadius = c.ReplanTolerance
	opts.RiskThresholdVoxel = c.RiskThresholdSingleVoxel
	opts.RiskThresholdPrimitive = c.RiskThresholdMotionPrimitive
	opts.WeightTime = c.FactorTime
	opts.WeightAcc = c.FactorAcc
	opts.WeightRisk = c.FactorRisk
	opts.Budget = time.Duration(0.8 * c.PlanningTimeStep * float64(time.Second))
	return opts
}
