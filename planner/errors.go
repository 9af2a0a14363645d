package planner

import "github.com/pkg/errors"

// ErrInputMissing reports that pose, map or goal has not arrived yet.
var ErrInputMissing = errors.New("waiting for odometry, map and goal")

// ErrNoPath reports a failed or degenerate search; the supervisor
// reschedules.
var ErrNoPath = errors.New("reference path search failed")

// ErrCorridorInfeasible reports a corridor chain that violates its
// invariants.
var ErrCorridorInfeasible = errors.New("corridor construction infeasible")

// ErrPeerConflict reports a candidate trajectory discarded by deconfliction.
var ErrPeerConflict = errors.New("candidate trajectory conflicts with a peer")
