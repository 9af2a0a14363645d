package motionplan

import "github.com/pkg/errors"

// NewNoPathError is returned when the open set drains without reaching the
// goal ball.
func NewNoPathError() error {
	return errors.New("no feasible path to goal")
}

// NewTimeoutError is returned when the search exhausts its iteration or
// wall-clock budget.
func NewTimeoutError() error {
	return errors.New("search budget exhausted")
}

// NewDegeneratePathError is returned for paths too short to corridor or
// suspiciously long.
func NewDegeneratePathError(n int) error {
	return errors.Errorf("degenerate path of %d nodes", n)
}
