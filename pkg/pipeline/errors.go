package pipeline

import "errors"

// ErrMaxIterationsReached is returned by Decide when a revise would push a
// step's iteration counter past models.MaxIteration (spec.md §4.7).
var ErrMaxIterationsReached = errors.New("pipeline: maximum revision iterations reached")
