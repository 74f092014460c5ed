// Package evaluator defines the energy/force capability consumed by the
// relaxation driver and its implementations.
package evaluator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// ErrBadResult is returned when an evaluator answers with a malformed result.
var ErrBadResult = errors.New("evaluator: malformed result")

// Result is the output of one evaluation.
type Result struct {
	Energy float64
	Forces []types.Vec3
}

// Evaluator computes energy and per-site forces of a structure. Calls are
// synchronous and can take a long time; implementations are expected to be
// deterministic for a given structure.
type Evaluator interface {
	Evaluate(ctx context.Context, s *types.Structure) (Result, error)
}

// Func adapts a function to Evaluator.
type Func func(ctx context.Context, s *types.Structure) (Result, error)

// Evaluate implements Evaluator.
func (f Func) Evaluate(ctx context.Context, s *types.Structure) (Result, error) {
	return f(ctx, s)
}

// Attach copies r onto s.
func Attach(s *types.Structure, r Result) {
	e := r.Energy
	s.Energy = &e
	s.Forces = append([]types.Vec3(nil), r.Forces...)
}

// Check validates that r has one force per site of s.
func Check(s *types.Structure, r Result) error {
	if len(r.Forces) != len(s.Sites) {
		return fmt.Errorf("%w: %d forces for %d sites", ErrBadResult, len(r.Forces), len(s.Sites))
	}
	return nil
}
