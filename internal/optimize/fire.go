// Package optimize relaxes a structure towards a local energy minimum using
// forces from an evaluator.
package optimize

import (
	"context"
	"fmt"
	"math"

	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/structure"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// Default parameters
const (
	DefaultFmax    = 0.05
	DefaultSteps   = 200
	DefaultMaxStep = 0.2
)

// FIRE integrator constants
const (
	fireDT     = 0.1
	fireDTMax  = 1.0
	fireNMin   = 5
	fireFInc   = 1.1
	fireFDec   = 0.5
	fireAStart = 0.1
	fireFAlpha = 0.99
)

// Options configures a relaxation.
type Options struct {
	Fmax    float64 // convergence threshold on the max force of free sites
	Steps   int     // budget of position updates
	MaxStep float64 // largest displacement of any site per update
}

func (o Options) withDefaults() Options {
	if o.Fmax <= 0 {
		o.Fmax = DefaultFmax
	}
	if o.Steps <= 0 {
		o.Steps = DefaultSteps
	}
	if o.MaxStep <= 0 {
		o.MaxStep = DefaultMaxStep
	}
	return o
}

// Observer is called after every evaluation with the evaluated state. step is
// 0 for the initial evaluation.
type Observer func(step int, s *types.Structure) error

// Outcome summarizes a relaxation.
type Outcome struct {
	Steps     int     // position updates performed
	Converged bool    // max force reached the threshold
	Fmax      float64 // max force of the final state
}

// Optimizer is the relaxation capability used by the drivers.
type Optimizer interface {
	Relax(ctx context.Context, eval evaluator.Evaluator, s *types.Structure, observe Observer) (Outcome, error)
	Converged(s *types.Structure) bool
}

// FIRE implements the fast inertial relaxation engine.
type FIRE struct {
	opts Options
}

// NewFIRE returns a FIRE optimizer.
func NewFIRE(opts Options) *FIRE {
	return &FIRE{opts: opts.withDefaults()}
}

// Converged reports whether s carries results below the force threshold.
func (o *FIRE) Converged(s *types.Structure) bool {
	return s.HasResults() && structure.MaxForce(s, s.Forces) <= o.opts.Fmax
}

// Relax moves the free sites of s in place until converged or out of steps.
// When s already carries results they are used as the initial state and the
// observer is not called for it. Frozen sites never move. ctx is checked
// between evaluations.
func (o *FIRE) Relax(ctx context.Context, eval evaluator.Evaluator, s *types.Structure, observe Observer) (Outcome, error) {
	if !s.HasResults() {
		if err := o.evaluate(ctx, eval, s, 0, observe); err != nil {
			return Outcome{}, err
		}
	}

	n := len(s.Sites)
	v := make([]types.Vec3, n)
	dt, alpha, sincePositive := fireDT, fireAStart, 0
	fmax := structure.MaxForce(s, s.Forces)

	step := 0
	for fmax > o.opts.Fmax && step < o.opts.Steps {
		if err := ctx.Err(); err != nil {
			return Outcome{Steps: step, Fmax: fmax}, err
		}
		f := o.freeForces(s)

		var power, vn, fn float64
		for i := range f {
			power += f[i].Dot(v[i])
			vn += v[i].Dot(v[i])
			fn += f[i].Dot(f[i])
		}
		vn, fn = math.Sqrt(vn), math.Sqrt(fn)

		if power > 0 {
			if fn > 0 {
				for i := range v {
					v[i] = v[i].Scale(1 - alpha).Add(f[i].Scale(alpha * vn / fn))
				}
			}
			if sincePositive > fireNMin {
				dt = math.Min(dt*fireFInc, fireDTMax)
				alpha *= fireFAlpha
			}
			sincePositive++
		} else {
			for i := range v {
				v[i] = types.Vec3{}
			}
			dt *= fireFDec
			alpha = fireAStart
			sincePositive = 0
		}

		dr := make([]types.Vec3, n)
		var longest float64
		for i := range v {
			v[i] = v[i].Add(f[i].Scale(dt))
			dr[i] = v[i].Scale(dt)
			longest = math.Max(longest, math.Sqrt(dr[i].Dot(dr[i])))
		}
		scale := 1.0
		if longest > o.opts.MaxStep {
			scale = o.opts.MaxStep / longest
		}
		for i := range dr {
			if s.IsFrozen(i) {
				continue
			}
			s.Sites[i].Position = s.Sites[i].Position.Add(dr[i].Scale(scale))
		}

		step++
		if err := o.evaluate(ctx, eval, s, step, observe); err != nil {
			return Outcome{Steps: step, Fmax: fmax}, err
		}
		fmax = structure.MaxForce(s, s.Forces)
	}
	return Outcome{Steps: step, Converged: fmax <= o.opts.Fmax, Fmax: fmax}, nil
}

func (o *FIRE) evaluate(ctx context.Context, eval evaluator.Evaluator, s *types.Structure, step int, observe Observer) error {
	res, err := eval.Evaluate(ctx, s)
	if err != nil {
		return err
	}
	if err := evaluator.Check(s, res); err != nil {
		return err
	}
	evaluator.Attach(s, res)
	if observe != nil {
		if err := observe(step, s); err != nil {
			return fmt.Errorf("optimize: observe step %d: %w", step, err)
		}
	}
	return nil
}

// freeForces returns the forces with frozen sites zeroed.
func (o *FIRE) freeForces(s *types.Structure) []types.Vec3 {
	f := append([]types.Vec3(nil), s.Forces...)
	for _, i := range s.Frozen {
		if i >= 0 && i < len(f) {
			f[i] = types.Vec3{}
		}
	}
	return f
}
