package optimize

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// harmonic pulls every site towards the origin plane z=1 with spring k and
// counts its calls.
type harmonic struct {
	k     float64
	calls int
}

func (h *harmonic) Evaluate(_ context.Context, s *types.Structure) (evaluator.Result, error) {
	h.calls++
	res := evaluator.Result{Forces: make([]types.Vec3, len(s.Sites))}
	for i, site := range s.Sites {
		d := site.Position[2] - 1
		res.Energy += 0.5 * h.k * d * d
		res.Forces[i] = types.Vec3{0, 0, -h.k * d}
	}
	return res, nil
}

func twoSites() *types.Structure {
	return &types.Structure{
		Sites: []types.Site{
			{Symbol: "Pt", Position: types.Vec3{0, 0, 0}, Tag: types.Bulk},
			{Symbol: "O", Position: types.Vec3{1, 1, 2}, Tag: types.Adsorbate},
		},
		Cell: types.Cell{Vectors: [3]types.Vec3{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}}},
	}
}

func TestRelaxHarmonicConverges(t *testing.T) {
	h := &harmonic{k: 1}
	s := twoSites()
	var steps []int
	out, err := NewFIRE(Options{Fmax: 1e-3, Steps: 500}).Relax(context.Background(), h, s, func(step int, _ *types.Structure) error {
		steps = append(steps, step)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, out.Converged)
	assert.LessOrEqual(t, out.Fmax, 1e-3)
	assert.InDelta(t, 1.0, s.Sites[0].Position[2], 1e-2)
	assert.InDelta(t, 1.0, s.Sites[1].Position[2], 1e-2)
	assert.Equal(t, 1.0, s.Sites[1].Position[0], "no force along x")

	require.Len(t, steps, out.Steps+1)
	assert.Equal(t, 0, steps[0])
	assert.Equal(t, out.Steps+1, h.calls)
	assert.True(t, s.HasResults())
}

func TestRelaxKeepsFrozenSites(t *testing.T) {
	s := twoSites()
	s.Frozen = []int{0}
	out, err := NewFIRE(Options{Fmax: 1e-3, Steps: 500}).Relax(context.Background(), &harmonic{k: 1}, s, nil)
	require.NoError(t, err)
	assert.True(t, out.Converged, "frozen force does not block convergence")
	assert.Equal(t, types.Vec3{0, 0, 0}, s.Sites[0].Position)
	assert.InDelta(t, 1.0, s.Sites[1].Position[2], 1e-2)
}

func TestRelaxStepBudget(t *testing.T) {
	h := &harmonic{k: 1}
	s := twoSites()
	s.Sites[1].Position[2] = 50
	out, err := NewFIRE(Options{Fmax: 1e-6, Steps: 3, MaxStep: 0.1}).Relax(context.Background(), h, s, nil)
	require.NoError(t, err)
	assert.False(t, out.Converged)
	assert.Equal(t, 3, out.Steps)
	assert.Equal(t, 4, h.calls)
	assert.LessOrEqual(t, 50-s.Sites[1].Position[2], 0.3+1e-9, "displacement is capped per step")
}

func TestRelaxReusesExistingResults(t *testing.T) {
	h := &harmonic{k: 1}
	s := twoSites()
	s.Sites[0].Position[2] = 1
	s.Sites[1].Position[2] = 1
	res, err := h.Evaluate(context.Background(), s)
	require.NoError(t, err)
	evaluator.Attach(s, res)
	h.calls = 0

	opt := NewFIRE(Options{})
	assert.True(t, opt.Converged(s))
	observed := false
	out, err := opt.Relax(context.Background(), h, s, func(int, *types.Structure) error {
		observed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, out.Converged)
	assert.Zero(t, out.Steps)
	assert.Zero(t, h.calls)
	assert.False(t, observed)
}

func TestRelaxLennardJonesDimer(t *testing.T) {
	lj := evaluator.NewLennardJones(0.1, 2.5)
	s := &types.Structure{
		Sites: []types.Site{
			{Symbol: "Ar", Position: types.Vec3{5, 5, 5}},
			{Symbol: "Ar", Position: types.Vec3{8.2, 5, 5}},
		},
		Cell: types.Cell{Vectors: [3]types.Vec3{{20, 0, 0}, {0, 20, 0}, {0, 0, 20}}},
	}
	out, err := NewFIRE(Options{Fmax: 1e-3, Steps: 1000}).Relax(context.Background(), lj, s, nil)
	require.NoError(t, err)
	require.True(t, out.Converged)
	d := s.Sites[1].Position.Sub(s.Sites[0].Position)
	assert.InDelta(t, math.Pow(2, 1.0/6)*2.5, math.Sqrt(d.Dot(d)), 1e-2)
	assert.InDelta(t, -0.1, *s.Energy, 1e-4)
}

func TestRelaxErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewFIRE(Options{}).Relax(context.Background(), evaluator.Func(func(context.Context, *types.Structure) (evaluator.Result, error) {
		return evaluator.Result{}, boom
	}), twoSites(), nil)
	assert.ErrorIs(t, err, boom)

	_, err = NewFIRE(Options{}).Relax(context.Background(), evaluator.Func(func(context.Context, *types.Structure) (evaluator.Result, error) {
		return evaluator.Result{Energy: 1}, nil
	}), twoSites(), nil)
	assert.ErrorIs(t, err, evaluator.ErrBadResult)

	stop := errors.New("stop")
	_, err = NewFIRE(Options{}).Relax(context.Background(), &harmonic{k: 1}, twoSites(), func(step int, _ *types.Structure) error {
		if step == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
}

func TestRelaxCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &harmonic{k: 1}
	_, err := NewFIRE(Options{Fmax: 1e-9, Steps: 100}).Relax(ctx, h, twoSites(), func(step int, _ *types.Structure) error {
		if step == 1 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, h.calls, "stops between steps")
}
