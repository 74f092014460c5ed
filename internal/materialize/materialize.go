// Package materialize turns stored structures into working directories for
// an external evaluator: one clean slab per distinct cell, and one directory
// per sampled structure.
package materialize

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/internal/structure"
	"github.com/ChuLiYu/adsorbflow/internal/workdir"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Freeze is the constraint rule: sites with |z - Height| < Tolerance or
// z < Height are held fixed.
type Freeze struct {
	Height    float64
	Tolerance float64
}

// Options configures a Materializer.
type Options struct {
	Freeze Freeze
	// Magmoms are initial magnetic moments per species.
	Magmoms map[string]float64
	// Concurrency bounds parallel directory writes; <= 0 means 4.
	Concurrency int
	Logger      zerolog.Logger
}

// Materializer writes working directories.
type Materializer struct {
	opts Options
	log  zerolog.Logger
}

// New returns a Materializer.
func New(opts Options) *Materializer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Freeze.Tolerance <= 0 {
		opts.Freeze.Tolerance = 0.1
	}
	return &Materializer{opts: opts, log: opts.Logger.With().Str("component", "materialize").Logger()}
}

// prepare applies the freeze rule and magnetic moments in place.
func (m *Materializer) prepare(s *types.Structure) {
	s.SetFrozen(structure.FreezeBelow(s, m.opts.Freeze.Height, m.opts.Freeze.Tolerance))
	structure.ApplyMagmoms(s, m.opts.Magmoms)
}

// Slabs writes <dest>/<id>/init.json for one adsorbate-free representative
// per distinct cell of st, keeping the lowest id of each cell. It returns
// the representative ids in ascending order.
func (m *Materializer) Slabs(ctx context.Context, st store.Store, dest string) ([]int64, error) {
	recs, err := st.Select(ctx, "")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var reps []*types.Structure
	for _, rec := range recs {
		if rec.Status.Incomplete() {
			continue
		}
		sig := structure.CellSignature(rec.Cell)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		reps = append(reps, rec)
	}

	ids := make([]int64, len(reps))
	for i, rec := range reps {
		ids[i] = rec.ID
		structure.StripAdsorbates(rec)
		m.prepare(rec)
	}
	if err := m.writeAll(ctx, dest, reps, func(s *types.Structure) int64 { return s.ID }); err != nil {
		return nil, err
	}
	m.log.Info().Int("slabs", len(reps)).Str("dest", dest).Msg("slabs written")
	return ids, nil
}

// Sampled applies the freeze rule and magnetic moments to every record of
// st in place, then writes <dest>/<original_id>/init.json for each source id.
func (m *Materializer) Sampled(ctx context.Context, st store.Store, sourceIDs []int64, dest string) error {
	recs, err := st.Select(ctx, "")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status.Incomplete() {
			continue
		}
		m.prepare(rec)
		if err := st.Update(ctx, rec); err != nil {
			return fmt.Errorf("materialize: update %d: %w", rec.ID, err)
		}
	}

	out := make([]*types.Structure, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		rec, err := st.GetByOriginalID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("materialize: source %d was not sampled: %w", id, err)
		}
		if err != nil {
			return err
		}
		out = append(out, rec)
	}
	if err := m.writeAll(ctx, dest, out, func(s *types.Structure) int64 { return *s.OriginalID }); err != nil {
		return err
	}
	m.log.Info().Int("dirs", len(out)).Str("dest", dest).Msg("sampled structures written")
	return nil
}

func (m *Materializer) writeAll(ctx context.Context, dest string, recs []*types.Structure, key func(*types.Structure) int64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, rec := range recs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return workdir.For(dest, key(rec)).WriteInit(rec)
		})
	}
	return g.Wait()
}
