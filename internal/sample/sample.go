// Package sample draws a bounded random subset of stored structures whose
// coverages fall inside given ranges and copies it, with provenance, into
// another store.
package sample

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ChuLiYu/adsorbflow/internal/metrics"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
	"github.com/rs/zerolog"
)

// NoStructureMatchQueryError is returned when the coverage predicate matches nothing.
type NoStructureMatchQueryError struct {
	Query string
}

func (e *NoStructureMatchQueryError) Error() string {
	return fmt.Sprintf("sample: no structure matches query %q", e.Query)
}

// Bound is an inclusive coverage range for one adsorbate species.
type Bound struct {
	Species string
	Min     float64
	Max     float64
}

// Request describes one sampling run.
type Request struct {
	// Bounds are applied in order.
	Bounds []Bound
	Count  int
	// MaxSites drops records with more sites; 0 disables the cap.
	MaxSites int
	// Seed of the sampling RNG; 0 picks a time-based seed.
	Seed uint64
}

// Result lists the sampled source ids and the ids written to the output store.
type Result struct {
	SourceIDs  []int64
	WrittenIDs []int64
}

// Options configures a Sampler.
type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// Sampler copies coverage-constrained random subsets from src to dst.
type Sampler struct {
	src, dst store.Store
	log      zerolog.Logger
	metrics  *metrics.Collector
}

// New returns a Sampler.
func New(src, dst store.Store, opts Options) *Sampler {
	return &Sampler{
		src:     src,
		dst:     dst,
		log:     opts.Logger.With().Str("component", "sample").Logger(),
		metrics: opts.Metrics,
	}
}

// BuildQuery renders bounds as "s>=min,s<=max,..." in bound order.
func BuildQuery(bounds []Bound) store.Query {
	q := make(store.Query, 0, 2*len(bounds))
	for _, b := range bounds {
		q = append(q, store.Range(strings.ToLower(b.Species), b.Min, b.Max)...)
	}
	return q
}

// Run samples req.Count matching records.
func (s *Sampler) Run(ctx context.Context, req Request) (Result, error) {
	if req.Count < 0 {
		return Result{}, fmt.Errorf("sample: negative count %d", req.Count)
	}
	query := BuildQuery(req.Bounds).String()
	matched, err := s.src.Select(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("sample: select %q: %w", query, err)
	}
	if len(matched) == 0 {
		return Result{}, &NoStructureMatchQueryError{Query: query}
	}

	pool := matched
	if req.MaxSites > 0 {
		pool = pool[:0:0]
		for _, rec := range matched {
			if rec.Len() <= req.MaxSites {
				pool = append(pool, rec)
			}
		}
	}

	n := min(req.Count, len(pool))
	if n != req.Count {
		s.log.Warn().Int("requested", req.Count).Int("available", len(pool)).
			Msgf("fewer structures match the query than requested; sampling %d", n)
	}

	seed := req.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	picks := rng.Perm(len(pool))[:n]

	var res Result
	for _, i := range picks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		src := pool[i]
		id, written, err := s.copy(ctx, src)
		if err != nil {
			return res, err
		}
		res.SourceIDs = append(res.SourceIDs, src.ID)
		if written {
			res.WrittenIDs = append(res.WrittenIDs, id)
			s.log.Info().Int64("source_id", src.ID).Int64("id", id).Interface("key_values", src.KeyValues).Msg("structure sampled")
		}
	}
	s.metrics.RecordSampled(len(res.WrittenIDs))
	s.log.Info().Int("written", len(res.WrittenIDs)).Int("sampled", len(res.SourceIDs)).Msg("sampling finished")
	return res, nil
}

// copy writes src into dst unless a copy of it is already there.
func (s *Sampler) copy(ctx context.Context, src *types.Structure) (int64, bool, error) {
	if existing, err := s.dst.GetByOriginalID(ctx, src.ID); err == nil {
		s.log.Warn().Int64("source_id", src.ID).Int64("id", existing.ID).Msg("already present in output store, skipping")
		return existing.ID, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, false, err
	}

	rec := src.Clone()
	oid := src.ID
	rec.OriginalID = &oid
	rec.Round = 1
	rec.Status = types.StatusComplete
	rec.Owner = ""
	id, err := s.dst.Insert(ctx, rec)
	if errors.Is(err, store.ErrDuplicateOriginal) {
		s.log.Warn().Int64("source_id", src.ID).Msg("copied concurrently by another worker, skipping")
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sample: write copy of %d: %w", src.ID, err)
	}
	return id, true, nil
}
