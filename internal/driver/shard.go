// ============================================================================
// 分片鬆弛驅動器
// ============================================================================
//
// Package: internal/driver
// 文件: shard.go
// 功能: 對來源 Store 的一個 id 區間 [start, stop) 逐一鬆弛結構並寫入分片軌跡
//
// 恢復流程:
//   1. 開啟 <out>/shard_<start>_<stop>.traj
//   2. 軌跡長度 n > 0 時，有效起點 = start + n - 1，最後一幀作為該 id 的起始狀態
//   3. 已收斂的最後一幀不重複寫入軌跡 (但仍確保輸出記錄已寫入)
//
// 輸出記錄:
//   - Output 為 nil: 來源記錄原地更新 (同一 id)
//   - Output 不為 nil: 以來源 id 作為 original_id, ReserveKey 後 Update,
//     每個 id 至多一筆記錄; 恢復時重寫同一筆
//
// 冪等性保證:
//   - 只有在優化器返回後才追加到軌跡（不寫半成品）
//   - 軌跡只追加，長度單調不減
//
// ============================================================================

package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/metrics"
	"github.com/ChuLiYu/adsorbflow/internal/optimize"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/internal/trajectory"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// ShardOptions configures a ShardDriver.
type ShardOptions struct {
	OutDir       string             // directory of shard trajectories
	Optimizer    optimize.Optimizer // default FIRE with default options
	SyncOnAppend bool
	// Output receives every relaxed record keyed by its source id; nil
	// updates the source records in place.
	Output store.Store
	// Owner tags Output reservations; default a random UUID.
	Owner   string
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// ShardReport summarizes one shard run.
type ShardReport struct {
	Shard          types.Shard
	Trajectory     string
	EffectiveStart int64
	Relaxed        []int64 // ids appended to the trajectory in this run
	Converged      int
}

// ShardDriver relaxes the structures of one id interval of a source store.
type ShardDriver struct {
	src     store.Store
	eval    evaluator.Evaluator
	opt     optimize.Optimizer
	opts    ShardOptions
	log     zerolog.Logger
	metrics *metrics.Collector
}

// NewShardDriver returns a ShardDriver.
func NewShardDriver(src store.Store, eval evaluator.Evaluator, opts ShardOptions) *ShardDriver {
	opt := opts.Optimizer
	if opt == nil {
		opt = optimize.NewFIRE(optimize.Options{})
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	return &ShardDriver{
		src:     src,
		eval:    instrument(eval, opts.Metrics),
		opt:     opt,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "shard").Logger(),
		metrics: opts.Metrics,
	}
}

// TrajectoryPath returns the trajectory file of shard under dir.
func TrajectoryPath(dir string, shard types.Shard) string {
	return filepath.Join(dir, fmt.Sprintf("shard_%d_%d.traj", shard.Start, shard.Stop))
}

// Run relaxes every source record with id in shard, resuming from the
// shard trajectory when one exists.
func (d *ShardDriver) Run(ctx context.Context, shard types.Shard) (ShardReport, error) {
	log := d.log.With().Stringer("shard", shard).Logger()
	rep := ShardReport{Shard: shard, Trajectory: TrajectoryPath(d.opts.OutDir, shard), EffectiveStart: shard.Start}
	if shard.Width() <= 0 {
		return rep, fmt.Errorf("driver: empty shard %s", shard)
	}
	if d.opts.OutDir != "" {
		if err := os.MkdirAll(d.opts.OutDir, 0o755); err != nil {
			return rep, fmt.Errorf("driver: create output dir: %w", err)
		}
	}

	w, err := trajectory.Open(rep.Trajectory, trajectory.Options{SyncOnAppend: d.opts.SyncOnAppend})
	if err != nil {
		return rep, fmt.Errorf("driver: open shard trajectory: %w", err)
	}
	defer w.Close()

	// 1. 恢復階段
	var seed *types.Structure
	if n := w.Len(); n > 0 {
		last, _ := w.Last()
		rep.EffectiveStart = shard.Start + int64(n) - 1
		if last.SourceID != rep.EffectiveStart && shard.Contains(last.SourceID) {
			log.Warn().
				Int64("offset_start", rep.EffectiveStart).
				Int64("last_source_id", last.SourceID).
				Msg("trajectory length does not line up with source ids, resuming from last frame id")
			rep.EffectiveStart = last.SourceID
		}
		if last.SourceID == rep.EffectiveStart {
			seed = last.Structure
		}
		log.Info().Int("frames", n).Int64("effective_start", rep.EffectiveStart).Msg("Resuming shard")
	}
	d.metrics.SetResumeOffset(rep.EffectiveStart - shard.Start)
	if rep.EffectiveStart >= shard.Stop {
		log.Info().Msg("Shard already complete")
		return rep, nil
	}

	// 2. 迭代階段
	ids, err := store.SelectIDs(ctx, d.src, fmt.Sprintf("id>=%d,id<%d", rep.EffectiveStart, shard.Stop))
	if err != nil {
		return rep, fmt.Errorf("driver: select shard ids: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		var s *types.Structure
		if seed != nil && id == rep.EffectiveStart {
			s = seed
			if d.opt.Converged(s) {
				log.Info().Int64("id", id).Msg("Last frame already converged, not appending again")
				if err := d.record(ctx, id, s); err != nil {
					return rep, err
				}
				rep.Converged++
				continue
			}
		} else {
			if s, err = d.src.Get(ctx, id); err != nil {
				return rep, fmt.Errorf("driver: load structure %d: %w", id, err)
			}
		}

		out, err := d.opt.Relax(ctx, d.eval, s, nil)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			return rep, &EvaluationError{ID: id, Err: err}
		}
		d.metrics.RecordRelaxation(out.Steps)

		if _, err := w.Append(id, out.Steps, s); err != nil {
			return rep, fmt.Errorf("driver: append structure %d: %w", id, err)
		}
		if err := d.record(ctx, id, s); err != nil {
			return rep, err
		}
		rep.Relaxed = append(rep.Relaxed, id)
		if out.Converged {
			rep.Converged++
		} else {
			log.Warn().Int64("id", id).Int("steps", out.Steps).Float64("fmax", out.Fmax).Msg("Step budget exhausted before convergence")
		}
		log.Debug().Int64("id", id).Int("steps", out.Steps).Float64("fmax", out.Fmax).Msg("Structure relaxed")
	}

	log.Info().Int("relaxed", len(rep.Relaxed)).Int("converged", rep.Converged).Msg("Shard finished")
	return rep, nil
}

// record writes the relaxed structure of source id to the output store.
// Rewriting an id updates its existing record, so every id has one.
func (d *ShardDriver) record(ctx context.Context, id int64, relaxed *types.Structure) error {
	rec := relaxed.Clone()
	rec.Status = types.StatusComplete

	if d.opts.Output == nil {
		rec.ID = id
		if err := d.src.Update(ctx, rec); err != nil {
			return fmt.Errorf("driver: update structure %d: %w", id, err)
		}
		return nil
	}

	out := d.opts.Output
	existing, err := out.GetByOriginalID(ctx, id)
	switch {
	case err == nil:
		rec.ID = existing.ID
	case errors.Is(err, store.ErrNotFound):
		outID, err := out.ReserveKey(ctx, id, d.opts.Owner)
		if errors.Is(err, store.ErrAlreadyReserved) {
			// 同一 id 已被寫入, 沿用該筆記錄
			if existing, err = out.GetByOriginalID(ctx, id); err != nil {
				return fmt.Errorf("driver: load output %d: %w", id, err)
			}
			outID = existing.ID
		} else if err != nil {
			return fmt.Errorf("driver: reserve output %d: %w", id, err)
		}
		rec.ID = outID
	default:
		return fmt.Errorf("driver: load output %d: %w", id, err)
	}

	orig := id
	rec.OriginalID = &orig
	rec.Owner = d.opts.Owner
	if err := out.Update(ctx, rec); err != nil {
		return fmt.Errorf("driver: write output %d: %w", id, err)
	}
	return nil
}
