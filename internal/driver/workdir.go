package driver

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/metrics"
	"github.com/ChuLiYu/adsorbflow/internal/optimize"
	"github.com/ChuLiYu/adsorbflow/internal/structure"
	"github.com/ChuLiYu/adsorbflow/internal/trajectory"
	"github.com/ChuLiYu/adsorbflow/internal/workdir"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
	"github.com/rs/zerolog"
)

// DirOptions configures RelaxDir.
type DirOptions struct {
	Optimizer optimize.Optimizer
	// Restart continues from the last frame of relax.traj instead of init.json.
	Restart bool
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// DirReport summarizes the relaxation of one working directory.
type DirReport struct {
	Dir       workdir.Dir
	Steps     int
	Converged bool
	Fmax      float64
	Energy    float64
	Skipped   bool // restart found an already converged last frame
}

// RelaxDir relaxes the initial structure of dir, appending every optimizer
// step to relax.traj and a step line to evaluator.log.
func RelaxDir(ctx context.Context, dir workdir.Dir, eval evaluator.Evaluator, opts DirOptions) (DirReport, error) {
	rep := DirReport{Dir: dir}
	opt := opts.Optimizer
	if opt == nil {
		opt = optimize.NewFIRE(optimize.Options{})
	}
	log := opts.Logger.With().Str("component", "relax").Str("dir", dir.Path).Logger()
	eval = instrument(eval, opts.Metrics)

	s, err := startingState(dir, opts.Restart)
	if err != nil {
		return rep, err
	}
	if opts.Restart && opt.Converged(s) {
		rep.Skipped, rep.Converged = true, true
		rep.Fmax = structure.MaxForce(s, s.Forces)
		rep.Energy = *s.Energy
		log.Info().Msg("Last frame already converged")
		return rep, nil
	}

	w, err := trajectory.Open(dir.TrajectoryPath(), trajectory.Options{})
	if err != nil {
		return rep, fmt.Errorf("driver: open %s: %w", dir.TrajectoryPath(), err)
	}
	defer w.Close()

	logFile, err := os.OpenFile(dir.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return rep, fmt.Errorf("driver: open %s: %w", dir.LogPath(), err)
	}
	defer logFile.Close()
	steps := zerolog.New(logFile).With().Timestamp().Logger()

	id, _ := dir.ID()
	// on restart the last frame is step 0 of this run
	offset := 0
	if last, ok := w.Last(); ok {
		offset = last.Step
	}
	out, err := opt.Relax(ctx, eval, s, func(step int, cur *types.Structure) error {
		fmax := structure.MaxForce(cur, cur.Forces)
		steps.Info().
			Int("step", offset+step).
			Float64("energy", *cur.Energy).
			Float64("fmax", fmax).
			Msg("FIRE")
		_, err := w.Append(id, offset+step, cur)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		return rep, &EvaluationError{ID: id, Err: err}
	}
	opts.Metrics.RecordRelaxation(out.Steps)

	rep.Steps, rep.Converged, rep.Fmax = out.Steps, out.Converged, out.Fmax
	rep.Energy = *s.Energy
	log.Info().Int("steps", out.Steps).Bool("converged", out.Converged).Float64("fmax", out.Fmax).Msg("Relaxation finished")
	return rep, nil
}

// startingState returns the structure to relax: the last trajectory frame on
// restart when one exists, else init.json. A fresh start discards earlier
// outputs of the directory.
func startingState(dir workdir.Dir, restart bool) (*types.Structure, error) {
	if restart {
		frames, err := trajectory.Read(dir.TrajectoryPath())
		if err != nil {
			return nil, fmt.Errorf("driver: read %s: %w", dir.TrajectoryPath(), err)
		}
		if len(frames) > 0 {
			return frames[len(frames)-1].Structure, nil
		}
	} else {
		for _, p := range []string{dir.TrajectoryPath(), dir.LogPath()} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("driver: reset %s: %w", p, err)
			}
		}
	}
	return dir.ReadInit()
}
