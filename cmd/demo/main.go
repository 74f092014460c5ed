package main

// ============================================================================
// Crash / resume demo for the shard relaxation driver
//
//   go run ./cmd/demo start     # build a toy store and relax shard [1, 41)
//                               # press Ctrl+C mid-way to simulate a crash
//   go run ./cmd/demo recover   # rerun the same shard; it resumes after the
//                               # last trajectory frame
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/adsorbflow/internal/config"
	"github.com/ChuLiYu/adsorbflow/internal/driver"
	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/logging"
	"github.com/ChuLiYu/adsorbflow/internal/optimize"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/internal/trajectory"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

const (
	demoDir   = "data/demo"
	demoCount = 40
	stepDelay = 5 * time.Millisecond
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load(config.DefaultPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srcPath := filepath.Join(demoDir, "source.db")
	switch mode {
	case "start":
		if err := os.RemoveAll(demoDir); err != nil {
			log.Fatalf("Failed to reset %s: %v", demoDir, err)
		}
		if err := os.MkdirAll(demoDir, 0o755); err != nil {
			log.Fatalf("Failed to create %s: %v", demoDir, err)
		}
		if err := seed(ctx, srcPath); err != nil {
			log.Fatalf("Failed to seed store: %v", err)
		}
		fmt.Printf("✓ Wrote %d Ar clusters to %s\n", demoCount, srcPath)
		fmt.Printf("💡 Press Ctrl+C while relaxing, then run 'go run ./cmd/demo recover'\n\n")
	case "recover":
		fmt.Printf("🔄 Resuming shard from its trajectory\n")
	default:
		log.Fatalf("unknown mode %q", mode)
	}

	src, err := store.OpenSQLite(ctx, srcPath, store.Options{MustExist: true, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to open source store: %v", err)
	}
	defer src.Close()

	// LJ slowed down so the run can be interrupted
	lj := evaluator.NewLennardJones(cfg.Evaluator.LJ.Epsilon, cfg.Evaluator.LJ.Sigma)
	slow := evaluator.Func(func(ctx context.Context, s *types.Structure) (evaluator.Result, error) {
		select {
		case <-ctx.Done():
			return evaluator.Result{}, ctx.Err()
		case <-time.After(stepDelay):
		}
		return lj.Evaluate(ctx, s)
	})

	d := driver.NewShardDriver(src, slow, driver.ShardOptions{
		OutDir:       demoDir,
		Optimizer:    optimize.NewFIRE(optimize.Options{Fmax: cfg.Relax.Fmax, Steps: cfg.Relax.Steps, MaxStep: cfg.Relax.MaxStep}),
		SyncOnAppend: true,
		Logger:       logger,
	})
	shard := types.NewShard(1, demoCount)
	before, _ := trajectory.Length(driver.TrajectoryPath(demoDir, shard))

	start := time.Now()
	rep, err := d.Run(ctx, shard)
	after, _ := trajectory.Length(rep.Trajectory)

	fmt.Printf("\n📊 Shard %s:\n", shard)
	fmt.Printf("  Frames before:   %d\n", before)
	fmt.Printf("  Effective start: %d\n", rep.EffectiveStart)
	fmt.Printf("  Relaxed now:     %d (%d converged)\n", len(rep.Relaxed), rep.Converged)
	fmt.Printf("  Frames after:    %d / %d\n", after, demoCount)
	fmt.Printf("  Elapsed:         %s\n", time.Since(start).Round(time.Millisecond))

	switch {
	case errors.Is(err, context.Canceled):
		fmt.Println("\n⚠️  Interrupted. Every appended frame is durable; run 'recover' to continue.")
	case err != nil:
		log.Fatalf("Shard failed: %v", err)
	case after == demoCount:
		fmt.Println("\n✓ Shard complete")
	}
}

// seed writes demoCount Ar trimers with growing spacing.
func seed(ctx context.Context, path string) error {
	st, err := store.OpenSQLite(ctx, path, store.Options{})
	if err != nil {
		return err
	}
	defer st.Close()

	cell := types.Cell{Vectors: [3]types.Vec3{{30, 0, 0}, {0, 30, 0}, {0, 0, 30}}}
	for i := 0; i < demoCount; i++ {
		r := 2.6 + 0.02*float64(i)
		s := &types.Structure{
			Cell: cell,
			Sites: []types.Site{
				{Symbol: "Ar", Position: types.Vec3{10, 10, 10}},
				{Symbol: "Ar", Position: types.Vec3{10 + r, 10, 10}},
				{Symbol: "Ar", Position: types.Vec3{10 + r/2, 10 + r*0.8, 10}},
			},
		}
		if _, err := st.Insert(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
