package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/adsorbflow/internal/driver"
	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/internal/worker"
	"github.com/ChuLiYu/adsorbflow/internal/workdir"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// ============================================================================
// relax-shard
// ============================================================================

func buildRelaxShardCommand() *cobra.Command {
	var (
		startID int64
		width   int64
		source  string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "relax-shard",
		Short: "Relax one id shard of a store into a shard trajectory",
		Long: `Relax the records with ids in [start, start+width) and append each
final frame to <relax.out_dir>/shard_<start>_<stop>.traj. Without --start-id
the shard is derived from relax.first_id and the batch array index read
from relax.array_index_env. Rerunning a shard resumes after its last frame.
Each relaxed record is written to relax.output keyed by its source id, or
updated in place in the source store when no output store is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			rc := e.cfg.Relax
			if cmd.Flags().Changed("width") {
				rc.Width = width
			}
			var shard types.Shard
			if cmd.Flags().Changed("start-id") {
				shard = types.NewShard(startID, rc.Width)
			} else {
				index, ok, err := e.cfg.ArrayIndex()
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no --start-id given and %s is unset", rc.ArrayIndexEnv)
				}
				shard = types.ShardForIndex(rc.FirstID, index, rc.Width)
			}
			if source == "" {
				source = e.cfg.Store.Sampled
			}

			src, err := e.openStore(ctx, source, true)
			if err != nil {
				return err
			}
			defer e.closeLogged("source store", src.Close)
			if cmd.Flags().Changed("output") {
				rc.Output = output
			}
			var dst store.Store
			if rc.Output != "" {
				out, err := e.openStore(ctx, rc.Output, false)
				if err != nil {
					return err
				}
				defer e.closeLogged("output store", out.Close)
				dst = out
			}
			eval, closeEval, err := e.evaluator()
			if err != nil {
				return err
			}
			defer e.closeLogged("evaluator", closeEval)

			d := driver.NewShardDriver(src, eval, driver.ShardOptions{
				OutDir:       rc.OutDir,
				Optimizer:    e.optimizer(),
				SyncOnAppend: rc.SyncOnAppend,
				Output:       dst,
				Logger:       e.log,
				Metrics:      e.metrics,
			})
			rep, err := d.Run(ctx, shard)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Shard [%d, %d): relaxed %d from id %d, %d converged -> %s\n",
				shard.Start, shard.Stop, len(rep.Relaxed), rep.EffectiveStart, rep.Converged, rep.Trajectory)
			return nil
		},
	}

	cmd.Flags().Int64Var(&startID, "start-id", 0, "first id of the shard")
	cmd.Flags().Int64Var(&width, "width", 0, "number of ids in the shard (overrides relax.width)")
	cmd.Flags().StringVar(&source, "store", "", "source store (default store.sampled)")
	cmd.Flags().StringVar(&output, "output", "", "store receiving relaxed records (overrides relax.output)")
	return cmd
}

// ============================================================================
// relax-dirs
// ============================================================================

func buildRelaxDirsCommand() *cobra.Command {
	var (
		root    string
		restart bool
		workers int
	)

	cmd := &cobra.Command{
		Use:   "relax-dirs [dir...]",
		Short: "Relax working directories with a worker pool",
		Long: `Relax the given working directories, or every directory under --root
that holds an init.json. Each directory gets relax.traj and evaluator.log;
--restart continues from the last trajectory frame.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			var dirs []workdir.Dir
			if len(args) > 0 {
				for _, a := range args {
					dirs = append(dirs, workdir.Dir{Path: a})
				}
			} else {
				if root == "" {
					root = e.cfg.Materialize.SampledDir
				}
				if dirs, err = workdir.List(root); err != nil {
					return err
				}
			}
			if workers <= 0 {
				workers = e.cfg.Worker.Count
			}

			eval, closeEval, err := e.evaluator()
			if err != nil {
				return err
			}
			defer e.closeLogged("evaluator", closeEval)

			handler := worker.RelaxHandler(eval, driver.DirOptions{
				Optimizer: e.optimizer(),
				Restart:   restart,
				Logger:    e.log,
				Metrics:   e.metrics,
			})
			if timeout := e.cfg.Worker.TaskTimeout; timeout > 0 {
				inner := handler
				handler = func(ctx context.Context, t worker.Task) (driver.DirReport, error) {
					ctx, cancel := context.WithTimeout(ctx, timeout)
					defer cancel()
					return inner(ctx, t)
				}
			}

			results, runErr := worker.RelaxAll(ctx, dirs, workers, handler, e.log)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DIR\tSTEPS\tCONVERGED\tFMAX\tENERGY\tSTATUS")
			for _, r := range results {
				status := "ok"
				switch {
				case r.Err != nil:
					status = "error"
				case r.Report.Skipped:
					status = "skipped"
				}
				fmt.Fprintf(tw, "%s\t%d\t%t\t%.4f\t%.6f\t%s\n",
					r.Dir.Path, r.Report.Steps, r.Report.Converged, r.Report.Fmax, r.Report.Energy, status)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "directory holding working directories (default materialize.sampled_dir)")
	cmd.Flags().BoolVar(&restart, "restart", false, "continue from the last trajectory frame")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of workers (default worker.count)")
	return cmd
}

// ============================================================================
// verify
// ============================================================================

func buildVerifyCommand() *cobra.Command {
	var (
		restart bool
		query   string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute single points of sampled records into the verified store",
		Long: `Fresh mode evaluates every source record matched by --query that has
no output record yet; concurrent workers never compute the same source
twice. --restart instead redoes the incomplete records of an existing
verified store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			vc := e.cfg.Verify
			if cmd.Flags().Changed("query") {
				vc.Query = query
			}

			src, err := e.openStore(ctx, e.cfg.Store.Sampled, true)
			if err != nil {
				return err
			}
			defer e.closeLogged("sampled store", src.Close)
			if err := os.MkdirAll(filepath.Dir(e.cfg.Store.Verified), 0o755); err != nil {
				return fmt.Errorf("create store directory: %w", err)
			}

			eval, closeEval, err := e.evaluator()
			if err != nil {
				return err
			}
			defer e.closeLogged("evaluator", closeEval)
			locker, closeLocker, err := e.locker(ctx)
			if err != nil {
				return err
			}
			defer e.closeLogged("locker", closeLocker)

			v := driver.NewVerifier(src, driver.SQLiteOpener(e.cfg.Store.Verified, e.storeOptions(false)), eval, driver.VerifyOptions{
				Owner:   vc.Owner,
				Locker:  locker,
				Lease:   vc.Lease,
				Logger:  e.log,
				Metrics: e.metrics,
			})

			var rep driver.VerifyReport
			if restart {
				rep, err = v.Restart(ctx)
			} else {
				var ids []int64
				if ids, err = store.SelectIDs(ctx, src, vc.Query); err != nil {
					return err
				}
				rep, err = v.Fresh(ctx, ids)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Verified %d structures, skipped %d (owner %s)\n",
				len(rep.Computed), len(rep.Skipped), v.Owner())
			return nil
		},
	}

	cmd.Flags().BoolVar(&restart, "restart", false, "redo incomplete records of the verified store")
	cmd.Flags().StringVarP(&query, "query", "q", "", "selection of source records (overrides verify.query)")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store, trajectory and working directory status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()
			return showStatus(ctx, e, cmd.OutOrStdout())
		},
	}
}

func showStatus(ctx context.Context, e *env, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Config:\t%s\n", configFile)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "STORE\tPATH\tRECORDS\tINCOMPLETE")
	stores := []struct{ name, path string }{
		{"enumerated", e.cfg.Store.Enumerated},
		{"sampled", e.cfg.Store.Sampled},
		{"verified", e.cfg.Store.Verified},
	}
	for _, s := range stores {
		if !store.Exists(s.path) {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\n", s.name, s.path)
			continue
		}
		st, err := e.openStore(ctx, s.path, true)
		if err != nil {
			return err
		}
		n, err := st.Count(ctx)
		if err == nil {
			var inc []*types.Structure
			if inc, err = store.Incomplete(ctx, st); err == nil {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", s.name, s.path, n, len(inc))
			}
		}
		st.Close()
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(tw)

	trajs, _ := filepath.Glob(filepath.Join(e.cfg.Relax.OutDir, "shard_*.traj"))
	fmt.Fprintf(tw, "Shard trajectories:\t%d\t(%s)\n", len(trajs), e.cfg.Relax.OutDir)
	for _, dir := range []string{e.cfg.Materialize.SlabDir, e.cfg.Materialize.SampledDir} {
		dirs, err := workdir.List(dir)
		if err != nil {
			fmt.Fprintf(tw, "Working dirs:\t-\t(%s)\n", dir)
			continue
		}
		relaxed := 0
		for _, d := range dirs {
			if _, err := os.Stat(d.TrajectoryPath()); err == nil {
				relaxed++
			}
		}
		fmt.Fprintf(tw, "Working dirs:\t%d\t(%s, %d with trajectory)\n", len(dirs), dir, relaxed)
	}

	if e.cfg.Metrics.Enabled {
		fmt.Fprintf(tw, "Metrics:\tenabled on %s/metrics\n", e.cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(tw, "Metrics:\tdisabled")
	}
	return tw.Flush()
}

// ============================================================================
// serve-evaluator
// ============================================================================

func buildServeEvaluatorCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve-evaluator",
		Short: "Serve the Lennard-Jones evaluator over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			if listen == "" {
				listen = e.cfg.Evaluator.Listen
			}
			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}
			return serveEvaluator(ctx, e, lis)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides evaluator.listen)")
	return cmd
}

// serveEvaluator serves on lis until ctx is done.
func serveEvaluator(ctx context.Context, e *env, lis net.Listener) error {
	srv := grpc.NewServer()
	evaluator.RegisterServer(srv, e.lennardJones())

	go func() {
		<-ctx.Done()
		e.log.Info().Msg("Received shutdown signal, stopping gracefully...")
		srv.GracefulStop()
	}()

	e.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC evaluator listening")
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}
