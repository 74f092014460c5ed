package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/adsorbflow/internal/dataset"
	"github.com/ChuLiYu/adsorbflow/internal/workdir"
)

// ============================================================================
// make-dataset
// ============================================================================

func buildDatasetCommand() *cobra.Command {
	var (
		root   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "make-dataset [trajectory...]",
		Short: "Turn relaxation trajectories into a binding-energy training store",
		Long: `Read the given trajectory files, or relax.traj of every working directory
under --root, and write one record per frame to dataset.output with the
energy replaced by the binding energy E - E_slab - sum(n * E_gas). Slab
references are the last frames of dataset.slab_dir, gas references those of
dataset.gas_dir. Trajectories whose adsorbates desorb, dissociate or
intercalate, or whose surface moves, are left out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			dc := e.cfg.Dataset
			if cmd.Flags().Changed("output") {
				dc.Output = output
			}

			slabDirs, err := workdir.List(dc.SlabDir)
			if err != nil {
				return err
			}
			slabs, err := dataset.FromDirs(slabDirs)
			if err != nil {
				return err
			}
			gasDirs, err := workdir.List(dc.GasDir)
			if err != nil {
				return err
			}
			gas, err := dataset.FromDirs(gasDirs)
			if err != nil {
				return err
			}
			b, err := dataset.NewBuilder(slabs, gas, dataset.Options{
				Thresholds: dataset.Thresholds{
					DesorbHeight:        dc.DesorbHeight,
					BondStretch:         dc.BondStretch,
					SurfaceDisplacement: dc.SurfaceDisplacement,
				},
				Logger:  e.log,
				Metrics: e.metrics,
			})
			if err != nil {
				return err
			}

			paths := args
			if len(paths) == 0 {
				if root == "" {
					root = e.cfg.Materialize.SampledDir
				}
				dirs, err := workdir.List(root)
				if err != nil {
					return err
				}
				paths = dataset.Trajectories(dirs)
			}

			dst, err := e.openStore(ctx, dc.Output, false)
			if err != nil {
				return err
			}
			defer e.closeLogged("dataset store", dst.Close)

			rep, err := b.Build(ctx, paths, dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d frames from %d trajectories to %s\n", rep.Frames, rep.Trajectories, dc.Output)
			reasons := make([]string, 0, len(rep.Skipped))
			for r := range rep.Skipped {
				reasons = append(reasons, r)
			}
			sort.Strings(reasons)
			for _, r := range reasons {
				fmt.Fprintf(cmd.OutOrStdout(), "Skipped %d (%s)\n", len(rep.Skipped[r]), r)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "working directory root (default materialize.sampled_dir)")
	cmd.Flags().StringVar(&output, "output", "", "dataset store (overrides dataset.output)")
	return cmd
}
