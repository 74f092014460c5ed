package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/adsorbflow/internal/enumerate"
	"github.com/ChuLiYu/adsorbflow/internal/materialize"
	"github.com/ChuLiYu/adsorbflow/internal/sample"
	"github.com/ChuLiYu/adsorbflow/internal/workdir"
)

// ============================================================================
// enumerate
// ============================================================================

func buildEnumerateCommand() *cobra.Command {
	var (
		template string
		maxSize  int
	)

	cmd := &cobra.Command{
		Use:   "enumerate",
		Short: "Enumerate adsorbate configurations into the enumerated store",
		Long: `Read the template slab and adsorbate structure files named in the
enumerate section and write every symmetry-distinct configuration up to
max_size into store.enumerated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			ec := e.cfg.Enumerate
			if template != "" {
				ec.Template = template
			}
			if maxSize > 0 {
				ec.MaxSize = maxSize
			}
			if ec.Template == "" {
				return fmt.Errorf("enumerate.template is required (use --template)")
			}

			req := enumerate.Request{Eligible: ec.Eligible, MaxSize: ec.MaxSize}
			if req.Template, err = workdir.ReadStructure(ec.Template); err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}
			for _, a := range ec.Adsorbates {
				s, err := workdir.ReadStructure(a.File)
				if err != nil {
					return fmt.Errorf("failed to read adsorbate: %w", err)
				}
				req.Adsorbates = append(req.Adsorbates, enumerate.Adsorbate{Structure: s, Binding: a.Binding})
			}

			st, err := e.openStore(ctx, e.cfg.Store.Enumerated, false)
			if err != nil {
				return err
			}
			defer e.closeLogged("enumerated store", st.Close)

			eng := enumerate.NewEngine(st, enumerate.Options{
				Placeholders: ec.Placeholders,
				Logger:       e.log,
				Metrics:      e.metrics,
			})
			sum, err := eng.Run(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Enumerated %d structures into %s\n", sum.Records, st.Path())
			sizes := make([]int, 0, len(sum.PerSize))
			for n := range sum.PerSize {
				sizes = append(sizes, n)
			}
			sort.Ints(sizes)
			for _, n := range sizes {
				fmt.Fprintf(out, "  size %d: %d\n", n, sum.PerSize[n])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", "", "template structure file (overrides enumerate.template)")
	cmd.Flags().IntVar(&maxSize, "max-size", 0, "largest supercell index (overrides enumerate.max_size)")
	return cmd
}

// ============================================================================
// sample
// ============================================================================

func buildSampleCommand() *cobra.Command {
	var (
		count int
		seed  uint64
	)

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample coverage-constrained structures into the sampled store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			sc := e.cfg.Sample
			if cmd.Flags().Changed("count") {
				sc.Count = count
			}
			if cmd.Flags().Changed("seed") {
				sc.Seed = seed
			}

			src, err := e.openStore(ctx, e.cfg.Store.Enumerated, true)
			if err != nil {
				return err
			}
			defer e.closeLogged("enumerated store", src.Close)
			dst, err := e.openStore(ctx, e.cfg.Store.Sampled, false)
			if err != nil {
				return err
			}
			defer e.closeLogged("sampled store", dst.Close)

			req := sample.Request{Count: sc.Count, MaxSites: sc.MaxSites, Seed: sc.Seed}
			for _, b := range sc.Bounds {
				req.Bounds = append(req.Bounds, sample.Bound{Species: b.Species, Min: b.Min, Max: b.Max})
			}
			res, err := sample.New(src, dst, sample.Options{Logger: e.log, Metrics: e.metrics}).Run(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sampled %d structures, wrote %d into %s\n",
				len(res.SourceIDs), len(res.WrittenIDs), dst.Path())
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of structures to sample (overrides sample.count)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "sampling seed, 0 for time based (overrides sample.seed)")
	return cmd
}

// ============================================================================
// slabs / materialize
// ============================================================================

func (e *env) materializer() *materialize.Materializer {
	mc := e.cfg.Materialize
	return materialize.New(materialize.Options{
		Freeze:      materialize.Freeze{Height: mc.FreezeHeight, Tolerance: mc.FreezeTolerance},
		Magmoms:     mc.Magmoms,
		Concurrency: mc.Concurrency,
		Logger:      e.log,
	})
}

func buildSlabsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "slabs",
		Short: "Write one working directory per distinct bare slab",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			st, err := e.openStore(ctx, e.cfg.Store.Enumerated, true)
			if err != nil {
				return err
			}
			defer e.closeLogged("enumerated store", st.Close)

			ids, err := e.materializer().Slabs(ctx, st, e.cfg.Materialize.SlabDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d slab directories under %s: %v\n", len(ids), e.cfg.Materialize.SlabDir, ids)
			return nil
		},
	}
}

func buildMaterializeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "materialize",
		Short: "Constrain sampled structures and write their working directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			st, err := e.openStore(ctx, e.cfg.Store.Sampled, true)
			if err != nil {
				return err
			}
			defer e.closeLogged("sampled store", st.Close)

			recs, err := st.Select(ctx, "")
			if err != nil {
				return err
			}
			var sourceIDs []int64
			for _, rec := range recs {
				if rec.OriginalID != nil && !rec.Status.Incomplete() {
					sourceIDs = append(sourceIDs, *rec.OriginalID)
				}
			}

			dest := e.cfg.Materialize.SampledDir
			if err := e.materializer().Sampled(ctx, st, sourceIDs, dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d working directories under %s\n", len(sourceIDs), dest)
			return nil
		},
	}
}
