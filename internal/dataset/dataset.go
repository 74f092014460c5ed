// ============================================================================
// adsorbflow Dataset - 訓練資料集建構
// ============================================================================
//
// Package: internal/dataset
// 文件: dataset.go
// 功能: 把弛豫軌跡轉成 binding energy 訓練資料 store
//
// 流程 (每條軌跡, 以 source id 分組):
//   1. Detect 第一幀 / 最後一幀, 有異常則整條跳過
//   2. CountAdsorbates 統計吸附物數量 (以結合原子計)
//   3. 氣相參考能量 = Σ count × E_gas[formula], 為 0 或缺參考則跳過
//   4. slab 參考能量以 cell signature 對應, 缺失則跳過
//   5. 每幀寫入 E_bind = E - E_slab - E_gas, 力保持不變
//
// 參考能量:
//   slab 與氣相分子都是普通的結構記錄, 來自 store 或已弛豫的 working
//   directory (最後一幀). slab 以 CellSignature 為鍵, 分子以化學式為鍵,
//   同一鍵出現多次時取 id 最小者.
//
// ============================================================================

package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/adsorbflow/internal/metrics"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/internal/structure"
	"github.com/ChuLiYu/adsorbflow/internal/trajectory"
	"github.com/ChuLiYu/adsorbflow/internal/workdir"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// ErrNoReferences is returned when a builder has no slab or no gas reference.
var ErrNoReferences = errors.New("dataset: no reference energies")

// Skip reasons of whole trajectories. Anomalies use their Anomaly name.
const (
	SkipNoFrames       = "no_frames"
	SkipNoSlab         = "no_slab"
	SkipNoGasReference = "no_gas_reference"
)

// Metadata keys written on every dataset record.
const (
	KeyTotalEnergy = "total_energy"
	KeySlabEnergy  = "slab_energy"
	KeyGasEnergy   = "gas_energy"
	KeySourceID    = "source_id"
	KeyStep        = "step"
)

// Options configures a Builder.
type Options struct {
	Thresholds Thresholds
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

// Report summarizes one Build.
type Report struct {
	Trajectories int                 // trajectories written
	Frames       int                 // records inserted
	Skipped      map[string][]string // reason -> "path#source_id"
}

// Builder turns relaxation trajectories into binding-energy records.
type Builder struct {
	slabs map[string]float64 // cell signature -> energy
	gas   map[string]float64 // formula -> energy
	opts  Options
	log   zerolog.Logger
}

// NewBuilder indexes the slab and gas references. Records without an energy
// are ignored.
func NewBuilder(slabs, gas []*types.Structure, opts Options) (*Builder, error) {
	b := &Builder{
		slabs: make(map[string]float64),
		gas:   make(map[string]float64),
		opts:  opts,
		log:   opts.Logger.With().Str("component", "dataset").Logger(),
	}
	b.opts.Thresholds = opts.Thresholds.withDefaults()

	for _, s := range byID(slabs) {
		if s.Energy == nil {
			continue
		}
		key := structure.CellSignature(s.Cell)
		if _, ok := b.slabs[key]; !ok {
			b.slabs[key] = *s.Energy
		}
	}
	for _, s := range byID(gas) {
		if s.Energy == nil {
			continue
		}
		key := structure.StructureFormula(s)
		if _, ok := b.gas[key]; !ok {
			b.gas[key] = *s.Energy
		}
	}
	if len(b.slabs) == 0 || len(b.gas) == 0 {
		return nil, fmt.Errorf("%w: %d slab, %d gas", ErrNoReferences, len(b.slabs), len(b.gas))
	}
	b.log.Info().Int("slabs", len(b.slabs)).Int("gas", len(b.gas)).Msg("References loaded")
	return b, nil
}

// Build reads every trajectory file and inserts one record per usable frame
// into dst. A file may hold several source ids (a shard trajectory); each id
// is judged on its own frames.
func (b *Builder) Build(ctx context.Context, paths []string, dst store.Store) (Report, error) {
	rep := Report{Skipped: make(map[string][]string)}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		frames, err := trajectory.Read(path)
		if err != nil {
			return rep, fmt.Errorf("dataset: read %s: %w", path, err)
		}
		if len(frames) == 0 {
			b.skip(&rep, SkipNoFrames, path)
			continue
		}
		for _, run := range bySource(frames) {
			n, reason, err := b.add(ctx, run, dst)
			if err != nil {
				return rep, err
			}
			label := fmt.Sprintf("%s#%d", path, run[0].SourceID)
			if reason != "" {
				b.skip(&rep, reason, label)
				continue
			}
			rep.Trajectories++
			rep.Frames += n
			b.log.Debug().Str("trajectory", label).Int("frames", n).Msg("Trajectory added")
		}
	}
	b.log.Info().Int("trajectories", rep.Trajectories).Int("frames", rep.Frames).Msg("Dataset built")
	return rep, nil
}

// add writes the frames of one relaxation. A non-empty reason means the run
// was skipped.
func (b *Builder) add(ctx context.Context, run []trajectory.Frame, dst store.Store) (int, string, error) {
	first, last := run[0].Structure, run[len(run)-1].Structure
	if a := Detect(first, last, b.opts.Thresholds); a != AnomalyNone {
		return 0, string(a), nil
	}

	slabE, ok := b.slabs[structure.CellSignature(first.Cell)]
	if !ok {
		return 0, SkipNoSlab, nil
	}
	gasE := 0.0
	for formula, count := range CountAdsorbates(first) {
		e, ok := b.gas[formula]
		if !ok {
			return 0, SkipNoGasReference, nil
		}
		gasE += float64(count) * e
	}
	if gasE == 0 {
		return 0, SkipNoGasReference, nil
	}

	n := 0
	for _, f := range run {
		if f.Structure.Energy == nil {
			continue
		}
		rec := f.Structure.Clone()
		total := *rec.Energy
		bind := total - slabE - gasE
		rec.Energy = &bind
		rec.ID, rec.OriginalID = 0, nil
		rec.Status, rec.Owner = types.StatusComplete, ""
		if rec.KeyValues == nil {
			rec.KeyValues = make(map[string]float64)
		}
		rec.KeyValues[KeyTotalEnergy] = total
		rec.KeyValues[KeySlabEnergy] = slabE
		rec.KeyValues[KeyGasEnergy] = gasE
		rec.KeyValues[KeySourceID] = float64(f.SourceID)
		rec.KeyValues[KeyStep] = float64(f.Step)
		if _, err := dst.Insert(ctx, rec); err != nil {
			return n, "", fmt.Errorf("dataset: insert frame %d of source %d: %w", f.Seq, f.SourceID, err)
		}
		n++
	}
	b.opts.Metrics.RecordDatasetFrames(n)
	return n, "", nil
}

func (b *Builder) skip(rep *Report, reason, label string) {
	rep.Skipped[reason] = append(rep.Skipped[reason], label)
	b.opts.Metrics.RecordDatasetSkipped(reason)
	b.log.Warn().Str("trajectory", label).Str("reason", reason).Msg("Trajectory skipped")
}

// bySource splits frames into runs of one source id, in order of first
// appearance. Frame order within a run is kept.
func bySource(frames []trajectory.Frame) [][]trajectory.Frame {
	index := make(map[int64]int)
	var runs [][]trajectory.Frame
	for _, f := range frames {
		if f.Structure == nil {
			continue
		}
		i, ok := index[f.SourceID]
		if !ok {
			i = len(runs)
			index[f.SourceID] = i
			runs = append(runs, nil)
		}
		runs[i] = append(runs[i], f)
	}
	return runs
}

func byID(recs []*types.Structure) []*types.Structure {
	out := append([]*types.Structure(nil), recs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// 參考能量來源
// ============================================================================

// FromStore returns every record of st that carries an energy.
func FromStore(ctx context.Context, st store.Store) ([]*types.Structure, error) {
	recs, err := st.Select(ctx, "")
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Energy != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// FromDirs returns the last trajectory frame of every relaxed working
// directory. Directories without frames are skipped; the record id is the
// directory id.
func FromDirs(dirs []workdir.Dir) ([]*types.Structure, error) {
	var out []*types.Structure
	for _, d := range dirs {
		frames, err := trajectory.Read(d.TrajectoryPath())
		if err != nil {
			return nil, fmt.Errorf("dataset: read %s: %w", d.TrajectoryPath(), err)
		}
		if len(frames) == 0 || frames[len(frames)-1].Structure == nil {
			continue
		}
		s := frames[len(frames)-1].Structure.Clone()
		if id, err := d.ID(); err == nil {
			s.ID = id
		}
		out = append(out, s)
	}
	return out, nil
}

// Trajectories returns the trajectory path of every working directory.
func Trajectories(dirs []workdir.Dir) []string {
	paths := make([]string, len(dirs))
	for i, d := range dirs {
		paths[i] = d.TrajectoryPath()
	}
	return paths
}
