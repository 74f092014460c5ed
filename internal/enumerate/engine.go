// ============================================================================
// Enumeration Engine
// ============================================================================
//
// Package: internal/enumerate
// File: engine.go
// Purpose: template + adsorbate definitions -> every distinct periodic
//          arrangement up to a supercell size, persisted with coverage
//
// Flow:
//   1. validate tags                (precondition errors, nothing written)
//   2. check placeholder capacity   (TooManyAdsorbatesError)
//   3. build lattice: non-binding adsorbate sites dropped, eligible sites
//      become markers with pool {vacant, placeholder_1..k}
//   4. enumerate labelings          (Enumerator, sizes 1..max)
//   5. substitute placeholders by adsorbate geometries, retag, coverage,
//      frozen indices
//   6. store.Insert with coverage keys and top_layer_atom_index
//
// ============================================================================

package enumerate

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ChuLiYu/adsorbflow/internal/metrics"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/internal/structure"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
	"github.com/rs/zerolog"
)

// KeyTopLayerIndex is the metadata key of the top-layer reference site.
const KeyTopLayerIndex = "top_layer_atom_index"

// Placeholder symbols
var (
	DefaultPlaceholders = []string{"He", "Ne", "Ar", "Kr", "Xe", "Rn"}
	Vacant              = "X"
)

// heightDecimals is the precision at which surface heights are compared.
const heightDecimals = 4

// Adsorbate is one adsorbate definition: its geometry and the index of the
// site that binds to the surface.
type Adsorbate struct {
	Structure *types.Structure
	Binding   int
}

// Formula returns the Hill formula of the adsorbate.
func (a Adsorbate) Formula() string { return structure.StructureFormula(a.Structure) }

// Key is the metadata key under which the adsorbate's coverage is stored.
func (a Adsorbate) Key() string { return strings.ToLower(a.Formula()) }

// Request is the input of one enumeration run.
type Request struct {
	Template   *types.Structure
	Adsorbates []Adsorbate
	// Eligible are template site indices that may host an adsorbate.
	Eligible []int
	// MaxSize is the largest supercell index, inclusive.
	MaxSize int
}

// Summary reports what a run wrote.
type Summary struct {
	Records int
	IDs     []int64
	PerSize map[int]int
}

// Options configures an Engine.
type Options struct {
	Enumerator   Enumerator
	Placeholders []string
	Logger       zerolog.Logger
	Metrics      *metrics.Collector
}

// Engine writes enumerated structures into a Store.
type Engine struct {
	st           store.Store
	enum         Enumerator
	placeholders []string
	log          zerolog.Logger
	metrics      *metrics.Collector
}

// NewEngine returns an Engine writing into st.
func NewEngine(st store.Store, opts Options) *Engine {
	if opts.Enumerator == nil {
		opts.Enumerator = OrbitEnumerator{}
	}
	if len(opts.Placeholders) == 0 {
		opts.Placeholders = DefaultPlaceholders
	}
	return &Engine{
		st:           st,
		enum:         opts.Enumerator,
		placeholders: opts.Placeholders,
		log:          opts.Logger.With().Str("component", "enumerate").Logger(),
		metrics:      opts.Metrics,
	}
}

// plan is the validated, precomputed form of a Request.
type plan struct {
	lattice    Lattice
	eligible   map[int]bool // lattice site -> marker
	byHolder   map[string]int
	adsorbates []Adsorbate
	keys       []string

	surfaceZ map[float64]bool
	frozenZ  map[float64]bool
	refSite  int // lattice index of the top-layer reference
	refZ     float64
}

// Validate checks the tag and capacity preconditions of req.
func (e *Engine) Validate(req Request) error {
	_, err := e.prepare(req)
	return err
}

// Run enumerates req and writes every resulting structure.
func (e *Engine) Run(ctx context.Context, req Request) (Summary, error) {
	p, err := e.prepare(req)
	if err != nil {
		return Summary{}, err
	}
	if len(p.frozenZ) == 0 {
		e.log.Warn().Msg("template has no frozen sites; no constraints will be written")
	}

	sizes := make([]int, 0, req.MaxSize)
	for n := 1; n <= req.MaxSize; n++ {
		sizes = append(sizes, n)
	}

	sum := Summary{PerSize: make(map[int]int)}
	err = e.enum.Enumerate(ctx, p.lattice, sizes, func(sc Supercell) error {
		rec := e.substitute(p, sc)
		id, err := e.st.Insert(ctx, rec)
		if err != nil {
			return fmt.Errorf("write structure: %w", err)
		}
		sum.Records++
		sum.IDs = append(sum.IDs, id)
		sum.PerSize[sc.HNF.Index()]++
		e.metrics.RecordEnumerated(1)
		return nil
	})
	if err != nil {
		return sum, err
	}

	e.log.Info().Int("records", sum.Records).Int("max_size", req.MaxSize).Msg("structures generated and stored")
	return sum, nil
}

func (e *Engine) prepare(req Request) (*plan, error) {
	tpl := req.Template
	if tpl == nil || len(tpl.Sites) == 0 {
		return nil, invalidf("empty template")
	}
	if err := checkTags(tpl); err != nil {
		return nil, err
	}
	if len(req.Adsorbates) > len(e.placeholders) {
		return nil, TooManyAdsorbatesError{Count: len(req.Adsorbates), Capacity: len(e.placeholders)}
	}
	if req.MaxSize < 1 {
		return nil, invalidf("max cell size %d < 1", req.MaxSize)
	}
	for i, a := range req.Adsorbates {
		if a.Structure == nil || len(a.Structure.Sites) == 0 {
			return nil, invalidf("adsorbate %d is empty", i)
		}
		if a.Binding < 0 || a.Binding >= len(a.Structure.Sites) {
			return nil, invalidf("adsorbate %d binding index %d out of range", i, a.Binding)
		}
	}
	eligible := make(map[int]bool, len(req.Eligible))
	for _, i := range req.Eligible {
		if i < 0 || i >= len(tpl.Sites) {
			return nil, invalidf("eligible site %d out of range", i)
		}
		if tpl.Sites[i].Tag != types.Adsorbate {
			return nil, invalidf("eligible site %d is tagged %s", i, tpl.Sites[i].Tag)
		}
		eligible[i] = true
	}

	p := &plan{
		eligible:   make(map[int]bool),
		byHolder:   make(map[string]int),
		adsorbates: req.Adsorbates,
		surfaceZ:   make(map[float64]bool),
		frozenZ:    make(map[float64]bool),
	}
	for i, a := range req.Adsorbates {
		p.byHolder[e.placeholders[i]] = i
		p.keys = append(p.keys, a.Key())
	}

	for _, s := range tpl.Sites {
		if s.Tag == types.Surface {
			p.surfaceZ[structure.Round(s.Position[2], heightDecimals)] = true
		}
	}
	for _, i := range tpl.Frozen {
		if i >= 0 && i < len(tpl.Sites) {
			p.frozenZ[structure.Round(tpl.Sites[i].Position[2], 2)] = true
		}
	}

	ref, err := referenceSite(tpl)
	if err != nil {
		return nil, err
	}
	p.refZ = tpl.Sites[ref].Position[2]

	pool := append([]string{Vacant}, e.placeholders[:len(req.Adsorbates)]...)
	lat := Lattice{Cell: tpl.Cell}
	for i, s := range tpl.Sites {
		if s.Tag == types.Adsorbate && !eligible[i] {
			continue
		}
		if i == ref {
			p.refSite = len(lat.Sites)
		}
		if eligible[i] {
			p.eligible[len(lat.Sites)] = true
			lat.Pools = append(lat.Pools, pool)
		} else {
			lat.Pools = append(lat.Pools, []string{s.Symbol})
		}
		lat.Sites = append(lat.Sites, s)
	}
	p.lattice = lat
	return p, nil
}

// checkTags enforces that bulk, surface and adsorbate tags are all present
// and nothing else is.
func checkTags(tpl *types.Structure) error {
	var has [3]bool
	bad := -1
	for i, s := range tpl.Sites {
		if !s.Tag.Valid() {
			if bad < 0 {
				bad = i
			}
			continue
		}
		has[s.Tag] = true
	}
	switch {
	case !has[types.Adsorbate]:
		return AdsorbatesNotTaggedError{}
	case !has[types.Surface]:
		return SurfaceNotTaggedError{}
	case !has[types.Bulk]:
		return BulkTagError{}
	case bad >= 0:
		return TagValueError{Index: bad, Tag: tpl.Sites[bad].Tag}
	}
	return nil
}

// referenceSite returns the top-layer reference: the template's stored
// top_layer_atom_index, else the first non-adsorbate site of maximum height.
func referenceSite(tpl *types.Structure) (int, error) {
	if v, ok := tpl.KeyValues[KeyTopLayerIndex]; ok {
		i := int(v)
		if float64(i) != v || i < 0 || i >= len(tpl.Sites) || tpl.Sites[i].Tag == types.Adsorbate {
			return 0, invalidf("%s=%v is not a slab site", KeyTopLayerIndex, v)
		}
		return i, nil
	}
	ref, maxZ := -1, math.Inf(-1)
	for i, s := range tpl.Sites {
		if s.Tag != types.Adsorbate && s.Position[2] > maxZ {
			ref, maxZ = i, s.Position[2]
		}
	}
	return ref, nil
}

// substitute turns one labeling into a stored structure.
func (e *Engine) substitute(p *plan, sc Supercell) *types.Structure {
	in := sc.Structure
	out := &types.Structure{Cell: in.Cell, KeyValues: make(map[string]float64, len(p.keys)+1)}

	// the reference copy of the primitive cell at the origin is always site p.refSite
	zRef := in.Sites[p.refSite].Position[2]

	counts := make(map[string]int, len(p.keys))
	var ads []types.Site
	top := 0
	refOut := -1
	for i, site := range in.Sites {
		if p.eligible[sc.Basis[i]] {
			idx, ok := p.byHolder[site.Symbol]
			if !ok {
				continue // vacant
			}
			a := p.adsorbates[idx]
			height := site.Position[2] - p.refZ
			anchor := types.Vec3{site.Position[0], site.Position[1], zRef + height}
			ads = append(ads, place(a, anchor)...)
			counts[p.keys[idx]]++
			continue
		}
		if p.surfaceZ[structure.Round(site.Position[2], heightDecimals)] {
			site.Tag = types.Surface
			top++
		} else {
			site.Tag = types.Bulk
		}
		if i == p.refSite {
			refOut = len(out.Sites)
		}
		out.Sites = append(out.Sites, site)
	}
	out.Sites = append(out.Sites, ads...)

	for _, k := range p.keys {
		if top == 0 {
			out.KeyValues[k] = 0
			continue
		}
		out.KeyValues[k] = structure.Round(float64(counts[k])/float64(top), 3)
	}
	if top == 0 {
		e.log.Warn().Str("cell", sc.HNF.String()).Msg("no top-layer sites; coverage set to 0")
	}
	out.KeyValues[KeyTopLayerIndex] = float64(refOut)

	if len(p.frozenZ) > 0 {
		var frozen []int
		for i, s := range out.Sites {
			if p.frozenZ[structure.Round(s.Position[2], 2)] {
				frozen = append(frozen, i)
			}
		}
		out.SetFrozen(frozen)
	}
	return out
}

// place positions adsorbate a with its binding site at anchor.
func place(a Adsorbate, anchor types.Vec3) []types.Site {
	formula := a.Formula()
	origin := a.Structure.Sites[a.Binding].Position
	sites := make([]types.Site, len(a.Structure.Sites))
	for i, s := range a.Structure.Sites {
		s.Position = anchor.Add(s.Position.Sub(origin))
		s.Tag = types.Adsorbate
		s.Adsorbate = formula
		s.Binding = i == a.Binding
		sites[i] = s
	}
	return sites
}

// Coverage recomputes the per-species coverage of an enumerated structure
// from its sites: binding sites of each adsorbate over surface sites.
func Coverage(s *types.Structure) map[string]float64 {
	top := 0
	counts := make(map[string]int)
	for _, site := range s.Sites {
		switch {
		case site.Tag == types.Surface:
			top++
		case site.Tag == types.Adsorbate && site.Binding:
			counts[strings.ToLower(site.Adsorbate)]++
		}
	}
	out := make(map[string]float64, len(counts))
	for k, n := range counts {
		if top == 0 {
			out[k] = 0
			continue
		}
		out[k] = structure.Round(float64(n)/float64(top), 3)
	}
	return out
}
