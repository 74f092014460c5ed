package dataset

import (
	"math"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// ============================================================================
// 軌跡異常檢測
// 比較一條弛豫軌跡的第一幀與最後一幀:
// - 標籤不在 bulk / surface / adsorbate 之內
// - 吸附物的結合原子離開表面 (desorbed)
// - 吸附物內原子與結合原子的距離被拉開 (dissociated)
// - 表面原子大幅位移 (surface changed)
// - 吸附物原子落到表面層之下 (intercalated)
// ============================================================================

// Anomaly names why a trajectory is unusable as training data.
type Anomaly string

// Detected anomalies
const (
	AnomalyNone           Anomaly = ""
	AnomalyInvalidTag     Anomaly = "invalid_tag"
	AnomalyDesorbed       Anomaly = "desorbed"
	AnomalyDissociated    Anomaly = "dissociated"
	AnomalySurfaceChanged Anomaly = "surface_changed"
	AnomalyIntercalated   Anomaly = "intercalated"
)

// Thresholds bounds the geometric changes a trajectory may show.
type Thresholds struct {
	// DesorbHeight is how far (Å) a binding atom may rise relative to the top surface layer.
	DesorbHeight float64
	// BondStretch is the factor by which a distance to the binding atom may grow.
	BondStretch float64
	// SurfaceDisplacement is how far (Å) a surface atom may move.
	SurfaceDisplacement float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{DesorbHeight: 1.5, BondStretch: 1.5, SurfaceDisplacement: 1.0}
}

func (th Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if th.DesorbHeight <= 0 {
		th.DesorbHeight = d.DesorbHeight
	}
	if th.BondStretch <= 0 {
		th.BondStretch = d.BondStretch
	}
	if th.SurfaceDisplacement <= 0 {
		th.SurfaceDisplacement = d.SurfaceDisplacement
	}
	return th
}

// Detect compares the first and last frame of a relaxation and returns the
// first anomaly found, or AnomalyNone.
func Detect(first, last *types.Structure, th Thresholds) Anomaly {
	th = th.withDefaults()
	for _, s := range []*types.Structure{first, last} {
		for _, site := range s.Sites {
			if !site.Tag.Valid() {
				return AnomalyInvalidTag
			}
		}
	}
	// 原子數或標籤改變 -> 不是同一個體系
	if len(first.Sites) != len(last.Sites) {
		return AnomalySurfaceChanged
	}
	for i := range first.Sites {
		if first.Sites[i].Tag != last.Sites[i].Tag {
			return AnomalySurfaceChanged
		}
	}

	top0, _, ok0 := surfaceRange(first)
	top1, bottom1, ok1 := surfaceRange(last)
	hasSurface := ok0 && ok1

	for _, g := range groups(first) {
		b := g.binding
		if hasSurface {
			h0 := first.Sites[b].Position[2] - top0
			h1 := last.Sites[b].Position[2] - top1
			if h1-h0 > th.DesorbHeight {
				return AnomalyDesorbed
			}
		}
		for _, j := range g.members {
			d0 := distance(first.Sites[j].Position, first.Sites[b].Position)
			d1 := distance(last.Sites[j].Position, last.Sites[b].Position)
			if d0 > 0 && d1 > th.BondStretch*d0 {
				return AnomalyDissociated
			}
		}
	}

	for i, site := range first.Sites {
		if site.Tag != types.Surface {
			continue
		}
		if distance(site.Position, last.Sites[i].Position) > th.SurfaceDisplacement {
			return AnomalySurfaceChanged
		}
	}

	if hasSurface {
		for _, site := range last.Sites {
			if site.Tag == types.Adsorbate && site.Position[2] < bottom1 {
				return AnomalyIntercalated
			}
		}
	}
	return AnomalyNone
}

// CountAdsorbates returns the number of adsorbates per formula, counted by
// binding atoms.
func CountAdsorbates(s *types.Structure) map[string]int {
	counts := make(map[string]int)
	for _, site := range s.Sites {
		if site.Tag == types.Adsorbate && site.Binding && site.Adsorbate != "" {
			counts[site.Adsorbate]++
		}
	}
	return counts
}

// group is one placed adsorbate: its binding atom and the other atoms
// placed right after it.
type group struct {
	binding int
	members []int
}

func groups(s *types.Structure) []group {
	var out []group
	for i, site := range s.Sites {
		if site.Tag != types.Adsorbate {
			continue
		}
		if site.Binding {
			out = append(out, group{binding: i})
			continue
		}
		if n := len(out); n > 0 && s.Sites[out[n-1].binding].Adsorbate == site.Adsorbate {
			out[n-1].members = append(out[n-1].members, i)
		}
	}
	return out
}

// surfaceRange returns the highest and lowest z of the surface layer.
func surfaceRange(s *types.Structure) (top, bottom float64, ok bool) {
	top, bottom = math.Inf(-1), math.Inf(1)
	for _, site := range s.Sites {
		if site.Tag != types.Surface {
			continue
		}
		ok = true
		top = math.Max(top, site.Position[2])
		bottom = math.Min(bottom, site.Position[2])
	}
	return top, bottom, ok
}

func distance(a, b types.Vec3) float64 {
	d := a.Sub(b)
	return math.Sqrt(d.Dot(d))
}
