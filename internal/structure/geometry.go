// Package structure holds geometry and composition helpers for types.Structure.
package structure

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// ErrSingularCell is returned when the cell vectors are linearly dependent.
var ErrSingularCell = errors.New("structure: singular cell")

// Round rounds x to n decimal digits, half away from zero.
func Round(x float64, n int) float64 {
	p := math.Pow(10, float64(n))
	return math.Round(x*p) / p
}

// Formula returns the Hill-ordered chemical formula of the given symbols:
// carbon first, then hydrogen, then the rest alphabetically. Without carbon
// every element is alphabetical.
func Formula(symbols []string) string {
	counts := make(map[string]int)
	for _, s := range symbols {
		counts[s]++
	}
	if len(counts) == 0 {
		return ""
	}
	var order []string
	if _, ok := counts["C"]; ok {
		order = append(order, "C")
		if _, ok := counts["H"]; ok {
			order = append(order, "H")
		}
	}
	var rest []string
	for s := range counts {
		if len(order) > 0 && (s == "C" || s == "H") {
			continue
		}
		rest = append(rest, s)
	}
	sort.Strings(rest)
	order = append(order, rest...)

	var b strings.Builder
	for _, s := range order {
		b.WriteString(s)
		if n := counts[s]; n > 1 {
			fmt.Fprintf(&b, "%d", n)
		}
	}
	return b.String()
}

// StructureFormula returns the formula of every site of s.
func StructureFormula(s *types.Structure) string {
	symbols := make([]string, len(s.Sites))
	for i, site := range s.Sites {
		symbols[i] = site.Symbol
	}
	return Formula(symbols)
}

// Fractional converts a cartesian position into fractional coordinates of cell.
func Fractional(cell types.Cell, p types.Vec3) (types.Vec3, error) {
	inv, err := invert(cell.Vectors)
	if err != nil {
		return types.Vec3{}, err
	}
	// p = f0*a + f1*b + f2*c  =>  f = p * M^-1 with row vectors
	var f types.Vec3
	for j := 0; j < 3; j++ {
		f[j] = p[0]*inv[0][j] + p[1]*inv[1][j] + p[2]*inv[2][j]
	}
	return f, nil
}

// Cartesian converts fractional coordinates into a cartesian position.
func Cartesian(cell types.Cell, f types.Vec3) types.Vec3 {
	v := cell.Vectors
	return v[0].Scale(f[0]).Add(v[1].Scale(f[1])).Add(v[2].Scale(f[2]))
}

func invert(m [3]types.Vec3) ([3]types.Vec3, error) {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if math.Abs(det) < 1e-12 {
		return [3]types.Vec3{}, ErrSingularCell
	}
	var inv [3]types.Vec3
	inv[0][0] = (m[1][1]*m[2][2] - m[1][2]*m[2][1]) / det
	inv[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) / det
	inv[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) / det
	inv[1][0] = (m[1][2]*m[2][0] - m[1][0]*m[2][2]) / det
	inv[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) / det
	inv[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) / det
	inv[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) / det
	inv[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) / det
	inv[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) / det
	return inv, nil
}

// CellParams returns the cell lengths (a, b, c) and angles (alpha, beta, gamma) in degrees.
func CellParams(cell types.Cell) [6]float64 {
	v := cell.Vectors
	norm := func(x types.Vec3) float64 { return math.Sqrt(x.Dot(x)) }
	angle := func(x, y types.Vec3) float64 {
		nx, ny := norm(x), norm(y)
		if nx == 0 || ny == 0 {
			return 90
		}
		c := x.Dot(y) / (nx * ny)
		c = math.Max(-1, math.Min(1, c))
		return math.Acos(c) * 180 / math.Pi
	}
	return [6]float64{
		norm(v[0]), norm(v[1]), norm(v[2]),
		angle(v[1], v[2]), angle(v[0], v[2]), angle(v[0], v[1]),
	}
}

// CellSignature is a stable string key of the cell parameters at 6 decimals.
func CellSignature(cell types.Cell) string {
	p := CellParams(cell)
	parts := make([]string, len(p))
	for i, x := range p {
		parts[i] = fmt.Sprintf("%.6f", Round(x, 6)+0) // +0 folds -0 into 0
	}
	return strings.Join(parts, ",")
}

// MaxForce returns the largest force norm over unconstrained sites.
func MaxForce(s *types.Structure, forces []types.Vec3) float64 {
	frozen := make(map[int]bool, len(s.Frozen))
	for _, f := range s.Frozen {
		frozen[f] = true
	}
	var max float64
	for i, f := range forces {
		if frozen[i] {
			continue
		}
		if n := math.Sqrt(f.Dot(f)); n > max {
			max = n
		}
	}
	return max
}

// FreezeBelow returns the indices of sites at or below height z within tol.
func FreezeBelow(s *types.Structure, z, tol float64) []int {
	var idx []int
	for i, site := range s.Sites {
		if math.Abs(site.Position[2]-z) < tol || site.Position[2] < z {
			idx = append(idx, i)
		}
	}
	return idx
}

// StripAdsorbates removes every adsorbate-tagged site in place.
func StripAdsorbates(s *types.Structure) {
	var drop []int
	for i, site := range s.Sites {
		if site.Tag == types.Adsorbate {
			drop = append(drop, i)
		}
	}
	s.DeleteSites(drop)
}

// ApplyMagmoms sets the initial magnetic moment of every site whose species is in m.
func ApplyMagmoms(s *types.Structure, m map[string]float64) {
	if len(m) == 0 {
		return
	}
	for i := range s.Sites {
		if v, ok := m[s.Sites[i].Symbol]; ok {
			s.Sites[i].Magmom = v
		}
	}
}
