package enumerate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/adsorbflow/internal/structure"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// Lattice is a primitive periodic cell to expand in-plane, with one species
// pool per site. A pool of length one is a fixed site.
type Lattice struct {
	Cell  types.Cell
	Sites []types.Site
	Pools [][]string
}

// HNF is the in-plane supercell with vectors A1 = A*a1 and A2 = B*a1 + C*a2,
// 0 <= B < A. Every sublattice of index A*C has exactly one such form.
type HNF struct {
	A, B, C int
}

// Index returns the number of primitive cells in the supercell.
func (h HNF) Index() int { return h.A * h.C }

func (h HNF) String() string { return fmt.Sprintf("[%d 0; %d %d]", h.A, h.B, h.C) }

// contains reports whether the integer vector (x, y) is a supercell translation.
func (h HNF) contains(x, y int) bool {
	if mod(y, h.C) != 0 {
		return false
	}
	return mod(x-(y/h.C)*h.B, h.A) == 0
}

// reduce maps (x, y) onto its coset representative 0 <= x < A, 0 <= y < C.
func (h HNF) reduce(x, y int) (int, int) {
	k := floorDiv(y, h.C)
	y -= k * h.C
	x -= k * h.B
	return mod(x, h.A), y
}

// hnfs lists the supercells of index n.
func hnfs(n int) []HNF {
	var out []HNF
	for a := 1; a <= n; a++ {
		if n%a != 0 {
			continue
		}
		c := n / a
		for b := 0; b < a; b++ {
			out = append(out, HNF{A: a, B: b, C: c})
		}
	}
	return out
}

// Supercell is one symmetry-distinct labeling produced by an Enumerator.
type Supercell struct {
	HNF       HNF
	Structure *types.Structure
	// Basis is the lattice site each output site was copied from.
	Basis []int
}

// Enumerator yields every symmetry-distinct labeling of a lattice for each
// supercell index in sizes. The sequence is finite and not restartable; it
// stops at the first error returned by yield.
type Enumerator interface {
	Enumerate(ctx context.Context, lat Lattice, sizes []int, yield func(Supercell) error) error
}

// OrbitEnumerator enumerates labelings by keeping the lexicographically
// smallest member of each orbit under supercell translations and the
// in-plane point group of the lattice. Labelings fixed by a non-trivial
// translation are dropped since they belong to a smaller supercell.
type OrbitEnumerator struct {
	// Tol is the matching tolerance for fractional coordinates and heights.
	Tol float64
}

// symOp is an in-plane point-group operation: f' = R f, sending lattice
// site s onto perm[s] shifted by the integer vector shift[s].
type symOp struct {
	R     [2][2]int
	perm  []int
	shift [][2]int
}

func (op symOp) apply(x, y int) (int, int) {
	return op.R[0][0]*x + op.R[0][1]*y, op.R[1][0]*x + op.R[1][1]*y
}

func (op symOp) identity() bool {
	return op.R == [2][2]int{{1, 0}, {0, 1}}
}

// Enumerate implements Enumerator.
func (e OrbitEnumerator) Enumerate(ctx context.Context, lat Lattice, sizes []int, yield func(Supercell) error) error {
	if len(lat.Pools) != len(lat.Sites) {
		return fmt.Errorf("enumerate: %d pools for %d sites", len(lat.Pools), len(lat.Sites))
	}
	for i, p := range lat.Pools {
		if len(p) == 0 {
			return fmt.Errorf("enumerate: empty species pool at site %d", i)
		}
	}
	ops, err := e.pointGroup(lat)
	if err != nil {
		return err
	}

	for _, n := range sizes {
		if n < 1 {
			return fmt.Errorf("enumerate: invalid supercell index %d", n)
		}
		for _, h := range distinctHNFs(n, ops) {
			if err := e.enumerateHNF(ctx, lat, h, ops, yield); err != nil {
				return err
			}
		}
	}
	return nil
}

// distinctHNFs returns one supercell per point-group orbit of index n.
func distinctHNFs(n int, ops []symOp) []HNF {
	all := hnfs(n)
	seen := make([]bool, len(all))
	var reps []HNF
	for i, h := range all {
		if seen[i] {
			continue
		}
		reps = append(reps, h)
		for _, op := range ops {
			for j, g := range all {
				if !seen[j] && mapsOnto(op, h, g) {
					seen[j] = true
				}
			}
		}
	}
	return reps
}

// mapsOnto reports whether op sends the supercell lattice of h onto that of g.
// Both have the same index and det R = ±1, so inclusion is equality.
func mapsOnto(op symOp, h, g HNF) bool {
	x1, y1 := op.apply(h.A, 0)
	x2, y2 := op.apply(h.B, h.C)
	return g.contains(x1, y1) && g.contains(x2, y2)
}

func (e OrbitEnumerator) tol() float64 {
	if e.Tol > 0 {
		return e.Tol
	}
	return 1e-3
}

// pointGroup finds the integer in-plane operations that preserve the
// metric of (a1, a2) and map the site basis onto itself.
func (e OrbitEnumerator) pointGroup(lat Lattice) ([]symOp, error) {
	tol := e.tol()
	a1, a2 := lat.Cell.Vectors[0], lat.Cell.Vectors[1]
	gram := [2][2]float64{{a1.Dot(a1), a1.Dot(a2)}, {a2.Dot(a1), a2.Dot(a2)}}

	frac := make([]types.Vec3, len(lat.Sites))
	for i, s := range lat.Sites {
		f, err := structure.Fractional(lat.Cell, s.Position)
		if err != nil {
			return nil, err
		}
		frac[i] = f
	}

	var ops []symOp
	vals := []int{-1, 0, 1}
	for _, r00 := range vals {
		for _, r01 := range vals {
			for _, r10 := range vals {
				for _, r11 := range vals {
					R := [2][2]int{{r00, r01}, {r10, r11}}
					if det := r00*r11 - r01*r10; det != 1 && det != -1 {
						continue
					}
					if !preservesMetric(R, gram, tol*math.Max(1, gram[0][0])) {
						continue
					}
					if op, ok := matchBasis(R, lat, frac, tol); ok {
						ops = append(ops, op)
					}
				}
			}
		}
	}
	if len(ops) == 0 {
		return nil, errors.New("enumerate: lattice has no identity operation")
	}
	// identity first so it is always skipped cheaply
	for i, op := range ops {
		if op.identity() {
			ops[0], ops[i] = ops[i], ops[0]
			break
		}
	}
	return ops, nil
}

func preservesMetric(R [2][2]int, g [2][2]float64, tol float64) bool {
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			var v float64
			for k := 0; k < 2; k++ {
				for l := 0; l < 2; l++ {
					v += float64(R[k][i]) * g[k][l] * float64(R[l][j])
				}
			}
			if math.Abs(v-g[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func matchBasis(R [2][2]int, lat Lattice, frac []types.Vec3, tol float64) (symOp, bool) {
	op := symOp{R: R, perm: make([]int, len(frac)), shift: make([][2]int, len(frac))}
	for s, f := range frac {
		gx := float64(R[0][0])*f[0] + float64(R[0][1])*f[1]
		gy := float64(R[1][0])*f[0] + float64(R[1][1])*f[1]
		found := false
		for t, g := range frac {
			if !samePool(lat.Pools[s], lat.Pools[t]) {
				continue
			}
			if math.Abs(lat.Sites[s].Position[2]-lat.Sites[t].Position[2]) > tol {
				continue
			}
			dx, dy := gx-g[0], gy-g[1]
			if math.Abs(dx-math.Round(dx)) > tol || math.Abs(dy-math.Round(dy)) > tol {
				continue
			}
			op.perm[s] = t
			op.shift[s] = [2]int{int(math.Round(dx)), int(math.Round(dy))}
			found = true
			break
		}
		if !found {
			return symOp{}, false
		}
	}
	return op, true
}

func samePool(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// element is one group element expressed as a permutation of the varying sites.
type element struct {
	perm        []int
	translation bool // pure non-trivial translation
}

func (e OrbitEnumerator) enumerateHNF(ctx context.Context, lat Lattice, h HNF, ops []symOp, yield func(Supercell) error) error {
	n := h.Index()

	var varying []int
	slot := make([]int, len(lat.Sites))
	for s, p := range lat.Pools {
		slot[s] = -1
		if len(p) > 1 {
			slot[s] = len(varying)
			varying = append(varying, s)
		}
	}
	nv := n * len(varying)

	// stabilizer of h combined with every supercell translation
	var group []element
	for _, op := range ops {
		if !mapsOnto(op, h, h) {
			continue
		}
		for ty := 0; ty < h.C; ty++ {
			for tx := 0; tx < h.A; tx++ {
				if op.identity() && tx == 0 && ty == 0 {
					continue
				}
				perm := make([]int, nv)
				for r := 0; r < n; r++ {
					x, y := r%h.A, r/h.A
					for q, s := range varying {
						px, py := op.apply(x, y)
						px += op.shift[s][0] + tx
						py += op.shift[s][1] + ty
						px, py = h.reduce(px, py)
						perm[r*len(varying)+q] = (py*h.A+px)*len(varying) + slot[op.perm[s]]
					}
				}
				group = append(group, element{perm: perm, translation: op.identity()})
			}
		}
	}

	radix := make([]int, nv)
	for i := range radix {
		radix[i] = len(lat.Pools[varying[i%len(varying)]])
	}
	label := make([]int, nv)
	image := make([]int, nv)

	for count := 0; ; count++ {
		if count%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if canonical(label, image, group) {
			if err := yield(e.build(lat, h, varying, slot, label)); err != nil {
				return err
			}
		}
		if !increment(label, radix) {
			return nil
		}
	}
}

// canonical reports whether label is the smallest member of its orbit and
// is not fixed by a non-trivial translation.
func canonical(label, image []int, group []element) bool {
	for _, g := range group {
		for i, v := range label {
			image[g.perm[i]] = v
		}
		c := compareLabels(image, label)
		if c < 0 {
			return false
		}
		if c == 0 && g.translation {
			return false
		}
	}
	return true
}

func compareLabels(a, b []int) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// increment advances a mixed-radix counter, last digit fastest.
func increment(label, radix []int) bool {
	for i := len(label) - 1; i >= 0; i-- {
		label[i]++
		if label[i] < radix[i] {
			return true
		}
		label[i] = 0
	}
	return false
}

func (e OrbitEnumerator) build(lat Lattice, h HNF, varying, slot, label []int) Supercell {
	a1, a2 := lat.Cell.Vectors[0], lat.Cell.Vectors[1]
	cell := types.Cell{
		Vectors: [3]types.Vec3{
			a1.Scale(float64(h.A)),
			a1.Scale(float64(h.B)).Add(a2.Scale(float64(h.C))),
			lat.Cell.Vectors[2],
		},
		PBC: lat.Cell.PBC,
	}

	n := h.Index()
	out := &types.Structure{Cell: cell, Sites: make([]types.Site, 0, n*len(lat.Sites))}
	basis := make([]int, 0, n*len(lat.Sites))
	for r := 0; r < n; r++ {
		x, y := r%h.A, r/h.A
		// wrap the cell origin into the supercell parallelogram
		x -= h.A * floorDiv(x*h.C-y*h.B, h.A*h.C)
		t := a1.Scale(float64(x)).Add(a2.Scale(float64(y)))
		for s, site := range lat.Sites {
			sym := lat.Pools[s][0]
			if q := slot[s]; q >= 0 {
				sym = lat.Pools[s][label[r*len(varying)+q]]
			}
			out.Sites = append(out.Sites, types.Site{
				Symbol:   sym,
				Position: site.Position.Add(t),
				Tag:      site.Tag,
				Magmom:   site.Magmom,
			})
			basis = append(basis, s)
		}
	}
	return Supercell{HNF: h, Structure: out, Basis: basis}
}

func mod(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
