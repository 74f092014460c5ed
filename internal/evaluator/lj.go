package evaluator

import (
	"context"
	"math"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// LennardJones is a pairwise 12-6 reference evaluator with a hard cutoff,
// summed over periodic images along periodic cell directions.
type LennardJones struct {
	Epsilon float64
	Sigma   float64
	// Cutoff defaults to 2.5 * Sigma.
	Cutoff float64
}

// NewLennardJones returns an evaluator with the given well depth and size.
func NewLennardJones(epsilon, sigma float64) LennardJones {
	return LennardJones{Epsilon: epsilon, Sigma: sigma, Cutoff: 2.5 * sigma}
}

// Evaluate implements Evaluator.
func (lj LennardJones) Evaluate(ctx context.Context, s *types.Structure) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	rc := lj.Cutoff
	if rc <= 0 {
		rc = 2.5 * lj.Sigma
	}
	images := imageRange(s.Cell, rc)
	v := s.Cell.Vectors

	n := len(s.Sites)
	forces := make([]types.Vec3, n)
	var energy float64
	s2 := lj.Sigma * lj.Sigma
	rc2 := rc * rc

	for i := 0; i < n; i++ {
		pi := s.Sites[i].Position
		for j := 0; j < n; j++ {
			pj := s.Sites[j].Position
			for a := -images[0]; a <= images[0]; a++ {
				for b := -images[1]; b <= images[1]; b++ {
					for c := -images[2]; c <= images[2]; c++ {
						if i == j && a == 0 && b == 0 && c == 0 {
							continue
						}
						t := v[0].Scale(float64(a)).Add(v[1].Scale(float64(b))).Add(v[2].Scale(float64(c)))
						d := pi.Sub(pj.Add(t))
						r2 := d.Dot(d)
						if r2 >= rc2 || r2 == 0 {
							continue
						}
						sr6 := math.Pow(s2/r2, 3)
						sr12 := sr6 * sr6
						// each pair is visited from both ends
						energy += 0.5 * 4 * lj.Epsilon * (sr12 - sr6)
						f := 24 * lj.Epsilon * (2*sr12 - sr6) / r2
						forces[i] = forces[i].Add(d.Scale(f))
					}
				}
			}
		}
	}
	return Result{Energy: energy, Forces: forces}, nil
}

// imageRange returns how many cell repeats along each periodic direction
// reach within rc.
func imageRange(cell types.Cell, rc float64) [3]int {
	v := cell.Vectors
	vol := math.Abs(v[0].Dot(cross(v[1], v[2])))
	var out [3]int
	if vol == 0 {
		return out
	}
	for i := 0; i < 3; i++ {
		if !cell.PBC[i] {
			continue
		}
		area := cross(v[(i+1)%3], v[(i+2)%3])
		height := vol / math.Sqrt(area.Dot(area))
		out[i] = int(math.Ceil(rc / height))
	}
	return out
}

func cross(a, b types.Vec3) types.Vec3 {
	return types.Vec3{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
}
