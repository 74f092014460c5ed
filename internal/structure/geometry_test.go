package structure

import (
	"testing"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormula(t *testing.T) {
	tests := []struct {
		symbols []string
		want    string
	}{
		{[]string{"O", "C"}, "CO"},
		{[]string{"H", "O"}, "HO"},
		{[]string{"H", "H", "C", "O", "C"}, "C2H2O"},
		{[]string{"Pt", "Pt", "O"}, "OPt2"},
		{[]string{"H"}, "H"},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Formula(tt.symbols), "%v", tt.symbols)
	}
}

func TestFractionalRoundTrip(t *testing.T) {
	cell := types.Cell{Vectors: [3]types.Vec3{{2.77, 0, 0}, {1.385, 2.399, 0}, {0, 0, 20}}}
	p := types.Vec3{1.2, 0.7, 9.1}
	f, err := Fractional(cell, p)
	require.NoError(t, err)
	back := Cartesian(cell, f)
	for i := range p {
		assert.InDelta(t, p[i], back[i], 1e-9)
	}

	_, err = Fractional(types.Cell{}, p)
	assert.ErrorIs(t, err, ErrSingularCell)
}

func TestCellSignature(t *testing.T) {
	a := types.Cell{Vectors: [3]types.Vec3{{2, 0, 0}, {0, 2, 0}, {0, 0, 20}}}
	b := types.Cell{Vectors: [3]types.Vec3{{2, 0, 0}, {0, 2.0000000001, 0}, {0, 0, 20}}}
	c := types.Cell{Vectors: [3]types.Vec3{{4, 0, 0}, {0, 2, 0}, {0, 0, 20}}}

	assert.Equal(t, CellSignature(a), CellSignature(b))
	assert.NotEqual(t, CellSignature(a), CellSignature(c))
	assert.Equal(t, "2.000000,2.000000,20.000000,90.000000,90.000000,90.000000", CellSignature(a))
}

func TestMaxForceSkipsFrozen(t *testing.T) {
	s := &types.Structure{Sites: make([]types.Site, 3), Frozen: []int{0}}
	forces := []types.Vec3{{10, 0, 0}, {0, 3, 4}, {0, 0, 1}}
	assert.InDelta(t, 5.0, MaxForce(s, forces), 1e-12)
}

func TestFreezeAndStrip(t *testing.T) {
	s := &types.Structure{Sites: []types.Site{
		{Symbol: "Pt", Position: types.Vec3{0, 0, 0}, Tag: types.Bulk},
		{Symbol: "Pt", Position: types.Vec3{0, 0, 2.05}, Tag: types.Bulk},
		{Symbol: "Pt", Position: types.Vec3{0, 0, 4}, Tag: types.Surface},
		{Symbol: "H", Position: types.Vec3{0, 0, 5}, Tag: types.Adsorbate},
	}}
	assert.Equal(t, []int{0, 1}, FreezeBelow(s, 2, 0.1))

	s.SetFrozen([]int{2, 0})
	StripAdsorbates(s)
	assert.Len(t, s.Sites, 3)
	assert.Equal(t, []int{0, 2}, s.Frozen)

	ApplyMagmoms(s, map[string]float64{"Pt": 0.6})
	for _, site := range s.Sites {
		assert.Equal(t, 0.6, site.Magmom)
	}
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.333, Round(1.0/3, 3))
	assert.Equal(t, 0.5, Round(0.4999999, 3))
	assert.Equal(t, 2.35, Round(2.3456, 2))
}
