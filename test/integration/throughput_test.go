package integration

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/adsorbflow/internal/enumerate"
	"github.com/ChuLiYu/adsorbflow/internal/optimize"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

func BenchmarkEnumerate(b *testing.B) {
	req := enumerate.Request{Template: squareSlab(), Adsorbates: adsorbates(), Eligible: []int{2}, MaxSize: 4}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		st := store.NewMemStore()
		_, err := enumerate.NewEngine(st, enumerate.Options{Logger: zerolog.Nop()}).Run(context.Background(), req)
		require.NoError(b, err)
	}
}

func BenchmarkRelaxLJ(b *testing.B) {
	st := store.NewMemStore()
	_, err := enumerate.NewEngine(st, enumerate.Options{Logger: zerolog.Nop()}).Run(context.Background(), enumerate.Request{
		Template: squareSlab(), Adsorbates: adsorbates(), Eligible: []int{2}, MaxSize: 2,
	})
	require.NoError(b, err)
	recs, err := st.Select(context.Background(), "")
	require.NoError(b, err)

	opt := optimize.NewFIRE(optimize.Options{Steps: 50})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := recs[i%len(recs)].Clone()
		s.Energy, s.Forces = nil, nil
		_, err := opt.Relax(context.Background(), lj(), s, func(int, *types.Structure) error { return nil })
		require.NoError(b, err)
	}
}
