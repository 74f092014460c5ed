package integration

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/adsorbflow/internal/enumerate"
	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/sample"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// squareSlab is a two-layer square Pt slab with one adsorbate marker on top.
func squareSlab() *types.Structure {
	return &types.Structure{
		Cell: types.Cell{
			Vectors: [3]types.Vec3{{2.6, 0, 0}, {0, 2.6, 0}, {0, 0, 20}},
			PBC:     [3]bool{true, true, false},
		},
		Sites: []types.Site{
			{Symbol: "Pt", Position: types.Vec3{0, 0, 0}, Tag: types.Bulk},
			{Symbol: "Pt", Position: types.Vec3{0, 0, 2.3}, Tag: types.Surface},
			{Symbol: "C", Position: types.Vec3{0, 0, 4.6}, Tag: types.Adsorbate},
		},
		Frozen: []int{0},
	}
}

func adsorbates() []enumerate.Adsorbate {
	return []enumerate.Adsorbate{
		{Structure: &types.Structure{Sites: []types.Site{
			{Symbol: "C", Position: types.Vec3{0, 0, 0}},
			{Symbol: "O", Position: types.Vec3{0, 0, 2.4}},
		}}},
		{Structure: &types.Structure{Sites: []types.Site{{Symbol: "H"}}}},
	}
}

// sampledStore enumerates the square slab up to maxSize into a SQLite file
// and samples count records into a second one.
func sampledStore(t *testing.T, dir string, maxSize, count int) *store.SQLiteStore {
	t.Helper()
	ctx := context.Background()

	enumerated, err := store.OpenSQLite(ctx, filepath.Join(dir, "enumerated.db"), store.Options{})
	require.NoError(t, err)
	defer enumerated.Close()
	_, err = enumerate.NewEngine(enumerated, enumerate.Options{Logger: zerolog.Nop()}).Run(ctx, enumerate.Request{
		Template:   squareSlab(),
		Adsorbates: adsorbates(),
		Eligible:   []int{2},
		MaxSize:    maxSize,
	})
	require.NoError(t, err)

	sampled, err := store.OpenSQLite(ctx, filepath.Join(dir, "sampled.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { sampled.Close() })
	_, err = sample.New(enumerated, sampled, sample.Options{Logger: zerolog.Nop()}).Run(ctx, sample.Request{
		Bounds: []sample.Bound{{Species: "co", Min: 0, Max: 1}},
		Count:  count,
		Seed:   11,
	})
	require.NoError(t, err)
	return sampled
}

// startEvaluator serves eval over an in-memory gRPC listener and returns a
// client connection factory.
func startEvaluator(t *testing.T, eval evaluator.Evaluator) func() *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	evaluator.RegisterServer(srv, eval)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return func() *grpc.ClientConn {
		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
}
