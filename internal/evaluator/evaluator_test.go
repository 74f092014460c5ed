package evaluator

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

func dimer(r float64) *types.Structure {
	return &types.Structure{
		Sites: []types.Site{
			{Symbol: "Ar", Position: types.Vec3{0, 0, 0}},
			{Symbol: "Ar", Position: types.Vec3{r, 0, 0}},
		},
		Cell: types.Cell{Vectors: [3]types.Vec3{{20, 0, 0}, {0, 20, 0}, {0, 0, 20}}},
	}
}

func TestLennardJonesMinimum(t *testing.T) {
	lj := NewLennardJones(0.5, 2.0)
	rmin := math.Pow(2, 1.0/6) * 2.0

	res, err := lj.Evaluate(context.Background(), dimer(rmin))
	require.NoError(t, err)
	assert.InDelta(t, -0.5, res.Energy, 1e-9)
	for _, f := range res.Forces {
		assert.InDelta(t, 0, f[0], 1e-9)
	}
}

func TestLennardJonesForcesMatchGradient(t *testing.T) {
	lj := NewLennardJones(1.0, 1.0)
	s := &types.Structure{
		Sites: []types.Site{
			{Symbol: "Ar", Position: types.Vec3{0.1, 0.2, 1.0}},
			{Symbol: "Ar", Position: types.Vec3{1.2, 0.1, 1.1}},
			{Symbol: "Ar", Position: types.Vec3{0.6, 1.1, 1.4}},
		},
		Cell: types.Cell{
			Vectors: [3]types.Vec3{{2.5, 0, 0}, {0, 2.5, 0}, {0, 0, 10}},
			PBC:     [3]bool{true, true, false},
		},
	}
	res, err := lj.Evaluate(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, res.Forces, 3)

	const h = 1e-6
	for i := range s.Sites {
		for k := 0; k < 3; k++ {
			plus, minus := s.Clone(), s.Clone()
			plus.Sites[i].Position[k] += h
			minus.Sites[i].Position[k] -= h
			ep, err := lj.Evaluate(context.Background(), plus)
			require.NoError(t, err)
			em, err := lj.Evaluate(context.Background(), minus)
			require.NoError(t, err)
			grad := (ep.Energy - em.Energy) / (2 * h)
			assert.InDelta(t, -grad, res.Forces[i][k], 1e-4, "site %d axis %d", i, k)
		}
	}
}

func TestLennardJonesPeriodicImages(t *testing.T) {
	lj := NewLennardJones(1.0, 1.0)
	s := &types.Structure{
		Sites: []types.Site{{Symbol: "Ar", Position: types.Vec3{0, 0, 0}}},
		Cell: types.Cell{
			Vectors: [3]types.Vec3{{1.5, 0, 0}, {0, 10, 0}, {0, 0, 10}},
			PBC:     [3]bool{true, false, false},
		},
	}
	res, err := lj.Evaluate(context.Background(), s)
	require.NoError(t, err)
	assert.Less(t, res.Energy, 0.0, "a single atom interacts with its own images")
	assert.InDelta(t, 0, res.Forces[0][0], 1e-9, "images are symmetric")
}

func TestLennardJonesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLennardJones(1, 1).Evaluate(ctx, dimer(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttachAndCheck(t *testing.T) {
	s := dimer(1)
	assert.ErrorIs(t, Check(s, Result{Forces: []types.Vec3{{}}}), ErrBadResult)

	r := Result{Energy: -2, Forces: []types.Vec3{{1, 0, 0}, {-1, 0, 0}}}
	require.NoError(t, Check(s, r))
	Attach(s, r)
	require.True(t, s.HasResults())
	assert.Equal(t, -2.0, *s.Energy)

	r.Forces[0][0] = 9
	assert.Equal(t, 1.0, s.Forces[0][0], "forces are copied")
}

// startServer serves eval over an in-memory listener and returns a client.
func startServer(t *testing.T, eval Evaluator) *Remote {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, eval)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewRemote(conn, 5*time.Second)
}

func TestServiceInfo(t *testing.T) {
	srv := grpc.NewServer()
	RegisterServer(srv, NewLennardJones(1, 1))

	info, ok := srv.GetServiceInfo()[ServiceName]
	require.True(t, ok)
	require.Len(t, info.Methods, 1)
	assert.Equal(t, "Evaluate", info.Methods[0].Name)
	assert.Nil(t, info.Metadata, "hand-written descriptor, no .proto source")
}

func TestRemoteRoundTrip(t *testing.T) {
	lj := NewLennardJones(1.0, 1.0)
	remote := startServer(t, lj)

	s := dimer(1.3)
	s.ID = 42
	s.Frozen = []int{0}
	s.KeyValues = map[string]float64{"co": 0.25}

	want, err := lj.Evaluate(context.Background(), s)
	require.NoError(t, err)
	got, err := remote.Evaluate(context.Background(), s)
	require.NoError(t, err)

	assert.InDelta(t, want.Energy, got.Energy, 1e-12)
	require.Len(t, got.Forces, 2)
	for i := range want.Forces {
		for k := 0; k < 3; k++ {
			assert.InDelta(t, want.Forces[i][k], got.Forces[i][k], 1e-12)
		}
	}
}

func TestRemoteServerSeesStructure(t *testing.T) {
	var seen *types.Structure
	remote := startServer(t, Func(func(_ context.Context, s *types.Structure) (Result, error) {
		seen = s
		return Result{Energy: 1, Forces: make([]types.Vec3, len(s.Sites))}, nil
	}))

	s := dimer(2)
	s.Sites[1].Tag = types.Adsorbate
	s.Sites[1].Magmom = 0.6
	_, err := remote.Evaluate(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, s.Sites, seen.Sites)
	assert.Equal(t, s.Cell, seen.Cell)
}

func TestRemoteErrors(t *testing.T) {
	boom := errors.New("scf did not converge")
	remote := startServer(t, Func(func(context.Context, *types.Structure) (Result, error) {
		return Result{}, boom
	}))
	_, err := remote.Evaluate(context.Background(), dimer(1))
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(errors.Unwrap(err)))
	assert.Contains(t, err.Error(), "scf did not converge")

	short := startServer(t, Func(func(context.Context, *types.Structure) (Result, error) {
		return Result{Energy: 1}, nil
	}))
	_, err = short.Evaluate(context.Background(), dimer(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 forces for 2 sites")
}

func TestDecodeResultRejectsMalformed(t *testing.T) {
	msg, err := encodeResult(Result{Energy: 1, Forces: []types.Vec3{{1, 2, 3}}})
	require.NoError(t, err)
	res, err := decodeResult(msg)
	require.NoError(t, err)
	assert.Equal(t, types.Vec3{1, 2, 3}, res.Forces[0])

	delete(msg.Fields, "energy")
	_, err = decodeResult(msg)
	assert.ErrorIs(t, err, ErrBadResult)
}
