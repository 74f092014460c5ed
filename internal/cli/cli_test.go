package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/adsorbflow/internal/config"
	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/internal/trajectory"
	"github.com/ChuLiYu/adsorbflow/internal/workdir"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "adsorbflow", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE, "%s should set RunE", c.Name())
	}
	for _, want := range []string{
		"enumerate", "sample", "slabs", "materialize", "relax-shard",
		"relax-dirs", "verify", "status", "serve-evaluator", "make-dataset",
	} {
		assert.True(t, names[want], "missing %q command", want)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestCommandFlags(t *testing.T) {
	verify := buildVerifyCommand()
	assert.NotNil(t, verify.Flags().Lookup("restart"))
	assert.NotNil(t, verify.Flags().Lookup("query"))

	shard := buildRelaxShardCommand()
	assert.NotNil(t, shard.Flags().Lookup("start-id"))
	assert.NotNil(t, shard.Flags().Lookup("width"))
	assert.NotNil(t, shard.Flags().Lookup("output"))

	dirs := buildRelaxDirsCommand()
	assert.Equal(t, "w", dirs.Flags().Lookup("workers").Shorthand)

	ds := buildDatasetCommand()
	assert.NotNil(t, ds.Flags().Lookup("root"))
	assert.NotNil(t, ds.Flags().Lookup("output"))
}

// ============================================================================
// loadConfig
// ============================================================================

func TestLoadConfig_DefaultFallback(t *testing.T) {
	BuildCLI()
	cfg, err := loadConfig(config.DefaultPath)
	require.NoError(t, err, "a missing default config falls back to the defaults")
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfig_MissingExplicitPath(t *testing.T) {
	BuildCLI()
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: {level: warn, format: console}\n"), 0o644))

	BuildCLI()
	logLevel, logFormat = "debug", "json"
	defer func() { logLevel, logFormat = "", "" }()

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	logLevel = "loud"
	_, err = loadConfig(path)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

// ============================================================================
// 完整管線
// ============================================================================

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeProject writes a square Pt slab template with one CO marker, CO and H
// adsorbate files and a config rooted at dir.
func writeProject(t *testing.T, dir string) string {
	t.Helper()
	tpl := &types.Structure{
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
	co := &types.Structure{Sites: []types.Site{
		{Symbol: "C", Position: types.Vec3{0, 0, 0}},
		{Symbol: "O", Position: types.Vec3{0, 0, 2.4}},
	}}
	h := &types.Structure{Sites: []types.Site{{Symbol: "H"}}}
	for name, s := range map[string]*types.Structure{"template.json": tpl, "co.json": co, "h.json": h} {
		require.NoError(t, workdir.WriteStructure(filepath.Join(dir, name), s))
	}

	cfg := fmt.Sprintf(`
log: {level: error}
store:
  enumerated: %[1]s/db/enumerated.db
  sampled: %[1]s/db/sampled.db
  verified: %[1]s/db/verified.db
enumerate:
  template: %[1]s/template.json
  adsorbates:
    - {file: %[1]s/co.json, binding: 0}
    - {file: %[1]s/h.json, binding: 0}
  eligible: [2]
  max_size: 2
sample:
  bounds:
    - {species: co, min: 0, max: 1}
  count: 4
  seed: 7
materialize:
  slab_dir: %[1]s/slabs
  sampled_dir: %[1]s/sampled
  freeze_height: 0.5
relax:
  out_dir: %[1]s/relax
  steps: 5
  width: 4
  array_index_env: ADSORBFLOW_TEST_ARRAY_INDEX
lock:
  backend: file
  dir: %[1]s/locks
dataset:
  slab_dir: %[1]s/slabs
  gas_dir: %[1]s/gas
  output: %[1]s/db/training.db
worker:
  count: 2
`, dir)
	path := filepath.Join(dir, "adsorbflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestPipeline(t *testing.T) {
	dir := t.TempDir()
	cfg := writeProject(t, dir)

	out, err := run(t, "status", "-c", cfg)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`enumerated\s+\S+\s+-\s+-`), out)

	out, err = run(t, "enumerate", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Enumerated 9 structures")
	assert.Contains(t, out, "size 1: 3")
	assert.Contains(t, out, "size 2: 6")

	out, err = run(t, "sample", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Sampled 4 structures, wrote 4")

	out, err = run(t, "slabs", "-c", cfg)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`Wrote [1-9]\d* slab directories`), out)

	out, err = run(t, "materialize", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 4 working directories")
	dirs, err := workdir.List(filepath.Join(dir, "sampled"))
	require.NoError(t, err)
	require.Len(t, dirs, 4)

	out, err = run(t, "relax-dirs", "-c", cfg)
	require.NoError(t, err)
	for _, d := range dirs {
		assert.Contains(t, out, d.Path)
		n, err := trajectory.Length(d.TrajectoryPath())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
		assert.FileExists(t, d.LogPath())
	}

	out, err = run(t, "verify", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 4 structures, skipped 0")
	out, err = run(t, "verify", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 0 structures, skipped 4", "second run finds everything computed")

	t.Setenv("ADSORBFLOW_TEST_ARRAY_INDEX", "0")
	relaxed := filepath.Join(dir, "db", "relaxed.db")
	out, err = run(t, "relax-shard", "-c", cfg, "--output", relaxed)
	require.NoError(t, err)
	assert.Contains(t, out, "Shard [1, 5): relaxed 4 from id 1")
	n, err := trajectory.Length(filepath.Join(dir, "relax", "shard_1_5.traj"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rst, err := store.OpenSQLite(context.Background(), relaxed, store.Options{MustExist: true})
	require.NoError(t, err)
	defer rst.Close()
	for id := int64(1); id <= 4; id++ {
		rec, err := rst.GetByOriginalID(context.Background(), id)
		require.NoError(t, err, "shard output for source %d", id)
		assert.Equal(t, types.StatusComplete, rec.Status)
		assert.True(t, rec.HasResults())
	}

	// 參考能量: 弛豫 slab 與氣相分子
	_, err = run(t, "relax-dirs", "-c", cfg, "--root", filepath.Join(dir, "slabs"))
	require.NoError(t, err)
	gasCO := workdir.For(filepath.Join(dir, "gas"), 1)
	require.NoError(t, gasCO.WriteInit(&types.Structure{
		Cell: types.Cell{Vectors: [3]types.Vec3{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}}},
		Sites: []types.Site{
			{Symbol: "C", Position: types.Vec3{5, 5, 5}},
			{Symbol: "O", Position: types.Vec3{5, 5, 7.4}},
		},
	}))
	_, err = run(t, "relax-dirs", "-c", cfg, "--root", filepath.Join(dir, "gas"))
	require.NoError(t, err)

	out, err = run(t, "make-dataset", "-c", cfg)
	require.NoError(t, err)
	m := regexp.MustCompile(`Wrote (\d+) frames from (\d+) trajectories`).FindStringSubmatch(out)
	require.NotNil(t, m, out)
	tst, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "db", "training.db"), store.Options{MustExist: true})
	require.NoError(t, err)
	defer tst.Close()
	count, err := tst.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m[1], fmt.Sprint(count))

	out, err = run(t, "status", "-c", cfg)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`enumerated\s+\S+\s+9\s+0`), out)
	assert.Regexp(t, regexp.MustCompile(`sampled\s+\S+\s+4\s+0`), out)
	assert.Regexp(t, regexp.MustCompile(`verified\s+\S+\s+4\s+0`), out)
	assert.Regexp(t, regexp.MustCompile(`Shard trajectories:\s+1`), out)
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := writeProject(t, dir)

	_, err := run(t, "sample", "-c", cfg)
	assert.Error(t, err, "sampling requires the enumerated store")

	_, err = run(t, "verify", "--restart", "-c", cfg)
	assert.Error(t, err)

	t.Setenv("ADSORBFLOW_TEST_ARRAY_INDEX", "")
	_, err = run(t, "relax-shard", "-c", cfg)
	assert.ErrorContains(t, err, "ADSORBFLOW_TEST_ARRAY_INDEX is unset")

	_, err = run(t, "enumerate", "-c", cfg, "--template", filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, workdir.ErrFileNotFound)

	_, err = run(t, "status", "-c", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

// ============================================================================
// serve-evaluator
// ============================================================================

func TestServeEvaluator(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	e := &env{cfg: config.Default(), log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveEvaluator(ctx, e, lis) }()

	remote, conn, err := evaluator.Dial(lis.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	s := &types.Structure{
		Sites: []types.Site{
			{Symbol: "Ar", Position: types.Vec3{0, 0, 0}},
			{Symbol: "Ar", Position: types.Vec3{3, 0, 0}},
		},
		Cell: types.Cell{Vectors: [3]types.Vec3{{20, 0, 0}, {0, 20, 0}, {0, 0, 20}}},
	}
	got, err := remote.Evaluate(context.Background(), s)
	require.NoError(t, err)
	want, err := e.lennardJones().Evaluate(context.Background(), s)
	require.NoError(t, err)
	assert.InDelta(t, want.Energy, got.Energy, 1e-12)
	require.Len(t, got.Forces, 2)
	assert.InDelta(t, want.Forces[0][0], got.Forces[0][0], 1e-12)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
