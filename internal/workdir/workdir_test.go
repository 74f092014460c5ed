package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStructure() *types.Structure {
	return &types.Structure{
		ID: 3,
		Sites: []types.Site{
			{Symbol: "Ni", Position: types.Vec3{0, 0, 0}, Tag: types.Bulk, Magmom: 0.6},
			{Symbol: "H", Position: types.Vec3{0, 0, 1.5}, Tag: types.Adsorbate, Adsorbate: "H", Binding: true},
		},
		Cell:   types.Cell{Vectors: [3]types.Vec3{{2, 0, 0}, {0, 2, 0}, {0, 0, 15}}, PBC: [3]bool{true, true, false}},
		Frozen: []int{0},
	}
}

func TestWriteReadInit(t *testing.T) {
	root := t.TempDir()
	d := For(root, 17)
	require.NoError(t, d.WriteInit(testStructure()))

	got, err := d.ReadInit()
	require.NoError(t, err)
	assert.Equal(t, testStructure(), got)

	id, err := d.ID()
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)

	_, err = os.Stat(d.InitPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadStructure(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = ReadStructure(bad)
	assert.ErrorIs(t, err, ErrCorruptedFile)

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"schema_version": 2, "structure": {}}`), 0o644))
	_, err = ReadStructure(future)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestList(t *testing.T) {
	root := t.TempDir()
	for _, id := range []int64{10, 2, 33} {
		require.NoError(t, For(root, id).WriteInit(testStructure()))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "5"), 0o755)) // no init file

	dirs, err := List(root)
	require.NoError(t, err)
	require.Len(t, dirs, 3)
	var ids []int64
	for _, d := range dirs {
		id, err := d.ID()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{2, 10, 33}, ids)
}
