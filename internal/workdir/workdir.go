package workdir

// ============================================================================
// 職責說明：
// 1. 定義每個結構一個工作目錄的約定: <root>/<id>/{init.json, evaluator.log, relax.traj}
// 2. 結構檔使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// File names inside a working directory
const (
	InitFile       = "init.json"
	EvaluatorLog   = "evaluator.log"
	TrajectoryFile = "relax.traj"
)

const schemaVersion = 1

var (
	ErrCorruptedFile       = errors.New("workdir: structure file is corrupted")
	ErrIncompatibleVersion = errors.New("workdir: structure file schema version is incompatible")
	ErrFileNotFound        = errors.New("workdir: structure file not found")
)

// envelope is the on-disk form of a structure file.
type envelope struct {
	SchemaVer int              `json:"schema_version"`
	Structure *types.Structure `json:"structure"`
}

// Dir is one working directory.
type Dir struct {
	Path string
}

// For returns the working directory of id under root.
func For(root string, id int64) Dir {
	return Dir{Path: filepath.Join(root, strconv.FormatInt(id, 10))}
}

// InitPath 初始結構檔路徑
func (d Dir) InitPath() string { return filepath.Join(d.Path, InitFile) }

// LogPath evaluator 日誌路徑
func (d Dir) LogPath() string { return filepath.Join(d.Path, EvaluatorLog) }

// TrajectoryPath 弛豫軌跡路徑
func (d Dir) TrajectoryPath() string { return filepath.Join(d.Path, TrajectoryFile) }

// ID parses the directory name as a structure id.
func (d Dir) ID() (int64, error) {
	return strconv.ParseInt(filepath.Base(d.Path), 10, 64)
}

// WriteInit creates the directory and writes s as its initial structure.
func (d Dir) WriteInit(s *types.Structure) error {
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return fmt.Errorf("workdir: create %s: %w", d.Path, err)
	}
	return WriteStructure(d.InitPath(), s)
}

// ReadInit 讀取初始結構
func (d Dir) ReadInit() (*types.Structure, error) {
	return ReadStructure(d.InitPath())
}

// WriteStructure 原子性寫入結構檔
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func WriteStructure(path string, s *types.Structure) error {
	jsonBytes, err := json.MarshalIndent(envelope{SchemaVer: schemaVersion, Structure: s}, "", "  ")
	if err != nil {
		return fmt.Errorf("workdir: marshal structure: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("workdir: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("workdir: rename %s: %w", path, err)
	}
	return nil
}

// ReadStructure 載入結構檔並驗證版本
func ReadStructure(path string) (*types.Structure, error) {
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("workdir: read %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(jsonBytes, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedFile, err)
	}
	if env.SchemaVer != schemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, schemaVersion)
	}
	if env.Structure == nil {
		return nil, fmt.Errorf("%w: no structure", ErrCorruptedFile)
	}
	return env.Structure, nil
}

// List returns the working directories under root that hold an initial
// structure, ordered by numeric id.
func List(root string) ([]Dir, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("workdir: list %s: %w", root, err)
	}
	type item struct {
		id  int64
		dir Dir
	}
	var items []item
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		d := Dir{Path: filepath.Join(root, e.Name())}
		if _, err := os.Stat(d.InitPath()); err != nil {
			continue
		}
		items = append(items, item{id: id, dir: d})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].id < items[j].id })
	out := make([]Dir, len(items))
	for i, it := range items {
		out[i] = it.dir
	}
	return out, nil
}
