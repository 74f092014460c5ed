package trajectory

// ============================================================================
// 軌跡檔核心實作
// 職責：
// 1. 追加結構快照到 JSONL 檔案（append-only）
// 2. 重新開啟時恢復序號與最後一幀, 用於 shard 恢復
// 3. 校驗每一幀的 CRC32, 截斷崩潰時寫了一半的最後一行
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// Options configures Open.
type Options struct {
	// SyncOnAppend forces an fsync after every frame.
	SyncOnAppend bool
}

// Writer is an open trajectory file.
type Writer struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64
	count        int
	last         *Frame
	syncOnAppend bool
	closed       bool
}

/*
Open 建立或開啟一個軌跡檔

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，驗證所有幀並從最後一幀的 seq 繼續
- 最後一行沒有換行符（寫入中斷）時截斷該行
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*Writer, error) {
	w := &Writer{path: path, syncOnAppend: opts.SyncOnAppend}

	good, torn, err := scan(path, func(f Frame) error {
		fr := f
		w.last = &fr
		w.seq = f.Seq
		w.count++
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if torn {
		if err := os.Truncate(path, good); err != nil {
			return nil, fmt.Errorf("trajectory: truncate torn tail: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	return w, nil
}

// Append 追加一幀
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入檔案, SyncOnAppend 時同步到磁碟
func (w *Writer) Append(sourceID int64, step int, s *types.Structure) (Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Frame{}, ErrClosed
	}

	f := Frame{
		Seq:       w.seq + 1,
		SourceID:  sourceID,
		Step:      step,
		Timestamp: time.Now().UnixMilli(),
		Structure: s.Clone(),
	}
	sum, err := CalculateChecksum(f)
	if err != nil {
		return Frame{}, fmt.Errorf("trajectory: checksum: %w", err)
	}
	f.Checksum = sum

	if err := w.encoder.Encode(f); err != nil {
		return Frame{}, fmt.Errorf("trajectory: append seq=%d: %w", f.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Frame{}, fmt.Errorf("trajectory: sync: %w", err)
		}
	}
	w.seq = f.Seq
	w.count++
	w.last = &f
	return f, nil
}

// Len returns the number of frames in the file.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Last returns the most recent frame.
func (w *Writer) Last() (Frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return Frame{}, false
	}
	f := *w.last
	f.Structure = f.Structure.Clone()
	return f, true
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// Close 關閉軌跡檔; 關閉後不可重用
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Replay 重放軌跡檔中的所有幀; 遇到錯誤立即停止
func Replay(path string, handler FrameHandler) error {
	_, _, err := scan(path, handler)
	return err
}

// Read returns every frame of the file. A missing file is an empty trajectory.
func Read(path string) ([]Frame, error) {
	var frames []Frame
	err := Replay(path, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return frames, err
}

// Length returns the number of frames of the file, 0 when it does not exist.
func Length(path string) (int, error) {
	n := 0
	err := Replay(path, func(Frame) error {
		n++
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return n, err
}

// scan decodes and verifies every complete line of path. A final line with
// no trailing newline is a torn write: it is skipped and reported with the
// offset of the last good byte.
func scan(path string, fn FrameHandler) (good int64, torn bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	line := 0
	for {
		b, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return good, len(bytes.TrimSpace(b)) > 0, nil
		}
		if err != nil {
			return good, false, err
		}
		line++
		if len(bytes.TrimSpace(b)) == 0 {
			good += int64(len(b))
			continue
		}

		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			return good, false, &CorruptionError{Line: line, Offset: good, Cause: err}
		}
		if err := VerifyChecksum(f); err != nil {
			return good, false, err
		}
		if err := fn(f); err != nil {
			return good, false, err
		}
		good += int64(len(b))
	}
}
