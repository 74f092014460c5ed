package trajectory

import "github.com/ChuLiYu/adsorbflow/pkg/types"

// ============================================================================
// Trajectory Type Definitions
// Responsibility: on-disk frame record of a trajectory file
// ============================================================================

// Frame is one JSONL line of a trajectory file.
type Frame struct {
	Seq       uint64           `json:"seq"`       // 1-based, monotonically increasing
	SourceID  int64            `json:"source_id"` // id of the structure in its source store
	Step      int              `json:"step"`      // optimizer step that produced the frame
	Timestamp int64            `json:"timestamp"` // Unix millisecond timestamp
	Structure *types.Structure `json:"structure"`
	Checksum  uint32           `json:"checksum"` // CRC32 of seq, source id, step and structure
}

// FrameHandler processes frames during Replay.
type FrameHandler func(f Frame) error
