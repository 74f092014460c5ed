package trajectory

// ============================================================================
// Trajectory Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorrupted indicates a line that cannot be parsed
	ErrCorrupted = errors.New("trajectory: file is corrupted")

	// ErrChecksumMismatch indicates a frame whose content does not match its checksum
	ErrChecksumMismatch = errors.New("trajectory: checksum mismatch")

	// ErrClosed indicates the writer is closed
	ErrClosed = errors.New("trajectory: already closed")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed frame
	Expected uint32 // Expected checksum
	Actual   uint32 // Actual checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("trajectory: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError represents an unparsable line
type CorruptionError struct {
	Line   int   // 1-based line number
	Offset int64 // Byte offset in file
	Cause  error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("trajectory: corrupted line %d at offset %d: %v", e.Line, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }
