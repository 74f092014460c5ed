package trajectory

// ============================================================================
// 校驗和計算
// 職責：計算與驗證軌跡幀的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算幀的 CRC32 校驗和
//
// 校驗範圍: Seq + SourceID + Step + Structure 的 JSON 編碼.
// 不包含 Timestamp.
func CalculateChecksum(f Frame) (uint32, error) {
	body, err := json.Marshal(f.Structure)
	if err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(f.Seq, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(f.SourceID, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(f.Step)))
	h.Write([]byte{'|'})
	h.Write(body)
	return h.Sum32(), nil
}

// VerifyChecksum 驗證幀的校驗和是否正確
func VerifyChecksum(f Frame) error {
	expected, err := CalculateChecksum(f)
	if err != nil {
		return err
	}
	if f.Checksum != expected {
		return &ChecksumError{Seq: f.Seq, Expected: expected, Actual: f.Checksum}
	}
	return nil
}
