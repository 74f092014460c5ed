// ============================================================================
// MemStore - 記憶體內的結構記錄存儲
// ============================================================================
//
// Package: internal/store
// File: memstore.go
//
// 數據結構設計:
//   records map[int64]*types.Structure - 主存儲 (single source of truth)
//   輔助索引:
//   - order []int64           - 依 id 遞增的插入順序
//   - byOriginal map          - original_id -> id, 保證唯一
//   - incomplete map          - reserved / failed 記錄索引
//   每筆記錄的 UpdatedAt 在每次寫入 / Reclaim / Touch 時刷新 (租約)
//
// 並發安全:
//   sync.RWMutex 保護所有數據結構; 讀操作 RLock, 寫操作 Lock.
//   返回值一律為深拷貝, 呼叫者修改不影響存儲.
//
// ============================================================================

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// MemStore is an in-process Store.
type MemStore struct {
	mu         sync.RWMutex
	records    map[int64]*types.Structure
	order      []int64
	byOriginal map[int64]int64
	incomplete map[int64]struct{}
	nextID     int64
	closed     bool
}

// SnapshotData is the serialized form of a MemStore.
type SnapshotData struct {
	Records   []*types.Structure `json:"records"`
	NextID    int64              `json:"next_id"`
	SchemaVer int                `json:"schema_version"`
}

// NewMemStore returns an empty store whose first id is 1.
func NewMemStore() *MemStore {
	return &MemStore{
		records:    make(map[int64]*types.Structure),
		order:      make([]int64, 0),
		byOriginal: make(map[int64]int64),
		incomplete: make(map[int64]struct{}),
		nextID:     1,
	}
}

// Insert implements Store.
func (m *MemStore) Insert(_ context.Context, s *types.Structure) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	if s.OriginalID != nil {
		if _, exists := m.byOriginal[*s.OriginalID]; exists {
			return 0, fmt.Errorf("%w: %d", ErrDuplicateOriginal, *s.OriginalID)
		}
	}
	rec := s.Clone()
	if rec.Status == "" {
		rec.Status = types.StatusComplete
	}
	rec.ID = m.nextID
	m.nextID++
	m.put(rec)
	return rec.ID, nil
}

// put indexes rec; caller holds the write lock.
func (m *MemStore) put(rec *types.Structure) {
	if _, exists := m.records[rec.ID]; !exists {
		m.order = append(m.order, rec.ID)
	}
	m.records[rec.ID] = rec
	if rec.OriginalID != nil {
		m.byOriginal[*rec.OriginalID] = rec.ID
	}
	if rec.Status.Incomplete() {
		m.incomplete[rec.ID] = struct{}{}
	} else {
		delete(m.incomplete, rec.ID)
	}
	rec.UpdatedAt = time.Now()
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, id int64) (*types.Structure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// GetByOriginalID implements Store.
func (m *MemStore) GetByOriginalID(_ context.Context, originalID int64) (*types.Structure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOriginal[originalID]
	if !ok {
		return nil, fmt.Errorf("%w: original_id=%d", ErrNotFound, originalID)
	}
	return m.records[id].Clone(), nil
}

// GetBy implements Store.
func (m *MemStore) GetBy(ctx context.Context, key string, value float64) ([]*types.Structure, error) {
	return m.selectQuery(Query{{Field: key, Op: OpEQ, Value: value}}), nil
}

// Select implements Store.
func (m *MemStore) Select(_ context.Context, query string) ([]*types.Structure, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}
	return m.selectQuery(q), nil
}

func (m *MemStore) selectQuery(q Query) []*types.Structure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Structure
	for _, id := range m.order {
		rec := m.records[id]
		if q.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Update implements Store.
func (m *MemStore) Update(_ context.Context, s *types.Structure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	old, ok := m.records[s.ID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrNotFound, s.ID)
	}
	if err := checkOriginal(old.OriginalID, s.OriginalID); err != nil {
		return err
	}
	rec := s.Clone()
	rec.OriginalID = old.OriginalID
	if rec.Status == "" {
		rec.Status = types.StatusComplete
	}
	m.put(rec)
	return nil
}

// checkOriginal rejects an update that changes an already set original_id.
func checkOriginal(stored, next *int64) error {
	if stored == nil || next == nil {
		return nil
	}
	if *stored != *next {
		return fmt.Errorf("%w: %d -> %d", ErrOriginalIDImmutable, *stored, *next)
	}
	return nil
}

// Reserve implements Store.
func (m *MemStore) Reserve(_ context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	rec := &types.Structure{ID: m.nextID, Status: types.StatusReserved, Owner: owner}
	m.nextID++
	m.put(rec)
	return rec.ID, nil
}

// ReserveKey implements Store.
func (m *MemStore) ReserveKey(_ context.Context, originalID int64, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if _, exists := m.byOriginal[originalID]; exists {
		return 0, fmt.Errorf("%w: original_id=%d", ErrAlreadyReserved, originalID)
	}
	oid := originalID
	rec := &types.Structure{ID: m.nextID, OriginalID: &oid, Status: types.StatusReserved, Owner: owner}
	m.nextID++
	m.put(rec)
	return rec.ID, nil
}

// Reclaim implements Store.
func (m *MemStore) Reclaim(_ context.Context, id int64, prevOwner, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if !rec.Status.Incomplete() || rec.Owner != prevOwner {
		return fmt.Errorf("%w: id=%d owner=%q", ErrAlreadyReserved, id, rec.Owner)
	}
	rec.Owner = owner
	rec.Status = types.StatusReserved
	rec.UpdatedAt = time.Now()
	return nil
}

// Touch implements Store.
func (m *MemStore) Touch(_ context.Context, id int64, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if rec.Status != types.StatusReserved || rec.Owner != owner {
		return fmt.Errorf("%w: id=%d owner=%q", ErrAlreadyReserved, id, rec.Owner)
	}
	rec.UpdatedAt = time.Now()
	return nil
}

// Count implements Store.
func (m *MemStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// IncompleteCount returns the number of reserved or failed records.
func (m *MemStore) IncompleteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.incomplete)
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Snapshot 生成快照資料
func (m *MemStore) Snapshot() SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]*types.Structure, 0, len(m.order))
	for _, id := range m.order {
		recs = append(recs, m.records[id].Clone())
	}
	return SnapshotData{Records: recs, NextID: m.nextID, SchemaVer: 1}
}

// Restore 從快照恢復存儲狀態, 覆蓋現有內容
func (m *MemStore) Restore(data SnapshotData) error {
	if data.SchemaVer != 1 {
		return fmt.Errorf("store: unsupported snapshot schema %d", data.SchemaVer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[int64]*types.Structure, len(data.Records))
	m.order = make([]int64, 0, len(data.Records))
	m.byOriginal = make(map[int64]int64)
	m.incomplete = make(map[int64]struct{})
	m.nextID = data.NextID

	for _, rec := range data.Records {
		if rec.OriginalID != nil {
			if _, dup := m.byOriginal[*rec.OriginalID]; dup {
				return fmt.Errorf("%w: %d", ErrDuplicateOriginal, *rec.OriginalID)
			}
		}
		m.put(rec.Clone())
		if rec.ID >= m.nextID {
			m.nextID = rec.ID + 1
		}
	}
	return nil
}

var _ Store = (*MemStore)(nil)
