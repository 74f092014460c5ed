package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/adsorbflow/internal/structure"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	status      TEXT    NOT NULL,
	original_id INTEGER UNIQUE,
	round       INTEGER NOT NULL DEFAULT 0,
	natoms      INTEGER NOT NULL DEFAULT 0,
	formula     TEXT    NOT NULL DEFAULT '',
	energy      REAL,
	owner       TEXT    NOT NULL DEFAULT '',
	payload     BLOB,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS key_values (
	record_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	key       TEXT    NOT NULL,
	value     REAL    NOT NULL,
	PRIMARY KEY (record_id, key)
);
CREATE INDEX IF NOT EXISTS idx_key_values_key ON key_values(key, value);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
`

// payload is the JSON column holding everything that is not queried by SQL.
type payload struct {
	Sites  []types.Site `json:"sites"`
	Cell   types.Cell   `json:"cell"`
	Frozen []int        `json:"frozen,omitempty"`
	Forces []types.Vec3 `json:"forces,omitempty"`
}

// Options configures OpenSQLite.
type Options struct {
	// MustExist fails with ErrStoreNotFound instead of creating the file.
	MustExist bool
	// BusyTimeout bounds how long a writer waits on another process's lock.
	BusyTimeout time.Duration
	Logger      zerolog.Logger
}

// SQLiteStore is a Store backed by one SQLite file. Several processes may
// open the same file; writers serialize on SQLite's database lock.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Exists reports whether a store file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// OpenSQLite opens or creates the store file at path.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	if opts.MustExist && !Exists(path) {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema %s: %w", path, err)
	}

	s := &SQLiteStore{db: db, path: path, log: opts.Logger.With().Str("component", "store").Str("path", path).Logger()}
	s.log.Debug().Msg("store opened")
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, rec *types.Structure) (int64, error) {
	blob, err := encodePayload(rec)
	if err != nil {
		return 0, err
	}
	status := rec.Status
	if status == "" {
		status = types.StatusComplete
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO records (status, original_id, round, natoms, formula, energy, owner, payload, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(status), nullInt(rec.OriginalID), rec.Round, len(rec.Sites), structure.StructureFormula(rec),
			nullFloat(rec.Energy), rec.Owner, blob, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %d", ErrDuplicateOriginal, *rec.OriginalID)
			}
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return writeKeyValues(ctx, tx, id, rec.KeyValues)
	})
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	return id, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*types.Structure, error) {
	recs, err := s.query(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return recs[0], nil
}

// GetByOriginalID implements Store.
func (s *SQLiteStore) GetByOriginalID(ctx context.Context, originalID int64) (*types.Structure, error) {
	recs, err := s.query(ctx, "original_id = ?", originalID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: original_id=%d", ErrNotFound, originalID)
	}
	return recs[0], nil
}

// GetBy implements Store.
func (s *SQLiteStore) GetBy(ctx context.Context, key string, value float64) ([]*types.Structure, error) {
	where, args := whereClause(Query{{Field: key, Op: OpEQ, Value: value}})
	return s.query(ctx, where, args...)
}

// Select implements Store.
func (s *SQLiteStore) Select(ctx context.Context, query string) ([]*types.Structure, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}
	where, args := whereClause(q)
	return s.query(ctx, where, args...)
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, rec *types.Structure) error {
	blob, err := encodePayload(rec)
	if err != nil {
		return err
	}
	status := rec.Status
	if status == "" {
		status = types.StatusComplete
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var stored sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT original_id FROM records WHERE id = ?`, rec.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id=%d", ErrNotFound, rec.ID)
		}
		if err != nil {
			return err
		}
		if err := checkOriginal(fromNullInt(stored), rec.OriginalID); err != nil {
			return err
		}
		original := fromNullInt(stored)
		if original == nil {
			original = rec.OriginalID
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET status = ?, original_id = ?, round = ?, natoms = ?, formula = ?, energy = ?,
			 owner = ?, payload = ?, updated_at = ? WHERE id = ?`,
			string(status), nullInt(original), rec.Round, len(rec.Sites), structure.StructureFormula(rec), nullFloat(rec.Energy),
			rec.Owner, blob, time.Now().UnixMilli(), rec.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM key_values WHERE record_id = ?`, rec.ID); err != nil {
			return err
		}
		return writeKeyValues(ctx, tx, rec.ID, rec.KeyValues)
	})
	if err != nil {
		return fmt.Errorf("update id=%d: %w", rec.ID, err)
	}
	return nil
}

// Reserve implements Store.
func (s *SQLiteStore) Reserve(ctx context.Context, owner string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (status, owner, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		string(types.StatusReserved), owner, now, now)
	if err != nil {
		return 0, fmt.Errorf("reserve: %w", err)
	}
	return res.LastInsertId()
}

// ReserveKey implements Store. The claim is a single conditional insert on
// the UNIQUE original_id column, so two processes racing for the same key
// cannot both win.
func (s *SQLiteStore) ReserveKey(ctx context.Context, originalID int64, owner string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (status, original_id, owner, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(original_id) DO NOTHING`,
		string(types.StatusReserved), originalID, owner, now, now)
	if err != nil {
		return 0, fmt.Errorf("reserve original_id=%d: %w", originalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: original_id=%d", ErrAlreadyReserved, originalID)
	}
	return res.LastInsertId()
}

// Reclaim implements Store.
func (s *SQLiteStore) Reclaim(ctx context.Context, id int64, prevOwner, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, owner = ?, updated_at = ? WHERE id = ? AND owner = ? AND status IN (?, ?)`,
		string(types.StatusReserved), owner, time.Now().UnixMilli(), id, prevOwner, string(types.StatusReserved), string(types.StatusFailed))
	if err != nil {
		return fmt.Errorf("reclaim id=%d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOrTaken(ctx, id)
}

// Touch implements Store.
func (s *SQLiteStore) Touch(ctx context.Context, id int64, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET updated_at = ? WHERE id = ? AND owner = ? AND status = ?`,
		time.Now().UnixMilli(), id, owner, string(types.StatusReserved))
	if err != nil {
		return fmt.Errorf("touch id=%d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOrTaken(ctx, id)
}

// missingOrTaken tells ErrNotFound from ErrAlreadyReserved after a
// conditional update matched no row.
func (s *SQLiteStore) missingOrTaken(ctx context.Context, id int64) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: id=%d", ErrAlreadyReserved, id)
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// query loads the records matching where, then their metadata in one pass.
func (s *SQLiteStore) query(ctx context.Context, where string, args ...any) ([]*types.Structure, error) {
	sqlText := `SELECT id, status, original_id, round, energy, owner, payload, updated_at FROM records`
	if where != "" {
		sqlText += " WHERE " + where
	}
	sqlText += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	var out []*types.Structure
	byID := make(map[int64]*types.Structure)
	for rows.Next() {
		var (
			rec      types.Structure
			status   string
			original sql.NullInt64
			energy   sql.NullFloat64
			blob     []byte
			updated  int64
		)
		if err := rows.Scan(&rec.ID, &status, &original, &rec.Round, &energy, &rec.Owner, &blob, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec.Status = types.Status(status)
		rec.OriginalID = fromNullInt(original)
		rec.UpdatedAt = time.UnixMilli(updated)
		if energy.Valid {
			e := energy.Float64
			rec.Energy = &e
		}
		if len(blob) > 0 {
			var p payload
			if err := json.Unmarshal(blob, &p); err != nil {
				return nil, fmt.Errorf("decode payload id=%d: %w", rec.ID, err)
			}
			rec.Sites, rec.Cell, rec.Frozen, rec.Forces = p.Sites, p.Cell, p.Frozen, p.Forces
		}
		out = append(out, &rec)
		byID[rec.ID] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	kvText := `SELECT record_id, key, value FROM key_values`
	if where != "" {
		kvText += ` WHERE record_id IN (SELECT id FROM records WHERE ` + where + `)`
	}
	kvRows, err := s.db.QueryContext(ctx, kvText, args...)
	if err != nil {
		return nil, fmt.Errorf("select key_values: %w", err)
	}
	defer kvRows.Close()
	for kvRows.Next() {
		var (
			id    int64
			key   string
			value float64
		)
		if err := kvRows.Scan(&id, &key, &value); err != nil {
			return nil, fmt.Errorf("scan key_values: %w", err)
		}
		rec, ok := byID[id]
		if !ok {
			continue
		}
		if rec.KeyValues == nil {
			rec.KeyValues = make(map[string]float64)
		}
		rec.KeyValues[key] = value
	}
	return out, kvRows.Err()
}

// whereClause translates a parsed query into SQL. Metadata clauses become
// sub-selects on key_values so a missing key never matches.
func whereClause(q Query) (string, []any) {
	var (
		parts []string
		args  []any
	)
	for _, c := range q {
		if c.Builtin() {
			parts = append(parts, fmt.Sprintf("%s %s ?", c.Field, c.Op))
			args = append(args, c.Value)
			continue
		}
		parts = append(parts, fmt.Sprintf("id IN (SELECT record_id FROM key_values WHERE key = ? AND value %s ?)", c.Op))
		args = append(args, c.Field, c.Value)
	}
	return strings.Join(parts, " AND "), args
}

func writeKeyValues(ctx context.Context, tx *sql.Tx, id int64, kv map[string]float64) error {
	if len(kv) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO key_values (record_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, v := range kv {
		if _, err := stmt.ExecContext(ctx, id, k, v); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

func encodePayload(rec *types.Structure) ([]byte, error) {
	blob, err := json.Marshal(payload{Sites: rec.Sites, Cell: rec.Cell, Frozen: rec.Frozen, Forces: rec.Forces})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return blob, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func fromNullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

var _ Store = (*SQLiteStore)(nil)
