package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/lock"
	"github.com/ChuLiYu/adsorbflow/internal/metrics"
	"github.com/ChuLiYu/adsorbflow/internal/store"
	"github.com/ChuLiYu/adsorbflow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Opener opens the output store. With mustExist it fails with
// store.ErrStoreNotFound when the store has not been created yet.
type Opener func(ctx context.Context, mustExist bool) (store.Store, error)

// SQLiteOpener opens the SQLite output store at path.
func SQLiteOpener(path string, opts store.Options) Opener {
	return func(ctx context.Context, mustExist bool) (store.Store, error) {
		o := opts
		o.MustExist = mustExist
		st, err := store.OpenSQLite(ctx, path, o)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// DefaultLease is how long a reservation stays live without a refresh.
const DefaultLease = time.Minute

// VerifyOptions configures a Verifier.
type VerifyOptions struct {
	// Owner tags reservations made by this worker; default a random UUID.
	Owner string
	// Locker guards reservations; default lock.Noop.
	Locker lock.Locker
	// Lease of a reservation; the holder refreshes it every Lease/3 while
	// evaluating. Reserved records older than Lease count as abandoned.
	// Default DefaultLease.
	Lease   time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// VerifyReport summarizes a verification run. Ids are source ids.
type VerifyReport struct {
	Computed []int64
	Skipped  []int64
}

// Verifier recomputes single-point energies and forces of source records
// into an output store, at most once per source id across workers.
type Verifier struct {
	src     store.Store
	open    Opener
	eval    evaluator.Evaluator
	owner   string
	locker  lock.Locker
	lease   time.Duration
	log     zerolog.Logger
	metrics *metrics.Collector
}

// NewVerifier returns a Verifier.
func NewVerifier(src store.Store, open Opener, eval evaluator.Evaluator, opts VerifyOptions) *Verifier {
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.Locker == nil {
		opts.Locker = lock.Noop{}
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	return &Verifier{
		src:     src,
		open:    open,
		eval:    instrument(eval, opts.Metrics),
		owner:   opts.Owner,
		locker:  opts.Locker,
		lease:   opts.Lease,
		log:     opts.Logger.With().Str("component", "verify").Str("owner", opts.Owner).Logger(),
		metrics: opts.Metrics,
	}
}

// Owner returns the reservation token of this verifier.
func (v *Verifier) Owner() string { return v.owner }

// Fresh computes every source id in ids that has no output record yet.
func (v *Verifier) Fresh(ctx context.Context, ids []int64) (VerifyReport, error) {
	var rep VerifyReport
	dst, err := v.open(ctx, false)
	if err != nil {
		return rep, err
	}
	defer dst.Close()

	// 只有過期的 reservation 或 failed 記錄算作未完成; 仍在租約內的屬於其他 worker
	pending, err := store.Abandoned(ctx, dst, v.lease, time.Now())
	if err != nil {
		return rep, err
	}
	if len(pending) > 0 {
		e := &StructuresNotValidatedError{}
		for _, r := range pending {
			e.IDs = append(e.IDs, r.ID)
		}
		return rep, e
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		computed, err := v.freshOne(ctx, dst, id)
		if err != nil {
			return rep, err
		}
		if computed {
			rep.Computed = append(rep.Computed, id)
		} else {
			rep.Skipped = append(rep.Skipped, id)
		}
	}
	v.log.Info().Int("computed", len(rep.Computed)).Int("skipped", len(rep.Skipped)).Msg("Verification finished")
	return rep, nil
}

func (v *Verifier) freshOne(ctx context.Context, dst store.Store, id int64) (bool, error) {
	log := v.log.With().Int64("original_id", id).Logger()

	if rec, err := dst.GetByOriginalID(ctx, id); err == nil {
		if rec.Status.Incomplete() {
			log.Warn().Str("holder", rec.Owner).Msg("Reserved by another worker, skipping")
			v.metrics.RecordSkipped(metrics.SkipReserved)
		} else {
			log.Warn().Msg("Already computed, skipping")
			v.metrics.RecordSkipped(metrics.SkipComputed)
		}
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	src, err := v.src.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("driver: load source %d: %w", id, err)
	}

	outID, err := v.reserve(ctx, dst, id)
	if errors.Is(err, store.ErrAlreadyReserved) {
		log.Warn().Msg("Reserved by another worker, skipping")
		v.metrics.RecordSkipped(metrics.SkipReserved)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, v.compute(ctx, dst, src, outID)
}

// reserve claims the output id keyed by the source id under the lock.
func (v *Verifier) reserve(ctx context.Context, dst store.Store, id int64) (int64, error) {
	release, err := v.locker.Acquire(ctx, "original_id="+strconv.FormatInt(id, 10))
	if err != nil {
		return 0, fmt.Errorf("driver: lock %d: %w", id, err)
	}
	defer func() {
		if err := release(); err != nil {
			v.log.Warn().Err(err).Int64("original_id", id).Msg("Release lock failed")
		}
	}()
	return dst.ReserveKey(ctx, id, v.owner)
}

// Restart recomputes the failed records of the output store and the
// reserved ones whose lease has expired. Live reservations are skipped.
func (v *Verifier) Restart(ctx context.Context) (VerifyReport, error) {
	var rep VerifyReport
	dst, err := v.open(ctx, true)
	if errors.Is(err, store.ErrStoreNotFound) {
		return rep, ErrOutputStoreMissing
	}
	if err != nil {
		return rep, err
	}
	defer dst.Close()

	pending, err := store.Incomplete(ctx, dst)
	if err != nil {
		return rep, err
	}
	v.log.Info().Int("incomplete", len(pending)).Msg("Restarting verification")

	now := time.Now()
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if rec.OriginalID == nil {
			v.log.Warn().Int64("id", rec.ID).Msg("Incomplete record has no original_id, skipping")
			continue
		}
		id := *rec.OriginalID
		if !store.Expired(rec, v.lease, now) {
			v.log.Warn().Int64("original_id", id).Str("holder", rec.Owner).Msg("Reservation still leased, skipping")
			v.metrics.RecordSkipped(metrics.SkipReserved)
			rep.Skipped = append(rep.Skipped, id)
			continue
		}
		if err := dst.Reclaim(ctx, rec.ID, rec.Owner, v.owner); err != nil {
			if errors.Is(err, store.ErrAlreadyReserved) {
				v.log.Warn().Int64("original_id", id).Msg("Reclaimed by another worker, skipping")
				v.metrics.RecordSkipped(metrics.SkipReserved)
				rep.Skipped = append(rep.Skipped, id)
				continue
			}
			return rep, err
		}
		src, err := v.src.Get(ctx, id)
		if err != nil {
			return rep, fmt.Errorf("driver: load source %d: %w", id, err)
		}
		if err := v.compute(ctx, dst, src, rec.ID); err != nil {
			return rep, err
		}
		rep.Computed = append(rep.Computed, id)
	}
	v.log.Info().Int("computed", len(rep.Computed)).Int("skipped", len(rep.Skipped)).Msg("Restart finished")
	return rep, nil
}

// compute evaluates src and writes the result into the reserved output
// record outID. An evaluator failure is recorded as a failed record.
func (v *Verifier) compute(ctx context.Context, dst store.Store, src *types.Structure, outID int64) error {
	rec := src.Clone()
	rec.Energy, rec.Forces = nil, nil

	stop := v.keepLease(ctx, dst, outID)
	res, err := v.eval.Evaluate(ctx, rec)
	stop()
	if err == nil {
		err = evaluator.Check(rec, res)
	}

	orig := src.ID
	rec.ID = outID
	rec.OriginalID = &orig
	rec.Owner = v.owner
	if err != nil {
		rec.Status = types.StatusFailed
		if uerr := dst.Update(ctx, rec); uerr != nil {
			v.log.Error().Err(uerr).Int64("id", outID).Msg("Mark record failed")
		}
		return &EvaluationError{ID: src.ID, Err: err}
	}

	evaluator.Attach(rec, res)
	rec.Status = types.StatusComplete
	if err := dst.Update(ctx, rec); err != nil {
		return fmt.Errorf("driver: write result %d: %w", outID, err)
	}
	v.log.Debug().Int64("id", outID).Int64("original_id", src.ID).Float64("energy", res.Energy).Msg("Structure verified")
	return nil
}

// keepLease refreshes the reservation of outID until the returned stop is called.
func (v *Verifier) keepLease(ctx context.Context, dst store.Store, outID int64) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(v.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := dst.Touch(ctx, outID, v.owner); err != nil && ctx.Err() == nil {
					v.log.Warn().Err(err).Int64("id", outID).Msg("Refresh lease failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
