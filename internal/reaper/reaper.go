// Package reaper runs the periodic stale-slot cleanup (spec §5): a
// SlotEntry whose owning call never reached a terminal webhook within
// the configured ceiling is released so it stops occupying capacity
// forever, and the underlying Call is marked failed.
package reaper

import (
    "context"
    "database/sql"
    "time"

    "github.com/voxcallhq/callctl/pkg/errors"
    "github.com/voxcallhq/callctl/pkg/logger"
)

type Reaper struct {
    db              *sql.DB
    interval        time.Duration
    maxCallDuration time.Duration

    stop chan struct{}
    done chan struct{}
}

func New(db *sql.DB, interval, maxCallDuration time.Duration) *Reaper {
    return &Reaper{
        db:              db,
        interval:        interval,
        maxCallDuration: maxCallDuration,
        stop:            make(chan struct{}),
        done:            make(chan struct{}),
    }
}

func (r *Reaper) Start() {
    go r.loop()
}

func (r *Reaper) Stop() {
    close(r.stop)
    <-r.done
}

func (r *Reaper) loop() {
    defer close(r.done)

    ticker := time.NewTicker(r.interval)
    defer ticker.Stop()

    for {
        select {
        case <-r.stop:
            return
        case <-ticker.C:
            if _, err := r.RunOnce(context.Background()); err != nil {
                logger.WithError(err).Error("stale slot reap failed")
            }
        }
    }
}

// RunOnce releases every SlotEntry older than maxCallDuration and
// marks the corresponding Call failed. Exposed directly for the
// `reaper run-once` CLI command.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
    tx, err := r.db.BeginTx(ctx, nil)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to begin reap transaction")
    }
    defer tx.Rollback()

    rows, err := tx.QueryContext(ctx, `
        SELECT execution_id FROM active_calls
        WHERE execution_id IS NOT NULL
          AND reserved_at < DATE_SUB(NOW(), INTERVAL ? SECOND)
        FOR UPDATE`, int(r.maxCallDuration.Seconds()))
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to query stale slots")
    }

    var staleExecutionIDs []string
    for rows.Next() {
        var id string
        if err := rows.Scan(&id); err == nil {
            staleExecutionIDs = append(staleExecutionIDs, id)
        }
    }
    rows.Close()

    for _, executionID := range staleExecutionIDs {
        if _, err := tx.ExecContext(ctx, `
            UPDATE calls
            SET status = 'failed', failure_reason = 'reaped: exceeded max call duration', completed_at = NOW()
            WHERE execution_id = ? AND status NOT IN ('completed', 'busy', 'no-answer', 'failed')`,
            executionID); err != nil {
            return 0, errors.Wrap(err, errors.ErrDatabase, "failed to mark reaped call failed")
        }
    }

    result, err := tx.ExecContext(ctx, `
        DELETE FROM active_calls
        WHERE reserved_at < DATE_SUB(NOW(), INTERVAL ? SECOND)`,
        int(r.maxCallDuration.Seconds()))
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to release stale slots")
    }

    if err := tx.Commit(); err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to commit reap transaction")
    }

    count, _ := result.RowsAffected()
    if count > 0 {
        logger.WithField("count", count).Info("reaped stale concurrency slots")
    }

    return count, nil
}
