// Package ledger implements the Credit Ledger (spec §4.7): an
// append-only log of balance deltas plus a materialized balance
// cached on the user row, kept consistent in the same transaction.
package ledger

import (
    "context"
    "database/sql"

    "github.com/voxcallhq/callctl/internal/config"
    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
    "github.com/voxcallhq/callctl/pkg/logger"
)

type Ledger struct {
    db               *sql.DB
    secondsPerCredit int
}

func New(db *sql.DB, cfg config.LedgerConfig) *Ledger {
    perCredit := cfg.SecondsPerCredit
    if perCredit <= 0 {
        perCredit = 60
    }
    return &Ledger{db: db, secondsPerCredit: perCredit}
}

// creditsForDuration rounds up to the next whole credit, so a 61
// second call on a 60-second rate costs 2 credits, never 1.
func (l *Ledger) creditsForDuration(seconds int) int64 {
    if seconds <= 0 {
        return 0
    }
    return int64((seconds + l.secondsPerCredit - 1) / l.secondsPerCredit)
}

// DebitForCallTx debits the credits owed for a completed call's
// duration, inside the caller's transaction. The ledger row's unique
// (user_id, reference) constraint makes this idempotent: on a replay
// the insert is a no-op (ON DUPLICATE KEY UPDATE), the balance is left
// untouched, and the already-debited credit amount is returned.
func (l *Ledger) DebitForCallTx(ctx context.Context, tx *sql.Tx, userID, callID string, seconds int) (int64, error) {
    credits := l.creditsForDuration(seconds)
    if credits == 0 {
        return 0, nil
    }

    reference := "call:" + callID

    res, err := tx.ExecContext(ctx, `
        INSERT INTO credit_ledger (user_id, delta, reason, reference)
        VALUES (?, ?, 'call-debit', ?)
        ON DUPLICATE KEY UPDATE id = id`,
        userID, -credits, reference)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to write ledger entry")
    }

    affected, _ := res.RowsAffected()
    if affected == 0 {
        // ON DUPLICATE KEY UPDATE id=id with no-op leaves affected=0 on
        // MySQL for an existing row -- already debited for this call.
        return credits, nil
    }

    var balance int64
    if err := tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ? FOR UPDATE`, userID).Scan(&balance); err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read balance for debit")
    }
    if balance < credits {
        logger.WithContext(ctx).WithFields(map[string]interface{}{
            "user_id": errors.Hash(userID),
            "call_id": errors.Hash(callID),
            "balance": balance,
            "credits": credits,
        }).Warn("call debit exceeds balance, clamping to zero")
    }

    if _, err := tx.ExecContext(ctx, `
        UPDATE users SET balance = GREATEST(balance - ?, 0) WHERE id = ?`,
        credits, userID); err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to debit balance")
    }

    return credits, nil
}

// Credit adds credits to a user's balance outside the call-completion
// path (purchases, bonuses, manual adjustments).
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason models.LedgerReason, reference string) error {
    if amount <= 0 {
        return errors.New(errors.ErrInternal, "credit amount must be positive")
    }

    tx, err := l.db.BeginTx(ctx, nil)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to begin credit transaction")
    }
    defer tx.Rollback()

    res, err := tx.ExecContext(ctx, `
        INSERT INTO credit_ledger (user_id, delta, reason, reference)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE id = id`,
        userID, amount, string(reason), reference)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to write ledger entry")
    }

    if affected, _ := res.RowsAffected(); affected == 0 {
        return nil
    }

    if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE id = ?`, amount, userID); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to credit balance")
    }

    return tx.Commit()
}

// Balance returns the materialized balance cached on the user row.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
    var balance int64
    err := l.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, userID).Scan(&balance)
    if err == sql.ErrNoRows {
        return 0, errors.New(errors.ErrUserNotFound, "user not found")
    }
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read balance")
    }
    return balance, nil
}

// Verify recomputes the balance from the ledger's sum of deltas and
// compares it against the materialized balance, surfacing drift
// caused by a bug or an out-of-band write. Used by the `ledger
// verify` CLI command and can be run as a periodic health check.
func (l *Ledger) Verify(ctx context.Context, userID string) (materialized, computed int64, drift bool, err error) {
    materialized, err = l.Balance(ctx, userID)
    if err != nil {
        return 0, 0, false, err
    }

    err = l.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(delta), 0) FROM credit_ledger WHERE user_id = ?`, userID).Scan(&computed)
    if err != nil {
        return 0, 0, false, errors.Wrap(err, errors.ErrDatabase, "failed to sum ledger entries")
    }

    return materialized, computed, materialized != computed, nil
}

// HasSufficientBalance reports whether a user can afford at least one
// more credit's worth of call time, used as a pre-admission check.
func (l *Ledger) HasSufficientBalance(ctx context.Context, userID string) (bool, error) {
    balance, err := l.Balance(ctx, userID)
    if err != nil {
        return false, err
    }
    return balance > 0, nil
}
