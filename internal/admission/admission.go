// Package admission implements the two-level concurrency admission
// controller: the single entry point deciding whether a call may
// start now, be queued, or must be rejected outright.
package admission

import (
    "context"
    "database/sql"
    "time"

    "github.com/google/uuid"
    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
    "github.com/voxcallhq/callctl/pkg/logger"
)

// Request describes a candidate call awaiting an admission decision.
type Request struct {
    UserID    string
    Kind      models.SlotKind
    Priority  int
    AgentID   string
    ContactID string
    Phone     string
    Source    models.CallSource
    CampaignID *string
}

// ResultKind discriminates the three admission outcomes.
type ResultKind string

const (
    ResultAdmitted ResultKind = "admitted"
    ResultQueued   ResultKind = "queued"
    ResultRejected ResultKind = "rejected"
)

// Result is the outcome of a reserve() call.
type Result struct {
    Kind                 ResultKind
    InternalCallID       string
    QueueEntryID         string
    Position             int
    EstimatedWaitSeconds int
    RejectReason         string
}

// Enqueuer is the subset of the queue store the controller needs to
// fall back to when capacity is exhausted. Kept as an interface so the
// admission package never imports the queue package directly.
type Enqueuer interface {
    Enqueue(ctx context.Context, tx *sql.Tx, entry *models.QueueEntry) (string, error)
    Position(ctx context.Context, entryID string) (int, error)
}

// BalanceChecker is the subset of the credit ledger the controller
// needs to reject direct calls a user can't afford. Kept as an
// interface so the admission package never imports the ledger package
// directly.
type BalanceChecker interface {
    HasSufficientBalance(ctx context.Context, userID string) (bool, error)
}

// Controller is the Admission Controller (spec §4.1).
type Controller struct {
    db          *sql.DB
    queue       Enqueuer
    ledger      BalanceChecker
    systemLimit int
    defaultUserLimit int
}

func New(db *sql.DB, queue Enqueuer, ledger BalanceChecker, systemLimit, defaultUserLimit int) *Controller {
    return &Controller{db: db, queue: queue, ledger: ledger, systemLimit: systemLimit, defaultUserLimit: defaultUserLimit}
}

// Reserve executes the admission algorithm as one transactional unit:
// read user limit + both slot counts, decide, and either insert a
// SlotEntry or fall back to the queue. Isolation is achieved with
// SELECT ... FOR UPDATE on the rows the decision depends on, so the
// two counts and the insert observe a consistent snapshot.
func (c *Controller) Reserve(ctx context.Context, req Request) (Result, error) {
    var result Result

    err := withTx(ctx, c.db, func(tx *sql.Tx) error {
        limit, err := c.userLimit(ctx, tx, req.UserID)
        if err != nil {
            return err
        }
        if limit <= 0 {
            result = Result{Kind: ResultRejected, RejectReason: string(errors.ErrUserLimitInvalid)}
            return nil
        }

        if req.Source == models.CallSourceDirect && c.ledger != nil {
            sufficient, err := c.ledger.HasSufficientBalance(ctx, req.UserID)
            if err != nil {
                return err
            }
            if !sufficient {
                result = Result{Kind: ResultRejected, RejectReason: string(errors.ErrInsufficientCredits)}
                return nil
            }
        }

        userCount, globalCount, err := c.slotCounts(ctx, tx, req.UserID)
        if err != nil {
            return err
        }

        if globalCount >= c.systemLimit {
            return c.fallbackToQueue(ctx, tx, req, &result)
        }
        if req.Kind != models.SlotKindInbound && userCount >= limit {
            return c.fallbackToQueue(ctx, tx, req, &result)
        }

        internalCallID := uuid.NewString()
        if _, err := tx.ExecContext(ctx, `
            INSERT INTO active_calls (internal_call_id, user_id, kind, reserved_at)
            VALUES (?, ?, ?, NOW())`,
            internalCallID, req.UserID, string(req.Kind)); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to reserve slot")
        }

        result = Result{Kind: ResultAdmitted, InternalCallID: internalCallID}
        return nil
    })

    if err != nil {
        return Result{}, err
    }

    logger.WithContext(ctx).WithFields(map[string]interface{}{
        "user_id": req.UserID,
        "kind":    req.Kind,
        "result":  result.Kind,
    }).Info("admission decision")

    return result, nil
}

func (c *Controller) fallbackToQueue(ctx context.Context, tx *sql.Tx, req Request, result *Result) error {
    priority := models.PriorityCampaign
    if req.Source == models.CallSourceDirect {
        priority = models.PriorityDirect
    }

    entry := &models.QueueEntry{
        ID:         uuid.NewString(),
        UserID:     req.UserID,
        AgentID:    req.AgentID,
        ContactID:  req.ContactID,
        Phone:      req.Phone,
        Source:     req.Source,
        CampaignID: req.CampaignID,
        Priority:   priority,
        Status:     models.QueueStatusQueued,
    }

    id, err := c.queue.Enqueue(ctx, tx, entry)
    if err != nil {
        return err
    }

    position, _ := c.queue.Position(ctx, id)

    *result = Result{
        Kind:         ResultQueued,
        QueueEntryID: id,
        Position:     position,
    }
    return nil
}

func (c *Controller) userLimit(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
    var limit int
    err := tx.QueryRowContext(ctx, `SELECT concurrent_limit FROM users WHERE id = ? FOR UPDATE`, userID).Scan(&limit)
    if err == sql.ErrNoRows {
        return 0, errors.New(errors.ErrUserNotFound, "user not found").WithContext("user_id", errors.Hash(userID))
    }
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read user limit")
    }
    if limit <= 0 {
        limit = c.defaultUserLimit
    }
    return limit, nil
}

// slotCounts reads the user's current slot count and the global slot
// count in the same transaction as the caller's FOR UPDATE read on the
// user row, so the decision-plus-insert is linearizable per-user.
func (c *Controller) slotCounts(ctx context.Context, tx *sql.Tx, userID string) (userCount, globalCount int, err error) {
    err = tx.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM active_calls WHERE user_id = ? AND kind != 'inbound'),
            (SELECT COUNT(*) FROM active_calls)`,
        userID).Scan(&userCount, &globalCount)
    if err != nil {
        return 0, 0, errors.Wrap(err, errors.ErrDatabase, "failed to read slot counts")
    }
    return userCount, globalCount, nil
}

// AttachExecutionID records the provider's execution id on an
// already-reserved slot so later webhook-driven releases can find it
// by execution id alone.
func (c *Controller) AttachExecutionID(ctx context.Context, internalCallID, executionID string) error {
    _, err := c.db.ExecContext(ctx, `
        UPDATE active_calls SET execution_id = ? WHERE internal_call_id = ? AND execution_id IS NULL`,
        executionID, internalCallID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to attach execution id")
    }
    return nil
}

// ReleaseByInternalID deletes the SlotEntry by internal id. Idempotent.
func (c *Controller) ReleaseByInternalID(ctx context.Context, internalCallID string) error {
    _, err := c.db.ExecContext(ctx, `DELETE FROM active_calls WHERE internal_call_id = ?`, internalCallID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to release slot by internal id")
    }
    return nil
}

// ReleaseByExecutionID deletes the SlotEntry by provider execution id.
// Idempotent. This is the path used from webhook handlers, which know
// only the provider's id.
func (c *Controller) ReleaseByExecutionID(ctx context.Context, executionID string) error {
    _, err := c.db.ExecContext(ctx, `DELETE FROM active_calls WHERE execution_id = ?`, executionID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to release slot by execution id")
    }
    return nil
}

// ReleaseByExecutionIDTx is the same operation run inside a caller's
// transaction, used by the lifecycle state machine's completed/busy/
// no-answer handlers so slot release commits atomically with the
// ledger write and Call update.
func ReleaseByExecutionIDTx(ctx context.Context, tx *sql.Tx, executionID string) error {
    _, err := tx.ExecContext(ctx, `DELETE FROM active_calls WHERE execution_id = ?`, executionID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to release slot by execution id")
    }
    return nil
}

// ReserveForDispatch is a pared-down entry point for callers that
// already know they're dispatching a previously-queued entry and only
// need a recheck-and-reserve decision, without the queue-fallback
// machinery Reserve provides. Used by the Queue Processor immediately
// before dispatch, since by definition a claimed queue entry has
// nowhere further to fall back to if capacity is still exhausted.
func (c *Controller) ReserveForDispatch(ctx context.Context, userID string, kind models.SlotKind) (string, bool, error) {
    var internalCallID string
    var admitted bool

    err := withTx(ctx, c.db, func(tx *sql.Tx) error {
        limit, err := c.userLimit(ctx, tx, userID)
        if err != nil {
            return err
        }

        userCount, globalCount, err := c.slotCounts(ctx, tx, userID)
        if err != nil {
            return err
        }

        if globalCount >= c.systemLimit {
            return nil
        }
        if kind != models.SlotKindInbound && userCount >= limit {
            return nil
        }

        id := uuid.NewString()
        if _, err := tx.ExecContext(ctx, `
            INSERT INTO active_calls (internal_call_id, user_id, kind, reserved_at)
            VALUES (?, ?, ?, NOW())`,
            id, userID, string(kind)); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to reserve slot")
        }

        internalCallID = id
        admitted = true
        return nil
    })

    return internalCallID, admitted, err
}

// SlotCounts exposes the raw counts for metrics and the CLI's
// `slots list` inspection command.
func (c *Controller) SlotCounts(ctx context.Context, userID string) (userCount, globalCount int, err error) {
    err = c.db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM active_calls WHERE user_id = ? AND kind != 'inbound'),
            (SELECT COUNT(*) FROM active_calls)`,
        userID).Scan(&userCount, &globalCount)
    if err != nil {
        return 0, 0, errors.Wrap(err, errors.ErrDatabase, "failed to read slot counts")
    }
    return userCount, globalCount, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
    deadline, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()

    tx, err := db.BeginTx(deadline, &sql.TxOptions{Isolation: sql.LevelSerializable})
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to begin admission transaction")
    }

    defer func() {
        if p := recover(); p != nil {
            tx.Rollback()
            panic(p)
        }
    }()

    if err := fn(tx); err != nil {
        tx.Rollback()
        return err
    }

    if err := tx.Commit(); err != nil {
        return errors.Wrap(err, errors.ErrAdmissionTimeout, "failed to commit admission transaction")
    }

    return nil
}
