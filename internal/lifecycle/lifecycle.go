// Package lifecycle applies webhook-driven call status transitions.
// Every handler is idempotent under at-least-once delivery: each
// update is conditioned on the call's current state so a replayed or
// out-of-order webhook can never rewind progress or double-apply an
// effect.
package lifecycle

import (
    "context"
    "database/sql"
    "time"

    "github.com/google/uuid"
    "github.com/voxcallhq/callctl/internal/admission"
    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
    "github.com/voxcallhq/callctl/pkg/logger"
)

// Ledger is the subset of the credit ledger the completion handler
// needs, kept as an interface to avoid a lifecycle->ledger->db cycle.
type Ledger interface {
    DebitForCallTx(ctx context.Context, tx *sql.Tx, userID, callID string, seconds int) (credits int64, err error)
}

// CampaignPolicy resolves a campaign's configured retry policy so a
// busy/no-answer outcome can be retried per campaign instead of with
// the package default. Kept as an interface to avoid a
// lifecycle->directory->db cycle.
type CampaignPolicy interface {
    GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
}

// Requeuer is the subset of the queue store needed to place a fresh
// attempt for a busy/no-answer campaign call. Kept as an interface to
// avoid a lifecycle->queue->db cycle.
type Requeuer interface {
    Enqueue(ctx context.Context, tx *sql.Tx, entry *models.QueueEntry) (string, error)
}

// Machine applies NormalizedWebhook events to Call rows.
type Machine struct {
    db        *sql.DB
    ledger    Ledger
    campaigns CampaignPolicy
    requeue   Requeuer
}

func New(db *sql.DB, ledger Ledger, campaigns CampaignPolicy, requeue Requeuer) *Machine {
    return &Machine{db: db, ledger: ledger, campaigns: campaigns, requeue: requeue}
}

// Apply routes a normalized webhook event to the handler for its
// status. Unknown execution ids are dropped rather than erroring (only
// the initiated handler logs them), since a webhook for a call this instance never admitted
// (e.g. after a failover) must not crash the ingress handler -- the
// ingress always returns 200 regardless.
func (m *Machine) Apply(ctx context.Context, event models.NormalizedWebhook) error {
    log := logger.WithContext(ctx).WithFields(map[string]interface{}{
        "execution_id": event.ExecutionID,
        "status":       event.Status,
    })

    var err error
    switch event.Status {
    case models.CallStatusInitiated:
        err = m.onInitiated(ctx, event)
    case models.CallStatusRinging:
        err = m.onRinging(ctx, event)
    case models.CallStatusInProgress:
        err = m.onInProgress(ctx, event)
    case models.CallStatusCallDisconnected:
        err = m.onDisconnected(ctx, event)
    case models.CallStatusCompleted:
        err = m.onCompleted(ctx, event)
    case models.CallStatusBusy, models.CallStatusNoAnswer, models.CallStatusFailed:
        err = m.onTerminalWithoutCredit(ctx, event)
    default:
        log.Warn("ignoring webhook with unrecognized status")
        return nil
    }

    if err != nil {
        log.WithError(err).Warn("lifecycle transition failed")
    }
    return err
}

// onInitiated upserts the Call row keyed by execution id. A row
// usually already exists here -- the direct or campaign path created
// it before dispatch -- in which case there's nothing further to do.
// If none exists, this is a pure inbound call the admission path never
// saw: create the Call (and Contact, if new) and reserve its slot
// directly, tagged inbound so it never counts against a user's direct
// concurrency limit.
func (m *Machine) onInitiated(ctx context.Context, event models.NormalizedWebhook) error {
    return withTx(ctx, m.db, func(tx *sql.Tx) error {
        var exists bool
        if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM calls WHERE execution_id = ?)`, event.ExecutionID).Scan(&exists); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to check call existence")
        }
        if exists {
            return nil
        }
        if event.Phone == nil || event.AgentProviderID == nil {
            logger.WithContext(ctx).WithField("execution_id", event.ExecutionID).
                Warn("initiated webhook for unknown call with no inbound fields, ignoring")
            return nil
        }

        var userID, agentID string
        err := tx.QueryRowContext(ctx, `
            SELECT id, user_id FROM agents WHERE provider_agent_id = ? AND active = TRUE`,
            *event.AgentProviderID).Scan(&agentID, &userID)
        if err == sql.ErrNoRows {
            logger.WithContext(ctx).WithField("agent_provider_id", *event.AgentProviderID).
                Warn("inbound call for unrecognized agent, dropping")
            return nil
        }
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to resolve inbound agent")
        }

        contactID, err := upsertContactTx(ctx, tx, userID, *event.Phone)
        if err != nil {
            return err
        }

        callID := uuid.NewString()
        if _, err := tx.ExecContext(ctx, `
            INSERT INTO calls (id, user_id, agent_id, contact_id, phone, execution_id, source, status)
            VALUES (?, ?, ?, ?, ?, ?, 'inbound', 'initiated')`,
            callID, userID, agentID, contactID, *event.Phone, event.ExecutionID); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to create inbound call")
        }

        if _, err := tx.ExecContext(ctx, `
            INSERT INTO active_calls (internal_call_id, user_id, kind, execution_id, reserved_at)
            VALUES (?, ?, 'inbound', ?, NOW())`,
            callID, userID, event.ExecutionID); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to reserve inbound slot")
        }

        return nil
    })
}

func upsertContactTx(ctx context.Context, tx *sql.Tx, userID, phone string) (string, error) {
    id := uuid.NewString()
    if _, err := tx.ExecContext(ctx, `
        INSERT INTO contacts (id, user_id, phone, source) VALUES (?, ?, ?, 'inbound-auto')
        ON DUPLICATE KEY UPDATE id = id`, id, userID, phone); err != nil {
        return "", errors.Wrap(err, errors.ErrDatabase, "failed to upsert inbound contact")
    }
    if err := tx.QueryRowContext(ctx, `SELECT id FROM contacts WHERE user_id = ? AND phone = ?`, userID, phone).Scan(&id); err != nil {
        return "", errors.Wrap(err, errors.ErrDatabase, "failed to read inbound contact")
    }
    return id, nil
}

// onRinging advances initiated -> ringing. Conditioned on the current
// status so a duplicate ringing webhook, or one arriving after a
// later status already landed, is a no-op.
func (m *Machine) onRinging(ctx context.Context, event models.NormalizedWebhook) error {
    _, err := m.db.ExecContext(ctx, `
        UPDATE calls
        SET status = 'ringing', ringing_started_at = ?
        WHERE execution_id = ? AND status = 'initiated'`,
        event.Timestamp, event.ExecutionID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to apply ringing transition")
    }
    return nil
}

// onInProgress advances {initiated, ringing} -> in-progress.
func (m *Machine) onInProgress(ctx context.Context, event models.NormalizedWebhook) error {
    _, err := m.db.ExecContext(ctx, `
        UPDATE calls
        SET status = 'in-progress', call_answered_at = ?
        WHERE execution_id = ? AND status IN ('initiated', 'ringing')`,
        event.Timestamp, event.ExecutionID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to apply in-progress transition")
    }
    return nil
}

// onDisconnected records provider-side hangup attribution and persists
// the transcript -- it is available here, not at completed -- without
// releasing the slot yet; the slot is released only at `completed`,
// once billed duration is known, so a disconnect followed by a slow
// completed webhook never briefly over-admits.
func (m *Machine) onDisconnected(ctx context.Context, event models.NormalizedWebhook) error {
    _, err := m.db.ExecContext(ctx, `
        UPDATE calls
        SET status = 'call-disconnected', call_disconnected_at = ?, transcript = COALESCE(transcript, ?),
            hangup_by = ?, hangup_reason = ?, hangup_provider_code = ?
        WHERE execution_id = ? AND status IN ('initiated', 'ringing', 'in-progress')`,
        event.Timestamp, event.Transcript, event.HangupBy, event.HangupReason, event.HangupProviderCode, event.ExecutionID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to apply disconnected transition")
    }
    return nil
}

// onCompleted is the only handler that mutates the ledger and
// releases the concurrency slot. It runs as one transaction: Call
// update, ledger debit, and slot release commit or fail together,
// conditioned on the call not already being completed so a retried
// webhook never double-bills.
func (m *Machine) onCompleted(ctx context.Context, event models.NormalizedWebhook) error {
    return withTx(ctx, m.db, func(tx *sql.Tx) error {
        var userID, callID string
        var alreadyCompleted bool
        err := tx.QueryRowContext(ctx, `
            SELECT id, user_id, status = 'completed' FROM calls WHERE execution_id = ? FOR UPDATE`,
            event.ExecutionID).Scan(&callID, &userID, &alreadyCompleted)
        if err == sql.ErrNoRows {
            return nil
        }
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to read call for completion")
        }
        if alreadyCompleted {
            return nil
        }

        duration := 0
        if event.DurationSeconds != nil {
            duration = *event.DurationSeconds
        }

        credits, err := m.ledger.DebitForCallTx(ctx, tx, userID, callID, duration)
        if err != nil {
            return err
        }

        _, err = tx.ExecContext(ctx, `
            UPDATE calls
            SET status = 'completed', completed_at = ?, duration_seconds = ?,
                credits_consumed = ?, transcript = COALESCE(transcript, ?), recording_url = ?,
                hangup_by = COALESCE(hangup_by, ?), hangup_reason = COALESCE(hangup_reason, ?),
                hangup_provider_code = COALESCE(hangup_provider_code, ?)
            WHERE id = ? AND status != 'completed'`,
            event.Timestamp, duration, credits, event.Transcript, event.RecordingURL,
            event.HangupBy, event.HangupReason, event.HangupProviderCode, callID)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to finalize call")
        }

        if err := admission.ReleaseByExecutionIDTx(ctx, tx, event.ExecutionID); err != nil {
            return err
        }

        if err := bumpCampaignCounter(ctx, tx, callID, true); err != nil {
            return err
        }

        return nil
    })
}

// onTerminalWithoutCredit handles busy/no-answer/failed: terminal,
// but nothing was billable, so only the Call row and slot release
// happen -- no ledger entry. Busy/no-answer campaign calls are
// re-enqueued per the campaign's retry policy: the originating
// QueueEntry is already gone by the time this webhook arrives (the
// processor marks it completed as soon as dispatch succeeds), so a
// fresh entry is created here instead of an existing one being
// updated.
func (m *Machine) onTerminalWithoutCredit(ctx context.Context, event models.NormalizedWebhook) error {
    return withTx(ctx, m.db, func(tx *sql.Tx) error {
        var callID, userID, agentID, contactID, phone string
        var campaignID sql.NullString
        err := tx.QueryRowContext(ctx, `
            SELECT id, user_id, agent_id, contact_id, phone, campaign_id FROM calls
            WHERE execution_id = ? AND status NOT IN ('completed', 'busy', 'no-answer', 'failed')
            FOR UPDATE`, event.ExecutionID).Scan(&callID, &userID, &agentID, &contactID, &phone, &campaignID)
        if err == sql.ErrNoRows {
            return nil
        }
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to read call for terminal transition")
        }

        _, err = tx.ExecContext(ctx, `
            UPDATE calls
            SET status = ?, completed_at = ?, failure_reason = ?,
                hangup_by = COALESCE(hangup_by, ?), hangup_reason = COALESCE(hangup_reason, ?),
                hangup_provider_code = COALESCE(hangup_provider_code, ?)
            WHERE id = ?`,
            string(event.Status), event.Timestamp, string(event.Status),
            event.HangupBy, event.HangupReason, event.HangupProviderCode, callID)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to apply terminal transition")
        }

        if err := admission.ReleaseByExecutionIDTx(ctx, tx, event.ExecutionID); err != nil {
            return err
        }

        if err := bumpCampaignCounter(ctx, tx, callID, false); err != nil {
            return err
        }

        retryable := event.Status == models.CallStatusBusy || event.Status == models.CallStatusNoAnswer
        if retryable && campaignID.Valid {
            return m.maybeRetryCampaignCall(ctx, tx, campaignID.String, userID, agentID, contactID, phone)
        }
        return nil
    })
}

// maybeRetryCampaignCall re-enqueues a busy/no-answer campaign call
// for another attempt, honoring the campaign's configured retry
// policy. Prior attempts are counted from terminal busy/no-answer
// Call rows already recorded for this (campaign, contact) pair --
// including the one just written above -- since the originating
// QueueEntry no longer exists to carry an attempts counter.
func (m *Machine) maybeRetryCampaignCall(ctx context.Context, tx *sql.Tx, campaignID, userID, agentID, contactID, phone string) error {
    if m.requeue == nil {
        return nil
    }

    policy := models.DefaultRetryPolicy()
    if m.campaigns != nil {
        campaign, err := m.campaigns.GetCampaign(ctx, campaignID)
        if err != nil {
            logger.WithContext(ctx).WithError(err).WithField("campaign_id", campaignID).
                Warn("failed to resolve campaign retry policy, using default")
        } else {
            policy = campaign.RetryPolicyOrDefault()
        }
    }

    var priorAttempts int
    if err := tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM calls
        WHERE campaign_id = ? AND contact_id = ? AND status IN ('busy', 'no-answer')`,
        campaignID, contactID).Scan(&priorAttempts); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to count prior campaign attempts")
    }

    if priorAttempts >= policy.MaxAttempts {
        logger.WithContext(ctx).WithField("campaign_id", campaignID).
            Info("campaign call exhausted retry attempts, not re-enqueuing")
        return nil
    }

    backoff := time.Duration(priorAttempts) * time.Duration(policy.BackoffBaseSeconds) * time.Second
    scheduledFor := time.Now().Add(backoff)
    cid := campaignID

    entry := &models.QueueEntry{
        UserID:       userID,
        AgentID:      agentID,
        ContactID:    contactID,
        Phone:        phone,
        Source:       models.CallSourceCampaign,
        CampaignID:   &cid,
        Priority:     models.PriorityCampaign,
        ScheduledFor: &scheduledFor,
        Status:       models.QueueStatusQueued,
        Attempts:     priorAttempts,
    }

    if _, err := m.requeue.Enqueue(ctx, tx, entry); err != nil {
        if errors.Is(err, errors.ErrQueueDuplicate) {
            return nil
        }
        return err
    }
    return nil
}

func bumpCampaignCounter(ctx context.Context, tx *sql.Tx, callID string, success bool) error {
    column := "failed_calls"
    if success {
        column = "completed_calls"
    }

    _, err := tx.ExecContext(ctx, `
        UPDATE campaigns c
        JOIN calls ca ON ca.campaign_id = c.id
        SET c.`+column+` = c.`+column+` + 1
        WHERE ca.id = ?`, callID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update campaign counters")
    }
    return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
    tx, err := db.BeginTx(ctx, nil)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to begin lifecycle transaction")
    }

    defer func() {
        if r := recover(); r != nil {
            tx.Rollback()
            panic(r)
        }
    }()

    if err := fn(tx); err != nil {
        tx.Rollback()
        return err
    }

    return tx.Commit()
}

// RecordRaw persists the raw webhook payload before normalization. The
// ingress calls it only for payloads that parse as JSON and pass
// validation; payloads rejected before that point are logged, not
// recorded.
func RecordRaw(ctx context.Context, db *sql.DB, executionID, status string, payload []byte) error {
    _, err := db.ExecContext(ctx, `
        INSERT INTO webhook_events (execution_id, status, raw_payload, received_at)
        VALUES (?, ?, ?, ?)`,
        executionID, status, payload, time.Now())
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to record webhook event")
    }
    return nil
}
