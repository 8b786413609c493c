// Package queue implements the durable priority queue (Queue Store)
// and the background Queue Processor that drains it as capacity frees.
package queue

import (
    "context"
    "database/sql"
    "time"

    "github.com/google/uuid"
    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
)

// Store is the Queue Store (spec §4.2): a persisted priority queue of
// pending calls with status, attempts, scheduled-for, and priority.
type Store struct {
    db *sql.DB
}

func NewStore(db *sql.DB) *Store {
    return &Store{db: db}
}

// Enqueue inserts a queued entry, honoring the campaign+contact
// dedupe invariant via the unique dedupe-tracking table. Runs inside
// the caller's transaction so admission fallback and enqueue commit
// together.
func (s *Store) Enqueue(ctx context.Context, tx *sql.Tx, entry *models.QueueEntry) (string, error) {
    if entry.ID == "" {
        entry.ID = uuid.NewString()
    }

    if entry.CampaignID != nil {
        if _, err := tx.ExecContext(ctx, `
            INSERT INTO call_queue_campaign_dedupe (user_id, contact_id, campaign_id, queue_entry_id)
            VALUES (?, ?, ?, ?)`,
            entry.UserID, entry.ContactID, *entry.CampaignID, entry.ID); err != nil {
            return "", errors.New(errors.ErrQueueDuplicate, "contact already queued for this campaign").
                WithContext("user_id", errors.Hash(entry.UserID))
        }
    }

    _, err := tx.ExecContext(ctx, `
        INSERT INTO call_queue (id, user_id, agent_id, contact_id, phone, source, campaign_id, priority, scheduled_for, attempts, status)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued')`,
        entry.ID, entry.UserID, entry.AgentID, entry.ContactID, entry.Phone, string(entry.Source), entry.CampaignID, entry.Priority,
        entry.ScheduledFor, entry.Attempts)
    if err != nil {
        return "", errors.Wrap(err, errors.ErrDatabase, "failed to enqueue call")
    }

    return entry.ID, nil
}

// ClaimNext atomically selects the next eligible entry for the given
// user using SELECT ... FOR UPDATE SKIP LOCKED, so concurrent
// processor workers never collide on the same row. Eligibility:
// queued, not future-scheduled, and (if campaign-scoped) within the
// campaign's local allowed window.
func (s *Store) ClaimNext(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (*models.QueueEntry, error) {
    row := tx.QueryRowContext(ctx, `
        SELECT q.id, q.user_id, q.agent_id, q.contact_id, q.phone, q.source, q.campaign_id,
               q.priority, q.scheduled_for, q.status, q.attempts, q.last_error, q.created_at, q.updated_at
        FROM call_queue q
        LEFT JOIN campaigns c ON c.id = q.campaign_id
        WHERE q.user_id = ?
          AND q.status = 'queued'
          AND (q.scheduled_for IS NULL OR q.scheduled_for <= ?)
          AND (q.campaign_id IS NULL OR TIME(CONVERT_TZ(?, 'UTC', c.timezone)) BETWEEN CAST(c.window_start AS TIME) AND CAST(c.window_end AS TIME))
        ORDER BY q.priority DESC, q.created_at ASC
        LIMIT 1
        FOR UPDATE SKIP LOCKED`, userID, now, now)

    entry, err := scanEntry(row)
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to claim queue entry")
    }
    return entry, nil
}

// ClaimNextAny is ClaimNext without a user restriction, used by the
// admission-fallback path's eligibility probes and by CLI inspection.
func (s *Store) ClaimNextAny(ctx context.Context, tx *sql.Tx, now time.Time) (*models.QueueEntry, error) {
    row := tx.QueryRowContext(ctx, `
        SELECT q.id, q.user_id, q.agent_id, q.contact_id, q.phone, q.source, q.campaign_id,
               q.priority, q.scheduled_for, q.status, q.attempts, q.last_error, q.created_at, q.updated_at
        FROM call_queue q
        LEFT JOIN campaigns c ON c.id = q.campaign_id
        WHERE q.status = 'queued'
          AND (q.scheduled_for IS NULL OR q.scheduled_for <= ?)
          AND (q.campaign_id IS NULL OR TIME(CONVERT_TZ(?, 'UTC', c.timezone)) BETWEEN CAST(c.window_start AS TIME) AND CAST(c.window_end AS TIME))
        ORDER BY q.priority DESC, q.created_at ASC
        LIMIT 1
        FOR UPDATE SKIP LOCKED`, now, now)

    entry, err := scanEntry(row)
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to claim queue entry")
    }
    return entry, nil
}

func scanEntry(row *sql.Row) (*models.QueueEntry, error) {
    var e models.QueueEntry
    var campaignID sql.NullString
    var scheduledFor sql.NullTime
    var lastError sql.NullString

    if err := row.Scan(&e.ID, &e.UserID, &e.AgentID, &e.ContactID, &e.Phone, &e.Source, &campaignID,
        &e.Priority, &scheduledFor, &e.Status, &e.Attempts, &lastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
        return nil, err
    }

    if campaignID.Valid {
        e.CampaignID = &campaignID.String
    }
    if scheduledFor.Valid {
        e.ScheduledFor = &scheduledFor.Time
    }
    if lastError.Valid {
        e.LastError = lastError.String
    }

    return &e, nil
}

func (s *Store) MarkProcessing(ctx context.Context, tx *sql.Tx, id string) error {
    _, err := tx.ExecContext(ctx, `UPDATE call_queue SET status = 'processing' WHERE id = ? AND status = 'queued'`, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to mark queue entry processing")
    }
    return nil
}

// MarkCompleted deletes the row (terminal rows are not retained; the
// Call row carries the historical trace) and clears the dedupe marker.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
    _, err := s.db.ExecContext(ctx, `UPDATE call_queue SET status = 'completed' WHERE id = ?`, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to mark queue entry completed")
    }
    return s.deleteTerminal(ctx, id)
}

// MarkFailed records the failure reason, then deletes the row after
// the caller has had a chance to decide on retry vs terminal failure
// (see Processor.handleDispatchFailure).
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
    _, err := s.db.ExecContext(ctx, `UPDATE call_queue SET status = 'failed', last_error = ? WHERE id = ?`, reason, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to mark queue entry failed")
    }
    return s.deleteTerminal(ctx, id)
}

// Cancel marks an entry cancelled; already-claimed (processing) rows
// are not retroactively affected.
func (s *Store) Cancel(ctx context.Context, id string) error {
    _, err := s.db.ExecContext(ctx, `UPDATE call_queue SET status = 'cancelled' WHERE id = ? AND status = 'queued'`, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to cancel queue entry")
    }
    return s.deleteTerminal(ctx, id)
}

func (s *Store) deleteTerminal(ctx context.Context, id string) error {
    var campaignID sql.NullString
    var userID, contactID string
    err := s.db.QueryRowContext(ctx, `SELECT user_id, contact_id, campaign_id FROM call_queue WHERE id = ?`, id).
        Scan(&userID, &contactID, &campaignID)
    if err != nil && err != sql.ErrNoRows {
        return errors.Wrap(err, errors.ErrDatabase, "failed to look up queue entry for cleanup")
    }

    if campaignID.Valid {
        s.db.ExecContext(ctx, `DELETE FROM call_queue_campaign_dedupe WHERE user_id = ? AND contact_id = ? AND campaign_id = ?`,
            userID, contactID, campaignID.String)
    }

    _, err = s.db.ExecContext(ctx, `DELETE FROM call_queue WHERE id = ? AND status IN ('completed', 'failed', 'cancelled')`, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to delete terminal queue entry")
    }
    return nil
}

// RequeueWithBackoff increments attempts and re-schedules a failed
// dispatch for retry after an exponential backoff, per spec §4.3.
func (s *Store) RequeueWithBackoff(ctx context.Context, id string, attempt int, base time.Duration, reason string) error {
    delay := base * time.Duration(1<<uint(attempt))
    _, err := s.db.ExecContext(ctx, `
        UPDATE call_queue
        SET status = 'queued', attempts = attempts + 1, scheduled_for = ?, last_error = ?
        WHERE id = ?`,
        time.Now().Add(delay), reason, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to requeue with backoff")
    }
    return nil
}

// Position returns the 1-based rank of entryID among eligible entries
// at the same-or-higher priority.
func (s *Store) Position(ctx context.Context, entryID string) (int, error) {
    var priority int
    var createdAt time.Time
    err := s.db.QueryRowContext(ctx, `SELECT priority, created_at FROM call_queue WHERE id = ?`, entryID).Scan(&priority, &createdAt)
    if err == sql.ErrNoRows {
        return 0, errors.New(errors.ErrQueueEntryNotFound, "queue entry not found")
    }
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read queue entry")
    }

    var position int
    err = s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM call_queue
        WHERE status = 'queued'
          AND (priority > ? OR (priority = ? AND created_at <= ?))`,
        priority, priority, createdAt).Scan(&position)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to compute queue position")
    }

    return position, nil
}

// UsersWithQueuedWork lists distinct users with at least one
// currently-queued entry, used by the processor's round-robin.
func (s *Store) UsersWithQueuedWork(ctx context.Context) ([]string, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT DISTINCT user_id FROM call_queue WHERE status = 'queued' ORDER BY user_id`)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list users with queued work")
    }
    defer rows.Close()

    var users []string
    for rows.Next() {
        var u string
        if err := rows.Scan(&u); err != nil {
            continue
        }
        users = append(users, u)
    }
    return users, nil
}
