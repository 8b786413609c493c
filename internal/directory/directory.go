// Package directory manages the reference data the call pipeline
// reads on every admission decision: users, agents, contacts, and
// campaigns. Writes are idempotent upserts, cached reads invalidated
// on write, in the same style as the rest of this codebase's
// reference-data managers.
package directory

import (
    "context"
    "database/sql"
    "fmt"
    "time"

    "github.com/google/uuid"
    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
)

// Cache is the subset of the Redis cache wrapper the directory needs.
type Cache interface {
    Get(ctx context.Context, key string, dest interface{}) error
    Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
    Delete(ctx context.Context, keys ...string) error
}

type Directory struct {
    db    *sql.DB
    cache Cache
}

func New(db *sql.DB, cache Cache) *Directory {
    return &Directory{db: db, cache: cache}
}

func (d *Directory) UpsertUser(ctx context.Context, u *models.User) error {
    if u.ID == "" {
        u.ID = uuid.NewString()
    }

    _, err := d.db.ExecContext(ctx, `
        INSERT INTO users (id, concurrent_limit, balance)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE concurrent_limit = VALUES(concurrent_limit)`,
        u.ID, u.ConcurrentLimit, u.Balance)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to upsert user")
    }

    d.cache.Delete(ctx, userCacheKey(u.ID))
    return nil
}

func (d *Directory) GetUser(ctx context.Context, id string) (*models.User, error) {
    var u models.User
    if err := d.cache.Get(ctx, userCacheKey(id), &u); err == nil && u.ID != "" {
        return &u, nil
    }

    err := d.db.QueryRowContext(ctx, `
        SELECT id, concurrent_limit, balance, created_at, updated_at FROM users WHERE id = ?`, id).
        Scan(&u.ID, &u.ConcurrentLimit, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrUserNotFound, "user not found").WithContext("user_id", errors.Hash(id))
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to read user")
    }

    d.cache.Set(ctx, userCacheKey(id), u, 30*time.Second)
    return &u, nil
}

func (d *Directory) UpsertAgent(ctx context.Context, a *models.Agent) error {
    if a.ID == "" {
        a.ID = uuid.NewString()
    }

    _, err := d.db.ExecContext(ctx, `
        INSERT INTO agents (id, user_id, provider_agent_id, active)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE provider_agent_id = VALUES(provider_agent_id), active = VALUES(active)`,
        a.ID, a.UserID, a.ProviderAgentID, a.Active)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to upsert agent")
    }

    d.cache.Delete(ctx, agentCacheKey(a.ID))
    return nil
}

func (d *Directory) GetAgent(ctx context.Context, userID, id string) (*models.Agent, error) {
    var a models.Agent
    err := d.db.QueryRowContext(ctx, `
        SELECT id, user_id, provider_agent_id, active, created_at, updated_at
        FROM agents WHERE id = ? AND user_id = ?`, id, userID).
        Scan(&a.ID, &a.UserID, &a.ProviderAgentID, &a.Active, &a.CreatedAt, &a.UpdatedAt)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrAgentNotFound, "agent not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to read agent")
    }
    return &a, nil
}

// UpsertContact inserts a contact, or returns the existing one for
// this (user, phone) pair -- contacts are looked up by phone far more
// than by id, so the unique constraint on (user_id, phone) is the
// natural identity.
func (d *Directory) UpsertContact(ctx context.Context, c *models.Contact) (*models.Contact, error) {
    if c.ID == "" {
        c.ID = uuid.NewString()
    }

    _, err := d.db.ExecContext(ctx, `
        INSERT INTO contacts (id, user_id, phone, source)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE id = id`,
        c.ID, c.UserID, c.Phone, string(c.Source))
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to upsert contact")
    }

    return d.GetContactByPhone(ctx, c.UserID, c.Phone)
}

func (d *Directory) GetContactByPhone(ctx context.Context, userID, phone string) (*models.Contact, error) {
    var c models.Contact
    err := d.db.QueryRowContext(ctx, `
        SELECT id, user_id, phone, source, created_at, updated_at
        FROM contacts WHERE user_id = ? AND phone = ?`, userID, phone).
        Scan(&c.ID, &c.UserID, &c.Phone, &c.Source, &c.CreatedAt, &c.UpdatedAt)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrContactNotFound, "contact not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to read contact")
    }
    return &c, nil
}

func (d *Directory) UpsertCampaign(ctx context.Context, c *models.Campaign) error {
    if c.ID == "" {
        c.ID = uuid.NewString()
    }
    if c.RetryMaxAttempts == 0 {
        c.RetryMaxAttempts = models.DefaultRetryPolicy().MaxAttempts
    }
    if c.RetryBackoffBase == 0 {
        c.RetryBackoffBase = models.DefaultRetryPolicy().BackoffBaseSeconds
    }

    _, err := d.db.ExecContext(ctx, `
        INSERT INTO campaigns (id, user_id, name, status, timezone, window_start, window_end,
                                retry_max_attempts, retry_backoff_base_seconds)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            name = VALUES(name), status = VALUES(status), timezone = VALUES(timezone),
            window_start = VALUES(window_start), window_end = VALUES(window_end),
            retry_max_attempts = VALUES(retry_max_attempts),
            retry_backoff_base_seconds = VALUES(retry_backoff_base_seconds)`,
        c.ID, c.UserID, c.Name, string(c.Status), c.Timezone, c.WindowStart, c.WindowEnd,
        c.RetryMaxAttempts, c.RetryBackoffBase)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to upsert campaign")
    }

    d.cache.Delete(ctx, campaignCacheKey(c.ID))
    return nil
}

func (d *Directory) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
    var c models.Campaign
    err := d.db.QueryRowContext(ctx, `
        SELECT id, user_id, name, status, timezone, window_start, window_end,
               retry_max_attempts, retry_backoff_base_seconds, completed_calls, failed_calls,
               created_at, updated_at
        FROM campaigns WHERE id = ?`, id).
        Scan(&c.ID, &c.UserID, &c.Name, &c.Status, &c.Timezone, &c.WindowStart, &c.WindowEnd,
            &c.RetryMaxAttempts, &c.RetryBackoffBase, &c.CompletedCalls, &c.FailedCalls,
            &c.CreatedAt, &c.UpdatedAt)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrInternal, "campaign not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to read campaign")
    }
    return &c, nil
}

// WithinWindow reports whether now (converted to the campaign's local
// timezone) falls within [WindowStart, WindowEnd). Malformed timezone
// data degrades to "always eligible" rather than stalling a campaign.
func WithinWindow(c *models.Campaign, now time.Time) bool {
    loc, err := time.LoadLocation(c.Timezone)
    if err != nil {
        return true
    }

    local := now.In(loc)
    current := local.Format("15:04")
    return current >= c.WindowStart && current < c.WindowEnd
}

func userCacheKey(id string) string     { return fmt.Sprintf("directory:user:%s", id) }
func agentCacheKey(id string) string    { return fmt.Sprintf("directory:agent:%s", id) }
func campaignCacheKey(id string) string { return fmt.Sprintf("directory:campaign:%s", id) }
