package directory

import (
    "context"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
)

// fakeCache is a no-op Cache: every Get misses, Set/Delete just record
// calls. That is enough to exercise the directory's cache-aside logic
// without a real Redis connection.
type fakeCache struct {
    deleted []string
    sets    int
}

func (f *fakeCache) Get(ctx context.Context, key string, dest interface{}) error {
    return errors.New(errors.ErrInternal, "cache miss")
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
    f.sets++
    return nil
}

func (f *fakeCache) Delete(ctx context.Context, keys ...string) error {
    f.deleted = append(f.deleted, keys...)
    return nil
}

func TestUpsertUserInvalidatesCache(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectExec(`INSERT INTO users`).
        WillReturnResult(sqlmock.NewResult(1, 1))

    cache := &fakeCache{}
    d := New(db, cache)

    u := &models.User{ID: "user-1", ConcurrentLimit: 5, Balance: 100}
    err = d.UpsertUser(context.Background(), u)

    require.NoError(t, err)
    assert.Equal(t, []string{"directory:user:user-1"}, cache.deleted)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserFallsBackToDatabaseOnCacheMiss(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    now := time.Now()
    mock.ExpectQuery(`SELECT id, concurrent_limit, balance, created_at, updated_at FROM users WHERE id = \?`).
        WithArgs("user-1").
        WillReturnRows(sqlmock.NewRows([]string{"id", "concurrent_limit", "balance", "created_at", "updated_at"}).
            AddRow("user-1", 5, int64(100), now, now))

    cache := &fakeCache{}
    d := New(db, cache)

    u, err := d.GetUser(context.Background(), "user-1")

    require.NoError(t, err)
    assert.Equal(t, "user-1", u.ID)
    assert.Equal(t, 1, cache.sets)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserReturnsNotFound(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectQuery(`SELECT id, concurrent_limit, balance, created_at, updated_at FROM users WHERE id = \?`).
        WithArgs("ghost").
        WillReturnRows(sqlmock.NewRows([]string{"id", "concurrent_limit", "balance", "created_at", "updated_at"}))

    d := New(db, &fakeCache{})
    _, err = d.GetUser(context.Background(), "ghost")

    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrUserNotFound))
}

func TestUpsertContactReturnsExistingRowOnConflict(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    now := time.Now()
    mock.ExpectExec(`INSERT INTO contacts`).
        WillReturnResult(sqlmock.NewResult(0, 0))
    mock.ExpectQuery(`SELECT id, user_id, phone, source, created_at, updated_at\s+FROM contacts WHERE user_id = \? AND phone = \?`).
        WithArgs("user-1", "+15551234567").
        WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "phone", "source", "created_at", "updated_at"}).
            AddRow("contact-1", "user-1", "+15551234567", "direct", now, now))

    d := New(db, &fakeCache{})
    c, err := d.UpsertContact(context.Background(), &models.Contact{
        UserID: "user-1",
        Phone:  "+15551234567",
        Source: models.ContactSourceManual,
    })

    require.NoError(t, err)
    assert.Equal(t, "contact-1", c.ID)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCampaignReturnsNotFound(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectQuery(`SELECT id, user_id, name, status, timezone, window_start, window_end,`).
        WithArgs("missing").
        WillReturnRows(sqlmock.NewRows([]string{
            "id", "user_id", "name", "status", "timezone", "window_start", "window_end",
            "retry_max_attempts", "retry_backoff_base_seconds", "completed_calls", "failed_calls",
            "created_at", "updated_at",
        }))

    d := New(db, &fakeCache{})
    _, err = d.GetCampaign(context.Background(), "missing")

    require.Error(t, err)
}

func TestWithinWindowDoesNotPanicAndTreatsBadTimezoneAsEligible(t *testing.T) {
    c := &models.Campaign{Timezone: "America/New_York", WindowStart: "09:00", WindowEnd: "17:00"}

    noon := time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC)
    assert.NotPanics(t, func() { WithinWindow(c, noon) })

    bad := &models.Campaign{Timezone: "Not/A/Zone", WindowStart: "09:00", WindowEnd: "17:00"}
    assert.True(t, WithinWindow(bad, noon))
}
