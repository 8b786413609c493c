package admission

import (
    "context"
    "database/sql"
    "os"
    "testing"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
    "github.com/voxcallhq/callctl/pkg/logger"
)

func TestMain(m *testing.M) {
    logger.Init(logger.Config{Level: "error", Format: "text"})
    os.Exit(m.Run())
}

// fakeEnqueuer stands in for the queue store's Enqueuer subset so
// admission tests never need a second sqlmock expectation set for the
// fallback path.
type fakeEnqueuer struct {
    enqueueID  string
    enqueueErr error
    position   int
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, tx *sql.Tx, entry *models.QueueEntry) (string, error) {
    return f.enqueueID, f.enqueueErr
}

func (f *fakeEnqueuer) Position(ctx context.Context, entryID string) (int, error) {
    return f.position, nil
}

// fakeBalanceChecker stands in for the ledger's BalanceChecker subset.
type fakeBalanceChecker struct {
    sufficient bool
    err        error
}

func (f *fakeBalanceChecker) HasSufficientBalance(ctx context.Context, userID string) (bool, error) {
    return f.sufficient, f.err
}

func TestReserveAdmitsWhenCapacityAvailable(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectBegin()
    mock.ExpectQuery(`SELECT concurrent_limit FROM users`).
        WithArgs("user-1").
        WillReturnRows(sqlmock.NewRows([]string{"concurrent_limit"}).AddRow(2))
    mock.ExpectQuery(`SELECT\s+\(SELECT COUNT\(\*\) FROM active_calls WHERE user_id = \? AND kind != 'inbound'\),`).
        WithArgs("user-1").
        WillReturnRows(sqlmock.NewRows([]string{"user_count", "global_count"}).AddRow(0, 0))
    mock.ExpectExec(`INSERT INTO active_calls`).
        WillReturnResult(sqlmock.NewResult(1, 1))
    mock.ExpectCommit()

    c := New(db, &fakeEnqueuer{}, &fakeBalanceChecker{sufficient: true}, 10, 2)
    result, err := c.Reserve(context.Background(), Request{
        UserID: "user-1",
        Kind:   models.SlotKindDirect,
        Source: models.CallSourceDirect,
    })

    require.NoError(t, err)
    assert.Equal(t, ResultAdmitted, result.Kind)
    assert.NotEmpty(t, result.InternalCallID)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveFallsBackToQueueWhenSystemFull(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectBegin()
    mock.ExpectQuery(`SELECT concurrent_limit FROM users`).
        WithArgs("user-1").
        WillReturnRows(sqlmock.NewRows([]string{"concurrent_limit"}).AddRow(2))
    mock.ExpectQuery(`SELECT\s+\(SELECT COUNT\(\*\) FROM active_calls WHERE user_id = \? AND kind != 'inbound'\),`).
        WithArgs("user-1").
        WillReturnRows(sqlmock.NewRows([]string{"user_count", "global_count"}).AddRow(0, 10))
    mock.ExpectCommit()

    c := New(db, &fakeEnqueuer{enqueueID: "queue-entry-1", position: 4}, &fakeBalanceChecker{sufficient: true}, 10, 2)
    result, err := c.Reserve(context.Background(), Request{
        UserID: "user-1",
        Kind:   models.SlotKindCampaign,
        Source: models.CallSourceCampaign,
    })

    require.NoError(t, err)
    assert.Equal(t, ResultQueued, result.Kind)
    assert.Equal(t, "queue-entry-1", result.QueueEntryID)
    assert.Equal(t, 4, result.Position)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveRejectsInsufficientCreditsForDirectCalls(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectBegin()
    mock.ExpectQuery(`SELECT concurrent_limit FROM users`).
        WithArgs("user-1").
        WillReturnRows(sqlmock.NewRows([]string{"concurrent_limit"}).AddRow(2))
    mock.ExpectCommit()

    c := New(db, &fakeEnqueuer{}, &fakeBalanceChecker{sufficient: false}, 10, 2)
    result, err := c.Reserve(context.Background(), Request{
        UserID: "user-1",
        Kind:   models.SlotKindDirect,
        Source: models.CallSourceDirect,
    })

    require.NoError(t, err)
    assert.Equal(t, ResultRejected, result.Kind)
    assert.Equal(t, string(errors.ErrInsufficientCredits), result.RejectReason)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveSkipsBalanceCheckForCampaignCalls(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectBegin()
    mock.ExpectQuery(`SELECT concurrent_limit FROM users`).
        WithArgs("user-1").
        WillReturnRows(sqlmock.NewRows([]string{"concurrent_limit"}).AddRow(2))
    mock.ExpectQuery(`SELECT\s+\(SELECT COUNT\(\*\) FROM active_calls WHERE user_id = \? AND kind != 'inbound'\),`).
        WithArgs("user-1").
        WillReturnRows(sqlmock.NewRows([]string{"user_count", "global_count"}).AddRow(0, 0))
    mock.ExpectExec(`INSERT INTO active_calls`).
        WillReturnResult(sqlmock.NewResult(1, 1))
    mock.ExpectCommit()

    c := New(db, &fakeEnqueuer{}, &fakeBalanceChecker{sufficient: false}, 10, 2)
    result, err := c.Reserve(context.Background(), Request{
        UserID: "user-1",
        Kind:   models.SlotKindCampaign,
        Source: models.CallSourceCampaign,
    })

    require.NoError(t, err)
    assert.Equal(t, ResultAdmitted, result.Kind)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveRejectsUnknownUser(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectBegin()
    mock.ExpectQuery(`SELECT concurrent_limit FROM users`).
        WithArgs("ghost").
        WillReturnError(sql.ErrNoRows)
    mock.ExpectRollback()

    c := New(db, &fakeEnqueuer{}, &fakeBalanceChecker{sufficient: true}, 10, 2)
    _, err = c.Reserve(context.Background(), Request{UserID: "ghost", Kind: models.SlotKindDirect})

    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrUserNotFound))
}

func TestSlotCountsReadsBothScopes(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectQuery(`SELECT\s+\(SELECT COUNT\(\*\) FROM active_calls WHERE user_id = \? AND kind != 'inbound'\),`).
        WithArgs("user-1").
        WillReturnRows(sqlmock.NewRows([]string{"user_count", "global_count"}).AddRow(3, 7))

    c := New(db, &fakeEnqueuer{}, &fakeBalanceChecker{sufficient: true}, 10, 2)
    userCount, globalCount, err := c.SlotCounts(context.Background(), "user-1")

    require.NoError(t, err)
    assert.Equal(t, 3, userCount)
    assert.Equal(t, 7, globalCount)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseByExecutionIDIsIdempotent(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectExec(`DELETE FROM active_calls WHERE execution_id = \?`).
        WithArgs("exec-1").
        WillReturnResult(sqlmock.NewResult(0, 0))

    c := New(db, &fakeEnqueuer{}, &fakeBalanceChecker{sufficient: true}, 10, 2)
    err = c.ReleaseByExecutionID(context.Background(), "exec-1")

    require.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}
