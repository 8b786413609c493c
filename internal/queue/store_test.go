package queue

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

func TestEnqueueWithCampaignChecksDedupeFirst(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    campaignID := "campaign-1"
    entry := &models.QueueEntry{
        UserID:     "user-1",
        AgentID:    "agent-1",
        ContactID:  "contact-1",
        Phone:      "+15551234567",
        Source:     models.CallSourceCampaign,
        CampaignID: &campaignID,
        Priority:   models.PriorityCampaign,
    }

    mock.ExpectBegin()
    mock.ExpectExec(`INSERT INTO call_queue_campaign_dedupe`).
        WillReturnResult(sqlmock.NewResult(1, 1))
    mock.ExpectExec(`INSERT INTO call_queue`).
        WillReturnResult(sqlmock.NewResult(1, 1))
    mock.ExpectCommit()

    tx, err := db.Begin()
    require.NoError(t, err)

    s := NewStore(db)
    id, err := s.Enqueue(context.Background(), tx, entry)
    require.NoError(t, err)
    assert.NotEmpty(t, id)
    require.NoError(t, tx.Commit())
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRejectsDuplicateCampaignContact(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    campaignID := "campaign-1"
    entry := &models.QueueEntry{
        UserID:     "user-1",
        ContactID:  "contact-1",
        CampaignID: &campaignID,
    }

    mock.ExpectBegin()
    mock.ExpectExec(`INSERT INTO call_queue_campaign_dedupe`).
        WillReturnError(errors.New(errors.ErrQueueDuplicate, "duplicate"))
    mock.ExpectRollback()

    tx, err := db.Begin()
    require.NoError(t, err)

    s := NewStore(db)
    _, err = s.Enqueue(context.Background(), tx, entry)
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrQueueDuplicate))
    require.NoError(t, tx.Rollback())
}

func TestPositionReturnsNotFoundForMissingEntry(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectQuery(`SELECT priority, created_at FROM call_queue`).
        WithArgs("missing").
        WillReturnRows(sqlmock.NewRows([]string{"priority", "created_at"}))

    s := NewStore(db)
    _, err = s.Position(context.Background(), "missing")

    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrQueueEntryNotFound))
}

func TestPositionCountsHigherAndEqualOlderPriority(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    now := time.Now()
    mock.ExpectQuery(`SELECT priority, created_at FROM call_queue`).
        WithArgs("entry-1").
        WillReturnRows(sqlmock.NewRows([]string{"priority", "created_at"}).AddRow(0, now))
    mock.ExpectQuery(`SELECT COUNT\(\*\) FROM call_queue`).
        WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

    s := NewStore(db)
    position, err := s.Position(context.Background(), "entry-1")

    require.NoError(t, err)
    assert.Equal(t, 3, position)
}

func TestUsersWithQueuedWorkReturnsDistinctUsers(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectQuery(`SELECT DISTINCT user_id FROM call_queue`).
        WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1").AddRow("user-2"))

    s := NewStore(db)
    users, err := s.UsersWithQueuedWork(context.Background())

    require.NoError(t, err)
    assert.Equal(t, []string{"user-1", "user-2"}, users)
}

func TestRequeueWithBackoffIncrementsAttempts(t *testing.T) {
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    defer db.Close()

    mock.ExpectExec(`UPDATE call_queue\s+SET status = 'queued', attempts = attempts \+ 1`).
        WillReturnResult(sqlmock.NewResult(0, 1))

    s := NewStore(db)
    err = s.RequeueWithBackoff(context.Background(), "entry-1", 2, time.Second, "provider timeout")

    require.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}
