package webhook

import (
    "bytes"
    "context"
    "database/sql"
    "net/http"
    "net/http/httptest"
    "testing"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voxcallhq/callctl/internal/config"
    "github.com/voxcallhq/callctl/internal/lifecycle"
    "github.com/voxcallhq/callctl/internal/models"
)

// stubLedger never gets exercised in these tests: every payload below
// is either malformed or targets a status that doesn't touch the
// ledger, so DebitForCallTx is never called.
type stubLedger struct{}

func (stubLedger) DebitForCallTx(ctx context.Context, tx *sql.Tx, userID, callID string, seconds int) (int64, error) {
    return 0, nil
}

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock, func()) {
    t.Helper()
    db, mock, err := sqlmock.New()
    require.NoError(t, err)

    machine := lifecycle.New(db, stubLedger{}, nil, nil)
    s := NewServer(config.WebhookConfig{MaxConnections: 10}, db, machine)
    return s, mock, func() { db.Close() }
}

func TestNormalizePrefersExecutionIDOverID(t *testing.T) {
    p := payload{ID: "from-id", ExecutionID: "from-exec"}
    assert.Equal(t, "from-exec", p.executionID())
}

func TestNormalizeFallsBackToID(t *testing.T) {
    p := payload{ID: "from-id"}
    assert.Equal(t, "from-id", p.executionID())
}

func TestNormalizeCarriesTelephonyDuration(t *testing.T) {
    d := 127
    p := payload{
        Status: "completed",
        TelephonyData: &struct {
            DurationSeconds *int `json:"duration_seconds"`
        }{DurationSeconds: &d},
    }
    event := normalize(p, "exec-1")
    require.NotNil(t, event.DurationSeconds)
    assert.Equal(t, 127, *event.DurationSeconds)
    assert.Equal(t, models.CallStatus("completed"), event.Status)
}

func TestHandleVoiceWebhookAlwaysAcks200(t *testing.T) {
    s, mock, closeDB := newTestServer(t)
    defer closeDB()

    mock.ExpectExec(`INSERT INTO webhook_events`).WillReturnResult(sqlmock.NewResult(1, 1))
    mock.ExpectExec(`UPDATE calls`).WillReturnResult(sqlmock.NewResult(0, 0))

    body := []byte(`{"execution_id":"exec-1","status":"ringing","timestamp":"2026-01-01T00:00:00Z"}`)
    req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", bytes.NewReader(body))
    rec := httptest.NewRecorder()

    s.handleVoiceWebhook(rec, req)

    assert.Equal(t, http.StatusOK, rec.Code)
    assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestHandleVoiceWebhookAcks200OnMalformedJSON(t *testing.T) {
    s, _, closeDB := newTestServer(t)
    defer closeDB()

    req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", bytes.NewReader([]byte(`not json`)))
    rec := httptest.NewRecorder()

    s.handleVoiceWebhook(rec, req)

    assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleVoiceWebhookAcks200OnValidationFailure(t *testing.T) {
    s, _, closeDB := newTestServer(t)
    defer closeDB()

    // Missing both id/execution_id and status.
    req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", bytes.NewReader([]byte(`{}`)))
    rec := httptest.NewRecorder()

    s.handleVoiceWebhook(rec, req)

    assert.Equal(t, http.StatusOK, rec.Code)
}

func TestActiveConnectionsReportsTrackedCount(t *testing.T) {
    s := &Server{}
    s.connCount.Store(3)
    assert.Equal(t, int64(3), s.ActiveConnections())
}
