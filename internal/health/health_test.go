package health

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestLivenessOKWithNoChecksRegistered(t *testing.T) {
    hs := NewService(0)

    req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
    rec := httptest.NewRecorder()
    hs.handleLiveness(rec, req)

    assert.Equal(t, http.StatusOK, rec.Code)

    var resp Response
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
    assert.Equal(t, "ok", resp.Status)
}

func TestReadinessFailsWhenAnyCheckFails(t *testing.T) {
    hs := NewService(0)
    hs.RegisterReadinessCheck("db", CheckFunc(func(ctx context.Context) error { return nil }))
    hs.RegisterReadinessCheck("provider", CheckFunc(func(ctx context.Context) error {
        return errors.New("unreachable")
    }))

    req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
    rec := httptest.NewRecorder()
    hs.handleReadiness(rec, req)

    assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

    var resp Response
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
    assert.Equal(t, "failed", resp.Status)
    assert.Equal(t, "ok", resp.Checks["db"].Status)
    assert.Equal(t, "failed", resp.Checks["provider"].Status)
    assert.Equal(t, "unreachable", resp.Checks["provider"].Error)
}

func TestLivenessAndReadinessChecksAreIndependent(t *testing.T) {
    hs := NewService(0)
    hs.RegisterLivenessCheck("always-ok", CheckFunc(func(ctx context.Context) error { return nil }))
    hs.RegisterReadinessCheck("always-fails", CheckFunc(func(ctx context.Context) error {
        return errors.New("boom")
    }))

    liveReq := httptest.NewRequest(http.MethodGet, "/health/live", nil)
    liveRec := httptest.NewRecorder()
    hs.handleLiveness(liveRec, liveReq)
    assert.Equal(t, http.StatusOK, liveRec.Code)

    readyReq := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
    readyRec := httptest.NewRecorder()
    hs.handleReadiness(readyRec, readyReq)
    assert.Equal(t, http.StatusServiceUnavailable, readyRec.Code)
}

func TestRegisteringCheckTwiceOverwrites(t *testing.T) {
    hs := NewService(0)
    hs.RegisterLivenessCheck("db", CheckFunc(func(ctx context.Context) error {
        return errors.New("first")
    }))
    hs.RegisterLivenessCheck("db", CheckFunc(func(ctx context.Context) error { return nil }))

    req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
    rec := httptest.NewRecorder()
    hs.handleLiveness(rec, req)

    assert.Equal(t, http.StatusOK, rec.Code)
}
