package providerclient

import (
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"

    "github.com/voxcallhq/callctl/internal/config"
)

func TestHealthMonitorStartsHealthy(t *testing.T) {
    a := NewAdapter(config.ProviderConfig{BaseURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond}, "", nil)
    h := NewHealthMonitor(a, time.Hour)

    assert.True(t, h.IsHealthy())
}

func TestHealthMonitorMarksUnhealthyAfterThreeConsecutiveFailures(t *testing.T) {
    a := NewAdapter(config.ProviderConfig{BaseURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond}, "", nil)
    h := NewHealthMonitor(a, time.Hour)

    h.ping()
    assert.True(t, h.IsHealthy())
    h.ping()
    assert.True(t, h.IsHealthy())
    h.ping()
    assert.False(t, h.IsHealthy())

    stats := h.Stats()
    assert.Equal(t, uint64(3), stats["total_pings"])
    assert.Equal(t, uint64(3), stats["failed_pings"])
}

func TestHealthMonitorRecoversOnSuccessfulPing(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
    }))
    defer srv.Close()

    a := NewAdapter(config.ProviderConfig{BaseURL: srv.URL, Timeout: time.Second}, "", nil)
    h := NewHealthMonitor(a, time.Hour)
    h.healthy = false
    h.consecutiveFailures = 3

    h.ping()

    assert.True(t, h.IsHealthy())
    assert.Equal(t, 0, h.consecutiveFailures)
}

func TestHealthMonitorStartStop(t *testing.T) {
    a := NewAdapter(config.ProviderConfig{BaseURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond}, "", nil)
    h := NewHealthMonitor(a, 10*time.Millisecond)

    h.Start()
    h.Stop()
}
