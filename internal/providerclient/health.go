package providerclient

import (
    "context"
    "sync"
    "sync/atomic"
    "time"

    "github.com/voxcallhq/callctl/pkg/logger"
)

// HealthMonitor periodically pings the provider and tracks
// reachability, so the readiness check wired in cmd/callctl can
// reflect whether outbound dispatch is currently viable.
type HealthMonitor struct {
    adapter *Adapter
    pingInterval time.Duration

    mu                  sync.RWMutex
    healthy             bool
    consecutiveFailures int
    lastSuccess         time.Time
    lastFailure         time.Time

    totalPings  uint64
    failedPings uint64

    shutdown chan struct{}
    wg       sync.WaitGroup
}

func NewHealthMonitor(adapter *Adapter, pingInterval time.Duration) *HealthMonitor {
    if pingInterval <= 0 {
        pingInterval = 30 * time.Second
    }
    return &HealthMonitor{
        adapter:      adapter,
        pingInterval: pingInterval,
        healthy:      true,
        shutdown:     make(chan struct{}),
    }
}

func (h *HealthMonitor) Start() {
    h.wg.Add(1)
    go h.loop()
}

func (h *HealthMonitor) Stop() {
    close(h.shutdown)
    h.wg.Wait()
}

func (h *HealthMonitor) loop() {
    defer h.wg.Done()

    ticker := time.NewTicker(h.pingInterval)
    defer ticker.Stop()

    for {
        select {
        case <-h.shutdown:
            return
        case <-ticker.C:
            h.ping()
        }
    }
}

func (h *HealthMonitor) ping() {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    atomic.AddUint64(&h.totalPings, 1)
    err := h.adapter.Ping(ctx)

    h.mu.Lock()
    defer h.mu.Unlock()

    if err != nil {
        atomic.AddUint64(&h.failedPings, 1)
        h.consecutiveFailures++
        h.lastFailure = time.Now()

        if h.consecutiveFailures >= 3 && h.healthy {
            h.healthy = false
            logger.WithField("consecutive_failures", h.consecutiveFailures).Warn("provider marked unhealthy")
        }
        return
    }

    h.consecutiveFailures = 0
    h.lastSuccess = time.Now()
    if !h.healthy {
        logger.Info("provider recovered")
    }
    h.healthy = true
}

// IsHealthy reports the last-known provider reachability.
func (h *HealthMonitor) IsHealthy() bool {
    h.mu.RLock()
    defer h.mu.RUnlock()
    return h.healthy
}

// Stats returns counters for the metrics and health endpoints.
func (h *HealthMonitor) Stats() map[string]interface{} {
    h.mu.RLock()
    defer h.mu.RUnlock()

    return map[string]interface{}{
        "healthy":              h.healthy,
        "consecutive_failures": h.consecutiveFailures,
        "total_pings":          atomic.LoadUint64(&h.totalPings),
        "failed_pings":         atomic.LoadUint64(&h.failedPings),
        "last_success":         h.lastSuccess,
        "last_failure":         h.lastFailure,
    }
}
