// Package webhook is the Webhook Ingress (spec §4.5): the HTTP server
// the Voice Provider calls back on as a call progresses. It is
// deliberately thin -- record, normalize, dispatch to the Lifecycle
// State Machine -- and always answers 200, since the State Machine is
// idempotent and a 200 + internal retry is cleaner than shedding work
// back onto the provider's own retry policy.
package webhook

import (
    "context"
    "database/sql"
    "encoding/json"
    "io"
    "net"
    "net/http"
    "sync"
    "sync/atomic"
    "time"

    "github.com/go-playground/validator/v10"
    "github.com/gorilla/mux"
    "github.com/voxcallhq/callctl/internal/config"
    "github.com/voxcallhq/callctl/internal/lifecycle"
    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
    "github.com/voxcallhq/callctl/pkg/logger"
)

// payload is the wire shape of a Voice Provider status callback (§6).
type payload struct {
    ID                string  `json:"id" validate:"required_without=ExecutionID"`
    ExecutionID       string  `json:"execution_id" validate:"required_without=ID"`
    Status            string  `json:"status" validate:"required"`
    Timestamp         *string `json:"timestamp"`
    Transcript        *string `json:"transcript"`
    RecordingURL      *string `json:"recording_url"`
    HangupBy          string  `json:"hangup_by"`
    HangupReason      string  `json:"hangup_reason"`
    HangupProviderCode string `json:"hangup_provider_code"`
    Phone             *string `json:"phone"`
    AgentProviderID   *string `json:"agent_id"`
    TelephonyData     *struct {
        DurationSeconds *int `json:"duration_seconds"`
    } `json:"telephony_data"`
}

func (p payload) executionID() string {
    if p.ExecutionID != "" {
        return p.ExecutionID
    }
    return p.ID
}

// Server is the Webhook Ingress HTTP server: raw TCP/HTTP connection
// lifecycle tracked the same way the AGI server tracked its sessions,
// retargeted from a bespoke line protocol to JSON-over-HTTP.
type Server struct {
    cfg      config.WebhookConfig
    db       *sql.DB
    machine  *lifecycle.Machine
    validate *validator.Validate

    httpServer *http.Server
    listener   net.Listener

    connCount    atomic.Int64
    shuttingDown atomic.Bool
    wg           sync.WaitGroup
}

func NewServer(cfg config.WebhookConfig, db *sql.DB, machine *lifecycle.Machine) *Server {
    s := &Server{
        cfg:      cfg,
        db:       db,
        machine:  machine,
        validate: validator.New(),
    }

    router := mux.NewRouter()
    router.HandleFunc("/webhooks/voice", s.handleVoiceWebhook).Methods(http.MethodPost)
    router.Use(s.connTrackingMiddleware)

    s.httpServer = &http.Server{
        Handler:      router,
        ReadTimeout:  cfg.ReadTimeout,
        WriteTimeout: cfg.WriteTimeout,
    }

    return s
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
    addr := s.cfg.GetWebhookAddr()
    ln, err := net.Listen("tcp", addr)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to bind webhook listener")
    }
    s.listener = ln
    ln = &limitListener{Listener: ln, server: s}

    logger.WithField("addr", addr).Info("webhook ingress started")
    err = s.httpServer.Serve(ln)
    if err == http.ErrServerClosed {
        return nil
    }
    return err
}

// Stop drains in-flight connections up to ShutdownTimeout, then forces
// close, mirroring the AGI server's graceful-then-forced shutdown.
func (s *Server) Stop() error {
    s.shuttingDown.Store(true)

    timeout := s.cfg.ShutdownTimeout
    if timeout <= 0 {
        timeout = 10 * time.Second
    }
    ctx, cancel := context.WithTimeout(context.Background(), timeout)
    defer cancel()

    if err := s.httpServer.Shutdown(ctx); err != nil {
        s.httpServer.Close()
    }

    done := make(chan struct{})
    go func() {
        s.wg.Wait()
        close(done)
    }()

    select {
    case <-done:
    case <-ctx.Done():
        logger.Warn("webhook ingress shutdown timed out with connections still open")
    }

    return nil
}

func (s *Server) ActiveConnections() int64 {
    return s.connCount.Load()
}

// connTrackingMiddleware tracks in-flight requests (not raw TCP
// connections -- HTTP keep-alive makes those a poor proxy for load)
// so Stop can wait for handlers to drain before forcing the listener
// closed.
func (s *Server) connTrackingMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        s.wg.Add(1)
        defer s.wg.Done()
        next.ServeHTTP(w, r)
    })
}

// limitListener rejects new connections once MaxConnections are
// already open, the same backpressure the AGI server applied in its
// accept loop, adapted to net.Listener's Accept contract.
type limitListener struct {
    net.Listener
    server *Server
}

func (l *limitListener) Accept() (net.Conn, error) {
    for {
        conn, err := l.Listener.Accept()
        if err != nil {
            return nil, err
        }
        if l.server.shuttingDown.Load() {
            conn.Close()
            continue
        }
        if l.server.cfg.MaxConnections > 0 && l.server.connCount.Load() >= int64(l.server.cfg.MaxConnections) {
            conn.Close()
            continue
        }
        l.server.connCount.Add(1)
        return &trackedConn{Conn: conn, server: l.server}, nil
    }
}

type trackedConn struct {
    net.Conn
    server *Server
    closed atomic.Bool
}

func (c *trackedConn) Close() error {
    if c.closed.CompareAndSwap(false, true) {
        c.server.connCount.Add(-1)
    }
    return c.Conn.Close()
}

type ackResponse struct {
    Success bool `json:"success"`
}

// handleVoiceWebhook is steps 1-4 of §4.5: record, normalize, dispatch,
// always-200. Every exit path below writes the same ack -- only the
// logging differs -- because the provider must never see a status
// that would trigger its own retry storm.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
    ctx := r.Context()
    log := logger.WithContext(ctx)

    body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
    if err != nil {
        log.WithError(err).Warn("failed to read webhook body")
        s.ack(w)
        return
    }

    var p payload
    if err := json.Unmarshal(body, &p); err != nil {
        log.WithError(err).Warn("failed to parse webhook payload")
        s.ack(w)
        return
    }
    if err := s.validate.Struct(p); err != nil {
        log.WithError(err).WithField("execution_id", p.executionID()).Warn("webhook payload failed validation")
        s.ack(w)
        return
    }

    executionID := p.executionID()

    if err := lifecycle.RecordRaw(ctx, s.db, executionID, p.Status, body); err != nil {
        log.WithError(err).WithField("execution_id", executionID).Warn("failed to record raw webhook event")
    }

    event := normalize(p, executionID)
    if err := s.machine.Apply(ctx, event); err != nil {
        log.WithError(err).WithField("execution_id", executionID).Warn("lifecycle apply failed, provider will see 200 regardless")
    }

    s.ack(w)
}

func (s *Server) ack(w http.ResponseWriter) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(http.StatusOK)
    json.NewEncoder(w).Encode(ackResponse{Success: true})
}

func normalize(p payload, executionID string) models.NormalizedWebhook {
    event := models.NormalizedWebhook{
        ExecutionID:        executionID,
        Status:             models.CallStatus(p.Status),
        Timestamp:          time.Now(),
        Transcript:         p.Transcript,
        RecordingURL:       p.RecordingURL,
        HangupBy:           p.HangupBy,
        HangupReason:       p.HangupReason,
        HangupProviderCode: p.HangupProviderCode,
        Phone:              p.Phone,
        AgentProviderID:    p.AgentProviderID,
    }

    if p.Timestamp != nil {
        if t, err := time.Parse(time.RFC3339, *p.Timestamp); err == nil {
            event.Timestamp = t
        }
    }
    if p.TelephonyData != nil {
        event.DurationSeconds = p.TelephonyData.DurationSeconds
    }

    return event
}
