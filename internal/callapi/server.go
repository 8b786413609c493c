// Package callapi is the one sliver of HTTP API this control plane
// owns directly: a single endpoint that lets a caller place a direct
// or campaign call through the Admission Controller. Everything else
// -- CRUD on users/agents/contacts/campaigns -- is an external
// collaborator per spec §1.
package callapi

import (
    "context"
    "database/sql"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/go-playground/validator/v10"
    "github.com/gorilla/mux"
    "github.com/voxcallhq/callctl/internal/admission"
    "github.com/voxcallhq/callctl/internal/config"
    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
    "github.com/voxcallhq/callctl/pkg/logger"
)

// Admitter is the admission decision this server drives every request
// through.
type Admitter interface {
    Reserve(ctx context.Context, req admission.Request) (admission.Result, error)
    AttachExecutionID(ctx context.Context, internalCallID, executionID string) error
    ReleaseByInternalID(ctx context.Context, internalCallID string) error
}

// AgentContactResolver is the subset of the directory this server
// needs to validate a request before spending an admission decision
// on it.
type AgentContactResolver interface {
    GetAgent(ctx context.Context, userID, id string) (*models.Agent, error)
    UpsertContact(ctx context.Context, c *models.Contact) (*models.Contact, error)
}

// Dispatcher places an admitted call with the voice provider.
type Dispatcher interface {
    Dispatch(ctx context.Context, internalCallID string, entry *models.QueueEntry) (executionID string, err error)
}

// Server is the direct-call admission HTTP API.
type Server struct {
    cfg       config.APIConfig
    db        *sql.DB
    admission Admitter
    directory AgentContactResolver
    dispatch  Dispatcher
    validate  *validator.Validate

    httpServer *http.Server
}

func NewServer(cfg config.APIConfig, db *sql.DB, admissionCtl Admitter, dir AgentContactResolver, dispatch Dispatcher) *Server {
    s := &Server{
        cfg:       cfg,
        db:        db,
        admission: admissionCtl,
        directory: dir,
        dispatch:  dispatch,
        validate:  validator.New(),
    }

    router := mux.NewRouter()
    router.HandleFunc("/v1/calls", s.handleCreateCall).Methods(http.MethodPost)

    port := cfg.Port
    if port <= 0 {
        port = 8081
    }

    s.httpServer = &http.Server{
        Addr:         fmt.Sprintf("0.0.0.0:%d", port),
        Handler:      router,
        ReadTimeout:  cfg.ReadTimeout,
        WriteTimeout: cfg.WriteTimeout,
    }

    return s
}

// Start begins serving and blocks until the server is shut down.
func (s *Server) Start() error {
    logger.WithField("addr", s.httpServer.Addr).Info("direct-call admission API started")
    err := s.httpServer.ListenAndServe()
    if err == http.ErrServerClosed {
        return nil
    }
    return err
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    return s.httpServer.Shutdown(ctx)
}

// createCallRequest is the wire shape of a direct or campaign call
// placement request.
type createCallRequest struct {
    UserID     string  `json:"user_id" validate:"required"`
    AgentID    string  `json:"agent_id" validate:"required"`
    Phone      string  `json:"phone" validate:"required,e164"`
    CampaignID *string `json:"campaign_id"`
}

type createCallResponse struct {
    Status       string `json:"status"`
    CallID       string `json:"call_id,omitempty"`
    ExecutionID  string `json:"execution_id,omitempty"`
    QueueEntryID string `json:"queue_entry_id,omitempty"`
    Position     int    `json:"position,omitempty"`
}

type errorResponse struct {
    Error string `json:"error"`
}

// handleCreateCall is the admission entry point spec §7 requires:
// validate, resolve the agent and contact, ask the Admission
// Controller to reserve, then either dispatch immediately (admitted)
// or report the queue position (queued).
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
    ctx := r.Context()
    log := logger.WithContext(ctx)

    var req createCallRequest
    if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
        s.writeError(w, http.StatusBadRequest, "malformed request body")
        return
    }
    if err := s.validate.Struct(req); err != nil {
        s.writeError(w, http.StatusBadRequest, err.Error())
        return
    }

    agent, err := s.directory.GetAgent(ctx, req.UserID, req.AgentID)
    if err != nil {
        s.writeAppError(w, err)
        return
    }

    contact, err := s.directory.UpsertContact(ctx, &models.Contact{
        UserID: req.UserID,
        Phone:  req.Phone,
        Source: models.ContactSourceManual,
    })
    if err != nil {
        s.writeAppError(w, err)
        return
    }

    source := models.CallSourceDirect
    slotKind := models.SlotKindDirect
    if req.CampaignID != nil {
        source = models.CallSourceCampaign
        slotKind = models.SlotKindCampaign
    }

    result, err := s.admission.Reserve(ctx, admission.Request{
        UserID:     req.UserID,
        Kind:       slotKind,
        AgentID:    agent.ID,
        ContactID:  contact.ID,
        Phone:      req.Phone,
        Source:     source,
        CampaignID: req.CampaignID,
    })
    if err != nil {
        s.writeAppError(w, err)
        return
    }

    switch result.Kind {
    case admission.ResultRejected:
        s.writeRejection(w, result.RejectReason)
    case admission.ResultQueued:
        log.WithField("queue_entry_id", result.QueueEntryID).Info("direct call queued, capacity unavailable")
        s.writeJSON(w, http.StatusAccepted, createCallResponse{
            Status:       "queued",
            QueueEntryID: result.QueueEntryID,
            Position:     result.Position,
        })
    case admission.ResultAdmitted:
        s.dispatchAdmitted(ctx, w, req, agent, contact, source, result.InternalCallID)
    }
}

// dispatchAdmitted creates the Call row sharing the admitted internal
// call id, then synchronously invokes the provider. A dispatch failure
// here is spec §4.3 Scenario C: release the slot, mark the Call
// terminally failed with no ledger entry, and let any webhook the
// provider sends anyway be handled by the lifecycle machine's
// unknown-call upsert path.
func (s *Server) dispatchAdmitted(ctx context.Context, w http.ResponseWriter, req createCallRequest, agent *models.Agent, contact *models.Contact, source models.CallSource, internalCallID string) {
    log := logger.WithContext(ctx).WithField("call_id", internalCallID)

    if err := s.createCallRow(ctx, internalCallID, req, agent, contact, source); err != nil {
        s.admission.ReleaseByInternalID(ctx, internalCallID)
        log.WithError(err).Error("failed to persist call row after admission")
        s.writeAppError(w, err)
        return
    }

    entry := &models.QueueEntry{
        UserID:  req.UserID,
        AgentID: agent.ID,
        Phone:   req.Phone,
        Source:  source,
    }

    executionID, err := s.dispatch.Dispatch(ctx, internalCallID, entry)
    if err != nil {
        log.WithError(err).Warn("provider dispatch failed, releasing slot")
        s.admission.ReleaseByInternalID(ctx, internalCallID)
        if markErr := s.markCallFailed(ctx, internalCallID, "provider_timeout"); markErr != nil {
            log.WithError(markErr).Error("failed to mark call failed after dispatch error")
        }
        s.writeError(w, http.StatusServiceUnavailable, "voice provider did not accept the call")
        return
    }

    if err := s.admission.AttachExecutionID(ctx, internalCallID, executionID); err != nil {
        log.WithError(err).Warn("failed to attach execution id to slot")
    }
    if _, err := s.db.ExecContext(ctx, `UPDATE calls SET execution_id = ? WHERE id = ?`, executionID, internalCallID); err != nil {
        log.WithError(err).Warn("failed to attach execution id to call row")
    }

    s.writeJSON(w, http.StatusCreated, createCallResponse{
        Status:      "admitted",
        CallID:      internalCallID,
        ExecutionID: executionID,
    })
}

func (s *Server) createCallRow(ctx context.Context, callID string, req createCallRequest, agent *models.Agent, contact *models.Contact, source models.CallSource) error {
    _, err := s.db.ExecContext(ctx, `
        INSERT INTO calls (id, user_id, agent_id, contact_id, phone, source, campaign_id, status)
        VALUES (?, ?, ?, ?, ?, ?, ?, 'initiated')`,
        callID, req.UserID, agent.ID, contact.ID, req.Phone, string(source), req.CampaignID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to create call row")
    }
    return nil
}

func (s *Server) markCallFailed(ctx context.Context, callID, reason string) error {
    _, err := s.db.ExecContext(ctx, `
        UPDATE calls SET status = 'failed', failure_reason = ?, completed_at = NOW() WHERE id = ?`,
        reason, callID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to mark call failed")
    }
    return nil
}

// writeRejection maps an admission rejection's reason code to the HTTP
// status spec §7/§9 assigns it.
func (s *Server) writeRejection(w http.ResponseWriter, reason string) {
    status := http.StatusConflict
    switch errors.ErrorCode(reason) {
    case errors.ErrInsufficientCredits:
        status = http.StatusPaymentRequired
    case errors.ErrUserLimitInvalid:
        status = http.StatusConflict
    }
    s.writeError(w, status, reason)
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
    appErr, ok := err.(*errors.AppError)
    if !ok {
        s.writeError(w, http.StatusInternalServerError, err.Error())
        return
    }

    status := http.StatusInternalServerError
    switch appErr.Code {
    case errors.ErrUserNotFound, errors.ErrAgentNotFound, errors.ErrContactNotFound:
        status = http.StatusNotFound
    case errors.ErrInsufficientCredits:
        status = http.StatusPaymentRequired
    case errors.ErrUserLimitInvalid, errors.ErrQueueDuplicate:
        status = http.StatusConflict
    case errors.ErrDatabase, errors.ErrRedis, errors.ErrAdmissionTimeout:
        status = http.StatusServiceUnavailable
    }
    s.writeError(w, status, appErr.Message)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
    s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(body)
}
