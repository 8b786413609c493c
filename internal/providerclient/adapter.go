// Package providerclient talks to the external voice-calling
// provider: placing outbound calls and tracking its reachability.
package providerclient

import (
    "context"
    "time"

    "github.com/go-resty/resty/v2"
    "github.com/voxcallhq/callctl/internal/config"
    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
    "github.com/voxcallhq/callctl/pkg/logger"
)

// DispatchRequest is the payload sent to the provider to place a call.
type DispatchRequest struct {
    InternalCallID string `json:"internal_call_id"`
    AgentID        string `json:"agent_id"`
    Phone          string `json:"phone"`
    WebhookURL     string `json:"webhook_url"`
}

// DispatchResponse is the provider's acknowledgement, carrying the id
// it will reference in subsequent webhooks.
type DispatchResponse struct {
    ExecutionID string `json:"execution_id"`
}

// AgentResolver resolves the internal agents.id foreign key carried on
// a queue entry to the provider's own agent identifier. Kept as an
// interface so this package never imports the directory package
// directly.
type AgentResolver interface {
    GetAgent(ctx context.Context, userID, id string) (*models.Agent, error)
}

// Adapter is the thin client over the provider's call-placement API.
type Adapter struct {
    client     *resty.Client
    webhookURL string
    agents     AgentResolver
}

func NewAdapter(cfg config.ProviderConfig, webhookURL string, agents AgentResolver) *Adapter {
    client := resty.New().
        SetBaseURL(cfg.BaseURL).
        SetHeader("Authorization", "Bearer "+cfg.APIKey).
        SetTimeout(cfg.Timeout).
        SetRetryCount(2).
        SetRetryWaitTime(250 * time.Millisecond)

    return &Adapter{client: client, webhookURL: webhookURL, agents: agents}
}

// Dispatch places a call with the provider and returns the execution
// id it assigned. The outbound agent_id must be the provider's own
// identifier, not our internal agents.id foreign key.
func (a *Adapter) Dispatch(ctx context.Context, internalCallID string, entry *models.QueueEntry) (string, error) {
    agent, err := a.agents.GetAgent(ctx, entry.UserID, entry.AgentID)
    if err != nil {
        return "", err
    }

    req := DispatchRequest{
        InternalCallID: internalCallID,
        AgentID:        agent.ProviderAgentID,
        Phone:          entry.Phone,
        WebhookURL:     a.webhookURL,
    }

    var resp DispatchResponse
    result, err := a.client.R().
        SetContext(ctx).
        SetBody(req).
        SetResult(&resp).
        Post("/calls")

    if err != nil {
        return "", errors.Wrap(err, errors.ErrProviderTimeout, "failed to reach provider")
    }
    if result.IsError() {
        return "", errors.New(errors.ErrProviderBadResponse, "provider rejected call").
            WithContext("status", result.StatusCode()).
            WithContext("body", string(result.Body()))
    }
    if resp.ExecutionID == "" {
        return "", errors.New(errors.ErrProviderBadResponse, "provider returned empty execution id")
    }

    logger.WithContext(ctx).WithFields(map[string]interface{}{
        "internal_call_id": internalCallID,
        "execution_id":      resp.ExecutionID,
    }).Info("call dispatched to provider")

    return resp.ExecutionID, nil
}

// Ping checks provider reachability for the health monitor.
func (a *Adapter) Ping(ctx context.Context) error {
    result, err := a.client.R().SetContext(ctx).Get("/health")
    if err != nil {
        return errors.Wrap(err, errors.ErrProviderUnavailable, "provider health check failed")
    }
    if result.IsError() {
        return errors.New(errors.ErrProviderUnavailable, "provider health check returned error status")
    }
    return nil
}
