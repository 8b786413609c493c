package providerclient

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voxcallhq/callctl/internal/config"
    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
)

// fakeAgentResolver stands in for the directory's AgentResolver subset.
type fakeAgentResolver struct {
    agent *models.Agent
    err   error
}

func (f *fakeAgentResolver) GetAgent(ctx context.Context, userID, id string) (*models.Agent, error) {
    return f.agent, f.err
}

func TestDispatchReturnsExecutionID(t *testing.T) {
    var gotBody DispatchRequest
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        assert.Equal(t, "/calls", r.URL.Path)
        assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
        require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
        json.NewEncoder(w).Encode(DispatchResponse{ExecutionID: "exec-1"})
    }))
    defer srv.Close()

    agents := &fakeAgentResolver{agent: &models.Agent{ID: "agent-1", ProviderAgentID: "provider-agent-1"}}
    a := NewAdapter(config.ProviderConfig{BaseURL: srv.URL, APIKey: "test-key", Timeout: time.Second}, "https://callctl.example/webhook", agents)
    executionID, err := a.Dispatch(context.Background(), "internal-1", &models.QueueEntry{UserID: "user-1", AgentID: "agent-1", Phone: "+15551234567"})

    require.NoError(t, err)
    assert.Equal(t, "exec-1", executionID)
    assert.Equal(t, "provider-agent-1", gotBody.AgentID)
}

func TestDispatchPropagatesAgentResolutionFailure(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        t.Fatal("provider should not be contacted when agent resolution fails")
    }))
    defer srv.Close()

    agents := &fakeAgentResolver{err: errors.New(errors.ErrAgentNotFound, "agent not found")}
    a := NewAdapter(config.ProviderConfig{BaseURL: srv.URL, APIKey: "test-key", Timeout: time.Second}, "https://callctl.example/webhook", agents)
    _, err := a.Dispatch(context.Background(), "internal-1", &models.QueueEntry{UserID: "user-1", AgentID: "agent-1", Phone: "+15551234567"})

    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrAgentNotFound))
}

func TestDispatchRejectsProviderErrorStatus(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusBadRequest)
        w.Write([]byte(`{"error":"invalid agent"}`))
    }))
    defer srv.Close()

    agents := &fakeAgentResolver{agent: &models.Agent{ID: "agent-1", ProviderAgentID: "provider-agent-1"}}
    a := NewAdapter(config.ProviderConfig{BaseURL: srv.URL, APIKey: "test-key", Timeout: time.Second}, "https://callctl.example/webhook", agents)
    _, err := a.Dispatch(context.Background(), "internal-1", &models.QueueEntry{UserID: "user-1", AgentID: "agent-1", Phone: "+15551234567"})

    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrProviderBadResponse))
}

func TestDispatchRejectsEmptyExecutionID(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        json.NewEncoder(w).Encode(DispatchResponse{})
    }))
    defer srv.Close()

    agents := &fakeAgentResolver{agent: &models.Agent{ID: "agent-1", ProviderAgentID: "provider-agent-1"}}
    a := NewAdapter(config.ProviderConfig{BaseURL: srv.URL, APIKey: "test-key", Timeout: time.Second}, "https://callctl.example/webhook", agents)
    _, err := a.Dispatch(context.Background(), "internal-1", &models.QueueEntry{UserID: "user-1", AgentID: "agent-1", Phone: "+15551234567"})

    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrProviderBadResponse))
}

func TestPingReportsProviderUnavailableOnConnectionFailure(t *testing.T) {
    a := NewAdapter(config.ProviderConfig{BaseURL: "http://127.0.0.1:1", APIKey: "test-key", Timeout: 100 * time.Millisecond}, "https://callctl.example/webhook", &fakeAgentResolver{})
    err := a.Ping(context.Background())

    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrProviderUnavailable))
}
