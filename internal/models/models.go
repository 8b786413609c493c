package models

import (
    "database/sql/driver"
    "encoding/json"
    "time"
)

// CallSource distinguishes how a Call entered the system.
type CallSource string

const (
    CallSourceDirect   CallSource = "direct"
    CallSourceCampaign CallSource = "campaign"
    CallSourceInbound  CallSource = "inbound"
)

// CallStatus is the Call's position along the lifecycle DAG.
type CallStatus string

const (
    CallStatusInitiated        CallStatus = "initiated"
    CallStatusRinging          CallStatus = "ringing"
    CallStatusInProgress       CallStatus = "in-progress"
    CallStatusCallDisconnected CallStatus = "call-disconnected"
    CallStatusCompleted        CallStatus = "completed"
    CallStatusBusy             CallStatus = "busy"
    CallStatusNoAnswer         CallStatus = "no-answer"
    CallStatusFailed           CallStatus = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s CallStatus) IsTerminal() bool {
    switch s {
    case CallStatusCompleted, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer:
        return true
    default:
        return false
    }
}

// statusRank gives the monotone ordering used to reject out-of-order
// replays of non-terminal stages. Terminal states are all equally final.
var statusRank = map[CallStatus]int{
    CallStatusInitiated:        0,
    CallStatusRinging:          1,
    CallStatusInProgress:       2,
    CallStatusCallDisconnected: 3,
    CallStatusCompleted:        4,
    CallStatusBusy:             4,
    CallStatusNoAnswer:         4,
    CallStatusFailed:           4,
}

// Before reports whether s is strictly earlier in the DAG than other.
func (s CallStatus) Before(other CallStatus) bool {
    return statusRank[s] < statusRank[other]
}

// SlotKind distinguishes what consumed a concurrency slot.
type SlotKind string

const (
    SlotKindDirect   SlotKind = "direct"
    SlotKindCampaign SlotKind = "campaign"
    SlotKindInbound  SlotKind = "inbound"
)

// QueueStatus is a QueueEntry's state in the durable queue.
type QueueStatus string

const (
    QueueStatusQueued     QueueStatus = "queued"
    QueueStatusProcessing QueueStatus = "processing"
    QueueStatusCompleted  QueueStatus = "completed"
    QueueStatusFailed     QueueStatus = "failed"
    QueueStatusCancelled  QueueStatus = "cancelled"
)

const (
    PriorityDirect   = 100
    PriorityCampaign = 0
)

// LedgerReason classifies a LedgerEntry.
type LedgerReason string

const (
    LedgerReasonCallDebit  LedgerReason = "call-debit"
    LedgerReasonPurchase   LedgerReason = "purchase"
    LedgerReasonBonus      LedgerReason = "bonus"
    LedgerReasonAdjustment LedgerReason = "adjustment"
)

// JSON is a free-form field persisted as a JSON column.
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
    if j == nil {
        return nil, nil
    }
    return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
    if value == nil {
        *j = make(JSON)
        return nil
    }

    bytes, ok := value.([]byte)
    if !ok {
        return nil
    }

    return json.Unmarshal(bytes, j)
}

// User owns Agents, Contacts and Calls, and carries a materialized
// credit balance kept consistent by the Credit Ledger.
type User struct {
    ID              string    `json:"id" db:"id"`
    ConcurrentLimit int       `json:"concurrent_limit" db:"concurrent_limit"`
    Balance         int64     `json:"balance" db:"balance"`
    CreatedAt       time.Time `json:"created_at" db:"created_at"`
    UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Agent is owned by exactly one User and carries the voice-provider's
// own identifier for that agent.
type Agent struct {
    ID               string    `json:"id" db:"id"`
    UserID           string    `json:"user_id" db:"user_id"`
    ProviderAgentID  string    `json:"provider_agent_id" db:"provider_agent_id"`
    Active           bool      `json:"active" db:"active"`
    CreatedAt        time.Time `json:"created_at" db:"created_at"`
    UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// ContactSource tags how a Contact came to exist.
type ContactSource string

const (
    ContactSourceManual  ContactSource = "manual"
    ContactSourceInbound ContactSource = "inbound-auto"
)

// Contact is unique per (UserID, Phone).
type Contact struct {
    ID        string        `json:"id" db:"id"`
    UserID    string        `json:"user_id" db:"user_id"`
    Phone     string        `json:"phone" db:"phone"`
    Source    ContactSource `json:"source" db:"source"`
    CreatedAt time.Time     `json:"created_at" db:"created_at"`
    UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// CampaignStatus tracks a campaign's own lifecycle, independent of its
// individual QueueEntries.
type CampaignStatus string

const (
    CampaignStatusActive    CampaignStatus = "active"
    CampaignStatusPaused    CampaignStatus = "paused"
    CampaignStatusCompleted CampaignStatus = "completed"
)

// RetryPolicy governs re-enqueue of busy/no-answer campaign calls.
type RetryPolicy struct {
    MaxAttempts        int `json:"max_attempts"`
    BackoffBaseSeconds int `json:"backoff_base_seconds"`
}

// DefaultRetryPolicy is used when a Campaign row carries none.
func DefaultRetryPolicy() RetryPolicy {
    return RetryPolicy{MaxAttempts: 3, BackoffBaseSeconds: 60}
}

// Campaign gates queue admission to a local time-of-day window and
// carries the retry policy for its own calls.
type Campaign struct {
    ID              string         `json:"id" db:"id"`
    UserID          string         `json:"user_id" db:"user_id"`
    Name            string         `json:"name" db:"name"`
    Status          CampaignStatus `json:"status" db:"status"`
    Timezone        string         `json:"timezone" db:"timezone"`
    WindowStart      string        `json:"window_start" db:"window_start"` // "15:04"
    WindowEnd        string        `json:"window_end" db:"window_end"`     // "15:04"
    RetryMaxAttempts int           `json:"retry_max_attempts" db:"retry_max_attempts"`
    RetryBackoffBase int           `json:"retry_backoff_base_seconds" db:"retry_backoff_base_seconds"`
    CompletedCalls   int64         `json:"completed_calls" db:"completed_calls"`
    FailedCalls      int64         `json:"failed_calls" db:"failed_calls"`
    CreatedAt        time.Time     `json:"created_at" db:"created_at"`
    UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// RetryPolicyOrDefault returns the campaign's configured policy, falling back
// to DefaultRetryPolicy when unset.
func (c *Campaign) RetryPolicyOrDefault() RetryPolicy {
    if c.RetryMaxAttempts <= 0 {
        return DefaultRetryPolicy()
    }
    return RetryPolicy{MaxAttempts: c.RetryMaxAttempts, BackoffBaseSeconds: c.RetryBackoffBase}
}

// HangupAttribution records who ended the call and why, captured at
// call-disconnected.
type HangupAttribution struct {
    By           string `json:"hangup_by,omitempty"`
    Reason       string `json:"hangup_reason,omitempty"`
    ProviderCode string `json:"hangup_provider_code,omitempty"`
}

// Call is the central entity driven by the lifecycle state machine.
type Call struct {
    ID              string             `json:"id" db:"id"`
    UserID          string             `json:"user_id" db:"user_id"`
    AgentID         string             `json:"agent_id" db:"agent_id"`
    ContactID       string             `json:"contact_id" db:"contact_id"`
    Phone           string             `json:"phone" db:"phone"`
    ExecutionID      *string           `json:"execution_id,omitempty" db:"execution_id"`
    Source          CallSource         `json:"source" db:"source"`
    CampaignID      *string            `json:"campaign_id,omitempty" db:"campaign_id"`
    Status          CallStatus         `json:"status" db:"status"`
    RingingStartedAt    *time.Time     `json:"ringing_started_at,omitempty" db:"ringing_started_at"`
    CallAnsweredAt      *time.Time     `json:"call_answered_at,omitempty" db:"call_answered_at"`
    CallDisconnectedAt  *time.Time     `json:"call_disconnected_at,omitempty" db:"call_disconnected_at"`
    CompletedAt         *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
    HangupAttribution
    Transcript      *string            `json:"transcript,omitempty" db:"transcript"`
    RecordingURL    *string            `json:"recording_url,omitempty" db:"recording_url"`
    DurationSeconds int                `json:"duration_seconds" db:"duration_seconds"`
    CreditsConsumed *int64             `json:"credits_consumed,omitempty" db:"credits_consumed"`
    FailureReason   string             `json:"failure_reason,omitempty" db:"failure_reason"`
    Metadata        JSON               `json:"metadata,omitempty" db:"metadata"`
    CreatedAt       time.Time          `json:"created_at" db:"created_at"`
    UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// SlotEntry is a row in the Slot Registry: one concurrency slot in
// flight. A row exists for a Call iff that Call currently holds a slot.
type SlotEntry struct {
    InternalCallID string    `json:"internal_call_id" db:"internal_call_id"`
    UserID         string    `json:"user_id" db:"user_id"`
    Kind           SlotKind  `json:"kind" db:"kind"`
    ExecutionID    *string   `json:"execution_id,omitempty" db:"execution_id"`
    ReservedAt     time.Time `json:"reserved_at" db:"reserved_at"`
}

// QueueEntry is a persisted unit of pending call work.
type QueueEntry struct {
    ID            string      `json:"id" db:"id"`
    UserID        string      `json:"user_id" db:"user_id"`
    AgentID       string      `json:"agent_id" db:"agent_id"`
    ContactID     string      `json:"contact_id" db:"contact_id"`
    Phone         string      `json:"phone" db:"phone"`
    Source        CallSource  `json:"source" db:"source"`
    CampaignID    *string     `json:"campaign_id,omitempty" db:"campaign_id"`
    Priority      int         `json:"priority" db:"priority"`
    ScheduledFor  *time.Time  `json:"scheduled_for,omitempty" db:"scheduled_for"`
    Status        QueueStatus `json:"status" db:"status"`
    Attempts      int         `json:"attempts" db:"attempts"`
    LastError     string      `json:"last_error,omitempty" db:"last_error"`
    CreatedAt     time.Time   `json:"created_at" db:"created_at"`
    UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an append-only credit movement.
type LedgerEntry struct {
    ID        int64        `json:"id" db:"id"`
    UserID    string       `json:"user_id" db:"user_id"`
    Delta     int64        `json:"delta" db:"delta"`
    Reason    LedgerReason `json:"reason" db:"reason"`
    Reference string       `json:"reference" db:"reference"`
    CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// WebhookEvent is the raw, unparsed payload recorded on receipt for
// replay and debugging, before normalization.
type WebhookEvent struct {
    ID          int64     `json:"id" db:"id"`
    ExecutionID string    `json:"execution_id" db:"execution_id"`
    Status      string    `json:"status" db:"status"`
    RawPayload  JSON      `json:"raw_payload" db:"raw_payload"`
    ReceivedAt  time.Time `json:"received_at" db:"received_at"`
}

// NormalizedWebhook is the payload after normalization, the input to
// the lifecycle state machine.
type NormalizedWebhook struct {
    ExecutionID         string
    Status              CallStatus
    Timestamp           time.Time
    Transcript          *string
    RecordingURL        *string
    DurationSeconds     *int
    HangupBy            string
    HangupReason        string
    HangupProviderCode  string

    // Phone and AgentProviderID are populated only on `initiated`
    // webhooks for calls this instance never admitted (pure inbound) --
    // they carry enough to create the Call/Contact rows on first sight.
    Phone           *string
    AgentProviderID *string
}
