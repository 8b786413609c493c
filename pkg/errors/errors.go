package errors

import (
    "fmt"
    "runtime"
    "strings"
)

type ErrorCode string

const (
    // System errors
    ErrInternal      ErrorCode = "INTERNAL_ERROR"
    ErrDatabase      ErrorCode = "DATABASE_ERROR"
    ErrRedis         ErrorCode = "REDIS_ERROR"
    ErrConfiguration ErrorCode = "CONFIG_ERROR"

    // Entity errors
    ErrUserNotFound    ErrorCode = "USER_NOT_FOUND"
    ErrAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"
    ErrContactNotFound ErrorCode = "CONTACT_NOT_FOUND"

    // Admission / ledger errors
    ErrInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
    ErrUserLimitInvalid    ErrorCode = "USER_LIMIT_INVALID"
    ErrAdmissionRejected   ErrorCode = "ADMISSION_REJECTED"
    ErrAdmissionTimeout    ErrorCode = "ADMISSION_TIMEOUT"
    ErrSlotNotFound        ErrorCode = "SLOT_NOT_FOUND"
    ErrSlotConflict        ErrorCode = "SLOT_CONFLICT"

    // Queue errors
    ErrQueueEntryNotFound ErrorCode = "QUEUE_ENTRY_NOT_FOUND"
    ErrQueueDuplicate     ErrorCode = "QUEUE_DUPLICATE"

    // Provider errors
    ErrProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
    ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
    ErrProviderBadResponse ErrorCode = "PROVIDER_BAD_RESPONSE"

    // Webhook / lifecycle errors
    ErrWebhookParseFailure        ErrorCode = "WEBHOOK_PARSE_FAILURE"
    ErrLifecycleInvalidTransition ErrorCode = "LIFECYCLE_INVALID_TRANSITION"

    // Ledger errors
    ErrLedgerDuplicateReference ErrorCode = "LEDGER_DUPLICATE_REFERENCE"
)

type AppError struct {
    Code       ErrorCode
    Message    string
    Err        error
    StatusCode int
    Context    map[string]interface{}
    Stack      string
}

func New(code ErrorCode, message string) *AppError {
    return &AppError{
        Code:       code,
        Message:    message,
        StatusCode: 500,
        Context:    make(map[string]interface{}),
        Stack:      getStack(),
    }
}

func Wrap(err error, code ErrorCode, message string) *AppError {
    if err == nil {
        return nil
    }

    if appErr, ok := err.(*AppError); ok {
        appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
        return appErr
    }

    return &AppError{
        Code:       code,
        Message:    message,
        Err:        err,
        StatusCode: 500,
        Context:    make(map[string]interface{}),
        Stack:      getStack(),
    }
}

func (e *AppError) Error() string {
    if e.Err != nil {
        return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
    }
    return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
    return e.Err
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
    e.Context[key] = value
    return e
}

func (e *AppError) WithStatusCode(code int) *AppError {
    e.StatusCode = code
    return e
}

// IsRetryable reports whether the operation that produced e is worth
// retrying. The store's transaction-retry loop and the queue
// processor's backoff path do not consult it.
func (e *AppError) IsRetryable() bool {
    switch e.Code {
    case ErrDatabase, ErrRedis, ErrProviderTimeout, ErrProviderUnavailable, ErrAdmissionTimeout:
        return true
    default:
        return false
    }
}

func getStack() string {
    var pcs [32]uintptr
    n := runtime.Callers(3, pcs[:])

    var builder strings.Builder
    frames := runtime.CallersFrames(pcs[:n])

    for {
        frame, more := frames.Next()
        if !strings.Contains(frame.File, "runtime/") {
            builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
        }
        if !more {
            break
        }
    }

    return builder.String()
}

// Is reports whether err is an *AppError carrying the given code.
func Is(err error, code ErrorCode) bool {
    if err == nil {
        return false
    }

    appErr, ok := err.(*AppError)
    if !ok {
        return false
    }

    return appErr.Code == code
}

// Hash obscures a sensitive value (user id, phone number) before it is
// attached to error context or shipped to telemetry.
func Hash(value string) string {
    if value == "" {
        return ""
    }
    var h uint32 = 2166136261
    for i := 0; i < len(value); i++ {
        h ^= uint32(value[i])
        h *= 16777619
    }
    return fmt.Sprintf("h%08x", h)
}
