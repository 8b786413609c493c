package queue

import (
    "context"
    "database/sql"
    "sync/atomic"
    "time"

    "github.com/voxcallhq/callctl/internal/models"
    "github.com/voxcallhq/callctl/pkg/errors"
    "github.com/voxcallhq/callctl/pkg/logger"
)

// SlotReserver is the admission-side capability the processor needs to
// recheck capacity before dispatching a claimed entry, and to attach
// the provider's execution id once dispatch succeeds. Kept as an
// interface to avoid importing the admission package back into queue.
type SlotReserver interface {
    ReserveForDispatch(ctx context.Context, userID string, kind models.SlotKind) (internalCallID string, admitted bool, err error)
    AttachExecutionID(ctx context.Context, internalCallID, executionID string) error
    ReleaseByInternalID(ctx context.Context, internalCallID string) error
}

// Dispatcher places an outbound call with the voice provider for an
// admitted queue entry and returns the provider's execution id.
type Dispatcher interface {
    Dispatch(ctx context.Context, internalCallID string, entry *models.QueueEntry) (executionID string, err error)
}

// CampaignLookup resolves a campaign's configured retry policy so the
// processor can honor per-campaign backoff/attempt ceilings instead of
// the package default. Kept as an interface to avoid importing the
// directory package back into queue.
type CampaignLookup interface {
    GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
}

// Processor is the Queue Processor (spec §4.2): a tick loop that
// round-robins over users with queued work, claiming and dispatching
// one entry per user per tick so no single user starves the rest.
type Processor struct {
    store     *Store
    db        *sql.DB
    slots     SlotReserver
    dispatch  Dispatcher
    campaigns CampaignLookup

    interval  time.Duration
    rrCounter uint64

    stop chan struct{}
    done chan struct{}
}

func NewProcessor(store *Store, db *sql.DB, slots SlotReserver, dispatch Dispatcher, campaigns CampaignLookup, interval time.Duration) *Processor {
    return &Processor{
        store:     store,
        db:        db,
        slots:     slots,
        dispatch:  dispatch,
        campaigns: campaigns,
        interval:  interval,
        stop:      make(chan struct{}),
        done:      make(chan struct{}),
    }
}

func (p *Processor) Start() {
    go p.run()
}

func (p *Processor) Stop() {
    close(p.stop)
    <-p.done
}

func (p *Processor) run() {
    defer close(p.done)

    ticker := time.NewTicker(p.interval)
    defer ticker.Stop()

    for {
        select {
        case <-p.stop:
            return
        case <-ticker.C:
            if err := p.tick(context.Background()); err != nil {
                logger.WithError(err).Error("queue processor tick failed")
            }
        }
    }
}

// tick drains one eligible entry per user with queued work, rotating
// the starting offset each pass so the same user never monopolizes
// the front of the list across ticks.
func (p *Processor) tick(ctx context.Context) error {
    users, err := p.store.UsersWithQueuedWork(ctx)
    if err != nil {
        return err
    }
    if len(users) == 0 {
        return nil
    }

    offset := int(atomic.AddUint64(&p.rrCounter, 1)) % len(users)
    rotated := append(users[offset:], users[:offset]...)

    for _, userID := range rotated {
        if err := p.drainOne(ctx, userID); err != nil {
            logger.WithContext(ctx).WithError(err).WithField("user_id", errors.Hash(userID)).
                Warn("failed to drain queue entry")
        }
    }

    return nil
}

// drainOne claims the single highest-priority eligible entry for a
// user, rechecks admission, and dispatches it. If capacity is still
// exhausted the entry is released back to queued so the next tick
// can retry, since holding
// a processing row without a reserved slot would under-report queue
// depth.
func (p *Processor) drainOne(ctx context.Context, userID string) error {
    var entry *models.QueueEntry

    err := withTx(ctx, p.db, func(tx *sql.Tx) error {
        e, err := p.store.ClaimNext(ctx, tx, userID, time.Now())
        if err != nil || e == nil {
            return err
        }
        if err := p.store.MarkProcessing(ctx, tx, e.ID); err != nil {
            return err
        }
        entry = e
        return nil
    })
    if err != nil || entry == nil {
        return err
    }

    internalCallID, admitted, err := p.slots.ReserveForDispatch(ctx, entry.UserID, models.SlotKind(entry.Source))
    if err != nil {
        return p.requeue(ctx, entry, err.Error())
    }
    if !admitted {
        return p.requeue(ctx, entry, "no capacity at dispatch time")
    }

    executionID, err := p.dispatch.Dispatch(ctx, internalCallID, entry)
    if err != nil {
        p.slots.ReleaseByInternalID(ctx, internalCallID)
        return p.handleDispatchFailure(ctx, entry, err)
    }

    if err := p.slots.AttachExecutionID(ctx, internalCallID, executionID); err != nil {
        return err
    }

    return p.store.MarkCompleted(ctx, entry.ID)
}

func (p *Processor) requeue(ctx context.Context, entry *models.QueueEntry, reason string) error {
    _, err := p.db.ExecContext(ctx, `UPDATE call_queue SET status = 'queued', last_error = ? WHERE id = ?`, reason, entry.ID)
    return err
}

// handleDispatchFailure applies the campaign retry policy: retry with
// exponential backoff up to the configured attempt ceiling, then fail
// the entry terminally. Non-campaign entries and campaigns that fail
// to resolve fall back to the package default policy.
func (p *Processor) handleDispatchFailure(ctx context.Context, entry *models.QueueEntry, dispatchErr error) error {
    policy := p.retryPolicyFor(ctx, entry)

    if entry.Attempts+1 >= policy.MaxAttempts {
        return p.store.MarkFailed(ctx, entry.ID, dispatchErr.Error())
    }

    base := time.Duration(policy.BackoffBaseSeconds) * time.Second
    return p.store.RequeueWithBackoff(ctx, entry.ID, entry.Attempts, base, dispatchErr.Error())
}

func (p *Processor) retryPolicyFor(ctx context.Context, entry *models.QueueEntry) models.RetryPolicy {
    if entry.CampaignID == nil || p.campaigns == nil {
        return models.DefaultRetryPolicy()
    }

    campaign, err := p.campaigns.GetCampaign(ctx, *entry.CampaignID)
    if err != nil {
        logger.WithContext(ctx).WithError(err).WithField("campaign_id", *entry.CampaignID).
            Warn("failed to resolve campaign retry policy, using default")
        return models.DefaultRetryPolicy()
    }

    return campaign.RetryPolicyOrDefault()
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
    tx, err := db.BeginTx(ctx, nil)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to begin queue transaction")
    }

    defer func() {
        if r := recover(); r != nil {
            tx.Rollback()
            panic(r)
        }
    }()

    if err := fn(tx); err != nil {
        tx.Rollback()
        return err
    }

    return tx.Commit()
}
