package fees

import (
	"context"
	"net/http"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/channelgate/channelgate/errs"
	"github.com/channelgate/channelgate/kv"
)

const (
	usageLockTTL     = 5 * time.Second
	recordRetries    = 3
	recordRetryDelay = 50 * time.Millisecond
)

// Tracker meters one API key's fee consumption against its budget. The
// effective limit is the per-key override when present, otherwise the
// configured default; with neither, the key is unlimited.
type Tracker struct {
	kv           kv.Store
	network      string
	apiKey       string
	defaultLimit *int64
	resetPeriod  time.Duration // 0 = no periodic reset
}

type usageDoc struct {
	Consumed    int64  `json:"consumed"`
	PeriodStart *int64 `json:"periodStart,omitempty"` // epoch ms
}

type limitDoc struct {
	Limit int64 `json:"limit"`
}

// Usage is the externally visible budget state of a key.
type Usage struct {
	Consumed    int64  `json:"consumed"`
	Limit       *int64 `json:"limit,omitempty"`
	Remaining   *int64 `json:"remaining,omitempty"`
	PeriodStart *int64 `json:"periodStart,omitempty"`
	PeriodEnd   *int64 `json:"periodEnd,omitempty"`
}

// NewTracker builds a tracker for apiKey on the given network namespace.
func NewTracker(store kv.Store, network, apiKey string, defaultLimit *int64, resetPeriod time.Duration) *Tracker {
	return &Tracker{
		kv:           store,
		network:      network,
		apiKey:       apiKey,
		defaultLimit: defaultLimit,
		resetPeriod:  resetPeriod,
	}
}

func (t *Tracker) usageKey() string { return t.network + ":api-key-fees:" + t.apiKey }
func (t *Tracker) limitKey() string { return t.network + ":api-key-limit:" + t.apiKey }
func (t *Tracker) lockKey() string  { return t.usageKey() + ":lock" }

// CheckBudget fails with FEE_LIMIT_EXCEEDED when consuming fee would
// push the key past its effective limit. Without an effective limit it
// is a no-op.
func (t *Tracker) CheckBudget(ctx context.Context, fee int64) error {
	limit, err := t.effectiveLimit(ctx)
	if err != nil {
		return err
	}
	if limit == nil {
		return nil
	}

	state, err := t.readUsage(ctx)
	if err != nil {
		return err
	}
	if state.Consumed+fee > *limit {
		budgetRejectMeter.Mark(1)
		return errs.New(errs.CodeFeeLimitExceeded, http.StatusTooManyRequests,
			"fee limit exceeded").WithDetails(map[string]any{
			"consumed":  state.Consumed,
			"fee":       fee,
			"remaining": *limit - state.Consumed,
			"limit":     *limit,
		})
	}
	return nil
}

// RecordUsage adds fee to the key's consumption under the usage lock.
// Contention is retried a few times and then dropped with a warning;
// recording must never block or break a submission, and KV errors are
// swallowed for the same reason.
func (t *Tracker) RecordUsage(ctx context.Context, fee int64) {
	for attempt := 0; attempt < recordRetries; attempt++ {
		_, ran, err := kv.WithLock(ctx, t.kv, t.lockKey(),
			kv.LockOptions{TTL: usageLockTTL, OnBusy: kv.OnBusySkip},
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, t.applyUsage(ctx, fee)
			})
		if err != nil {
			log.Warn("fee usage record failed", "apiKey", t.apiKey, "err", err)
			return
		}
		if ran {
			recordMeter.Mark(1)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(recordRetryDelay * time.Duration(attempt+1)):
		}
	}
	log.Warn("fee usage record skipped, lock busy", "apiKey", t.apiKey, "fee", fee)
}

func (t *Tracker) applyUsage(ctx context.Context, fee int64) error {
	state, err := t.readUsage(ctx)
	if err != nil {
		return err
	}
	if state.PeriodStart == nil {
		now := time.Now().UnixMilli()
		state.PeriodStart = &now
	}
	state.Consumed += fee
	return kv.SetJSON(ctx, t.kv, t.usageKey(), state, 0)
}

// UsageInfo returns the key's current budget state, with period
// timestamps cleared when the period has already lapsed.
func (t *Tracker) UsageInfo(ctx context.Context) (*Usage, error) {
	state, err := t.readUsage(ctx)
	if err != nil {
		return nil, err
	}
	limit, err := t.effectiveLimit(ctx)
	if err != nil {
		return nil, err
	}

	info := &Usage{Consumed: state.Consumed, Limit: limit, PeriodStart: state.PeriodStart}
	if limit != nil {
		remaining := *limit - state.Consumed
		info.Remaining = &remaining
	}
	if state.PeriodStart != nil && t.resetPeriod > 0 {
		end := *state.PeriodStart + t.resetPeriod.Milliseconds()
		info.PeriodEnd = &end
	}
	return info, nil
}

// CustomLimit returns the per-key override, nil when none is set.
func (t *Tracker) CustomLimit(ctx context.Context) (*int64, error) {
	doc, err := kv.GetJSON[limitDoc](ctx, t.kv, t.limitKey())
	if err != nil {
		return nil, errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "fee limit read failed: %v", err)
	}
	if doc == nil {
		return nil, nil
	}
	return &doc.Limit, nil
}

// SetCustomLimit installs a per-key override. Limits are non-negative.
func (t *Tracker) SetCustomLimit(ctx context.Context, limit int64) error {
	if limit < 0 {
		return errs.New(errs.CodeInvalidParams, http.StatusBadRequest, "fee limit must be >= 0")
	}
	if err := kv.SetJSON(ctx, t.kv, t.limitKey(), limitDoc{Limit: limit}, 0); err != nil {
		return errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "fee limit write failed: %v", err)
	}
	return nil
}

// DeleteCustomLimit removes the per-key override, reverting the key to
// the default limit.
func (t *Tracker) DeleteCustomLimit(ctx context.Context) error {
	if err := t.kv.Del(ctx, t.limitKey()); err != nil {
		return errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "fee limit delete failed: %v", err)
	}
	return nil
}

// DefaultLimit returns the configured default limit, nil = unlimited.
func (t *Tracker) DefaultLimit() *int64 { return t.defaultLimit }

func (t *Tracker) effectiveLimit(ctx context.Context) (*int64, error) {
	custom, err := t.CustomLimit(ctx)
	if err != nil {
		return nil, err
	}
	if custom != nil {
		return custom, nil
	}
	return t.defaultLimit, nil
}

// readUsage loads the usage doc and applies period expiry: once the
// reset period has elapsed the stored state counts as zero.
func (t *Tracker) readUsage(ctx context.Context) (usageDoc, error) {
	doc, err := kv.GetJSON[usageDoc](ctx, t.kv, t.usageKey())
	if err != nil {
		return usageDoc{}, errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "fee usage read failed: %v", err)
	}
	if doc == nil {
		return usageDoc{}, nil
	}
	if t.resetPeriod > 0 && doc.PeriodStart != nil {
		age := time.Now().UnixMilli() - *doc.PeriodStart
		if age >= t.resetPeriod.Milliseconds() {
			return usageDoc{}, nil
		}
	}
	return *doc, nil
}
