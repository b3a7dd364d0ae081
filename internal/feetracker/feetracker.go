// Package feetracker encapsulates per-API-key fee budget state: checking a
// prospective fee against a limit, recording consumed usage under a scoped
// lock, and period-based resets.
package feetracker

import (
	"context"
	"fmt"
	"time"

	"github.com/channelgate/gateway/internal/clock"
	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/channelgate/gateway/internal/kv"
	"pkt.systems/pslog"
)

// recordUsageLockTTL bounds the scoped lock used while mutating usage state.
const recordUsageLockTTL = 5 * time.Second

// recordUsageMaxAttempts bounds how many times recordUsage retries a busy
// lock before giving up silently.
const recordUsageMaxAttempts = 3

// Tracker is scoped to one API key within one network namespace.
type Tracker struct {
	store        kv.Store
	network      string
	apiKey       string
	defaultLimit *int64
	resetPeriod  time.Duration // zero means no reset
	clock        clock.Clock
	logger       pslog.Logger
}

// New constructs a Tracker. defaultLimit and resetPeriod may be nil/zero to
// mean "unset".
func New(store kv.Store, network, apiKey string, defaultLimit *int64, resetPeriod time.Duration, c clock.Clock, logger pslog.Logger) *Tracker {
	if c == nil {
		c = clock.Real{}
	}
	return &Tracker{store: store, network: network, apiKey: apiKey, defaultLimit: defaultLimit, resetPeriod: resetPeriod, clock: c, logger: logger}
}

func (t *Tracker) usageKey() string {
	return fmt.Sprintf("%s:api-key-fees:%s", t.network, t.apiKey)
}

func (t *Tracker) limitKey() string {
	return fmt.Sprintf("%s:api-key-limit:%s", t.network, t.apiKey)
}

type usageState struct {
	Consumed       int64 `json:"consumed"`
	PeriodStartUTC int64 `json:"periodStart,omitempty"`
}

// UsageInfo is the public, period-normalized view of a key's usage.
type UsageInfo struct {
	Consumed    int64
	PeriodStart *int64
	Limit       *int64
}

func (t *Tracker) effectiveLimit(ctx context.Context) (*int64, error) {
	custom, err := t.GetCustomLimit(ctx)
	if err != nil {
		return nil, err
	}
	if custom != nil {
		return custom, nil
	}
	return t.defaultLimit, nil
}

func (t *Tracker) loadUsage(ctx context.Context) (usageState, error) {
	state, err := kv.GetJSON[usageState](ctx, t.store, t.usageKey())
	if err != nil {
		return usageState{}, err
	}
	if state == nil {
		return usageState{}, nil
	}
	return t.applyPeriodExpiry(*state), nil
}

func (t *Tracker) applyPeriodExpiry(state usageState) usageState {
	if t.resetPeriod <= 0 || state.PeriodStartUTC == 0 {
		return state
	}
	elapsed := time.Duration(t.clock.Now().UnixMilli()-state.PeriodStartUTC) * time.Millisecond
	if elapsed >= t.resetPeriod {
		return usageState{}
	}
	return state
}

// GetUsageInfo returns the current, period-normalized usage view.
func (t *Tracker) GetUsageInfo(ctx context.Context) (UsageInfo, error) {
	state, err := t.loadUsage(ctx)
	if err != nil {
		return UsageInfo{}, err
	}
	limit, err := t.effectiveLimit(ctx)
	if err != nil {
		return UsageInfo{}, err
	}
	info := UsageInfo{Consumed: state.Consumed, Limit: limit}
	if state.PeriodStartUTC != 0 {
		ps := state.PeriodStartUTC
		info.PeriodStart = &ps
	}
	return info, nil
}

// CheckBudget fails FEE_LIMIT_EXCEEDED when consumed+fee exceeds the
// effective limit. No effective limit means unlimited: always passes.
func (t *Tracker) CheckBudget(ctx context.Context, fee int64) error {
	limit, err := t.effectiveLimit(ctx)
	if err != nil {
		return err
	}
	if limit == nil {
		return nil
	}
	state, err := t.loadUsage(ctx)
	if err != nil {
		return err
	}
	if state.Consumed+fee > *limit {
		return gwerr.Failure{
			Code:       gwerr.CodeFeeLimitExceeded,
			Detail:     "fee would exceed the configured budget",
			HTTPStatus: 429,
			Details: map[string]any{
				"consumed":  state.Consumed,
				"fee":       fee,
				"remaining": *limit - state.Consumed,
				"limit":     *limit,
			},
		}
	}
	return nil
}

// RecordUsage adds fee to consumed usage under a scoped lock, retrying up
// to recordUsageMaxAttempts times if the lock is busy. If still busy after
// all attempts, logs a warning and returns without error: usage recording
// must never break submission.
func (t *Tracker) RecordUsage(ctx context.Context, fee int64) {
	for attempt := 0; attempt < recordUsageMaxAttempts; attempt++ {
		ran, err := t.store.WithLock(ctx, t.usageKey()+":lock", kv.LockOptions{TTL: recordUsageLockTTL, OnBusy: kv.OnBusySkip}, func(innerCtx context.Context) error {
			state, err := t.loadUsage(innerCtx)
			if err != nil {
				return err
			}
			if state.PeriodStartUTC == 0 {
				state.PeriodStartUTC = t.clock.Now().UnixMilli()
			}
			state.Consumed += fee
			return kv.SetJSON(innerCtx, t.store, t.usageKey(), state, 0)
		})
		if err != nil {
			t.logWarn("feetracker.record_usage.store_failed", err)
			return
		}
		if ran {
			return
		}
	}
	t.logWarn("feetracker.record_usage.lock_busy", nil)
}

// GetCustomLimit returns the per-key override, or nil if none is set.
func (t *Tracker) GetCustomLimit(ctx context.Context) (*int64, error) {
	return kv.GetJSON[int64](ctx, t.store, t.limitKey())
}

// SetCustomLimit sets a per-key override. limit must be >= 0.
func (t *Tracker) SetCustomLimit(ctx context.Context, limit int64) error {
	if limit < 0 {
		return gwerr.Failure{Code: gwerr.CodeInvalidParams, Detail: "limit must be >= 0", HTTPStatus: 400}
	}
	return kv.SetJSON(ctx, t.store, t.limitKey(), limit, 0)
}

// DeleteCustomLimit removes the per-key override, falling back to the
// default limit.
func (t *Tracker) DeleteCustomLimit(ctx context.Context) error {
	return t.store.Del(ctx, t.limitKey())
}

func (t *Tracker) logWarn(event string, err error) {
	if t.logger == nil {
		return
	}
	if err != nil {
		t.logger.Warn(event, "api_key", t.apiKey, "error", err)
		return
	}
	t.logger.Warn(event, "api_key", t.apiKey)
}
