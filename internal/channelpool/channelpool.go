// Package channelpool hands out exclusive channel-account leases, fairly
// across a dynamic member list, with bounded capacity per contract class.
// Grounded on the acquire/release/keepalive critical-section pattern used
// for lease leases elsewhere in this stack: a CAS-free, TTL-guarded select
// loop instead of a database transaction.
package channelpool

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/channelgate/gateway/internal/kv"
	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/channelgate/gateway/internal/clock"
)

const (
	// MaxSpins bounds how many times Acquire retries the select-and-claim
	// critical section before giving up.
	MaxSpins = 30
	// poolMutexTTL bounds how long the global select-and-claim mutex may be
	// held; it guards only the in-mutex critical section, not the lease.
	poolMutexTTL = time.Second
	// DefaultCapacityRatio is used when a caller omits a ratio.
	DefaultCapacityRatio = 0.8
)

// Lock is the persisted shape of a channel's in-use entry.
type Lock struct {
	Token       string `json:"token"`
	LockedAtUTC int64  `json:"lockedAt"`
}

// AcquireParams describes the selection constraints for one acquire call.
type AcquireParams struct {
	ContractID       string
	LimitedContracts map[string]struct{}
	CapacityRatio    float64
}

// AcquireResult is the lease handed back to the caller.
type AcquireResult struct {
	RelayerID string
	Token     string
}

// Pool manages channel-account leases for one network namespace.
type Pool struct {
	store   kv.Store
	network string
	lockTTL time.Duration
	clock   clock.Clock
	logger  pslog.Logger
}

// New constructs a Pool scoped to network, using lockTTL for channel leases.
func New(store kv.Store, network string, lockTTL time.Duration, c clock.Clock, logger pslog.Logger) *Pool {
	if c == nil {
		c = clock.Real{}
	}
	return &Pool{store: store, network: network, lockTTL: lockTTL, clock: c, logger: logger}
}

func (p *Pool) membershipKey() string {
	return fmt.Sprintf("%s:channel:relayer-ids", p.network)
}

func (p *Pool) lockKey(relayerID string) string {
	return fmt.Sprintf("%s:channel:in-use:%s", p.network, relayerID)
}

func (p *Pool) poolMutexKey() string {
	return fmt.Sprintf("%s:channel-pool-lock", p.network)
}

type membershipDoc struct {
	RelayerIDs []string `json:"relayerIds"`
}

// ListMembers returns the current channel membership, normalized order as stored.
func (p *Pool) ListMembers(ctx context.Context) ([]string, error) {
	doc, err := kv.GetJSON[membershipDoc](ctx, p.store, p.membershipKey())
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return doc.RelayerIDs, nil
}

// SetMembers overwrites the membership list verbatim (normalization happens
// in the management plane before calling this).
func (p *Pool) SetMembers(ctx context.Context, ids []string) error {
	return kv.SetJSON(ctx, p.store, p.membershipKey(), membershipDoc{RelayerIDs: ids}, 0)
}

// IsLocked reports whether relayerID currently holds an unexpired lease.
func (p *Pool) IsLocked(ctx context.Context, relayerID string) (bool, error) {
	return p.store.Exists(ctx, p.lockKey(relayerID))
}

// Acquire selects and claims one free channel account, honoring contract
// capacity partitioning. It retries up to MaxSpins times across mutex
// contention and transient full-pool spins.
func (p *Pool) Acquire(ctx context.Context, params AcquireParams) (*AcquireResult, error) {
	if params.CapacityRatio <= 0 {
		params.CapacityRatio = DefaultCapacityRatio
	}

	var (
		result            *AcquireResult
		totalChannels     int
		candidateChannels int
		limited           bool
	)

	for attempt := 0; attempt < MaxSpins; attempt++ {
		var spinErr error
		ran, lockErr := p.store.WithLock(ctx, p.poolMutexKey(), kv.LockOptions{TTL: poolMutexTTL, OnBusy: kv.OnBusySkip}, func(innerCtx context.Context) error {
			r, tc, cc, isLimited, err := p.trySelect(innerCtx, params)
			totalChannels, candidateChannels, limited = tc, cc, isLimited
			if err != nil {
				spinErr = err
				return nil
			}
			result = r
			return nil
		})
		if lockErr != nil {
			return nil, lockErr
		}
		if !ran {
			p.clock.Sleep(mutexBackoff())
			continue
		}
		if spinErr != nil {
			return nil, spinErr
		}
		if result != nil {
			return result, nil
		}
		p.clock.Sleep(mutexBackoff())
	}

	if totalChannels == 0 {
		return nil, gwerr.Failure{
			Code:       gwerr.CodeNoChannelsConfigured,
			Detail:     "no channel accounts configured",
			HTTPStatus: 503,
		}
	}

	details := map[string]any{"totalChannels": totalChannels}
	reason := "all_channels_busy_or_mutex_contention"
	if limited {
		reason = "limited_contract_capacity"
		details["candidateChannels"] = candidateChannels
	} else {
		details["busyCandidates"] = candidateChannels
	}
	details["reason"] = reason
	return nil, gwerr.Failure{
		Code:       gwerr.CodePoolCapacity,
		Detail:     "no channel account available",
		HTTPStatus: 503,
		Details:    details,
	}
}

// trySelect runs the critical section: read membership, partition, shuffle,
// claim the first free candidate. It must only be invoked while holding the
// pool mutex.
func (p *Pool) trySelect(ctx context.Context, params AcquireParams) (result *AcquireResult, totalChannels, candidateChannels int, limited bool, err error) {
	members, err := p.ListMembers(ctx)
	if err != nil {
		return nil, 0, 0, false, err
	}
	totalChannels = len(members)
	if totalChannels == 0 {
		return nil, 0, 0, false, gwerr.Failure{
			Code:       gwerr.CodeNoChannelsConfigured,
			Detail:     "no channel accounts configured",
			HTTPStatus: 503,
		}
	}

	candidates := members
	limited = params.ContractID != "" && params.LimitedContracts != nil
	if limited {
		if _, ok := params.LimitedContracts[params.ContractID]; ok {
			candidates = Partition(members, params.CapacityRatio)
		} else {
			limited = false
		}
	}
	candidateChannels = len(candidates)

	shuffled := shuffle(candidates)
	for _, id := range shuffled {
		locked, err := p.store.Exists(ctx, p.lockKey(id))
		if err != nil {
			return nil, totalChannels, candidateChannels, limited, err
		}
		if locked {
			continue
		}
		token := uuid.NewString()
		lock := Lock{Token: token, LockedAtUTC: p.clock.Now().UnixMilli()}
		if err := kv.SetJSON(ctx, p.store, p.lockKey(id), lock, p.lockTTL); err != nil {
			return nil, totalChannels, candidateChannels, limited, err
		}
		return &AcquireResult{RelayerID: id, Token: token}, totalChannels, candidateChannels, limited, nil
	}
	return nil, totalChannels, candidateChannels, limited, nil
}

// Release relinquishes relayerID's lease if token matches the stored holder.
// A mismatched or absent lock is a no-op (protects against late releases
// after TTL expiry). KV errors are logged and swallowed: the lease's TTL
// will reclaim it regardless.
func (p *Pool) Release(ctx context.Context, relayerID, token string) {
	lock, err := kv.GetJSON[Lock](ctx, p.store, p.lockKey(relayerID))
	if err != nil {
		p.logWarn("pool.release.load_failed", relayerID, err)
		return
	}
	if lock == nil || lock.Token != token {
		return
	}
	if err := p.store.Del(ctx, p.lockKey(relayerID)); err != nil {
		p.logWarn("pool.release.delete_failed", relayerID, err)
	}
}

// Extend rewrites relayerID's lease with a fresh TTL if token still matches.
// All KV errors are swallowed.
func (p *Pool) Extend(ctx context.Context, relayerID, token string) {
	lock, err := kv.GetJSON[Lock](ctx, p.store, p.lockKey(relayerID))
	if err != nil {
		p.logWarn("pool.extend.load_failed", relayerID, err)
		return
	}
	if lock == nil || lock.Token != token {
		return
	}
	lock.LockedAtUTC = p.clock.Now().UnixMilli()
	if err := kv.SetJSON(ctx, p.store, p.lockKey(relayerID), *lock, p.lockTTL); err != nil {
		p.logWarn("pool.extend.store_failed", relayerID, err)
	}
}

func (p *Pool) logWarn(event, relayerID string, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Warn(event, "relayer_id", relayerID, "error", err)
}

// Partition returns the deterministic candidate subset of members eligible
// for a limited contract: sorted by simpleHash ascending (stable tie-break on
// id), truncated to max(1, floor(ratio*N)).
func Partition(members []string, ratio float64) []string {
	n := len(members)
	if n == 0 {
		return nil
	}
	k := int(math.Floor(ratio * float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	sorted := append([]string(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		hi, hj := simpleHash(sorted[i]), simpleHash(sorted[j])
		if hi != hj {
			return hi < hj
		}
		return sorted[i] < sorted[j]
	})
	return sorted[:k]
}

// simpleHash is an intentionally weak, stable string hash (sum of char
// codes, shifted): good enough for distributing capacity across a pool, not
// adversarially robust. The spec explicitly allows any stable deterministic
// hash here.
func simpleHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = (h << 5) + h + uint32(s[i])
	}
	return h
}

func shuffle(in []string) []string {
	out := append([]string(nil), in...)
	for i := len(out) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func mutexBackoff() time.Duration {
	return time.Duration(10+rand.IntN(21)) * time.Millisecond
}
