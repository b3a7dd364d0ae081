// Package seqcache caches each channel account's next expected sequence
// number to paper over read-after-write lag on the ledger-entries RPC: a
// transaction that just confirmed can still read back its pre-increment
// sequence number from a lagging RPC node, producing a spurious tx_bad_seq
// on the very next submission.
package seqcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/channelgate/gateway/internal/chainrpc"
	"github.com/channelgate/gateway/internal/clock"
	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/channelgate/gateway/internal/kv"
	"github.com/stellar/go/xdr"
	"pkt.systems/pslog"
)

// ChainReader is the subset of chainrpc.Client the cache depends on, kept
// narrow so tests can substitute a fake.
type ChainReader interface {
	GetLedgerEntries(ctx context.Context, keysXDR []string) (*chainrpc.GetLedgerEntriesResult, error)
}

// Cache is scoped to one network namespace.
type Cache struct {
	store   kv.Store
	network string
	maxAge  time.Duration
	chain   ChainReader
	clock   clock.Clock
	logger  pslog.Logger
}

// New constructs a Cache. maxAge bounds how long a cached sequence is
// trusted before falling back to the chain.
func New(store kv.Store, network string, chain ChainReader, maxAge time.Duration, c clock.Clock, logger pslog.Logger) *Cache {
	if c == nil {
		c = clock.Real{}
	}
	return &Cache{store: store, network: network, chain: chain, maxAge: maxAge, clock: c, logger: logger}
}

type entry struct {
	Sequence    string `json:"sequence"`
	StoredAtUTC int64  `json:"storedAt"`
}

func (c *Cache) key(address string) string {
	return fmt.Sprintf("%s:channel:seq:%s", c.network, address)
}

// GetSequence returns the next sequence number to use for address: a cached
// value if fresh, else chain's current account sequence incremented by one
// (without writing it back: only CommitSequence writes). Callers consume the
// result directly as a transaction's SeqNum; no further arithmetic is
// needed, on a cache hit or a chain fallback alike.
func (c *Cache) GetSequence(ctx context.Context, address string) (string, error) {
	cached, err := kv.GetJSON[entry](ctx, c.store, c.key(address))
	if err == nil && cached != nil {
		age := time.Duration(c.clock.Now().UnixMilli()-cached.StoredAtUTC) * time.Millisecond
		if age < c.maxAge {
			return cached.Sequence, nil
		}
	}
	return c.fetchFromChain(ctx, address)
}

// CommitSequence records that `used` was the sequence consumed by a just
// submitted transaction, caching used+1 as the next expected sequence. KV
// errors are logged and swallowed.
func (c *Cache) CommitSequence(ctx context.Context, address, used string) {
	next, err := incrementDecimal(used)
	if err != nil {
		c.logWarn("seqcache.commit.bad_sequence", address, err)
		return
	}
	e := entry{Sequence: next, StoredAtUTC: c.clock.Now().UnixMilli()}
	if err := kv.SetJSON(ctx, c.store, c.key(address), e, 0); err != nil {
		c.logWarn("seqcache.commit.store_failed", address, err)
	}
}

// ClearSequence deletes any cached sequence for address. Errors swallowed.
func (c *Cache) ClearSequence(ctx context.Context, address string) {
	if err := c.store.Del(ctx, c.key(address)); err != nil {
		c.logWarn("seqcache.clear.store_failed", address, err)
	}
}

// SweepIdle scans every cached sequence entry in the network namespace and
// drops entries older than maxAge*4, bounding unbounded KV growth from
// channels that are acquired once and then abandoned. Cache freshness for
// GetSequence is judged per-entry against maxAge; this sweep is coarser
// proactive hygiene on top of that, not a replacement for it.
func (c *Cache) SweepIdle(ctx context.Context) (swept int, err error) {
	keys, err := c.store.ListKeys(ctx, c.network+":channel:seq:")
	if err != nil {
		return 0, err
	}
	cutoff := c.clock.Now().UnixMilli() - int64(c.maxAge*4/time.Millisecond)
	for _, key := range keys {
		raw, ok, err := c.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if e.StoredAtUTC > cutoff {
			continue
		}
		if err := c.store.Del(ctx, key); err != nil {
			c.logWarn("seqcache.sweep.del_failed", key, err)
			continue
		}
		swept++
	}
	return swept, nil
}

func (c *Cache) fetchFromChain(ctx context.Context, address string) (string, error) {
	ledgerKey, err := buildAccountLedgerKey(address)
	if err != nil {
		return "", gwerr.Failure{Code: gwerr.CodeFailedToGetSequence, Detail: "malformed account address", HTTPStatus: 502}
	}
	res, err := c.chain.GetLedgerEntries(ctx, []string{ledgerKey})
	if err != nil {
		return "", gwerr.Failure{Code: gwerr.CodeFailedToGetSequence, Detail: err.Error(), HTTPStatus: 502}
	}
	if len(res.Entries) == 0 {
		return "", gwerr.Failure{Code: gwerr.CodeAccountNotFound, Detail: "account not found", HTTPStatus: 404, Details: map[string]any{"address": address}}
	}
	seq, err := decodeAccountSequence(res.Entries[0].XDR)
	if err != nil {
		return "", gwerr.Failure{Code: gwerr.CodeFailedToGetSequence, Detail: err.Error(), HTTPStatus: 502}
	}
	next, err := incrementDecimal(seq)
	if err != nil {
		return "", gwerr.Failure{Code: gwerr.CodeFailedToGetSequence, Detail: err.Error(), HTTPStatus: 502}
	}
	return next, nil
}

func (c *Cache) logWarn(event, address string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(event, "address", address, "error", err)
}

func buildAccountLedgerKey(address string) (string, error) {
	var accountID xdr.AccountId
	if err := accountID.SetAddress(address); err != nil {
		return "", err
	}
	lk := xdr.LedgerKey{
		Type: xdr.LedgerEntryTypeAccount,
		Account: &xdr.LedgerKeyAccount{
			AccountId: accountID,
		},
	}
	return xdr.MarshalBase64(lk)
}

func decodeAccountSequence(entryXDR string) (string, error) {
	var data xdr.LedgerEntryData
	if err := xdr.SafeUnmarshalBase64(entryXDR, &data); err != nil {
		return "", err
	}
	if data.Type != xdr.LedgerEntryTypeAccount || data.Account == nil {
		return "", fmt.Errorf("seqcache: ledger entry is not an account entry")
	}
	return fmt.Sprintf("%d", int64(data.Account.SeqNum)), nil
}
