package channelpool

import (
	"context"
	"testing"
	"time"

	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/channelgate/gateway/internal/kv"
)

func TestAcquireDistinctChannelsThenCapacity(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	p := New(store, "testnet", 30*time.Second, nil, nil)
	if err := p.SetMembers(ctx, []string{"p1", "p2"}); err != nil {
		t.Fatalf("set members: %v", err)
	}

	r1, err := p.Acquire(ctx, AcquireParams{})
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	r2, err := p.Acquire(ctx, AcquireParams{})
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if r1.RelayerID == r2.RelayerID {
		t.Fatalf("expected distinct relayers, got %s twice", r1.RelayerID)
	}

	_, err = p.Acquire(ctx, AcquireParams{})
	if err == nil {
		t.Fatal("expected pool capacity failure")
	}
	fail, ok := err.(gwerr.Failure)
	if !ok {
		t.Fatalf("expected gwerr.Failure, got %T", err)
	}
	if fail.Code != gwerr.CodePoolCapacity {
		t.Fatalf("expected POOL_CAPACITY, got %s", fail.Code)
	}
	if fail.Details["reason"] != "all_channels_busy_or_mutex_contention" {
		t.Fatalf("unexpected reason: %v", fail.Details["reason"])
	}
	if fail.Details["totalChannels"] != 2 {
		t.Fatalf("unexpected totalChannels: %v", fail.Details["totalChannels"])
	}
}

func TestAcquireLimitedContractCapacity(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	p := New(store, "testnet", 30*time.Second, nil, nil)
	members := []string{"p1", "p2", "p3", "p4", "p5"}
	if err := p.SetMembers(ctx, members); err != nil {
		t.Fatalf("set members: %v", err)
	}

	limited := map[string]struct{}{"CABC123": {}}
	partition := Partition(members, 0.2)
	if len(partition) != 1 {
		t.Fatalf("expected single-member partition, got %v", partition)
	}

	acquired, err := p.Acquire(ctx, AcquireParams{ContractID: "CABC123", LimitedContracts: limited, CapacityRatio: 0.2})
	if err != nil {
		t.Fatalf("first limited acquire: %v", err)
	}
	if acquired.RelayerID != partition[0] {
		t.Fatalf("expected partition member %s, got %s", partition[0], acquired.RelayerID)
	}

	_, err = p.Acquire(ctx, AcquireParams{ContractID: "CABC123", LimitedContracts: limited, CapacityRatio: 0.2})
	if err == nil {
		t.Fatal("expected pool capacity failure for exhausted partition")
	}
	fail := err.(gwerr.Failure)
	if fail.Details["reason"] != "limited_contract_capacity" {
		t.Fatalf("unexpected reason: %v", fail.Details["reason"])
	}
	if fail.Details["candidateChannels"] != 1 {
		t.Fatalf("unexpected candidateChannels: %v", fail.Details["candidateChannels"])
	}

	// An unrelated contract is not restricted to the partition.
	other, err := p.Acquire(ctx, AcquireParams{ContractID: "COTHER", LimitedContracts: limited, CapacityRatio: 0.2})
	if err != nil {
		t.Fatalf("unrestricted acquire: %v", err)
	}
	if other.RelayerID == acquired.RelayerID {
		t.Fatalf("expected a free channel outside the exhausted partition")
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	p := New(store, "testnet", 30*time.Second, nil, nil)
	if err := p.SetMembers(ctx, []string{"p1"}); err != nil {
		t.Fatalf("set members: %v", err)
	}

	first, err := p.Acquire(ctx, AcquireParams{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(ctx, first.RelayerID, first.Token)

	locked, err := p.IsLocked(ctx, first.RelayerID)
	if err != nil || locked {
		t.Fatalf("expected channel unlocked after release, locked=%v err=%v", locked, err)
	}

	second, err := p.Acquire(ctx, AcquireParams{})
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if second.RelayerID != first.RelayerID {
		t.Fatalf("expected same channel back, got %s", second.RelayerID)
	}
}

func TestReleaseMismatchedTokenIsNoop(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	p := New(store, "testnet", 30*time.Second, nil, nil)
	_ = p.SetMembers(ctx, []string{"p1"})

	acquired, err := p.Acquire(ctx, AcquireParams{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(ctx, acquired.RelayerID, "wrong-token")

	locked, err := p.IsLocked(ctx, acquired.RelayerID)
	if err != nil || !locked {
		t.Fatalf("expected lock to survive mismatched release, locked=%v err=%v", locked, err)
	}
}

func TestExtendRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	p := New(store, "testnet", time.Second, nil, nil)
	_ = p.SetMembers(ctx, []string{"p1"})

	acquired, err := p.Acquire(ctx, AcquireParams{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Extend(ctx, acquired.RelayerID, acquired.Token)

	locked, err := p.IsLocked(ctx, acquired.RelayerID)
	if err != nil || !locked {
		t.Fatalf("expected lock still held after extend, locked=%v err=%v", locked, err)
	}
}

func TestAcquireNoChannelsConfigured(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	p := New(store, "testnet", 30*time.Second, nil, nil)

	_, err := p.Acquire(ctx, AcquireParams{})
	if err == nil {
		t.Fatal("expected failure with no members configured")
	}
	fail := err.(gwerr.Failure)
	if fail.Code != gwerr.CodeNoChannelsConfigured {
		t.Fatalf("expected NO_CHANNELS_CONFIGURED, got %s", fail.Code)
	}
}
