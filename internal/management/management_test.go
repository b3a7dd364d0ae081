package management

import (
	"context"
	"testing"
	"time"

	"github.com/channelgate/gateway/internal/channelpool"
	"github.com/channelgate/gateway/internal/config"
	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/channelgate/gateway/internal/kv"
)

func testDeps(t *testing.T) (Deps, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	pool := channelpool.New(store, "testnet", 30*time.Second, nil, nil)
	cfg := &config.Config{
		Network:           config.NetworkTestnet,
		PluginAdminSecret: "s3cret",
		LimitedContracts:  map[string]struct{}{},
	}
	return Deps{Config: cfg, Store: store, Network: "testnet", Pool: pool}, store
}

func TestHandleManagementDisabledWhenNoAdminSecret(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Config.PluginAdminSecret = ""

	_, err := Handle(context.Background(), deps, Request{Action: "stats"})
	fail, ok := err.(gwerr.Failure)
	if !ok || fail.Code != gwerr.CodeManagementDisabled {
		t.Fatalf("expected MANAGEMENT_DISABLED, got %v", err)
	}
}

func TestHandleUnauthorizedOnWrongSecret(t *testing.T) {
	deps, _ := testDeps(t)

	_, err := Handle(context.Background(), deps, Request{Action: "stats", AdminSecret: "wrong"})
	fail, ok := err.(gwerr.Failure)
	if !ok || fail.Code != gwerr.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestSetChannelAccountsRejectsRemovingLockedChannel(t *testing.T) {
	deps, _ := testDeps(t)
	ctx := context.Background()

	if _, err := Handle(ctx, deps, Request{Action: "setChannelAccounts", AdminSecret: "s3cret", RelayerIDs: []string{"p1", "p2"}}); err != nil {
		t.Fatalf("initial set: %v", err)
	}
	acquired, err := deps.Pool.Acquire(ctx, channelpool.AcquireParams{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	keep := "p1"
	if acquired.RelayerID == "p1" {
		keep = "p2"
	}

	_, err = Handle(ctx, deps, Request{Action: "setChannelAccounts", AdminSecret: "s3cret", RelayerIDs: []string{keep}})
	fail, ok := err.(gwerr.Failure)
	if !ok || fail.Code != gwerr.CodeLockedConflict {
		t.Fatalf("expected LOCKED_CONFLICT, got %v", err)
	}
}

func TestSetChannelAccountsAllowsRemovingUnlockedChannel(t *testing.T) {
	deps, _ := testDeps(t)
	ctx := context.Background()

	if _, err := Handle(ctx, deps, Request{Action: "setChannelAccounts", AdminSecret: "s3cret", RelayerIDs: []string{"p1", "p2"}}); err != nil {
		t.Fatalf("initial set: %v", err)
	}

	result, err := Handle(ctx, deps, Request{Action: "setChannelAccounts", AdminSecret: "s3cret", RelayerIDs: []string{"p1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := result.(ChannelAccountsResult)
	if len(got.RelayerIDs) != 1 || got.RelayerIDs[0] != "p1" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestStatsReportsPoolSizeAndLockCounts(t *testing.T) {
	deps, _ := testDeps(t)
	ctx := context.Background()

	if _, err := Handle(ctx, deps, Request{Action: "setChannelAccounts", AdminSecret: "s3cret", RelayerIDs: []string{"p1", "p2"}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := deps.Pool.Acquire(ctx, channelpool.AcquireParams{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	result, err := Handle(ctx, deps, Request{Action: "stats", AdminSecret: "s3cret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats := result.(Stats)
	if stats.PoolSize != 2 {
		t.Fatalf("expected pool size 2, got %d", stats.PoolSize)
	}
	if stats.LockedCount == nil || *stats.LockedCount != 1 {
		t.Fatalf("expected locked count 1, got %v", stats.LockedCount)
	}
	if stats.AvailableCount == nil || *stats.AvailableCount != 1 {
		t.Fatalf("expected available count 1, got %v", stats.AvailableCount)
	}
}

func TestHandleUnknownActionRejected(t *testing.T) {
	deps, _ := testDeps(t)

	_, err := Handle(context.Background(), deps, Request{Action: "doSomethingElse", AdminSecret: "s3cret"})
	fail, ok := err.(gwerr.Failure)
	if !ok || fail.Code != gwerr.CodeInvalidAction {
		t.Fatalf("expected INVALID_ACTION, got %v", err)
	}
}
