// Package management implements the gateway's management plane: admin-gated
// channel membership and fee-budget administration, dispatched by
// params.management.action after verifying the admin secret.
package management

import (
	"context"
	"strings"

	"github.com/channelgate/gateway/internal/channelpool"
	"github.com/channelgate/gateway/internal/config"
	"github.com/channelgate/gateway/internal/feetracker"
	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/channelgate/gateway/internal/kv"
	"github.com/channelgate/gateway/internal/relayerid"
	"pkt.systems/pslog"
)

// Request is the decoded params.management object.
type Request struct {
	AdminSecret string   `json:"adminSecret"`
	Action      string   `json:"action"`
	RelayerIDs  []string `json:"relayerIds,omitempty"`
	APIKey      string   `json:"apiKey,omitempty"`
	Limit       *int64   `json:"limit,omitempty"`
}

// Deps bundles the collaborators management actions operate on.
type Deps struct {
	Config  *config.Config
	Store   kv.Store
	Network string
	Pool    *channelpool.Pool
	Logger  pslog.Logger
}

// Handle authorizes and dispatches one management request.
func Handle(ctx context.Context, deps Deps, req Request) (any, error) {
	if err := authorize(deps.Config, req.AdminSecret); err != nil {
		return nil, err
	}
	switch req.Action {
	case "listChannelAccounts":
		return listChannelAccounts(ctx, deps)
	case "setChannelAccounts":
		return setChannelAccounts(ctx, deps, req.RelayerIDs)
	case "getFeeUsage":
		return getFeeUsage(ctx, deps, req.APIKey)
	case "getFeeLimit":
		return getFeeLimit(ctx, deps, req.APIKey)
	case "setFeeLimit":
		return setFeeLimit(ctx, deps, req.APIKey, req.Limit)
	case "deleteFeeLimit":
		return deleteFeeLimit(ctx, deps, req.APIKey)
	case "stats":
		return buildStats(ctx, deps)
	default:
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidAction, Detail: "unknown management action", HTTPStatus: 400}
	}
}

func authorize(cfg *config.Config, provided string) error {
	admin := strings.TrimSpace(cfg.PluginAdminSecret)
	if admin == "" {
		return gwerr.Failure{Code: gwerr.CodeManagementDisabled, Detail: "management plane disabled", HTTPStatus: 403}
	}
	secret := strings.TrimSpace(provided)
	if secret == "" || secret != admin {
		return gwerr.Failure{Code: gwerr.CodeUnauthorized, Detail: "invalid admin secret", HTTPStatus: 401}
	}
	return nil
}

// ChannelAccountsResult is returned by listChannelAccounts.
type ChannelAccountsResult struct {
	RelayerIDs []string `json:"relayerIds"`
}

func listChannelAccounts(ctx context.Context, deps Deps) (any, error) {
	members, err := deps.Pool.ListMembers(ctx)
	if err != nil {
		return nil, kvError(err)
	}
	return ChannelAccountsResult{RelayerIDs: members}, nil
}

func setChannelAccounts(ctx context.Context, deps Deps, ids []string) (any, error) {
	normalized, err := relayerid.NormalizeList(ids)
	if err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidParams, Detail: err.Error(), HTTPStatus: 400}
	}

	existing, err := deps.Pool.ListMembers(ctx)
	if err != nil {
		return nil, kvError(err)
	}
	newSet := make(map[string]struct{}, len(normalized))
	for _, id := range normalized {
		newSet[id] = struct{}{}
	}

	var removed []string
	for _, id := range existing {
		if _, stillPresent := newSet[id]; !stillPresent {
			removed = append(removed, id)
		}
	}

	var locked []string
	for _, id := range removed {
		isLocked, err := deps.Pool.IsLocked(ctx, id)
		if err != nil {
			return nil, kvError(err)
		}
		if isLocked {
			locked = append(locked, id)
		}
	}
	if len(locked) > 0 {
		return nil, gwerr.Failure{
			Code:       gwerr.CodeLockedConflict,
			Detail:     "cannot remove locked channel accounts",
			HTTPStatus: 409,
			Details:    map[string]any{"locked": locked},
		}
	}

	if err := deps.Pool.SetMembers(ctx, normalized); err != nil {
		return nil, kvError(err)
	}
	return ChannelAccountsResult{RelayerIDs: normalized}, nil
}

func trackerFor(deps Deps, apiKey string) *feetracker.Tracker {
	return feetracker.New(deps.Store, deps.Network, apiKey, deps.Config.FeeLimit, deps.Config.FeeResetPeriod, nil, deps.Logger)
}

func getFeeUsage(ctx context.Context, deps Deps, apiKey string) (any, error) {
	if apiKey == "" {
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidParams, Detail: "apiKey is required", HTTPStatus: 400}
	}
	info, err := trackerFor(deps, apiKey).GetUsageInfo(ctx)
	if err != nil {
		return nil, kvError(err)
	}
	return info, nil
}

func getFeeLimit(ctx context.Context, deps Deps, apiKey string) (any, error) {
	if apiKey == "" {
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidParams, Detail: "apiKey is required", HTTPStatus: 400}
	}
	limit, err := trackerFor(deps, apiKey).GetCustomLimit(ctx)
	if err != nil {
		return nil, kvError(err)
	}
	return map[string]any{"limit": limit}, nil
}

func setFeeLimit(ctx context.Context, deps Deps, apiKey string, limit *int64) (any, error) {
	if apiKey == "" || limit == nil {
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidParams, Detail: "apiKey and limit are required", HTTPStatus: 400}
	}
	if err := trackerFor(deps, apiKey).SetCustomLimit(ctx, *limit); err != nil {
		if fail, ok := err.(gwerr.Failure); ok {
			return nil, fail
		}
		return nil, kvError(err)
	}
	return map[string]any{"apiKey": apiKey, "limit": *limit}, nil
}

func deleteFeeLimit(ctx context.Context, deps Deps, apiKey string) (any, error) {
	if apiKey == "" {
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidParams, Detail: "apiKey is required", HTTPStatus: 400}
	}
	if err := trackerFor(deps, apiKey).DeleteCustomLimit(ctx); err != nil {
		return nil, kvError(err)
	}
	return map[string]any{"apiKey": apiKey}, nil
}

func kvError(err error) error {
	return gwerr.Failure{Code: gwerr.CodeKVError, Detail: err.Error(), HTTPStatus: 500}
}
