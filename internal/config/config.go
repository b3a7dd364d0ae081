// Package config parses the gateway's process environment into a typed
// Config, following the same fail-fast-on-required/clamp-on-invalid style
// used throughout this stack's server configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/channelgate/gateway/internal/relayerid"
)

const (
	// DefaultLockTTL is the channel-lock TTL used when LOCK_TTL_SECONDS is
	// unset or invalid.
	DefaultLockTTL = 30 * time.Second
	// MinLockTTL is the floor LOCK_TTL_SECONDS is clamped to.
	MinLockTTL = 3 * time.Second
	// MaxLockTTL is the ceiling LOCK_TTL_SECONDS is clamped to.
	MaxLockTTL = 30 * time.Second
	// DefaultAPIKeyHeader is used when API_KEY_HEADER is unset.
	DefaultAPIKeyHeader = "x-api-key"
	// DefaultCapacityRatio is used when CONTRACT_CAPACITY_RATIO is unset or
	// out of range.
	DefaultCapacityRatio = 0.8
	// DefaultInclusionFee is the Soroban inclusion fee, in stroops, for
	// contracts outside the limited set.
	DefaultInclusionFee = int64(203)
	// DefaultInclusionFeeLimited is the reduced inclusion fee applied to
	// limited contracts.
	DefaultInclusionFeeLimited = int64(201)
	// DefaultSequenceCacheMaxAge is how long a cached channel sequence is
	// trusted before falling back to the chain.
	DefaultSequenceCacheMaxAge = 120 * time.Second

	envNetwork                = "NETWORK"
	envFundRelayer            = "FUND_RELAYER"
	envLockTTLSeconds         = "LOCK_TTL_SECONDS"
	envFeeLimit               = "FEE_LIMIT"
	envFeeResetPeriodSec      = "FEE_RESET_PERIOD_SECONDS"
	envAPIKeyHeader           = "API_KEY_HEADER"
	envPluginAdminSecret      = "PLUGIN_ADMIN_SECRET"
	envLimitedContracts       = "LIMITED_CONTRACTS"
	envContractCapacity       = "CONTRACT_CAPACITY_RATIO"
	envInclusionFeeDefault    = "INCLUSION_FEE_DEFAULT"
	envInclusionFeeLimited    = "INCLUSION_FEE_LIMITED"
	envSequenceCacheMaxAgeSec = "SEQUENCE_CACHE_MAX_AGE_SECONDS"
)

// Network identifies which Stellar network a request targets.
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

// Config is parsed fresh from the process environment once per request;
// there is no module-level mutable singleton.
type Config struct {
	Network     Network
	FundRelayer string

	LockTTL               time.Duration
	FeeLimit              *int64
	FeeResetPeriod        time.Duration // zero means no reset
	APIKeyHeader          string
	PluginAdminSecret     string // empty disables the management plane
	LimitedContracts      map[string]struct{}
	ContractCapacityRatio float64
	InclusionFeeDefault   int64
	InclusionFeeLimited   int64
	SequenceCacheMaxAge   time.Duration
}

// FromEnv parses Config from the process environment. Required variables
// missing or empty fail fast with CONFIG_MISSING, and a NETWORK other than
// testnet or mainnet fails with UNSUPPORTED_NETWORK; every other invalid
// value silently falls back to its default.
func FromEnv() (*Config, error) {
	network := strings.ToLower(strings.TrimSpace(os.Getenv(envNetwork)))
	if network == "" {
		return nil, gwerr.Failure{Code: gwerr.CodeConfigMissing, Detail: "NETWORK is required", HTTPStatus: 500}
	}
	if network != string(NetworkTestnet) && network != string(NetworkMainnet) {
		return nil, gwerr.Failure{
			Code:       gwerr.CodeUnsupportedNetwork,
			Detail:     "network must be testnet or mainnet",
			HTTPStatus: 400,
			Details:    map[string]any{"network": network},
		}
	}

	fundRelayer, err := relayerid.Normalize(os.Getenv(envFundRelayer))
	if err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeConfigMissing, Detail: "FUND_RELAYER is required", HTTPStatus: 500}
	}

	cfg := &Config{
		Network:               Network(network),
		FundRelayer:           fundRelayer,
		LockTTL:               parseClampedSeconds(os.Getenv(envLockTTLSeconds), DefaultLockTTL, MinLockTTL, MaxLockTTL),
		APIKeyHeader:          strings.ToLower(strings.TrimSpace(os.Getenv(envAPIKeyHeader))),
		PluginAdminSecret:     os.Getenv(envPluginAdminSecret),
		ContractCapacityRatio: parseRatio(os.Getenv(envContractCapacity), DefaultCapacityRatio),
		InclusionFeeDefault:   parsePositiveInt64(os.Getenv(envInclusionFeeDefault), DefaultInclusionFee),
		InclusionFeeLimited:   parsePositiveInt64(os.Getenv(envInclusionFeeLimited), DefaultInclusionFeeLimited),
		SequenceCacheMaxAge:   parsePositiveSeconds(os.Getenv(envSequenceCacheMaxAgeSec), DefaultSequenceCacheMaxAge),
	}

	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	cfg.FeeLimit = parseOptionalNonNegativeInt64(os.Getenv(envFeeLimit))
	cfg.FeeResetPeriod = parseOptionalSeconds(os.Getenv(envFeeResetPeriodSec))
	cfg.LimitedContracts = parseLimitedContracts(os.Getenv(envLimitedContracts))

	return cfg, nil
}

func parseClampedSeconds(raw string, def, min, max time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	d := time.Duration(n) * time.Second
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func parseOptionalSeconds(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func parsePositiveSeconds(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func parseOptionalNonNegativeInt64(raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func parsePositiveInt64(raw string, def int64) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func parseRatio(raw string, def float64) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > 1 {
		return def
	}
	return f
}

func parseLimitedContracts(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		id := strings.ToUpper(strings.TrimSpace(part))
		if id == "" {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}
