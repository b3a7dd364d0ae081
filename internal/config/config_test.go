package config

import (
	"testing"
	"time"

	"github.com/channelgate/gateway/internal/gwerr"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	fn()
}

func TestFromEnvRequiresNetwork(t *testing.T) {
	withEnv(t, map[string]string{envNetwork: "", envFundRelayer: "fund-01"}, func() {
		_, err := FromEnv()
		fail, ok := err.(gwerr.Failure)
		if !ok || fail.Code != gwerr.CodeConfigMissing {
			t.Fatalf("expected CONFIG_MISSING, got %v", err)
		}
	})
}

func TestFromEnvRejectsUnsupportedNetwork(t *testing.T) {
	withEnv(t, map[string]string{envNetwork: "futurenet", envFundRelayer: "fund-01"}, func() {
		_, err := FromEnv()
		fail, ok := err.(gwerr.Failure)
		if !ok || fail.Code != gwerr.CodeUnsupportedNetwork {
			t.Fatalf("expected UNSUPPORTED_NETWORK, got %v", err)
		}
	})
}

func TestFromEnvRequiresFundRelayer(t *testing.T) {
	withEnv(t, map[string]string{envNetwork: "testnet", envFundRelayer: ""}, func() {
		_, err := FromEnv()
		fail, ok := err.(gwerr.Failure)
		if !ok || fail.Code != gwerr.CodeConfigMissing {
			t.Fatalf("expected CONFIG_MISSING, got %v", err)
		}
	})
}

func TestFromEnvDefaults(t *testing.T) {
	withEnv(t, map[string]string{envNetwork: "testnet", envFundRelayer: "fund-01"}, func() {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.LockTTL != DefaultLockTTL {
			t.Fatalf("expected default lock ttl, got %v", cfg.LockTTL)
		}
		if cfg.APIKeyHeader != DefaultAPIKeyHeader {
			t.Fatalf("expected default api key header, got %q", cfg.APIKeyHeader)
		}
		if cfg.FeeLimit != nil {
			t.Fatalf("expected unset fee limit, got %v", *cfg.FeeLimit)
		}
		if cfg.ContractCapacityRatio != DefaultCapacityRatio {
			t.Fatalf("expected default capacity ratio, got %v", cfg.ContractCapacityRatio)
		}
		if cfg.InclusionFeeDefault != DefaultInclusionFee || cfg.InclusionFeeLimited != DefaultInclusionFeeLimited {
			t.Fatalf("unexpected inclusion fees: %v %v", cfg.InclusionFeeDefault, cfg.InclusionFeeLimited)
		}
		if cfg.PluginAdminSecret != "" {
			t.Fatalf("expected management plane disabled by default")
		}
		if cfg.SequenceCacheMaxAge != DefaultSequenceCacheMaxAge {
			t.Fatalf("expected default sequence cache max age, got %v", cfg.SequenceCacheMaxAge)
		}
	})
}

func TestFromEnvParsesSequenceCacheMaxAge(t *testing.T) {
	withEnv(t, map[string]string{
		envNetwork:                "testnet",
		envFundRelayer:            "fund-01",
		envSequenceCacheMaxAgeSec: "60",
	}, func() {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.SequenceCacheMaxAge != time.Minute {
			t.Fatalf("expected 1m sequence cache max age, got %v", cfg.SequenceCacheMaxAge)
		}
	})
	withEnv(t, map[string]string{
		envNetwork:                "testnet",
		envFundRelayer:            "fund-01",
		envSequenceCacheMaxAgeSec: "not-a-number",
	}, func() {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.SequenceCacheMaxAge != DefaultSequenceCacheMaxAge {
			t.Fatalf("expected default sequence cache max age, got %v", cfg.SequenceCacheMaxAge)
		}
	})
}

func TestFromEnvClampsLockTTL(t *testing.T) {
	withEnv(t, map[string]string{envNetwork: "testnet", envFundRelayer: "fund-01", envLockTTLSeconds: "1"}, func() {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.LockTTL != MinLockTTL {
			t.Fatalf("expected lock ttl clamped to min, got %v", cfg.LockTTL)
		}
	})
	withEnv(t, map[string]string{envNetwork: "testnet", envFundRelayer: "fund-01", envLockTTLSeconds: "999"}, func() {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.LockTTL != MaxLockTTL {
			t.Fatalf("expected lock ttl clamped to max, got %v", cfg.LockTTL)
		}
	})
}

func TestFromEnvInvalidValuesFallBackToDefaults(t *testing.T) {
	withEnv(t, map[string]string{
		envNetwork:           "testnet",
		envFundRelayer:       "fund-01",
		envLockTTLSeconds:    "not-a-number",
		envContractCapacity:  "1.5",
		envInclusionFeeDefault: "-5",
	}, func() {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.LockTTL != DefaultLockTTL {
			t.Fatalf("expected default lock ttl, got %v", cfg.LockTTL)
		}
		if cfg.ContractCapacityRatio != DefaultCapacityRatio {
			t.Fatalf("expected default capacity ratio, got %v", cfg.ContractCapacityRatio)
		}
		if cfg.InclusionFeeDefault != DefaultInclusionFee {
			t.Fatalf("expected default inclusion fee, got %v", cfg.InclusionFeeDefault)
		}
	})
}

func TestFromEnvParsesFeeLimitAndResetPeriod(t *testing.T) {
	withEnv(t, map[string]string{
		envNetwork:           "mainnet",
		envFundRelayer:       "fund-01",
		envFeeLimit:          "50000",
		envFeeResetPeriodSec: "3600",
	}, func() {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.FeeLimit == nil || *cfg.FeeLimit != 50000 {
			t.Fatalf("expected fee limit 50000, got %v", cfg.FeeLimit)
		}
		if cfg.FeeResetPeriod != time.Hour {
			t.Fatalf("expected 1h reset period, got %v", cfg.FeeResetPeriod)
		}
	})
}

func TestFromEnvParsesLimitedContracts(t *testing.T) {
	withEnv(t, map[string]string{
		envNetwork:          "testnet",
		envFundRelayer:      "fund-01",
		envLimitedContracts: "cabc123, cdef456 ,,",
	}, func() {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := cfg.LimitedContracts["CABC123"]; !ok {
			t.Fatalf("expected upper-cased contract id present: %v", cfg.LimitedContracts)
		}
		if _, ok := cfg.LimitedContracts["CDEF456"]; !ok {
			t.Fatalf("expected upper-cased contract id present: %v", cfg.LimitedContracts)
		}
		if len(cfg.LimitedContracts) != 2 {
			t.Fatalf("expected empty entries skipped, got %v", cfg.LimitedContracts)
		}
	})
}
