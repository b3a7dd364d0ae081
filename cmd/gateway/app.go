package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

// configFlagEnv lists the gateway's domain configuration flags alongside the
// bare environment variable name internal/config.FromEnv reads, so an
// explicitly-set flag can be projected onto the process environment once at
// startup (internal/config re-parses the environment per request, not the
// flag set).
var configFlagEnv = map[string]string{
	"network":                  "NETWORK",
	"fund-relayer":             "FUND_RELAYER",
	"lock-ttl-seconds":         "LOCK_TTL_SECONDS",
	"fee-limit":                "FEE_LIMIT",
	"fee-reset-period-seconds": "FEE_RESET_PERIOD_SECONDS",
	"api-key-header":           "API_KEY_HEADER",
	"plugin-admin-secret":      "PLUGIN_ADMIN_SECRET",
	"limited-contracts":        "LIMITED_CONTRACTS",
	"contract-capacity-ratio":  "CONTRACT_CAPACITY_RATIO",
	"inclusion-fee-default":    "INCLUSION_FEE_DEFAULT",
	"inclusion-fee-limited":    "INCLUSION_FEE_LIMITED",
	"sequence-cache-max-age-seconds": "SEQUENCE_CACHE_MAX_AGE_SECONDS",
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("GATEWAY_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "channelgate")

	cmd := newRootCommand(baseLogger)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			baseLogger.With("sys", "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "gateway routes Soroban transaction submissions through a pool of channel accounts",
		SilenceErrors: true,
		Example: `
  # in-memory store, single replica, testnet
  NETWORK=testnet FUND_RELAYER=fund gateway --soroban-rpc-url https://soroban-testnet.stellar.org --relayer-runtime-url http://localhost:9000

  # flags are sugar over the same environment variables internal config reads
  gateway --network testnet --fund-relayer fund --listen :8080
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := logger.With("sys", "cli.root")
			cliLogger.Info("welcome to channelgate", "pid", os.Getpid())

			projectConfigFlagsToEnv(cmd)

			sorobanRPCURL := strings.TrimSpace(viper.GetString("soroban-rpc-url"))
			if sorobanRPCURL == "" {
				return fmt.Errorf("--soroban-rpc-url (or SOROBAN_RPC_URL) is required")
			}
			relayerRuntimeURL := strings.TrimSpace(viper.GetString("relayer-runtime-url"))
			if relayerRuntimeURL == "" {
				return fmt.Errorf("--relayer-runtime-url (or RELAYER_RUNTIME_URL) is required")
			}

			srv, err := newGatewayServer(gatewayServerConfig{
				Listen:            viper.GetString("listen"),
				MetricsListen:     viper.GetString("metrics-listen"),
				SorobanRPCURL:     sorobanRPCURL,
				RelayerRuntimeURL: relayerRuntimeURL,
				DrainGrace:        viper.GetDuration("drain-grace"),
				ShutdownTimeout:   viper.GetDuration("shutdown-timeout"),
				Logger:            logger,
			})
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "listen address for the JSON request endpoint")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("soroban-rpc-url", "", "Soroban RPC endpoint (simulateTransaction/getLedgerEntries)")
	flags.String("relayer-runtime-url", "", "hosting runtime base URL (relayer resolve/sign/send/wait)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.Duration("drain-grace", 0, "grace period to let in-flight requests finish before shutdown (0 disables)")
	flags.Duration("shutdown-timeout", 0, "overall shutdown timeout (0 relies on signal deadlines)")

	flags.String("network", "", "stellar network (testnet or mainnet)")
	flags.String("fund-relayer", "", "fund relayer identifier")
	flags.Int("lock-ttl-seconds", 0, "channel lock TTL in seconds")
	flags.Int64("fee-limit", -1, "default per-key fee budget in stroops (negative disables)")
	flags.Int("fee-reset-period-seconds", 0, "fee budget reset period in seconds (0 disables reset)")
	flags.String("api-key-header", "", "header name carrying the caller's API key")
	flags.String("plugin-admin-secret", "", "shared secret required for management requests (empty disables the management plane)")
	flags.String("limited-contracts", "", "comma-separated contract ids subject to the reduced inclusion fee")
	flags.Float64("contract-capacity-ratio", 0, "fraction of the pool that limited contracts may use")
	flags.Int64("inclusion-fee-default", 0, "default inclusion fee in stroops")
	flags.Int64("inclusion-fee-limited", 0, "reduced inclusion fee in stroops for limited contracts")
	flags.Int("sequence-cache-max-age-seconds", 0, "how long a cached channel sequence is trusted before falling back to the chain")

	names := []string{
		"listen", "metrics-listen", "soroban-rpc-url", "relayer-runtime-url", "log-level",
		"drain-grace", "shutdown-timeout",
		"network", "fund-relayer", "lock-ttl-seconds", "fee-limit", "fee-reset-period-seconds",
		"api-key-header", "plugin-admin-secret", "limited-contracts", "contract-capacity-ratio",
		"inclusion-fee-default", "inclusion-fee-limited", "sequence-cache-max-age-seconds",
	}
	for _, name := range names {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

// projectConfigFlagsToEnv sets the bare environment variable for every
// domain config flag the caller explicitly passed, so internal/config's
// per-request FromEnv() observes the same value the flag specified.
func projectConfigFlagsToEnv(cmd *cobra.Command) {
	for name, envName := range configFlagEnv {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		_ = os.Setenv(envName, flag.Value.String())
	}
}
