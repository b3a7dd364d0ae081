package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/channelgate/gateway/api"
	"github.com/channelgate/gateway/internal/chainrpc"
	"github.com/channelgate/gateway/internal/clock"
	"github.com/channelgate/gateway/internal/config"
	"github.com/channelgate/gateway/internal/handler"
	"github.com/channelgate/gateway/internal/kv"
	"github.com/channelgate/gateway/internal/metrics"
	"github.com/channelgate/gateway/internal/relayerclient"
	"github.com/channelgate/gateway/internal/seqcache"
	"pkt.systems/pslog"
)

// idleSweepInterval is how often the sequence-cache idle sweep runs,
// independent of the cache's own maxAge: a coarse housekeeping cadence
// rather than something an operator needs to tune per-deployment.
const idleSweepInterval = 5 * time.Minute

type gatewayServerConfig struct {
	Listen            string
	MetricsListen     string
	SorobanRPCURL     string
	RelayerRuntimeURL string
	DrainGrace        time.Duration
	ShutdownTimeout   time.Duration
	Logger            pslog.Logger
}

type gatewayServer struct {
	cfg           gatewayServerConfig
	handler       *handler.Handler
	sweepCache    *seqcache.Cache
	meterProvider *sdkmetric.MeterProvider
	metricsServer *http.Server
	metricsLn     net.Listener
}

func newGatewayServer(cfg gatewayServerConfig) (*gatewayServer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	store := kv.NewMemoryStore()
	chain := chainrpc.New(cfg.SorobanRPCURL, nil)
	runtime := relayerclient.New(cfg.RelayerRuntimeURL, nil)

	domainCfg, err := config.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve config: %w", err)
	}
	sweepCache := seqcache.New(store, string(domainCfg.Network), chain, domainCfg.SequenceCacheMaxAge, clock.Real{}, logger)

	var meterProvider *sdkmetric.MeterProvider
	var metricsHTTPServer *http.Server
	var metricsLn net.Listener
	var gwMetrics *metrics.Gateway

	if strings.TrimSpace(cfg.MetricsListen) != "" {
		registry := prometheus.NewRegistry()
		exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("gateway: start prometheus exporter: %w", err)
		}
		meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(meterProvider)

		ln, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = meterProvider.Shutdown(context.Background())
			return nil, fmt.Errorf("gateway: metrics listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsHTTPServer = &http.Server{Handler: mux}
		metricsLn = ln
		go func() {
			if err := metricsHTTPServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("telemetry.metrics.serve_error", "error", err)
			}
		}()
		logger.Info("telemetry.metrics.enabled", "listen", cfg.MetricsListen)
	}
	gwMetrics = metrics.New(logger)

	h := handler.New(handler.Deps{
		Store:   store,
		Chain:   chain,
		Runtime: runtime,
		Clock:   clock.Real{},
		Logger:  logger,
		Metrics: gwMetrics,
	})

	return &gatewayServer{
		cfg:           cfg,
		handler:       h,
		sweepCache:    sweepCache,
		meterProvider: meterProvider,
		metricsServer: metricsHTTPServer,
		metricsLn:     metricsLn,
	}, nil
}

// Run serves the JSON request endpoint until ctx is canceled, then drains
// and shuts down within the configured grace windows.
func (s *gatewayServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/", s.handleSubmit)

	httpServer := &http.Server{Addr: s.cfg.Listen, Handler: mux}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.runIdleSweepLoop(sweepCtx)
	}()
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.With("sys", "server.lifecycle").Info("server.listen", "addr", s.cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.shutdownTelemetry(context.Background())
		return err
	case <-ctx.Done():
	}

	s.cfg.Logger.With("sys", "server.lifecycle").Info("server.draining", "grace", s.cfg.DrainGrace)
	if s.cfg.DrainGrace > 0 {
		time.Sleep(s.cfg.DrainGrace)
	}

	shutdownCtx := context.Background()
	var cancel context.CancelFunc
	if s.cfg.ShutdownTimeout > 0 {
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := httpServer.Shutdown(shutdownCtx)
	<-errCh
	s.shutdownTelemetry(shutdownCtx)
	return err
}

// runIdleSweepLoop periodically drops stale sequence-cache entries until ctx
// is canceled.
func (s *gatewayServer) runIdleSweepLoop(ctx context.Context) {
	logger := s.cfg.Logger.With("sys", "seqcache.sweep")
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			swept, err := s.sweepCache.SweepIdle(ctx)
			if err != nil {
				logger.Warn("seqcache.sweep.failed", "error", err)
				continue
			}
			if swept > 0 {
				logger.Info("seqcache.sweep.completed", "swept", swept)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *gatewayServer) shutdownTelemetry(ctx context.Context) {
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.metricsLn != nil {
		_ = s.metricsLn.Close()
	}
	if s.meterProvider != nil {
		_ = s.meterProvider.Shutdown(ctx)
	}
}

func (s *gatewayServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *gatewayServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *gatewayServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	headers := make(map[string][]string, len(r.Header))
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = values
	}

	resp := s.handler.Handle(r.Context(), api.InboundEnvelope{Params: body, Headers: headers})

	w.Header().Set("Content-Type", "application/json")
	if !resp.Success {
		w.WriteHeader(statusForResponse(resp))
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusForResponse reads the HTTP status the producing component already
// assigned the failure (api.FailureData.HTTPStatus), falling back to 500
// only if Data isn't the expected shape.
func statusForResponse(resp api.Response) int {
	data, ok := resp.Data.(api.FailureData)
	if !ok || data.HTTPStatus == 0 {
		return http.StatusInternalServerError
	}
	return data.HTTPStatus
}
