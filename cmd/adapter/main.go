package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/nupi-ai/plugin-vad-segmenter/internal/config"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/engine"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/observe"
	"github.com/nupi-ai/plugin-vad-segmenter/internal/server"
)

// version is set at build time by GoReleaser via -ldflags.
var version = "dev"

// shutdownTimeout bounds the graceful drain of both servers.
const shutdownTimeout = 5 * time.Second

// lazyDetectionServer allows deferred initialization of the detection
// service. It returns Unavailable errors until the underlying server is set.
type lazyDetectionServer struct {
	server atomic.Pointer[server.Server]
}

func (l *lazyDetectionServer) setServer(srv *server.Server) {
	l.server.Store(srv)
}

func (l *lazyDetectionServer) DetectSegments(stream server.DetectSegmentsServer) error {
	srv := l.server.Load()
	if srv == nil {
		return status.Error(codes.Unavailable, "VAD service is initializing, please retry in a moment")
	}
	return srv.DetectSegments(stream)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("adapter failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	loadResult, err := config.Loader{}.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := loadResult.Config

	logger := newLogger(cfg.LogLevel)
	for _, warn := range loadResult.Warnings {
		logger.Warn(warn)
	}

	logger.Info("starting adapter",
		"adapter", "vad-segmenter",
		"version", version,
		"engine_config", cfg.Engine, // configured value, may be "auto"
		"listen_addr", cfg.ListenAddr,
		"sample_rate", cfg.SampleRate,
		"threshold", cfg.Threshold,
		"min_speech_duration", cfg.MinSpeechDuration,
		"min_silence_duration", cfg.MinSilenceDuration,
		"window_size", cfg.WindowSize,
		"max_speech_duration", cfg.MaxSpeechDuration,
		"silero_compiled", engine.NativeAvailable(),
		"sherpa_compiled", engine.SherpaAvailable(),
	)

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Bind the port before engine init so clients can connect and see
	// NOT_SERVING instead of connection refused.
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	defer lis.Close()
	logger.Info("listener bound, port ready", "addr", lis.Addr().String())

	// Add 64KB headroom for protobuf overhead beyond PCM data.
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(server.MaxPCMChunkBytes + 64*1024),
	)
	healthServer := health.NewServer()
	healthgrpc.RegisterHealthServer(grpcServer, healthServer)
	setServing(healthServer, healthgrpc.HealthCheckResponse_NOT_SERVING)

	lazyService := &lazyDetectionServer{}
	server.RegisterSegmentDetectionServer(grpcServer, lazyService)

	var ready atomic.Bool
	httpServer := newHTTPServer(cfg.MetricsAddr, &ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if httpServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	logger.Info("gRPC server started (NOT_SERVING while initializing)")

	newEngine, resolved, err := engineFactory(cfg, logger)
	if err != nil {
		grpcServer.Stop()
		if httpServer != nil {
			httpServer.Close()
		}
		_ = g.Wait()
		return err
	}

	lazyService.setServer(server.New(cfg, logger, newEngine, observe.DefaultMetrics()))
	setServing(healthServer, healthgrpc.HealthCheckResponse_SERVING)
	ready.Store(true)
	logger.Info("adapter ready to serve requests", "engine", resolved)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested, stopping servers")
		ready.Store(false)
		setServing(healthServer, healthgrpc.HealthCheckResponse_NOT_SERVING)

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop timed out, forcing stop")
			grpcServer.Stop()
		}

		if httpServer != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(sctx); err != nil {
				logger.Warn("metrics server shutdown failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("adapter stopped")
	return nil
}

func setServing(hs *health.Server, st healthgrpc.HealthCheckResponse_ServingStatus) {
	hs.SetServingStatus("", st)
	hs.SetServingStatus(server.ServiceName, st)
}

// newHTTPServer returns the metrics and health server, or nil when addr is
// empty.
func newHTTPServer(addr string, ready *atomic.Bool) *http.Server {
	if strings.TrimSpace(addr) == "" {
		return nil
	}
	h := observe.NewHealth(observe.Checker{
		Name: "engine",
		Check: func(context.Context) error {
			if !ready.Load() {
				return errors.New("engine initializing")
			}
			return nil
		},
	})
	return &http.Server{
		Addr:              addr,
		Handler:           observe.NewHTTPHandler(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// engineFactory resolves the configured engine, probes that it can be
// created before traffic is accepted and returns the per-stream factory.
func engineFactory(cfg config.Config, logger *slog.Logger) (server.EngineFactory, string, error) {
	opts := cfg.EngineOptions(cfg.VAD())
	isAutoMode := cfg.Engine == engine.NameAuto
	resolved := engine.Resolve(cfg.Engine, opts)

	switch {
	case resolved == engine.NameStub:
		logger.Warn("using stub engine, VAD results are deterministic and NOT based on audio content")
	case isAutoMode && resolved == engine.NameEnergy:
		logger.Warn("auto-detected engine: energy (native silero not usable, build with -tags silero and window_size 512 for model inference)")
	}

	probe, err := engine.New(resolved, opts)
	if err != nil {
		devMode := os.Getenv(engine.EnvDevMode) == "1"
		if !(isAutoMode && devMode) {
			if isAutoMode {
				logger.Error("hint: set NUPI_DEV_MODE=1 to allow fallback to the energy engine")
			}
			return nil, "", fmt.Errorf("engine %s probe failed: %w", resolved, err)
		}
		logger.Warn("engine probe failed, falling back to energy engine (NUPI_DEV_MODE=1)",
			"engine", resolved,
			"error", err,
			"hint", "unset NUPI_DEV_MODE for production behavior")
		resolved = engine.NameEnergy
	} else {
		if err := probe.Close(); err != nil {
			logger.Warn("engine probe close failed", "error", err)
		}
	}
	logger.Info("engine ready", "type", resolved)

	// TODO(perf): For high concurrency, consider pooling ONNX sessions or
	// sharing a single session with per-stream RNN state. Currently each
	// stream creates its own session and tensors, which scales linearly.
	return func(o engine.Options) (engine.Engine, error) {
		return engine.New(resolved, o)
	}, resolved, nil
}

func newLogger(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
