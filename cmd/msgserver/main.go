// Package main provides the message server binary: a TCP line listener, the
// client registry and dispatcher, an admin gRPC endpoint, and a Prometheus
// metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/msgcore/internal/admin"
	"github.com/cory-johannsen/msgcore/internal/codec"
	"github.com/cory-johannsen/msgcore/internal/config"
	"github.com/cory-johannsen/msgcore/internal/dispatch"
	"github.com/cory-johannsen/msgcore/internal/exchange"
	"github.com/cory-johannsen/msgcore/internal/frontend/tcp"
	"github.com/cory-johannsen/msgcore/internal/observability"
	"github.com/cory-johannsen/msgcore/internal/server"
)

// presence logs client lifecycle events.
type presence struct {
	logger *zap.Logger
}

func (p presence) ClientConnected(id string) {
	p.logger.Info("presence: joined", zap.String("client_id", id))
}

func (p presence) ClientDisconnected(id string) {
	p.logger.Info("presence: left", zap.String("client_id", id))
}

// addCoreServices registers the dispatcher ahead of the registry. Shutdown
// runs in reverse, so the registry closes every client before the dispatcher's
// final drain and no line read during shutdown is left in the queue.
//
// Precondition: registry must already be started.
func addCoreServices(lc *server.Lifecycle, registry *exchange.Registry, dispatcher *dispatch.Dispatcher, stopTimeout time.Duration, logger *zap.Logger) {
	lc.Add("dispatcher", dispatcher)

	registryDone := make(chan struct{})
	lc.Add("registry", &server.FuncService{
		StartFn: func() error {
			<-registryDone
			return nil
		},
		StopFn: func() {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := registry.Stop(ctx); err != nil {
				logger.Warn("registry stop", zap.Error(err))
			}
			close(registryDone)
		},
	})
}

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			log.Fatalf("rendering config: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	logger, err := observability.NewLogger(cfg.Logging, observability.ServiceField("msgserver"))
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	params, err := cfg.Crypto.Params()
	if err != nil {
		logger.Fatal("loading crypto params", zap.Error(err))
	}
	if cfg.Crypto.Enabled && params.Equal(codec.DefaultParams()) {
		logger.Warn("encryption enabled with the built-in default key; configure crypto.key or crypto.passphrase")
	}

	registry, err := exchange.NewRegistry(exchange.RegistryOptions{
		Logger:   logger,
		Metrics:  metrics,
		Observer: presence{logger: logger},
		Encryption: exchange.EncryptionConfig{
			Enabled: cfg.Crypto.Enabled,
			Params:  params,
			Framing: codec.Framing(cfg.Crypto.Framing),
		},
		Connection: exchange.ConnectionOptions{
			ReceiveBuffer: cfg.Registry.ReceiveBuffer,
			MaxLineBytes:  cfg.Listener.MaxLineBytes,
			WriteTimeout:  cfg.Listener.WriteTimeout,
			IdleTimeout:   cfg.Listener.IdleTimeout,
			RateLimit:     rate.Limit(cfg.Listener.RateLimit),
			RateBurst:     cfg.Listener.RateBurst,
		},
		StopTimeout: cfg.Registry.StopTimeout,
	})
	if err != nil {
		logger.Fatal("creating registry", zap.Error(err))
	}

	mode, err := dispatch.ParseMode(cfg.Dispatch.Mode)
	if err != nil {
		logger.Fatal("parsing dispatch mode", zap.Error(err))
	}
	handler := dispatch.HandlerFunc(func(_ context.Context, clientID string, kind dispatch.Kind, payload string) {
		logger.Debug("message classified",
			zap.String("client_id", clientID),
			zap.String("kind", string(kind)),
			zap.Int("bytes", len(payload)),
		)
	})
	dispatcher := dispatch.New(registry, handler, dispatch.Options{
		TickInterval:   cfg.Dispatch.TickInterval,
		Mode:           mode,
		MaxBatch:       cfg.Dispatch.MaxBatch,
		EncryptReplies: cfg.Dispatch.EncryptReplies,
		Logger:         logger,
		Metrics:        metrics,
	})

	acceptor := tcp.NewAcceptor(cfg.Listener, registry, logger)

	lifecycle := server.NewLifecycle(logger)

	// Open before any service runs so the acceptor never sees a stopped registry.
	registry.Start()
	addCoreServices(lifecycle, registry, dispatcher, cfg.Registry.StopTimeout+time.Second, logger)
	lifecycle.Add("tcp", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	if cfg.Admin.Enabled {
		grpcServer := grpc.NewServer()
		admin.RegisterAdminServer(grpcServer, admin.NewService(dispatcher, registry, logger))
		lifecycle.Add("admin", &server.FuncService{
			StartFn: func() error {
				lis, err := net.Listen("tcp", cfg.Admin.Addr())
				if err != nil {
					return fmt.Errorf("listening on %s: %w", cfg.Admin.Addr(), err)
				}
				logger.Info("admin gRPC server listening",
					zap.String("addr", lis.Addr().String()),
				)
				return grpcServer.Serve(lis)
			},
			StopFn: grpcServer.GracefulStop,
		})
	}

	if metrics != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		httpServer := &http.Server{
			Addr:              cfg.Metrics.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		lifecycle.Add("metrics", &server.FuncService{
			StartFn: func() error {
				logger.Info("metrics endpoint listening",
					zap.String("addr", httpServer.Addr),
					zap.String("path", cfg.Metrics.Path),
				)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			StopFn: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(ctx)
			},
		})
	}

	logger.Info("message server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("listen_addr", cfg.Listener.Addr()),
		zap.Bool("encryption", cfg.Crypto.Enabled),
		zap.String("key_fingerprint", params.Fingerprint()),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
