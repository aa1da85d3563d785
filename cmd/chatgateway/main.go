// Command chatgateway serves chat WebSocket connections and the chat query API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/chat/internal/auth"
	"github.com/xiaot623/gogo/chat/internal/config"
	"github.com/xiaot623/gogo/chat/internal/dispatch"
	"github.com/xiaot623/gogo/chat/internal/gateway"
	internalhttp "github.com/xiaot623/gogo/chat/internal/http"
	"github.com/xiaot623/gogo/chat/internal/observability"
	"github.com/xiaot623/gogo/chat/internal/policy"
	"github.com/xiaot623/gogo/chat/internal/registry"
	"github.com/xiaot623/gogo/chat/internal/store"
	"github.com/xiaot623/gogo/chat/internal/transport/rpc"
)

func main() {
	if err := run(); err != nil {
		slog.Error("chatgateway failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting chat gateway",
		slog.String("node", cfg.NodeID),
		slog.Int("ws_port", cfg.WSPort),
		slog.Int("http_port", cfg.HTTPPort),
		slog.String("store", cfg.StoreDriver),
		slog.String("group_policy", cfg.GroupPolicy),
		slog.Int("relay_peers", len(cfg.RelayPeers)))

	// Initialize store
	st, err := store.Open(cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", slog.Any("error", err))
		}
	}()

	// Initialize registry: a single hub, or a hub relayed to peer processes
	hub := registry.NewHub(logger)
	var backend registry.Backend = hub
	if len(cfg.RelayPeers) > 0 {
		backend = registry.NewRelay(hub, rpc.NewPeers(cfg.RelayPeers), registry.RelayConfig{
			Node:        cfg.NodeID,
			QueueSize:   cfg.RelayQueueSize,
			MaxRetries:  cfg.RelayMaxRetries,
			CallTimeout: cfg.RelayTimeout,
		}, logger)
	}

	strategy, err := registry.NewStrategy(cfg.GroupPolicy, st)
	if err != nil {
		return err
	}

	policyContent := policy.DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("read policy: %w", err)
		}
		policyContent = string(data)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := policy.NewEngine(ctx, policyContent)
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(st, backend, strategy, engine, dispatch.Options{
		SelfDelivery:   cfg.SelfDelivery,
		PersistTimeout: cfg.PersistTimeout,
	}, logger)

	gw := gateway.New(gateway.Options{
		OutboxSize:     cfg.OutboxSize,
		PingInterval:   cfg.PingInterval,
		WriteTimeout:   cfg.WriteTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		AuthTimeout:    cfg.AuthTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	}, verifier, st, backend, strategy, dispatcher, logger)

	// Create WebSocket Echo server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	gw.Register(wsEcho)

	// Initialize query HTTP server
	httpServer := internalhttp.NewServer(st, verifier, gw, backend, cfg.InternalAPIKey, logger)

	var rpcServer *rpc.Server
	if len(cfg.RelayPeers) > 0 {
		rpcServer, err = rpc.NewServer(hub, cfg.NodeID, logger)
		if err != nil {
			return fmt.Errorf("create rpc server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	regCtx, stopRegistry := context.WithCancel(context.Background())
	defer stopRegistry()

	g.Go(func() error {
		return backend.Run(regCtx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		logger.Info("websocket server listening", slog.String("addr", addr))
		if err := wsEcho.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("http server listening", slog.String("addr", addr))
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if rpcServer != nil {
		g.Go(func() error {
			addr := fmt.Sprintf(":%d", cfg.RPCPort)
			logger.Info("relay rpc server listening", slog.String("addr", addr))
			return rpcServer.Start(addr)
		})
	}

	// Wait for a signal or a failed server, then shut everything down
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down chat gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := wsEcho.Shutdown(shutdownCtx); err != nil {
			logger.Warn("websocket server shutdown", slog.Any("error", err))
		}
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", slog.Any("error", err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("rpc server shutdown", slog.Any("error", err))
			}
		}
		// The registry outlives the connections so they can leave their groups.
		stopRegistry()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("chat gateway stopped")
	return nil
}
