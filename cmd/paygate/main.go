// Command paygate runs the payment-gating MCP reverse proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/paymcp/paygate/config"
	"github.com/paymcp/paygate/facilitator"
	"github.com/paymcp/paygate/hooks/autopay"
	"github.com/paymcp/paygate/hooks/headers"
	"github.com/paymcp/paygate/hooks/monetize"
	"github.com/paymcp/paygate/keymgmt"
	"github.com/paymcp/paygate/proxy"
	"github.com/paymcp/paygate/server"
	"github.com/paymcp/paygate/session"
	"github.com/paymcp/paygate/signing"
	"github.com/paymcp/paygate/signing/custodial"
)

func main() {
	configPath := flag.String("config", "paygate.toml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	fac := facilitator.NewHTTPClient(&facilitator.Config{
		URL:          cfg.Facilitator.URL,
		AuthProvider: bearerAuth(cfg.Facilitator.APIKey),
		Logger:       logger.Named("facilitator"),
	})

	var store config.Store
	if cfg.ConfigStore.URL != "" {
		store = config.NewHTTPStore(cfg.ConfigStore.URL, cfg.ConfigStore.APIKey)
	} else {
		store = config.NewStaticStore(cfg)
	}

	var sessions session.Provider
	if cfg.Session.URL != "" {
		sessions = session.NewHTTPProvider(cfg.Session.URL, cfg.Session.APIKey)
	}

	hooks := []proxy.Hook{
		headers.New(logger.Named("headers")),
		monetize.New(fac, logger.Named("monetize")),
	}
	if cfg.KeyMgmt.URL != "" {
		keys := keymgmt.NewHTTPClient(cfg.KeyMgmt.URL, cfg.KeyMgmt.APIKey)
		registry := signing.NewRegistry(logger.Named("signing"),
			custodial.New(keys, custodial.DefaultPriority, logger.Named("custodial")))
		hooks = append(hooks, autopay.New(registry, logger.Named("autopay")))
	}

	engine := proxy.New(proxy.Options{
		Hooks:    hooks,
		Store:    store,
		Sessions: sessions,
		Logger:   logger.Named("proxy"),
	})

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.New(engine, logger.Named("server")),
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(parsed)
	}
	return zapConfig.Build()
}

type bearerAuth string

func (a bearerAuth) AuthHeaders(ctx context.Context) (map[string]string, error) {
	if a == "" {
		return nil, nil
	}
	return map[string]string{"Authorization": "Bearer " + string(a)}, nil
}
