package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/voicegate/internal/config"
	"github.com/zhouzirui/voicegate/internal/handler"
	"github.com/zhouzirui/voicegate/internal/handler/health"
	"github.com/zhouzirui/voicegate/internal/handler/voice"
	"github.com/zhouzirui/voicegate/internal/service/ratelimit"
	"github.com/zhouzirui/voicegate/internal/service/retrieval"
	"github.com/zhouzirui/voicegate/internal/service/session"
	"github.com/zhouzirui/voicegate/internal/service/telemetry"
	"github.com/zhouzirui/voicegate/internal/service/upstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only", "error", envErr)
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxAdmissions: cfg.Gateway.RateLimitMax,
		Window:        cfg.Gateway.RateLimitWindow,
		SweepInterval: cfg.Gateway.RateLimitSweep,
	}, logger)
	go limiter.Run(ctx)

	enabled := cfg.Gateway.Enabled
	if enabled && !cfg.Upstream.Enabled() {
		logger.Warn("上游语音服务凭证未配置，语音网关已禁用 (UPSTREAM_APP_ID / UPSTREAM_ACCESS_KEY)")
		enabled = false
	}

	dialer := upstream.NewDialer(upstream.Options{
		URL:              cfg.Upstream.URL,
		AppID:            cfg.Upstream.AppID,
		AccessKey:        cfg.Upstream.AccessKey,
		ResourceID:       cfg.Upstream.ResourceID,
		AppKey:           cfg.Upstream.AppKey,
		Speaker:          cfg.Upstream.Speaker,
		BotName:          cfg.Upstream.BotName,
		HandshakeTimeout: cfg.Upstream.HandshakeTimeout,
		ReadTimeout:      cfg.Upstream.ReadTimeout,
		WriteTimeout:     cfg.Upstream.WriteTimeout,
		PingInterval:     cfg.Upstream.PingInterval,
		Logger:           logger,
	})

	knowledge := newRetriever(ctx, cfg, logger)

	aggregate := telemetry.NewAggregate()
	collector := telemetry.NewFanout(logger, telemetry.NewLogCollector(logger), aggregate)

	manager := session.NewManager(session.Config{
		SessionTimeout:   cfg.Gateway.SessionTimeout,
		PrefetchMinWords: cfg.Gateway.PrefetchMinWords,
		ContextDeadline:  cfg.Gateway.ContextDeadline,
		MaxAudioFPS:      cfg.Gateway.MaxAudioFPS,
		MaxFrameBytes:    cfg.Gateway.MaxFrameBytes,
		WriteTimeout:     cfg.Upstream.WriteTimeout,
		Retrieval: retrieval.Options{
			TopK:            cfg.Retrieval.TopK,
			MaxContextChars: cfg.Retrieval.MaxContextChars,
			Logger:          logger,
		},
	}, limiter, session.BridgeOpener(dialer), knowledge, collector, logger)

	voiceHandler := voice.NewWebSocketHandler(manager, voice.Options{
		Enabled:        enabled,
		UserHeader:     cfg.Gateway.UserHeader,
		AllowQueryUser: cfg.Gateway.AllowQueryUser,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Logger:         logger,
	})
	healthHandler := health.New(enabled, manager, aggregate, limiter)

	router := handler.NewRouter(voiceHandler, healthHandler)

	startServer(ctx, cfg.Server, router, manager, logger)
}

// newRetriever 根据配置选择检索后端，失败时退化为不检索。
func newRetriever(ctx context.Context, cfg *config.Config, logger *slog.Logger) retriever.Retriever {
	switch cfg.Retrieval.Backend {
	case config.RetrievalHTTP:
		r, err := retrieval.NewHTTPRetriever(retrieval.HTTPConfig{
			Endpoint: cfg.Retrieval.Endpoint,
			APIKey:   cfg.Retrieval.APIKey,
			TopK:     cfg.Retrieval.TopK,
			Timeout:  cfg.Retrieval.Timeout,
		})
		if err != nil {
			logger.Warn("failed to initialize http retriever, continuing without retrieval", "error", err)
			return nil
		}
		logger.Info("knowledge retrieval enabled", "backend", "http", "endpoint", cfg.Retrieval.Endpoint)
		return r
	case config.RetrievalModel:
		if !cfg.AI.Enabled() {
			logger.Warn("Ark 凭证未配置，跳过模型检索初始化")
			return nil
		}
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			logger.Warn("failed to initialize chat model, continuing without retrieval", "error", err)
			return nil
		}
		r, err := retrieval.NewModelRetriever(ctx, chatModel, cfg.Retrieval.TopK)
		if err != nil {
			logger.Warn("failed to build model retriever, continuing without retrieval", "error", err)
			return nil
		}
		logger.Info("knowledge retrieval enabled", "backend", "model", "model", cfg.AI.Model)
		return r
	default:
		logger.Info("knowledge retrieval disabled")
		return nil
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, manager *session.Manager, logger *slog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("voice gateway listening", "addr", addr)
	if err := runServer(ctx, srv, manager); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("voice gateway stopped")
}

func runServer(ctx context.Context, srv *http.Server, manager *session.Manager) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// 升级后的连接不受 Shutdown 管理，需要单独关闭会话
		go func() { _ = srv.Shutdown(shutdownCtx) }()
		sessErr := manager.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return sessErr
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
