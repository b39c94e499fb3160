package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"edu-llm/internal/config"
	"edu-llm/internal/db"
	apihttp "edu-llm/internal/http"
	"edu-llm/internal/llm"
	"edu-llm/internal/repository"
	"edu-llm/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	sessionRepo := repository.NewPgChatSessionRepository(pool)
	messageRepo := repository.NewPgChatMessageRepository(pool)
	courseRepo := repository.NewPgCourseVectorRepository(pool)

	provider := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
	embedder := llm.NewOpenAIEmbedder(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.EmbedModel, cfg.EmbedDimension, logger)
	retriever := service.NewContextRetriever(embedder, courseRepo, logger)

	var limiter service.ChatRateLimiter = service.NewMemoryRateLimiter(cfg.ChatPerMinute, cfg.ChatPerHour)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, using in-memory rate limiter", zap.Error(err))
		} else {
			limiter = service.NewRedisChatRateLimiter(redisClient, cfg.ChatPerMinute, cfg.ChatPerHour)
		}
		cancel()
	}

	sanitizer := service.NewPromptSanitizer()
	orchestrator := service.NewChatOrchestrator(
		limiter,
		sanitizer,
		sessionRepo,
		messageRepo,
		retriever,
		provider,
		cfg.GeneralSystemPrompt,
		cfg.FallbackBotMessage,
		logger,
	)

	sweeper := service.NewSweeper(
		limiter,
		sessionRepo,
		time.Duration(cfg.SessionRetentionDays)*24*time.Hour,
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
		logger,
	)
	go sweeper.Run(ctx)

	jwtSvc := service.NewJWTService(cfg.JWTSecret, 15*time.Minute)
	chatHandler := apihttp.NewChatHandler(logger, orchestrator)
	router := apihttp.NewRouter(logger, jwtSvc, chatHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
