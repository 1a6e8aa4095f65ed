package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genie-hub-backend/internal/config"
	"genie-hub-backend/internal/handler"
	"genie-hub-backend/internal/model"
	"genie-hub-backend/internal/quota"
	"genie-hub-backend/internal/service"
	"genie-hub-backend/internal/storage"
	"genie-hub-backend/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	store := newStorage(cfg.Storage)
	defer store.Close()

	quotaStore, err := quota.NewStoreFromConfig(cfg.QuotaStore)
	if err != nil {
		logger.Fatalf("Failed to open quota store: %v", err)
	}
	defer quotaStore.Close()

	limiter, err := quota.NewLimiterFromConfig(cfg.RateLimit, quotaStore)
	if err != nil {
		logger.Fatalf("Failed to create limiter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var chatModel einoModel.BaseChatModel
	if m, err := model.NewChatModel(ctx, cfg); err != nil {
		logger.Warnf("Chat model unavailable, /api/chat/stream will answer 503: %v", err)
	} else {
		chatModel = m
	}

	limiterService := service.NewLimiterService(cfg.RateLimit, limiter, store)
	chatService := service.NewChatService(store, chatModel, cfg.Assistant, cfg.RateLimit)

	backupEvery := time.Duration(0)
	if cfg.Storage.Type == "disk" {
		backupEvery = cfg.Storage.BackupInterval
	}
	limiterService.StartJanitor(ctx, cfg.RateLimit.CleanupInterval, backupEvery)

	router := setupRouter(
		handler.NewLimiterHandler(limiterService),
		handler.NewChatHandler(chatService),
		handler.NewAdminHandler(limiterService),
	)

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		logger.WithFields(map[string]interface{}{
			"port":        cfg.Server.Port,
			"provider":    cfg.Model.Provider,
			"quota_store": cfg.QuotaStore.Backend,
			"storage":     cfg.Storage.Type,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	logger.Info("Server stopped")
}

func newStorage(cfg config.StorageConfig) storage.Storage {
	var store storage.Storage
	if cfg.Type == "disk" {
		store = storage.NewDiskStorage(cfg.DataDir, cfg.CacheSize)
	} else {
		store = storage.NewMemoryStorage()
	}

	if err := store.Init(); err != nil {
		logger.Errorf("Failed to initialize %s storage, falling back to memory: %v", cfg.Type, err)
		store = storage.NewMemoryStorage()
		_ = store.Init()
	}
	return store
}

func setupRouter(limiterHandler *handler.LimiterHandler, chatHandler *handler.ChatHandler, adminHandler *handler.AdminHandler) *gin.Engine {
	cfg := config.Get()
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	functions := router.Group("/functions/v1")
	{
		functions.POST("/conversation-rate-limiter", limiterHandler.Handle)
	}

	api := router.Group("/api")
	{
		chat := api.Group("/chat")
		{
			chat.POST("/stream", chatHandler.StreamChat)
			chat.GET("/conversation/:id", chatHandler.GetConversation)
			chat.GET("/messages/:id", chatHandler.GetMessages)
		}

		admin := api.Group("/admin", handler.RequireToken(cfg.Admin.Token))
		{
			admin.GET("/conversations", adminHandler.ListConversations)
			admin.GET("/usage/:scope/:identifier", adminHandler.GetUsage)
			admin.DELETE("/usage/:scope/:identifier", adminHandler.ResetUsage)
		}
	}

	return router
}
