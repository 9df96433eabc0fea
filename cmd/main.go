package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storyloom/server/internal/analysis"
	"storyloom/server/internal/canon"
	"storyloom/server/internal/config"
	"storyloom/server/internal/consequence"
	"storyloom/server/internal/ledger"
	"storyloom/server/internal/prompts"
	"storyloom/server/internal/storage"
	"storyloom/server/internal/storage/memory"
	"storyloom/server/internal/storage/mysql"
	"storyloom/server/internal/timeline"
	"storyloom/server/internal/web"
)

func main() {
	// Load configuration
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize storage connections
	var store storage.Store
	mysqlStore, err := mysql.Open(cfg.Database.MySQL)
	if err != nil {
		log.Printf("Warning: Failed to connect to MySQL, falling back to in-memory store: %v", err)
		store = memory.New()
	} else {
		defer mysqlStore.Close()
		store = mysqlStore
		log.Println("MySQL connected successfully")
	}

	cache, err := storage.NewCache(cfg.Database.Redis, cfg.Ledger.ReportCacheTTL)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis, caching disabled: %v", err)
		cache = nil
	} else {
		defer cache.Close()
		log.Println("Redis connected successfully")
	}

	// Initialize the narrative analyzer
	var analyzer analysis.Analyzer
	if cfg.Analysis.APIKey == "" {
		log.Println("Warning: No analysis API key provided. Detection and prediction endpoints will fail.")
	} else {
		chat := analysis.NewChatClient(cfg.Analysis)
		analyzer = analysis.NewModelAnalyzer(chat, prompts.NewTemplateEngine(), cache)
		log.Println("Analyzer initialized successfully")
	}

	// Wire services
	canonSvc := canon.NewService(store)
	ledgerSvc := ledger.NewService(store, analyzer, cache, cfg.Ledger.ConfidenceThreshold, cfg.Ledger.DefaultLookahead)
	graphSvc := consequence.NewService(store, analyzer)
	timelineSvc := timeline.NewService(store, analyzer, timeline.Config{
		OverlapTolerance:   cfg.Timeline.OverlapTolerance,
		PacingGapChapters:  cfg.Timeline.PacingGapChapters,
		MajorBeatMagnitude: cfg.Timeline.MajorBeatMagnitude,
		PolarityThreshold:  cfg.Timeline.PolarityThreshold,
	})

	hub := web.NewHub()
	go hub.Run()

	handlers := web.NewHandlers(store, canonSvc, ledgerSvc, graphSvc, timelineSvc, hub)
	r := web.NewRouter(handlers)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in background
	go func() {
		log.Printf("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
