package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recsyslab/recommender-backend/config"
	"github.com/recsyslab/recommender-backend/datasource"
	"github.com/recsyslab/recommender-backend/handlers"
	"github.com/recsyslab/recommender-backend/lifecycle"
	"github.com/recsyslab/recommender-backend/middleware"
	"github.com/recsyslab/recommender-backend/registry"
	"github.com/recsyslab/recommender-backend/scheduler"
	"github.com/recsyslab/recommender-backend/serving"
	"github.com/recsyslab/recommender-backend/store"
)

func main() {
	port := flag.String("port", getEnvOrDefault("PORT", "8080"), "Server port")
	flag.Parse()

	log.Println("Starting Recommender Backend")

	settings := config.LoadSettings()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.New(ctx, settings)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	defer cfg.Close()

	// Wire components with explicit dependencies
	reg := registry.NewRegistry(cfg.DB)
	artifactStore := store.NewStore(cfg.DB, cfg.Objects)
	source := datasource.NewDBSource(cfg.DB)

	manager := lifecycle.NewManager(artifactStore, cfg.Cache, source, lifecycle.Options{
		TrainTimeout:           settings.TrainTimeout,
		Retention:              settings.Retention,
		MaxConcurrentTrainings: settings.MaxConcurrentTrainings,
	})
	server := serving.NewServer(artifactStore, cfg.Cache, serving.Options{
		ResultTTL:   settings.ResultCacheTTL,
		ArtifactTTL: settings.ArtifactCacheTTL,
	})
	handler := handlers.NewHandler(reg, server, manager, artifactStore)

	retrainScheduler := scheduler.NewScheduler(reg, manager, settings.SchedulerInterval)
	retrainScheduler.Start(ctx)

	// Setup Gin router
	router := gin.Default()
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.IdentityMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	// API routes
	api := router.Group("/api/v1")
	{
		configs := api.Group("/configs")
		{
			configs.GET("", handler.ListConfigs)
			configs.GET("/:id/recommendations/:user_id", handler.GetUserRecommendations)
			configs.GET("/:id/similar/:item_id", handler.GetSimilarItems)
			configs.POST("/:id/train", handler.TriggerTraining)
			configs.GET("/:id/runs", handler.ListTrainingRuns)
			configs.GET("/:id/metrics", handler.GetMetrics)
		}
	}

	srv := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Stop the scheduler before tearing down shared clients
	retrainScheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
