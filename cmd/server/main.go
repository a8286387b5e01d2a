package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codematch-backend/internal/api"
	"codematch-backend/internal/api/handlers"
	"codematch-backend/internal/clients"
	"codematch-backend/internal/config"
	"codematch-backend/internal/gateway"
	"codematch-backend/internal/logger"
	"codematch-backend/internal/match"
	"codematch-backend/internal/queue"
	"codematch-backend/internal/storage"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	st, err := storage.NewStorage(ctx, cfg.Database.URL, cfg.Redis.URL)
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err)
	}
	defer st.Close()

	// Initialize queue manager and external service clients
	queueManager := queue.NewManager(st, cfg.Queue.EntryTTL)
	questionClient := clients.NewQuestionClient(cfg.Services.QuestionServiceURL, cfg.Services.RequestTimeout)
	sessionClient := clients.NewSessionClient(cfg.Services.SessionServiceURL, cfg.Services.RequestTimeout)
	finder := queue.NewFinder(st, questionClient, cfg.Queue.EntryTTL, cfg.Match.ProposalTTL)

	// Initialize the acceptance deadline scheduler
	scheduler, err := match.NewScheduler(cfg.Redis.URL, cfg.Match.AcceptWindow)
	if err != nil {
		logger.Fatal("failed to initialize scheduler", "error", err)
	}
	defer scheduler.Close()

	// Initialize the match lifecycle
	notifier := match.NewBusNotifier(st.Redis)
	lifecycle := match.NewLifecycle(st, queueManager, finder, sessionClient, notifier, scheduler,
		cfg.Match.AcceptWindow, cfg.Match.ProposalTTL)
	go lifecycle.Run(ctx)

	// Initialize the background task processor
	processor, err := match.NewProcessor(st, cfg.Redis.URL, cfg.Queue.CleanupInterval)
	if err != nil {
		logger.Fatal("failed to initialize task processor", "error", err)
	}
	if err := processor.Start(ctx); err != nil {
		logger.Fatal("failed to start task processor", "error", err)
	}
	defer processor.Stop()

	// Initialize the websocket gateway and handlers
	gw := gateway.NewManager(st, queueManager, finder, lifecycle)
	deps := &api.Dependencies{
		Gateway:      gw,
		QueueHandler: handlers.NewQueueHandler(queueManager),
		MatchHandler: handlers.NewMatchHandler(st),
	}

	r := api.NewRouter(deps)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", "error", err)
	}

	logger.Info("server exited")
}
