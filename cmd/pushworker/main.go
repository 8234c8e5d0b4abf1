package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"marketchat-ws/internal/config"
	"marketchat-ws/internal/infrastructure/kafka"
	"marketchat-ws/internal/logger"
	"marketchat-ws/internal/push"
	"marketchat-ws/internal/worker"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Push worker recovered from panic: %v", r)
			os.Exit(1)
		}
	}()

	_ = godotenv.Load()

	cfg := config.LoadConfig()
	zlog := logger.NewZapLogger(cfg.LogFilePath, cfg.IsProduction())
	defer zlog.Sync()

	zlog.Info("PushWorker", "Starting push worker", map[string]interface{}{
		"environment": cfg.Environment,
		"kafka":       cfg.KafkaBrokers,
		"topic":       cfg.PushJobTopic,
		"workers":     cfg.PushWorkers,
		"max_retries": cfg.PushMaxRetries,
	})

	sender := push.NewClient(cfg.PushProviderURL, cfg.PushProviderKey)
	source := kafka.NewPushConsumer(cfg.KafkaBrokers, cfg.PushJobTopic, zlog)
	pool := worker.NewPool(cfg.PushWorkers, cfg.PushWorkers*4, zlog)

	pushWorker := worker.NewPushWorker(source, sender, pool, cfg.PushMaxRetries, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		zlog.Info("PushWorker", "Shutting down", nil)
		cancel()
		if err := source.Close(); err != nil {
			zlog.Warn("PushWorker", "Error closing job source", map[string]interface{}{"error": err.Error()})
		}
	}()

	if err := pushWorker.Run(ctx); err != nil && err != context.Canceled {
		zlog.Error("PushWorker", "Push worker stopped", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	pool.Shutdown()
	zlog.Info("PushWorker", "Push worker stopped", nil)
}
