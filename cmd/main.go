package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"marketchat-ws/internal/auth"
	"marketchat-ws/internal/config"
	"marketchat-ws/internal/delivery"
	"marketchat-ws/internal/infrastructure/kafka"
	"marketchat-ws/internal/infrastructure/redis"
	"marketchat-ws/internal/logger"
	"marketchat-ws/internal/repository"
	"marketchat-ws/internal/router"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Application recovered from panic: %v", r)
			os.Exit(1)
		}
	}()

	_ = godotenv.Load()

	cfg := config.LoadConfig()
	zlog := logger.NewZapLogger(cfg.LogFilePath, cfg.IsProduction())
	defer zlog.Sync()

	if cfg.JWTSecret == "" {
		zlog.Error("Main", "JWT_SECRET is required", nil)
		os.Exit(1)
	}

	zlog.Info("Main", "Starting MarketChat gateway", map[string]interface{}{
		"environment": cfg.Environment,
		"port":        cfg.Port,
		"instance_id": cfg.InstanceID,
		"redis":       cfg.RedisAddr(),
		"kafka":       cfg.KafkaBrokers,
	})

	// Shared infrastructure
	redisClient := redis.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	if err := redisClient.Ping(context.Background()); err != nil {
		zlog.Warn("Main", "Redis connection failed", map[string]interface{}{"error": err.Error()})
	}

	db, err := repository.Open(cfg.DatabaseDSN)
	if err != nil {
		zlog.Error("Main", "Database connection failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if err := repository.Migrate(db); err != nil {
		zlog.Error("Main", "Database migration failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	presence := redis.NewPresenceStore(redisClient, cfg.PresenceTTL)
	roomPresence := redis.NewRoomPresence(redisClient)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.RoomEventTopic, cfg.UserEventTopic)
	pushQueue := kafka.NewPushQueue(cfg.KafkaBrokers, cfg.PushJobTopic)

	rooms := repository.NewRoomRepository(db)
	messages := repository.NewMessageRepository(db)
	users := repository.NewUserRepository(db)

	notifRouter := router.NewNotificationRouter(rooms, messages, users, presence, roomPresence, producer, pushQueue, zlog)

	wsManager := delivery.NewWSManager(
		delivery.WSManagerConfig{InstanceID: cfg.InstanceID, PresenceTTL: cfg.PresenceTTL},
		auth.NewVerifier(cfg.JWTSecret),
		presence,
		roomPresence,
		messages,
		notifRouter,
		producer,
		zlog,
	)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroupID(), cfg.RoomEventTopic, cfg.UserEventTopic, wsManager, zlog)

	server := delivery.NewServer(cfg, wsManager, rooms, messages, presence, roomPresence, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		zlog.Info("Main", "Shutting down", nil)
		cancel()
		if err := consumer.Close(); err != nil {
			zlog.Warn("Main", "Error closing fan-out consumer", map[string]interface{}{"error": err.Error()})
		}
		if err := producer.Close(); err != nil {
			zlog.Warn("Main", "Error closing fan-out producer", map[string]interface{}{"error": err.Error()})
		}
		if err := pushQueue.Close(); err != nil {
			zlog.Warn("Main", "Error closing push queue", map[string]interface{}{"error": err.Error()})
		}
		if err := redisClient.Close(); err != nil {
			zlog.Warn("Main", "Error closing Redis client", map[string]interface{}{"error": err.Error()})
		}
	}()

	if err := consumer.Start(ctx); err != nil {
		zlog.Error("Main", "Fan-out consumer failed to start", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	// Start server (blocking)
	if err := server.Start(); err != nil {
		zlog.Error("Main", "Server stopped", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}
