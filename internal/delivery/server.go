package delivery

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"marketchat-ws/internal/config"
	"marketchat-ws/internal/domain"
	"marketchat-ws/internal/logger"
)

type Server struct {
	config       *config.Config
	wsManager    *WSManager
	rooms        domain.RoomRepository
	messages     domain.MessageRepository
	presence     domain.PresenceStore
	roomPresence domain.RoomPresence
	logger       logger.ILogger
}

func NewServer(
	cfg *config.Config,
	wsManager *WSManager,
	rooms domain.RoomRepository,
	messages domain.MessageRepository,
	presence domain.PresenceStore,
	roomPresence domain.RoomPresence,
	log logger.ILogger,
) *Server {
	return &Server{
		config:       cfg,
		wsManager:    wsManager,
		rooms:        rooms,
		messages:     messages,
		presence:     presence,
		roomPresence: roomPresence,
		logger:       log,
	}
}

func (s *Server) Start() error {
	app := fiber.New(fiber.Config{
		AppName: "MarketChat Gateway",
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400, // 24 hours
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
	} else {
		corsConfig.AllowOrigins = "*"
		corsConfig.AllowCredentials = false // Never allow credentials with wildcard origin
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"instance_id": s.config.InstanceID,
			"environment": s.config.Environment,
		})
	})

	// REST API routes
	api := app.Group("/api")
	api.Post("/rooms", s.handleCreateOrGetRoom)
	api.Get("/rooms/:room_id/messages", s.handleRoomHistory)
	api.Get("/rooms/:room_id/members", s.handleRoomMembers)
	api.Get("/presence/:user_id", s.handleCheckPresence)

	// WebSocket middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// The bearer credential rides the handshake; the manager refuses the
	// connection before reading any event when it does not verify.
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		token := c.Query("token")
		s.wsManager.HandleConnection(c, token)
	}))

	s.logger.Info("Server", "Gateway starting", map[string]interface{}{
		"port":        s.config.Port,
		"instance_id": s.config.InstanceID,
	})
	return app.Listen(":" + s.config.Port)
}
