package main

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/PaulBabatuyi/secureChat/internal/auth"
	"github.com/PaulBabatuyi/secureChat/internal/config"
	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/hub"
	"github.com/PaulBabatuyi/secureChat/internal/keys"
	"github.com/PaulBabatuyi/secureChat/internal/middleware"
	"github.com/PaulBabatuyi/secureChat/internal/notify"
	"github.com/PaulBabatuyi/secureChat/internal/queue"
	"github.com/PaulBabatuyi/secureChat/internal/retry"
	"github.com/PaulBabatuyi/secureChat/internal/router"
	"github.com/PaulBabatuyi/secureChat/internal/transport/ws"
)

// Server holds the stores and core components behind the HTTP, WebSocket
// and admin surfaces.
type Server struct {
	cfg      config.Config
	stores   data.Stores
	auth     *auth.JWTManager
	keys     *keys.Registry
	hub      *hub.Hub
	presence *hub.Presence
	queue    *queue.Queue
	router   *router.Router
	limiter  middleware.Limiter
	upgrader *websocket.Upgrader
	log      logrus.FieldLogger
}

// newServer wires the core components. keyCache and publisher may be nil.
func newServer(cfg config.Config, stores data.Stores, jwtMgr *auth.JWTManager, keyCache keys.Cache,
	limiter middleware.Limiter, publisher notify.Publisher, log logrus.FieldLogger) *Server {
	policy := retry.Policy{
		Attempts: cfg.StoreRetries,
		Backoff:  cfg.StoreRetryBackoff,
		Max:      2 * time.Second,
	}
	h := hub.New(hub.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, log.WithField("component", "hub"))
	q := queue.New(stores.Queue, stores.Messages, cfg.DrainBatchSize, policy, log.WithField("component", "queue"))
	r := router.New(h, q, stores.Users, stores.Messages, publisher, jwtMgr, router.Config{
		MaxCiphertext:  cfg.MaxCiphertext,
		MessagesPerSec: cfg.WSMessagesPerSec,
		Retry:          policy,
	}, log.WithField("component", "router"))

	return &Server{
		cfg:      cfg,
		stores:   stores,
		auth:     jwtMgr,
		keys:     keys.New(stores.Keys, keyCache, policy, log.WithField("component", "keys")),
		hub:      h,
		presence: h.Presence(),
		queue:    q,
		router:   r,
		limiter:  limiter,
		upgrader: ws.NewUpgrader(cfg.AllowedOrigins),
		log:      log,
	}
}

// routes builds the echo instance. Auth endpoints are rate limited; every
// other endpoint except health requires a bearer token.
func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestLogger(s.log))

	e.GET("/healthz", s.health)
	e.GET("/ws", s.serveWS)

	authGroup := e.Group("/auth", middleware.RateLimit(s.limiter))
	authGroup.POST("/register", s.register)
	authGroup.POST("/login", s.login)

	api := e.Group("", requireAuth(s.auth))
	api.POST("/keys/upload", s.uploadKey)
	api.GET("/keys/:user_id", s.getKey)
	api.GET("/users", s.listUsers)
	api.GET("/users/online", s.listOnline)
	api.POST("/messages/send", s.sendMessage)
	api.GET("/messages/history", s.history)
	return e
}
