package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/PaulBabatuyi/secureChat/internal/auth"
	"github.com/PaulBabatuyi/secureChat/internal/cache"
	"github.com/PaulBabatuyi/secureChat/internal/config"
	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/data/memstore"
	"github.com/PaulBabatuyi/secureChat/internal/db"
	"github.com/PaulBabatuyi/secureChat/internal/keys"
	"github.com/PaulBabatuyi/secureChat/internal/middleware"
	"github.com/PaulBabatuyi/secureChat/internal/notify"
	"github.com/PaulBabatuyi/secureChat/internal/protocol"
	"github.com/PaulBabatuyi/secureChat/internal/sqlstore"
)

// limiterBurst allows a couple of quick retries on the auth endpoints.
const limiterBurst = 3

func main() {
	log := logrus.New()
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	setupLogger(log, cfg)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func setupLogger(log *logrus.Logger, cfg config.Config) {
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stores.Close(closeCtx); err != nil {
			log.WithError(err).Warn("closing store")
		}
	}()

	// Tokens signed with JWT_KEYS support rotation; JWT_SECRET alone is the
	// single-key fallback.
	var jwtMgr *auth.JWTManager
	if len(cfg.JWTKeys) > 0 {
		jwtMgr = auth.NewJWTManagerFromKeys(cfg.JWTKeys, cfg.JWTActiveKid, cfg.TokenTTL)
	} else {
		jwtMgr = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)
	}

	var keyCache keys.Cache
	var limiter middleware.Limiter
	rdb := openRedis(ctx, cfg, log)
	if rdb != nil {
		defer rdb.Close()
		keyCache = cache.NewKeyCache(rdb, cfg.KeyCacheTTL)
		limiter = middleware.NewRedisLimiter(rdb, "securechat:ratelimit:", cfg.RateLimitRPM, limiterBurst, log.WithField("component", "ratelimit"))
	} else {
		local := middleware.NewLimiterStore(cfg.RateLimitRPM, limiterBurst, time.Minute)
		defer local.Stop()
		limiter = local
	}

	var publisher notify.Publisher = notify.Noop{}
	if cfg.RabbitMQURL != "" {
		p, err := notify.NewAMQPPublisher(cfg.RabbitMQURL, cfg.NotifyQueue, log.WithField("component", "notify"))
		if err != nil {
			log.WithError(err).Warn("rabbitmq unavailable, queued notifications disabled")
		} else {
			defer p.Close()
			publisher = p
		}
	}

	srv := newServer(cfg, stores, jwtMgr, keyCache, limiter, publisher, log)

	requeued, err := srv.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering offline queue: %w", err)
	}
	if requeued > 0 {
		log.WithField("messages", requeued).Info("requeued undelivered messages")
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go srv.hub.Run(hubCtx)

	adminSrv, hs, err := newAdminServer(limiter, cfg.TLSCert, cfg.TLSKey, log.WithField("component", "admin"))
	if err != nil {
		return fmt.Errorf("admin server: %w", err)
	}
	go watchHealth(hubCtx, hs, stores.Ping, 10*time.Second, log.WithField("component", "health"))

	adminAddr := ":" + cfg.GRPCPort
	lis, err := net.Listen("tcp", adminAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", adminAddr, err)
	}
	go func() {
		log.WithField("addr", adminAddr).Info("gRPC admin server listening")
		if err := adminSrv.Serve(lis); err != nil {
			log.WithError(err).Error("gRPC admin server exit")
		}
	}()

	e := srv.routes()
	httpAddr := ":" + cfg.HTTPPort
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": httpAddr, "tls": cfg.TLSCert != ""}).Info("HTTP server listening")
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = e.StartTLS(httpAddr, cfg.TLSCert, cfg.TLSKey)
		} else {
			err = e.Start(httpAddr)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("HTTP server failed")
	}

	srv.hub.Shutdown(protocol.CloseServerShutdown)
	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown")
	}
	adminSrv.GracefulStop()
	return nil
}

// openStores connects the configured backend and prepares its schema.
func openStores(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (data.Stores, error) {
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		sqlDB, err := sqlstore.Open(ctx, cfg.MySQLDSN)
		if err != nil {
			return data.Stores{}, err
		}
		if err := sqlDB.Migrate(ctx); err != nil {
			stores := sqlDB.Stores()
			_ = stores.Close(context.Background())
			return data.Stores{}, fmt.Errorf("migrating schema: %w", err)
		}
		log.Info("using MySQL store")
		return sqlDB.Stores(), nil
	case config.DriverMemory:
		log.Warn("using in-memory store; data is lost on restart")
		return memstore.New().Stores(), nil
	default:
		client, err := db.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return data.Stores{}, err
		}
		if err := client.CreateIndexes(ctx); err != nil {
			_ = client.Close(context.Background())
			return data.Stores{}, fmt.Errorf("creating indexes: %w", err)
		}
		log.WithField("database", cfg.MongoDB).Info("using MongoDB store")
		return client.Stores(), nil
	}
}

// openRedis returns nil when Redis is not configured or unreachable; the
// server then runs without the key cache and with in-process rate limits.
func openRedis(ctx context.Context, cfg config.Config, log logrus.FieldLogger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis unavailable, continuing without it")
		return nil
	}
	log.WithField("addr", cfg.RedisAddr).Info("redis connected")
	return rdb
}
