package container

import (
	"context"
	"net/http"
	"time"

	"careportal/internal/config"
	"careportal/internal/middleware"
	"careportal/internal/repository"
	"careportal/internal/service"
	"careportal/internal/service/auth"
	"careportal/internal/service/resolver"
	"careportal/internal/sessioncache"
	"careportal/pkg/database"
	"careportal/pkg/logger"
	"careportal/pkg/redis"
)

// Services groups the identity services
type Services struct {
	Supabase *service.SupabaseClient
	Auth     *auth.Service
	Resolver *resolver.Resolver
	Profiles repository.ProfileRepository
}

// Container holds all application dependencies
type Container struct {
	Config      *config.Config
	Logger      *logger.Logger
	RedisClient *redis.Client
	DB          *database.PostgresDB
	RateLimiter *middleware.RateLimiter
	Services    *Services
}

// New creates a new dependency injection container. Redis and Postgres are
// optional: without Redis every request resolves from the provider, and
// without Postgres profiles are read through PostgREST.
func New(cfg *config.Config, logger *logger.Logger) (*Container, error) {
	// Initialize Redis client if Redis URL is configured
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := redis.NewClient(cfg.RedisURL, cfg.Environment, logger.Logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize Redis client, proceeding without session cache")
		} else {
			redisClient = client
			logger.Info("Redis client initialized successfully")
		}
	} else {
		logger.Info("Redis URL not configured, proceeding without session cache")
	}

	if redisClient != nil && cfg.SupabaseJWTSecret == "" {
		logger.Warn("SUPABASE_JWT_SECRET not set, Redis session cache disabled")
	}

	var db *database.PostgresDB
	var profiles repository.ProfileRepository
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pg, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to Postgres, reading profiles through PostgREST")
		} else {
			db = pg
			profiles = repository.NewProfileRepository(pg.Pool)
			logger.Info("Postgres connection pool initialized successfully")
		}
	}

	supabase := service.NewSupabaseClient(cfg, logger)

	var authOpts []auth.Option
	if profiles != nil {
		authOpts = append(authOpts, auth.WithProfileStore(profiles))
	}

	services := &Services{
		Supabase: supabase,
		Auth:     auth.NewService(cfg, supabase, auth.NewMemoryStorage(), logger, authOpts...),
		Resolver: resolver.New(logger, resolver.WithProfileTimeout(cfg.ProviderTimeout)),
		Profiles: profiles,
	}

	return &Container{
		Config:      cfg,
		Logger:      logger,
		RedisClient: redisClient,
		DB:          db,
		RateLimiter: middleware.NewRateLimiter(cfg.AuthRateLimitPerMinute, logger),
		Services:    services,
	}, nil
}

// GetAuthService returns the process-wide auth service. Use ProviderFor to
// act on a browser's session.
func (c *Container) GetAuthService() *auth.Service {
	return c.Services.Auth
}

// ProviderFor returns an identity provider bound to the request's cookies
func (c *Container) ProviderFor(w http.ResponseWriter, r *http.Request) service.IdentityProvider {
	return c.Services.Auth.ForRequest(w, r)
}

// GetResolver returns the role resolver
func (c *Container) GetResolver() *resolver.Resolver {
	return c.Services.Resolver
}

// GetProfileRepository returns the profile repository (nil without Postgres)
func (c *Container) GetProfileRepository() repository.ProfileRepository {
	return c.Services.Profiles
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.Logger
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.Config
}

// GetRedisClient returns the Redis client (may be nil if not configured)
func (c *Container) GetRedisClient() *redis.Client {
	return c.RedisClient
}

// HasRedis returns true if Redis client is available
func (c *Container) HasRedis() bool {
	return c.RedisClient != nil
}

// GetDB returns the Postgres pool (may be nil if not configured)
func (c *Container) GetDB() *database.PostgresDB {
	return c.DB
}

// GetRateLimiter returns the limiter guarding credential endpoints
func (c *Container) GetRateLimiter() *middleware.RateLimiter {
	return c.RateLimiter
}

// sharedCacheEnabled reports whether per-session entries may be shared
// through Redis. Without a JWT secret session tokens are not signature
// checked, so a forged token could name someone else's cache entry.
func (c *Container) sharedCacheEnabled() bool {
	return c.RedisClient != nil && c.Config.SupabaseJWTSecret != ""
}

// SessionCache returns the shared cache for one provider session (returns
// nil if the shared cache is disabled)
func (c *Container) SessionCache(sessionKey string) *sessioncache.Cache {
	if !c.sharedCacheEnabled() || sessionKey == "" {
		return nil
	}
	return sessioncache.NewRedisCache(c.RedisClient, sessionKey, c.Logger)
}

// GateConfig wires the request gate to this container
func (c *Container) GateConfig() middleware.GateConfig {
	gc := middleware.GateConfig{
		Providers:  c.ProviderFor,
		Resolver:   c.Services.Resolver,
		SessionKey: auth.SessionKey,
		Subject:    auth.SessionSubject,
		Timeout:    c.Config.ProviderTimeout,
	}
	if c.sharedCacheEnabled() {
		gc.Redis = c.RedisClient
	}
	return gc
}

// Close releases the Redis and Postgres connections
func (c *Container) Close() {
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.WithError(err).Error("Failed to close Redis client")
		}
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
