package main

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/credgate/backend/internal/client"
	"github.com/credgate/backend/internal/config"
	"github.com/credgate/backend/internal/db"
	"github.com/credgate/backend/internal/logging"
	"github.com/credgate/backend/internal/service"
)

// deps is the wired service graph plus everything that must be released on
// shutdown, in reverse order of acquisition.
type deps struct {
	Auth    *service.AuthService
	Limiter *service.Limiter
	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func (d *deps) onClose(fn func()) {
	d.closers = append(d.closers, fn)
}

func buildDeps(ctx context.Context, cfg config.Config, log zerolog.Logger) (*deps, error) {
	d := &deps{}
	fail := func(err error) (*deps, error) {
		d.Close()
		return nil, err
	}

	users, err := buildUserStore(ctx, cfg.Postgres, log, d)
	if err != nil {
		return fail(err)
	}

	resets, counter, err := buildStateStores(ctx, cfg, log, d)
	if err != nil {
		return fail(err)
	}

	hasher, err := service.NewBcryptHasher(cfg.Auth.BcryptCost, cfg.Auth.HashWorkers)
	if err != nil {
		return fail(oops.Code("CONFIG_INVALID").With("operation", "create hasher").Wrap(err))
	}

	signer, err := service.NewTokenSigner(service.TokenConfig{
		Secret:     cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})
	if err != nil {
		return fail(oops.Code("CONFIG_INVALID").With("operation", "create token signer").Wrap(err))
	}

	d.Limiter = service.NewLimiter(counter, quotasFromConfig(cfg.RateLimit), nil)

	resetSvc := service.NewResetService(resets, users, hasher,
		service.ResetConfig{TTL: cfg.Reset.TokenTTL},
		logging.Component(log, "reset"))

	d.Auth, err = service.NewAuthService(service.AuthDeps{
		Users:    users,
		Hasher:   hasher,
		Tokens:   signer,
		Resets:   resetSvc,
		Notifier: client.NewResetNotifier(cfg.Reset, logging.Component(log, "notifier")),
		Quotas:   d.Limiter.Quotas(),
		Logger:   logging.Component(log, "auth"),
	})
	if err != nil {
		return fail(oops.Code("CONFIG_INVALID").With("operation", "create auth service").Wrap(err))
	}

	if cfg.Admin.Email != "" {
		if err := d.Auth.EnsureAdmin(ctx, cfg.Admin.Email, cfg.Admin.Password); err != nil {
			return fail(oops.Code("ADMIN_BOOTSTRAP_FAILED").With("email", cfg.Admin.Email).Wrap(err))
		}
	}

	return d, nil
}

func buildUserStore(ctx context.Context, cfg config.PostgresConfig, log zerolog.Logger, d *deps) (service.UserStore, error) {
	if !cfg.Enabled() {
		log.Warn().Msg("postgres not configured, users are kept in memory and lost on restart")
		return db.NewMemoryUsers(), nil
	}

	pool, err := db.NewPostgresPool(ctx, cfg)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	d.onClose(pool.Close)

	pg := db.NewPostgres(pool)
	if err := pg.EnsureAuthSchema(ctx); err != nil {
		return nil, oops.Code("MIGRATION_FAILED").With("operation", "ensure auth schema").Wrap(err)
	}
	log.Info().Msg("postgres user store ready")
	return pg, nil
}

func buildStateStores(ctx context.Context, cfg config.Config, log zerolog.Logger, d *deps) (service.ResetStore, service.CounterBackend, error) {
	if cfg.Redis.Enabled() {
		rdb, err := client.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", cfg.Redis.Addr).Wrap(err)
		}
		d.onClose(func() { closeQuietly(rdb, log) })
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis state store ready")
		return db.NewRedisResetStore(rdb, nil), db.NewRedisCounter(rdb, nil), nil
	}

	resets := service.NewMemoryResetStore(nil)
	resets.StartSweeper(cfg.Reset.SweepInterval, logging.Component(log, "reset-sweeper"))
	d.onClose(func() { closeQuietly(resets, log) })

	counter, err := service.NewMemoryCounter(cfg.RateLimit.MaxKeys, nil)
	if err != nil {
		return nil, nil, oops.Code("CONFIG_INVALID").With("operation", "create rate limit counter").Wrap(err)
	}
	return resets, counter, nil
}

func quotasFromConfig(cfg config.RateLimitConfig) map[service.Category]service.Quota {
	return map[service.Category]service.Quota{
		service.CategoryGeneral: {Max: cfg.General.Max, Window: cfg.General.Window},
		service.CategoryAuth:    {Max: cfg.Auth.Max, Window: cfg.Auth.Window},
		service.CategoryContact: {Max: cfg.Contact.Max, Window: cfg.Contact.Window},
	}
}

func closeQuietly(c io.Closer, log zerolog.Logger) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msg("close failed")
	}
}
