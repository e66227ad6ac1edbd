package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zach-source/gradtracer/internal/access"
	"github.com/zach-source/gradtracer/internal/audit"
	"github.com/zach-source/gradtracer/internal/client"
	"github.com/zach-source/gradtracer/internal/config"
	"github.com/zach-source/gradtracer/internal/guest"
	"github.com/zach-source/gradtracer/internal/policy"
	"github.com/zach-source/gradtracer/internal/storage"
	"github.com/zach-source/gradtracer/internal/util"
)

// app holds the components shared by every subcommand
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	durable *storage.Adapter
	guests  *guest.Store
	client  *client.Client
	audit   *audit.Logger
	closers []io.Closer
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	backend, err := a.durableBackend()
	if err != nil {
		return nil, err
	}
	a.durable = storage.NewAdapter(backend, logger)

	// Guest identities only live as long as the process, like a browser session.
	a.guests = guest.NewStore(storage.NewAdapter(storage.NewMemoryBackend(), logger), nil, cfg.GuestDiscriminator)

	a.client, err = client.New(client.Options{
		BaseURL:          cfg.APIURL,
		Storage:          a.durable,
		VerifyStaleAfter: time.Duration(cfg.VerifyStaleAfter),
		Logger:           logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.AuditLog != "" {
		a.audit = audit.NewLogger(audit.RotationConfig{
			Filename:   cfg.AuditLog,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxDays:    cfg.Log.MaxDays,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   cfg.Log.Compress,
		}, logger)
		a.closers = append(a.closers, a.audit)
	}
	return a, nil
}

func (a *app) durableBackend() (storage.Backend, error) {
	switch a.cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemoryBackend(), nil
	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb)
		return storage.NewRedisBackend(rdb, a.cfg.Redis.Prefix, time.Duration(a.cfg.Redis.TTL)), nil
	case config.StorageFile:
		path := a.cfg.StorePath
		if path == "" {
			var err error
			if path, err = util.StorePath(); err != nil {
				return nil, err
			}
		}
		return storage.NewFileBackend(path, a.logger)
	default:
		return nil, fmt.Errorf("unknown storage %q", a.cfg.Storage)
	}
}

func (a *app) controller(form policy.Form) (*access.Controller, error) {
	return access.NewController(access.Options{
		Form:    form,
		API:     a.client,
		Durable: a.durable,
		Guests:  a.guests,
		Session: a.cfg.Session(),
		Logger:  a.logger,
		Audit:   a.audit,
	})
}

func (a *app) replacer() *access.Replacer {
	return access.NewReplacer(access.ReplacerOptions{
		API:           a.client,
		Durable:       a.durable,
		Guests:        a.guests,
		NotFoundDelay: time.Duration(a.cfg.NotFoundDelay),
		Logger:        a.logger,
		Audit:         a.audit,
	})
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}
