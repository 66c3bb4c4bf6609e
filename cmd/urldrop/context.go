package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/cwygoda/urldrop/internal/adapter/postgres"
	"github.com/cwygoda/urldrop/internal/adapter/sqlite"
	"github.com/cwygoda/urldrop/internal/config"
	"github.com/cwygoda/urldrop/internal/domain"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	logger     *slog.Logger
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = config.SetupLogger(cfg.Log, os.Stderr)
	})
	return c.config, c.configErr
}

// recordStore is a RecordStore that owns a connection.
type recordStore interface {
	domain.RecordStore
	Close() error
}

// openStore opens the configured record store. Postgres must be migrated
// first, see `urldrop migrate`.
func (c *commandContext) openStore(ctx context.Context) (recordStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	switch cfg.Store.Driver {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.Store.DSN, c.logger)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool), nil
	case config.StoreSQLite:
		repo, err := sqlite.New(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.Store.Path, err)
		}
		c.logger.Debug("opened sqlite store", "path", cfg.Store.Path)
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
