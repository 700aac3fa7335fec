package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/database"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/forensics"
	"github.com/pierrebglinux/dscprotect/internal/logging"
)

type Bootstrap struct {
	Config      *config.Config
	Components  *Components
	initialized bool
}

func New(cfg *config.Config) *Bootstrap {
	return &Bootstrap{Config: cfg}
}

func (b *Bootstrap) Initialize(ctx context.Context) error {
	if err := b.initializeLogging(); err != nil {
		return fmt.Errorf("logging init failed: %w", err)
	}

	store, err := b.openStorage(ctx)
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}

	if err := Wire(ctx, b, store); err != nil {
		store.Close()
		return fmt.Errorf("component wiring failed: %w", err)
	}

	b.initialized = true
	logging.Info("Bootstrap complete")
	return nil
}

func (b *Bootstrap) initializeLogging() error {
	level := logging.ParseLevel(b.Config.Logging.Level)
	return logging.InitGlobalLogger(level, b.Config.Logging.Path)
}

// Storage groups the SQLite database with the store chosen for role backups
// and active locks.
type Storage struct {
	DB      *database.Database
	Redis   *database.RedisStore
	Backups forensics.BackupPersister
	Locks   decision.LockPersister
}

func (s *Storage) Close() {
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logging.Warn("Failed to close Redis: %v", err)
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			logging.Warn("Failed to close database: %v", err)
		}
	}
}

func (b *Bootstrap) openStorage(ctx context.Context) (*Storage, error) {
	db, err := database.Open(b.Config.Database.Path)
	if err != nil {
		return nil, err
	}
	logging.Info("Database opened at %s", b.Config.Database.Path)

	store := &Storage{DB: db, Backups: db, Locks: db}
	if b.Config.Database.Driver == "redis" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rs, err := database.OpenRedis(pingCtx, b.Config.Database.RedisURL)
		if err != nil {
			db.Close()
			return nil, err
		}
		store.Redis = rs
		store.Backups = rs
		store.Locks = rs
		logging.Info("Role backups and locks stored in Redis")
	}
	return store, nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down.
func (b *Bootstrap) Run(ctx context.Context) error {
	if !b.initialized {
		return fmt.Errorf("bootstrap not initialized")
	}
	if err := StartAll(ctx, b.Components); err != nil {
		Shutdown(b.Components)
		return err
	}
	<-ctx.Done()
	logging.Info("Shutdown signal received")
	return Shutdown(b.Components)
}
