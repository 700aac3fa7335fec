package database

import (
	"context"
	"fmt"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/logging"
)

// SyncGuild loads the stored configuration and whitelist of guildID into the
// in-memory profile store.
func (d *Database) SyncGuild(ctx context.Context, store *config.ProfileStore, guildID string) error {
	sec, _, err := d.GetGuildSecurity(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to load guild config: %w", err)
	}
	entries, err := d.GetWhitelist(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to load whitelist: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.TargetID)
	}
	store.SetSecurity(guildID, sec)
	store.ReplaceWhitelist(guildID, ids)
	return nil
}

// SyncAll loads every configured guild. A guild that fails to load keeps the
// defaults and does not stop the others.
func (d *Database) SyncAll(ctx context.Context, store *config.ProfileStore) error {
	ids, err := d.GuildIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to query guild configs: %w", err)
	}
	for _, id := range ids {
		if err := d.SyncGuild(ctx, store, id); err != nil {
			logging.Warn("[DB] Failed to sync guild %s: %v", id, err)
		}
	}
	logging.Info("[DB] Synced %d guild configs", len(ids))
	return nil
}

// EnsureGuild stores the default configuration for a guild seen for the first
// time, then syncs it. Existing configuration is left alone.
func (d *Database) EnsureGuild(ctx context.Context, store *config.ProfileStore, guildID string) error {
	_, found, err := d.GetGuildSecurity(ctx, guildID)
	if err != nil {
		return err
	}
	if !found {
		if err := d.UpsertGuildSecurity(ctx, guildID, config.DefaultSecurity()); err != nil {
			return fmt.Errorf("failed to initialize guild config: %w", err)
		}
	}
	return d.SyncGuild(ctx, store, guildID)
}

// Trust whitelists a user or role in storage and in memory.
func (d *Database) Trust(ctx context.Context, store *config.ProfileStore, entry WhitelistEntry) error {
	if err := d.AddWhitelist(ctx, entry); err != nil {
		return err
	}
	store.AddWhitelist(entry.GuildID, entry.TargetID)
	return nil
}

func (d *Database) Distrust(ctx context.Context, store *config.ProfileStore, guildID, targetID string) error {
	if err := d.RemoveWhitelist(ctx, guildID, targetID); err != nil {
		return err
	}
	store.RemoveWhitelist(guildID, targetID)
	return nil
}

// UpdateSecurity validates sec, stores it and makes it live.
func (d *Database) UpdateSecurity(ctx context.Context, store *config.ProfileStore, guildID string, sec config.GuildSecurity) error {
	sec.ApplyDefaults()
	if err := d.UpsertGuildSecurity(ctx, guildID, sec); err != nil {
		return err
	}
	store.SetSecurity(guildID, sec)
	return nil
}
