package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/models"
	_ "modernc.org/sqlite"
)

// Database is the SQLite store for guild configuration, whitelists, role
// backups, active locks and the incident trail.
type Database struct {
	db *sql.DB
}

// Open creates or opens the database at dbPath and migrates the schema.
func Open(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent
	// remediation.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	d := &Database{db: db}
	if err := d.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return d, nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS guild_config (
		guild_id TEXT PRIMARY KEY,
		security TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS whitelist (
		guild_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		target_type TEXT NOT NULL,
		added_by TEXT DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (guild_id, target_id)
	);

	CREATE TABLE IF NOT EXISTS role_backups (
		guild_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		data TEXT NOT NULL,
		captured_at INTEGER NOT NULL,
		PRIMARY KEY (guild_id, role_id)
	);

	CREATE TABLE IF NOT EXISTS active_locks (
		guild_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		end_time INTEGER NOT NULL,
		PRIMARY KEY (guild_id, artifact_id)
	);

	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		guild_id TEXT NOT NULL,
		actor_id TEXT DEFAULT '',
		target_id TEXT DEFAULT '',
		category TEXT NOT NULL,
		module TEXT NOT NULL,
		status TEXT NOT NULL,
		severity INTEGER NOT NULL,
		reason TEXT DEFAULT '',
		error TEXT DEFAULT '',
		data TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		handled_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_incidents_guild ON incidents(guild_id, handled_at);
	CREATE INDEX IF NOT EXISTS idx_incidents_handled ON incidents(handled_at);
	`

	_, err := d.db.Exec(schema)
	return err
}

// GetGuildSecurity returns the stored configuration of guildID, or false when
// the guild was never configured.
func (d *Database) GetGuildSecurity(ctx context.Context, guildID string) (config.GuildSecurity, bool, error) {
	var raw string
	err := d.db.QueryRowContext(ctx, `SELECT security FROM guild_config WHERE guild_id = ?`, guildID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return config.DefaultSecurity(), false, nil
	}
	if err != nil {
		return config.GuildSecurity{}, false, err
	}

	var sec config.GuildSecurity
	if err := json.Unmarshal([]byte(raw), &sec); err != nil {
		return config.GuildSecurity{}, false, fmt.Errorf("corrupt config for guild %s: %w", guildID, err)
	}
	sec.ApplyDefaults()
	return sec, true, nil
}

// UpsertGuildSecurity creates or replaces the configuration of guildID.
func (d *Database) UpsertGuildSecurity(ctx context.Context, guildID string, sec config.GuildSecurity) error {
	raw, err := json.Marshal(sec)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO guild_config (guild_id, security, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET security = excluded.security, updated_at = excluded.updated_at`,
		guildID, string(raw), now, now,
	)
	return err
}

func (d *Database) GuildIDs(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT guild_id FROM guild_config ORDER BY guild_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *Database) AddWhitelist(ctx context.Context, entry WhitelistEntry) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO whitelist (guild_id, target_id, target_type, added_by, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.GuildID, entry.TargetID, entry.TargetType, entry.AddedBy, entry.CreatedAt,
	)
	return err
}

func (d *Database) RemoveWhitelist(ctx context.Context, guildID, targetID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM whitelist WHERE guild_id = ? AND target_id = ?`, guildID, targetID)
	return err
}

func (d *Database) GetWhitelist(ctx context.Context, guildID string) ([]WhitelistEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT guild_id, target_id, target_type, added_by, created_at FROM whitelist WHERE guild_id = ? ORDER BY created_at`,
		guildID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []WhitelistEntry
	for rows.Next() {
		var e WhitelistEntry
		if err := rows.Scan(&e.GuildID, &e.TargetID, &e.TargetType, &e.AddedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (d *Database) SaveRoleBackup(ctx context.Context, rec models.RoleSnapshot) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO role_backups (guild_id, role_id, data, captured_at) VALUES (?, ?, ?, ?)`,
		rec.TenantID, rec.RoleID, string(raw), rec.CapturedAt.UnixMilli(),
	)
	return err
}

func (d *Database) DeleteRoleBackup(ctx context.Context, tenantID, roleID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM role_backups WHERE guild_id = ? AND role_id = ?`, tenantID, roleID)
	return err
}

// LoadRoleBackups returns every stored snapshot. Unreadable rows are skipped.
func (d *Database) LoadRoleBackups(ctx context.Context) ([]models.RoleSnapshot, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT data FROM role_backups ORDER BY guild_id, role_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RoleSnapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec models.RoleSnapshot
		if json.Unmarshal([]byte(raw), &rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *Database) SaveLock(ctx context.Context, lock models.ActiveLock) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO active_locks (guild_id, artifact_id, end_time) VALUES (?, ?, ?)`,
		lock.TenantID, lock.ArtifactID, lock.EndTime.UnixMilli(),
	)
	return err
}

func (d *Database) DeleteLock(ctx context.Context, tenantID, artifactID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM active_locks WHERE guild_id = ? AND artifact_id = ?`, tenantID, artifactID)
	return err
}

func (d *Database) LoadLocks(ctx context.Context) ([]models.ActiveLock, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT guild_id, artifact_id, end_time FROM active_locks ORDER BY end_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ActiveLock
	for rows.Next() {
		var lock models.ActiveLock
		var end int64
		if err := rows.Scan(&lock.TenantID, &lock.ArtifactID, &end); err != nil {
			return nil, err
		}
		lock.EndTime = time.UnixMilli(end)
		out = append(out, lock)
	}
	return out, rows.Err()
}

// RecordIncident appends inc to the incident trail.
func (d *Database) RecordIncident(ctx context.Context, inc models.Incident) error {
	inc.Finalize()
	raw, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO incidents (id, guild_id, actor_id, target_id, category, module, status, severity, reason, error, data, occurred_at, handled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.TenantID, inc.IdentityID, inc.ArtifactID, inc.Kind, inc.Module, inc.Result, inc.Severity,
		inc.Reason, inc.Error, string(raw), inc.OccurredAt.UnixMilli(), inc.HandledAt.UnixMilli(),
	)
	return err
}

// GetRecentIncidents returns the newest incidents of a guild, newest first.
func (d *Database) GetRecentIncidents(ctx context.Context, guildID string, limit int) ([]models.Incident, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT data FROM incidents WHERE guild_id = ? ORDER BY handled_at DESC LIMIT ?`,
		guildID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var inc models.Incident
		if err := json.Unmarshal([]byte(raw), &inc); err != nil {
			return nil, fmt.Errorf("corrupt incident row: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// PruneIncidents deletes incidents handled before cutoff and reports how many
// rows went.
func (d *Database) PruneIncidents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM incidents WHERE handled_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
