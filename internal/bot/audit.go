package bot

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/internal/platform"
)

type auditKey struct {
	tenantID string
	kind     platform.AuditKind
}

// AuditCache keeps the newest audit entry per guild and action type, fed by
// REST lookups and by entries the gateway pushes.
type AuditCache struct {
	lru *expirable.LRU[auditKey, platform.AuditEntry]
}

func NewAuditCache(size int, ttl time.Duration) *AuditCache {
	if size <= 0 {
		size = 1024
	}
	return &AuditCache{lru: expirable.NewLRU[auditKey, platform.AuditEntry](size, nil, ttl)}
}

// Store keeps e unless a newer entry of the same kind is already cached.
func (c *AuditCache) Store(tenantID string, e platform.AuditEntry) {
	if e.Kind == platform.AuditUnknown {
		return
	}
	key := auditKey{tenantID: tenantID, kind: e.Kind}
	if cur, ok := c.lru.Get(key); ok && cur.CreatedAt.After(e.CreatedAt) {
		return
	}
	c.lru.Add(key, e)
}

func (c *AuditCache) Latest(tenantID string, kind platform.AuditKind) (platform.AuditEntry, bool) {
	return c.lru.Get(auditKey{tenantID: tenantID, kind: kind})
}

func (c *AuditCache) Len() int {
	return c.lru.Len()
}

type auditFetcher interface {
	GuildAuditLog(guildID, userID, beforeID string, actionType, limit int, options ...discordgo.RequestOption) (*discordgo.GuildAuditLog, error)
}

// AuditLog reads the newest audit entry of a kind over REST. When the API
// cannot be reached it falls back to the last entry the gateway delivered.
type AuditLog struct {
	api   auditFetcher
	cache *AuditCache
}

func NewAuditLog(api auditFetcher, cache *AuditCache) *AuditLog {
	return &AuditLog{api: api, cache: cache}
}

func (a *AuditLog) QueryLatest(ctx context.Context, tenantID string, kind platform.AuditKind) (*platform.AuditEntry, error) {
	action, ok := auditActions[kind]
	if !ok {
		return nil, nil
	}

	log, err := a.api.GuildAuditLog(tenantID, "", "", action, 1, discordgo.WithContext(ctx))
	if err != nil {
		if cached, ok := a.cache.Latest(tenantID, kind); ok {
			metrics.AuditQueries.WithLabelValues("cache").Inc()
			logging.Debug("[AUDIT] REST lookup of %s in guild %s failed, using gateway entry %s: %v", kind, tenantID, cached.ID, err)
			return &cached, nil
		}
		metrics.AuditQueries.WithLabelValues("error").Inc()
		return nil, classify(err, "ViewAuditLog")
	}
	metrics.AuditQueries.WithLabelValues("rest").Inc()

	if log == nil || len(log.AuditLogEntries) == 0 {
		return nil, nil
	}
	entry := auditEntry(log.AuditLogEntries[0])
	entry.Kind = kind
	a.cache.Store(tenantID, *entry)
	return entry, nil
}

// Observe records an entry delivered by the gateway.
func (a *AuditLog) Observe(guildID string, e *discordgo.AuditLogEntry) *platform.AuditEntry {
	entry := auditEntry(e)
	if entry == nil {
		return nil
	}
	a.cache.Store(guildID, *entry)
	return entry
}
