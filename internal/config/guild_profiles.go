package config

import (
	"sync"
)

type GuildProfile struct {
	GuildID   string
	Name      string
	OwnerID   string
	Security  GuildSecurity
	Whitelist map[string]struct{}
}

// ProfileStore holds the live per-tenant configuration and whitelist. It is
// the WhitelistGate of the pipeline.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*GuildProfile
}

func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: make(map[string]*GuildProfile)}
}

func (ps *ProfileStore) getOrCreateLocked(guildID string) *GuildProfile {
	profile, exists := ps.profiles[guildID]
	if !exists {
		profile = &GuildProfile{
			GuildID:   guildID,
			Security:  DefaultSecurity(),
			Whitelist: make(map[string]struct{}),
		}
		ps.profiles[guildID] = profile
	}
	return profile
}

// Security returns a copy of the tenant configuration, with defaults for
// tenants never seen before.
func (ps *ProfileStore) Security(guildID string) GuildSecurity {
	ps.mu.RLock()
	profile, exists := ps.profiles[guildID]
	var sec GuildSecurity
	if exists {
		sec = profile.Security.Clone()
	}
	ps.mu.RUnlock()

	if !exists {
		return DefaultSecurity()
	}
	return sec
}

func (ps *ProfileStore) SetSecurity(guildID string, sec GuildSecurity) {
	sec.ApplyDefaults()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.getOrCreateLocked(guildID).Security = sec.Clone()
}

// Owner returns the tenant owner id, empty when unknown.
func (ps *ProfileStore) Owner(guildID string) string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if profile, exists := ps.profiles[guildID]; exists {
		return profile.OwnerID
	}
	return ""
}

func (ps *ProfileStore) SetGuild(guildID, name, ownerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	profile := ps.getOrCreateLocked(guildID)
	profile.Name = name
	profile.OwnerID = ownerID
}

func (ps *ProfileStore) Remove(guildID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.profiles, guildID)
}

func (ps *ProfileStore) GuildIDs() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	ids := make([]string, 0, len(ps.profiles))
	for id := range ps.profiles {
		ids = append(ids, id)
	}
	return ids
}

// IsExempt reports whether identity, or any of its roles, is whitelisted.
// Unknown tenants exempt nobody.
func (ps *ProfileStore) IsExempt(guildID, identityID string, roleIDs []string) bool {
	if identityID == "" {
		return false
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	profile, exists := ps.profiles[guildID]
	if !exists {
		return false
	}
	if _, ok := profile.Whitelist[identityID]; ok {
		return true
	}
	for _, roleID := range roleIDs {
		if _, ok := profile.Whitelist[roleID]; ok {
			return true
		}
	}
	return false
}

func (ps *ProfileStore) AddWhitelist(guildID, targetID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.getOrCreateLocked(guildID).Whitelist[targetID] = struct{}{}
}

func (ps *ProfileStore) RemoveWhitelist(guildID, targetID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if profile, exists := ps.profiles[guildID]; exists {
		delete(profile.Whitelist, targetID)
	}
}

// ReplaceWhitelist swaps the whole set, used when syncing from storage.
func (ps *ProfileStore) ReplaceWhitelist(guildID string, targetIDs []string) {
	set := make(map[string]struct{}, len(targetIDs))
	for _, id := range targetIDs {
		set[id] = struct{}{}
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.getOrCreateLocked(guildID).Whitelist = set
}
