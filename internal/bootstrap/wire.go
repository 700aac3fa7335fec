package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pierrebglinux/dscprotect/internal/bot"
	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/detectors"
	"github.com/pierrebglinux/dscprotect/internal/dispatcher"
	"github.com/pierrebglinux/dscprotect/internal/forensics"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/notifier"
	"github.com/pierrebglinux/dscprotect/internal/watchdog"
)

const (
	componentGateway   = "gateway"
	componentSweeper   = "sweeper"
	componentRetention = "retention"

	retentionInterval = 6 * time.Hour
	recoveryMaxAge    = 10 * time.Minute
)

type Components struct {
	Config   *config.Config
	Storage  *Storage
	Profiles *config.ProfileStore

	Session  *bot.Session
	Adapter  *bot.Adapter
	Router   *bot.Router
	HTTPPool *dispatcher.HTTPPool

	Aggregator *correlator.Aggregator
	Nuke       *correlator.NukeAggregate
	Sweeper    *correlator.Sweeper
	Backups    *forensics.RoleBackupStore
	Recovery   *forensics.RecoveryTracker
	Retention  *forensics.RetentionManager
	Locks      *decision.LockScheduler
	Cooldowns  *decision.CooldownManager
	Decisions  *decision.DecisionLogger
	Engine     *detectors.Engine
	Watchdog   *watchdog.Watchdog

	cancel context.CancelFunc
}

func Wire(ctx context.Context, b *Bootstrap, store *Storage) error {
	logging.Info("Wiring components...")
	cfg := b.Config

	profiles := config.NewProfileStore()
	if err := store.DB.SyncAll(ctx, profiles); err != nil {
		return fmt.Errorf("guild config sync failed: %w", err)
	}

	session, err := bot.NewSession(cfg.Bot.Token, cfg.Network.RequestTimeout())
	if err != nil {
		return err
	}
	dg := session.Discord()

	httpPool := dispatcher.NewHTTPPool(cfg.Network.HTTPPoolSize, cfg.Network.RequestTimeout())
	guildLimiter := dispatcher.NewGuildLimiter(cfg.Network.MutationsPerSecond, nil)
	executor := dispatcher.NewRESTExecutor(
		httpPool,
		dispatcher.NewRateLimitMonitor(nil),
		guildLimiter,
		dispatcher.ExecutorOptions{
			BaseURL: cfg.Network.APIBaseURL,
			Token:   cfg.Bot.Token,
			Timeout: cfg.Network.RequestTimeout(),
		},
	)
	adapter := bot.NewAdapter(dg, executor, httpPool, cfg.Network.RequestTimeout())

	staleness := cfg.Detection.AuditStaleness()
	auditLog := bot.NewAuditLog(dg, bot.NewAuditCache(cfg.Detection.AuditCacheSize, 2*staleness))
	budget := forensics.NewAuditBudget(cfg.Detection.AuditQueriesPerSecond, cfg.Detection.AuditBurst, 10*time.Minute, nil)
	resolver := forensics.NewResolver(auditLog, adapter.SelfID,
		forensics.WithStaleness(staleness),
		forensics.WithBudget(budget),
	)

	agg := correlator.NewAggregator(profiles, nil)
	nuke := correlator.NewNukeAggregate(agg)
	idle := func() time.Duration {
		longest := time.Minute
		for _, id := range profiles.GuildIDs() {
			if w := profiles.Security(id).MaxWindow(); w > longest {
				longest = w
			}
		}
		return time.Duration(cfg.Detection.DormantMultiplier) * longest
	}
	sweeper := correlator.NewSweeper(agg, nuke, cfg.Detection.SweepInterval(), idle)

	backups := forensics.NewRoleBackupStore(adapter, store.Backups, nil)
	recovery := forensics.NewRecoveryTracker(nil)
	locks := decision.NewLockScheduler(adapter, store.Locks, nil)
	locks.OnUnlock(func(lock models.ActiveLock, err error) {
		if err != nil {
			logging.Error("[LOCK] Failed to release channel %s in guild %s: %v", lock.ArtifactID, lock.TenantID, err)
			return
		}
		logging.Info("[LOCK] Released channel %s in guild %s", lock.ArtifactID, lock.TenantID)
	})
	cooldowns := decision.NewCooldownManager(cfg.Detection.Cooldown(), nil)

	decisions, err := decision.NewDecisionLogger(cfg.Logging.IncidentPath)
	if err != nil {
		return fmt.Errorf("incident log init failed: %w", err)
	}

	notify := notifier.Multi{notifier.LogNotifier{}, notifier.NewDiscordNotifier(dg, profiles)}
	remediator := decision.NewDispatcher(decision.Deps{
		Platform:   adapter,
		Aggregator: agg,
		Nuke:       nuke,
		Backups:    backups,
		Recovery:   recovery,
		Locks:      locks,
		Cooldowns:  cooldowns,
		Notifier:   notify,
		Recorders:  []decision.IncidentRecorder{store.DB, decisions},
	})

	engine := detectors.NewEngine(detectors.Deps{
		Profiles:   profiles,
		Resolver:   resolver,
		Members:    adapter,
		Aggregator: agg,
		Nuke:       nuke,
		Backups:    backups,
		Recovery:   recovery,
		Remediator: remediator,
		Notifier:   notify,
		SelfID:     adapter.SelfID,
	})

	retention := forensics.NewRetentionManager(forensics.RetentionPolicy{
		RetentionDays: cfg.Logging.RetentionDays,
		LogDir:        dirOf(cfg.Logging.IncidentPath),
	}, store.DB, nil)

	var sampler watchdog.Sampler
	if hs, err := watchdog.NewHostSampler(); err == nil {
		sampler = hs
	} else {
		logging.Warn("Host resource sampling unavailable: %v", err)
	}
	wd := watchdog.NewWatchdog(15*time.Second, nil, sampler)
	wd.RegisterComponent(componentGateway, 2*time.Minute)
	wd.RegisterComponent(componentSweeper, 3*cfg.Detection.SweepInterval())
	wd.RegisterComponent(componentRetention, 2*retentionInterval)

	sweepBeat := wd.Beater(componentSweeper)
	sweeper.OnSweep(func() {
		cooldowns.Prune()
		recovery.Prune(recoveryMaxAge)
		sweepBeat()
	})

	runCtx, cancel := context.WithCancel(ctx)
	router := bot.NewRouter(runCtx, bot.RouterDeps{
		Sink:       engine,
		Profiles:   profiles,
		Roles:      backups,
		Guilds:     adapter,
		Audit:      auditLog,
		WebhookAge: staleness * 2,
		OnGuildAvailable: func(ctx context.Context, guildID string) {
			if err := store.DB.EnsureGuild(ctx, profiles, guildID); err != nil {
				logging.Error("Failed to load config for guild %s: %v", guildID, err)
			}
			if cfg.Detection.BackupOnStartup {
				n, err := backups.BackupAll(ctx, guildID)
				if err != nil {
					logging.Warn("[BACKUP] Role backup of guild %s failed: %v", guildID, err)
					return
				}
				logging.Info("[BACKUP] Backed up %d roles of guild %s", n, guildID)
			}
		},
		OnGuildRemoved: guildCleanup{
			recovery:  recovery,
			cooldowns: cooldowns,
			limiter:   guildLimiter,
			locks:     locks,
		}.forget,
	})
	router.Register(dg)
	dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Event) {
		wd.Heartbeat(componentGateway)
	})

	b.Components = &Components{
		Config:     cfg,
		Storage:    store,
		Profiles:   profiles,
		Session:    session,
		Adapter:    adapter,
		Router:     router,
		HTTPPool:   httpPool,
		Aggregator: agg,
		Nuke:       nuke,
		Sweeper:    sweeper,
		Backups:    backups,
		Recovery:   recovery,
		Retention:  retention,
		Locks:      locks,
		Cooldowns:  cooldowns,
		Decisions:  decisions,
		Engine:     engine,
		Watchdog:   wd,
		cancel:     cancel,
	}

	logging.Info("Component wiring complete")
	return nil
}

func StartAll(ctx context.Context, c *Components) error {
	logging.Info("Starting components...")
	cfg := c.Config

	go c.Watchdog.Run(ctx)
	logging.Info("Watchdog started")

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logging.Error("Metrics server stopped: %v", err)
			}
		}()
		logging.Info("Metrics served on %s", cfg.Metrics.Addr)
	}

	if n, err := c.Backups.Load(ctx); err != nil {
		logging.Warn("[BACKUP] Failed to load role backups: %v", err)
	} else {
		logging.Info("[BACKUP] Loaded %d role backups", n)
	}

	if c.HTTPPool.Warmup(cfg.Network.APIBaseURL) {
		logging.Info("HTTP pool warmed")
	}

	if err := c.Session.Connect(); err != nil {
		return fmt.Errorf("gateway connection failed: %w", err)
	}

	if n, err := c.Locks.Recover(ctx); err != nil {
		logging.Warn("[LOCK] Failed to recover active locks: %v", err)
	} else if n > 0 {
		logging.Info("[LOCK] Recovered %d active locks", n)
	}

	c.Sweeper.Start()
	logging.Info("Counter sweeper started")

	c.Retention.OnCleanup(c.Watchdog.Beater(componentRetention))
	go c.Retention.Run(ctx, retentionInterval)

	logging.Info("All components started")
	return nil
}

// guildCleanup drops the per-guild state of a guild the bot left.
type guildCleanup struct {
	recovery  *forensics.RecoveryTracker
	cooldowns *decision.CooldownManager
	limiter   *dispatcher.GuildLimiter
	locks     *decision.LockScheduler
}

func (g guildCleanup) forget(ctx context.Context, guildID string) {
	g.recovery.ClearGuildChanges(guildID)
	g.cooldowns.Reset(guildID)
	g.limiter.Forget(guildID)
	for _, lock := range g.locks.Active(guildID) {
		// unlock logs its own failures
		_ = g.locks.Release(ctx, guildID, lock.ArtifactID)
	}
}

func dirOf(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}
