package bootstrap

import "github.com/pierrebglinux/dscprotect/internal/logging"

func Shutdown(c *Components) error {
	if c == nil {
		return nil
	}
	logging.Info("Starting graceful shutdown...")

	if c.cancel != nil {
		c.cancel()
	}

	logging.Info("Closing gateway session...")
	if err := c.Session.Close(); err != nil {
		logging.Warn("Gateway close failed: %v", err)
	}

	logging.Info("Stopping sweeper...")
	c.Sweeper.Stop()

	// Pending unlock timers are dropped; the persisted locks are recovered on
	// the next start.
	c.Locks.Stop()
	c.Backups.Stop()

	if c.Decisions != nil {
		if err := c.Decisions.Close(); err != nil {
			logging.Warn("Incident log close failed: %v", err)
		}
	}

	c.Storage.Close()

	logging.Info("Graceful shutdown complete")
	return logging.Close()
}
