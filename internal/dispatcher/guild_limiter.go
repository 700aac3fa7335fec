package dispatcher

import (
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/pierrebglinux/dscprotect/pkg/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// GuildLimiter caps how many mutations the engine sends per tenant per
// second, so a runaway remediation cannot burn the bot's shared budget.
type GuildLimiter struct {
	perSecond int64
	clock     util.Clock
	limiters  *xsync.MapOf[string, *slidingwindow.Limiter]
}

func NewGuildLimiter(perSecond int64, clock util.Clock) *GuildLimiter {
	if clock == nil {
		clock = util.RealClock()
	}
	return &GuildLimiter{
		perSecond: perSecond,
		clock:     clock,
		limiters:  xsync.NewMapOf[string, *slidingwindow.Limiter](),
	}
}

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

// Allow consumes one slot for tenantID. A non-positive budget disables the cap.
func (g *GuildLimiter) Allow(tenantID string) bool {
	if g == nil || g.perSecond <= 0 {
		return true
	}
	lim, _ := g.limiters.LoadOrCompute(tenantID, func() *slidingwindow.Limiter {
		l, _ := slidingwindow.NewLimiter(time.Second, g.perSecond, windowFunc)
		return l
	})
	return lim.AllowN(g.clock.Now(), 1)
}

// Forget drops the limiter of a tenant the bot left.
func (g *GuildLimiter) Forget(tenantID string) {
	g.limiters.Delete(tenantID)
}
