package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/valyala/fasthttp"
)

// Routes double as rate limit bucket names and metric labels.
const (
	RouteBan        = "ban"
	RouteKick       = "kick"
	RouteTimeout    = "timeout"
	RouteDisconnect = "disconnect"
	RouteRoles      = "member_roles"
	RouteRoleRemove = "member_role_remove"
)

var capabilities = map[string]string{
	RouteBan:        "BanMembers",
	RouteKick:       "KickMembers",
	RouteTimeout:    "ModerateMembers",
	RouteDisconnect: "MoveMembers",
	RouteRoles:      "ManageRoles",
	RouteRoleRemove: "ManageRoles",
}

type ExecutorOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// RESTExecutor sends member punishments straight to the REST API over the
// pooled fasthttp clients, bypassing the gateway library's request queue.
type RESTExecutor struct {
	pool    *HTTPPool
	limits  *RateLimitMonitor
	guilds  *GuildLimiter
	baseURL string
	token   string
	timeout time.Duration
}

func NewRESTExecutor(pool *HTTPPool, limits *RateLimitMonitor, guilds *GuildLimiter, opts ExecutorOptions) *RESTExecutor {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &RESTExecutor{
		pool:    pool,
		limits:  limits,
		guilds:  guilds,
		baseURL: opts.BaseURL,
		token:   opts.Token,
		timeout: opts.Timeout,
	}
}

func (x *RESTExecutor) Ban(ctx context.Context, tenantID, userID, reason string) error {
	payload := map[string]interface{}{"delete_message_seconds": 0}
	return x.do(ctx, RouteBan, tenantID, fasthttp.MethodPut, fmt.Sprintf("/guilds/%s/bans/%s", tenantID, userID), payload, reason)
}

func (x *RESTExecutor) Kick(ctx context.Context, tenantID, userID, reason string) error {
	return x.do(ctx, RouteKick, tenantID, fasthttp.MethodDelete, fmt.Sprintf("/guilds/%s/members/%s", tenantID, userID), nil, reason)
}

func (x *RESTExecutor) Timeout(ctx context.Context, tenantID, userID string, until time.Time, reason string) error {
	payload := map[string]interface{}{"communication_disabled_until": until.UTC().Format(time.RFC3339)}
	return x.do(ctx, RouteTimeout, tenantID, fasthttp.MethodPatch, fmt.Sprintf("/guilds/%s/members/%s", tenantID, userID), payload, reason)
}

// Disconnect moves the member out of voice.
func (x *RESTExecutor) Disconnect(ctx context.Context, tenantID, userID, reason string) error {
	payload := map[string]interface{}{"channel_id": nil}
	return x.do(ctx, RouteDisconnect, tenantID, fasthttp.MethodPatch, fmt.Sprintf("/guilds/%s/members/%s", tenantID, userID), payload, reason)
}

func (x *RESTExecutor) SetRoles(ctx context.Context, tenantID, userID string, roleIDs []string, reason string) error {
	if roleIDs == nil {
		roleIDs = []string{}
	}
	payload := map[string]interface{}{"roles": roleIDs}
	return x.do(ctx, RouteRoles, tenantID, fasthttp.MethodPatch, fmt.Sprintf("/guilds/%s/members/%s", tenantID, userID), payload, reason)
}

func (x *RESTExecutor) RemoveRole(ctx context.Context, tenantID, userID, roleID, reason string) error {
	return x.do(ctx, RouteRoleRemove, tenantID, fasthttp.MethodDelete, fmt.Sprintf("/guilds/%s/members/%s/roles/%s", tenantID, userID, roleID), nil, reason)
}

func (x *RESTExecutor) do(ctx context.Context, route, tenantID, method, path string, payload interface{}, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if wait := x.limits.Wait(route, tenantID); wait > 0 {
		metrics.PlatformCalls.WithLabelValues(route, "rate_limited").Inc()
		return fmt.Errorf("%s in %s blocked for %s: %w", route, tenantID, wait, models.ErrRateLimited)
	}
	if !x.guilds.Allow(tenantID) {
		metrics.PlatformCalls.WithLabelValues(route, "guild_budget").Inc()
		return fmt.Errorf("%s in %s over the guild mutation budget: %w", route, tenantID, models.ErrRateLimited)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(x.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", "Bot "+x.token)
	if reason != "" {
		req.Header.Set("X-Audit-Log-Reason", url.PathEscape(reason))
	}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", route, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	timeout := x.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	start := time.Now()
	if err := x.pool.GetClient().DoTimeout(req, resp, timeout); err != nil {
		metrics.PlatformCalls.WithLabelValues(route, "transport").Inc()
		return fmt.Errorf("%s %s: %w: %v", method, path, models.ErrTransient, err)
	}
	x.limits.UpdateFromFastHTTPResponse(resp, route, tenantID)

	status := resp.StatusCode()
	code, message := 0, ""
	if status >= 300 {
		code, message = DecodeAPIError(resp.Body())
	}
	err := Classify(status, code, message, capabilities[route])
	switch {
	case err == nil:
		metrics.PlatformCalls.WithLabelValues(route, "ok").Inc()
		logging.Debug("[DISPATCH] %s %s in %s | %d µs", route, path, tenantID, time.Since(start).Microseconds())
	case errors.Is(err, models.ErrNotFound):
		metrics.PlatformCalls.WithLabelValues(route, "not_found").Inc()
	default:
		metrics.PlatformCalls.WithLabelValues(route, "error").Inc()
		logging.Warn("[DISPATCH] %s %s in %s failed with %d: %v", route, path, tenantID, status, err)
	}
	return err
}
