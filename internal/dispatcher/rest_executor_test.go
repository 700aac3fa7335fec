package dispatcher

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type seenRequest struct {
	method string
	path   string
	auth   string
	reason string
	body   string
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []seenRequest
	respond  func(ctx *fasthttp.RequestCtx)
}

func (f *fakeAPI) handle(ctx *fasthttp.RequestCtx) {
	f.mu.Lock()
	f.requests = append(f.requests, seenRequest{
		method: string(ctx.Method()),
		path:   string(ctx.Path()),
		auth:   string(ctx.Request.Header.Peek("Authorization")),
		reason: string(ctx.Request.Header.Peek("X-Audit-Log-Reason")),
		body:   string(ctx.PostBody()),
	})
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		respond(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (f *fakeAPI) seen() []seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seenRequest(nil), f.requests...)
}

func newTestExecutor(t *testing.T, api *fakeAPI, perSecond int64) *RESTExecutor {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: api.handle}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
	return NewRESTExecutor(newHTTPPoolWith(client), NewRateLimitMonitor(nil), NewGuildLimiter(perSecond, util.NewFakeClock(time.Unix(1_700_000_000, 0))), ExecutorOptions{
		BaseURL: "http://api.test/v10",
		Token:   "secret",
		Timeout: time.Second,
	})
}

func TestBanRequestShape(t *testing.T) {
	api := &fakeAPI{}
	x := newTestExecutor(t, api, 0)

	require.NoError(t, x.Ban(context.Background(), "g1", "u1", "mass deletion"))

	reqs := api.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, fasthttp.MethodPut, reqs[0].method)
	assert.Equal(t, "/v10/guilds/g1/bans/u1", reqs[0].path)
	assert.Equal(t, "Bot secret", reqs[0].auth)
	assert.Equal(t, "mass%20deletion", reqs[0].reason)
	assert.JSONEq(t, `{"delete_message_seconds":0}`, reqs[0].body)
}

func TestDisconnectClearsVoiceChannel(t *testing.T) {
	api := &fakeAPI{}
	x := newTestExecutor(t, api, 0)

	require.NoError(t, x.Disconnect(context.Background(), "g1", "u1", ""))

	reqs := api.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, fasthttp.MethodPatch, reqs[0].method)
	assert.Empty(t, reqs[0].reason)
	assert.JSONEq(t, `{"channel_id":null}`, reqs[0].body)
}

func TestSetRolesSendsEmptyListNotNull(t *testing.T) {
	api := &fakeAPI{}
	x := newTestExecutor(t, api, 0)

	require.NoError(t, x.SetRoles(context.Background(), "g1", "u1", nil, "strip"))
	assert.JSONEq(t, `{"roles":[]}`, api.seen()[0].body)
}

func TestMissingPermissionIsClassified(t *testing.T) {
	api := &fakeAPI{respond: func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		ctx.SetBodyString(`{"code":50013,"message":"Missing Permissions"}`)
	}}
	x := newTestExecutor(t, api, 0)

	err := x.Kick(context.Background(), "g1", "u1", "raid")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrPermissionDenied))
	assert.Equal(t, "KickMembers", models.MissingCapability(err))
}

func TestUnknownMemberIsNotFound(t *testing.T) {
	api := &fakeAPI{respond: func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString(`{"code":10007,"message":"Unknown Member"}`)
	}}
	x := newTestExecutor(t, api, 0)

	err := x.Kick(context.Background(), "g1", "gone", "raid")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestExhaustedBucketBlocksLocally(t *testing.T) {
	api := &fakeAPI{respond: func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("X-RateLimit-Remaining", "0")
		ctx.Response.Header.Set("X-RateLimit-Limit", "5")
		ctx.Response.Header.Set("X-RateLimit-Reset-After", "30")
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}}
	x := newTestExecutor(t, api, 0)
	ctx := context.Background()

	require.NoError(t, x.Ban(ctx, "g1", "u1", "nuke"))
	err := x.Ban(ctx, "g1", "u2", "nuke")
	assert.True(t, errors.Is(err, models.ErrRateLimited))
	assert.Len(t, api.seen(), 1)

	// Other tenants have their own bucket.
	require.NoError(t, x.Ban(ctx, "g2", "u1", "nuke"))
}

func TestGuildBudgetCapsMutations(t *testing.T) {
	api := &fakeAPI{}
	x := newTestExecutor(t, api, 2)
	ctx := context.Background()

	require.NoError(t, x.Kick(ctx, "g1", "u1", ""))
	require.NoError(t, x.Kick(ctx, "g1", "u2", ""))
	err := x.Kick(ctx, "g1", "u3", "")
	assert.True(t, errors.Is(err, models.ErrRateLimited))
	assert.Len(t, api.seen(), 2)
}

func TestServerErrorIsTransient(t *testing.T) {
	api := &fakeAPI{respond: func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
	}}
	x := newTestExecutor(t, api, 0)

	err := x.Timeout(context.Background(), "g1", "u1", time.Now().Add(time.Hour), "")
	assert.True(t, errors.Is(err, models.ErrTransient))
}

func TestRateLimitMonitorWindows(t *testing.T) {
	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))
	rlm := NewRateLimitMonitor(clock)
	headers := func(h map[string]string) func(string) string {
		return func(name string) string { return h[name] }
	}

	rlm.Update(RouteBan, "g1", 200, headers(map[string]string{
		"X-RateLimit-Remaining":   "0",
		"X-RateLimit-Limit":       "5",
		"X-RateLimit-Reset-After": "1.5",
	}))
	assert.Equal(t, 1500*time.Millisecond, rlm.Wait(RouteBan, "g1"))
	assert.Zero(t, rlm.Wait(RouteKick, "g1"))

	clock.Advance(2 * time.Second)
	assert.Zero(t, rlm.Wait(RouteBan, "g1"))

	rlm.Update(RouteKick, "g1", 429, headers(map[string]string{
		"X-RateLimit-Global": "true",
		"Retry-After":        "3",
	}))
	assert.Equal(t, 3*time.Second, rlm.Wait(RouteBan, "g2"))
}

func TestClassifyCodes(t *testing.T) {
	assert.NoError(t, Classify(204, 0, "", "BanMembers"))
	assert.True(t, errors.Is(Classify(404, 10008, "Unknown Message", ""), models.ErrNotFound))
	assert.True(t, errors.Is(Classify(400, 10004, "Unknown Guild", ""), models.ErrNotFound))
	assert.True(t, errors.Is(Classify(429, 0, "", ""), models.ErrRateLimited))

	err := Classify(400, 12345, "bad", "")
	assert.False(t, errors.Is(err, models.ErrTransient))
	assert.Contains(t, err.Error(), "12345")
}

func TestFetchDataURI(t *testing.T) {
	api := &fakeAPI{respond: func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("image/webp")
		ctx.SetBodyString("img")
	}}
	x := newTestExecutor(t, api, 0)

	uri, err := x.pool.FetchDataURI("http://cdn.test/icons/g1/abc.png", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "data:image/webp;base64,aW1n", uri)

	api.mu.Lock()
	api.respond = func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusNotFound) }
	api.mu.Unlock()
	_, err = x.pool.FetchDataURI("http://cdn.test/icons/g1/gone.png", time.Second)
	assert.Error(t, err)
}
