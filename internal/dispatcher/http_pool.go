package dispatcher

import (
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// HTTPPool hands out keep-alive fasthttp clients round robin.
type HTTPPool struct {
	clients []*fasthttp.Client
	index   atomic.Uint32
}

func NewHTTPPool(size int, timeout time.Duration) *HTTPPool {
	if size < 1 {
		size = 1
	}
	clients := make([]*fasthttp.Client, size)

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(128),
	}

	for i := 0; i < size; i++ {
		clients[i] = &fasthttp.Client{
			MaxConnsPerHost:     512,
			MaxIdleConnDuration: 180 * time.Second,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxConnWaitTimeout:  timeout / 4,

			ReadBufferSize:      16384,
			WriteBufferSize:     16384,
			MaxResponseBodySize: 1 << 20,

			// Mutations are not idempotent from the audit trail's point of view.
			MaxIdemponentCallAttempts: 1,

			DialDualStack: true,
			TLSConfig:     tlsConfig,

			NoDefaultUserAgentHeader: true,
		}
	}

	return &HTTPPool{clients: clients}
}

// newHTTPPoolWith wraps existing clients. Tests use it with in-memory dialers.
func newHTTPPoolWith(clients ...*fasthttp.Client) *HTTPPool {
	return &HTTPPool{clients: clients}
}

func (hp *HTTPPool) GetClient() *fasthttp.Client {
	i := hp.index.Add(1) - 1
	return hp.clients[int(i)%len(hp.clients)]
}

// Warmup opens a connection to the API so the first remediation does not
// pay for the TLS handshake. It reports whether the API answered.
func (hp *HTTPPool) Warmup(baseURL string) bool {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	for _, client := range hp.clients {
		req.SetRequestURI(baseURL + "/gateway")
		req.Header.SetMethod(fasthttp.MethodGet)
		if err := client.DoTimeout(req, resp, 2*time.Second); err != nil || resp.StatusCode() != fasthttp.StatusOK {
			return false
		}
		resp.Reset()
	}
	return true
}
