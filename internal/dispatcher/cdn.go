package dispatcher

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const maxImageSize = 10 << 20

// FetchDataURI downloads an image and returns it as a data URI, the form the
// REST API accepts when re-uploading a guild icon or banner.
func (hp *HTTPPool) FetchDataURI(url string, timeout time.Duration) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := hp.GetClient().DoTimeout(req, resp, timeout); err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 || len(body) > maxImageSize {
		return "", fmt.Errorf("fetch %s: unusable image of %d bytes", url, len(body))
	}
	contentType := string(resp.Header.ContentType())
	if contentType == "" {
		contentType = "image/png"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}
