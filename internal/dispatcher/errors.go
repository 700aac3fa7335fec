package dispatcher

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pierrebglinux/dscprotect/internal/models"
)

// Platform JSON error codes the engine reacts to.
const (
	codeUnknownChannel  = 10003
	codeUnknownGuild    = 10004
	codeUnknownMessage  = 10008
	codeUnknownMember   = 10007
	codeUnknownRole     = 10011
	codeUnknownUser     = 10013
	codeUnknownWebhook  = 10015
	codeUnknownBan      = 10026
	codeMissingAccess   = 50001
	codeMissingPerms    = 50013
	codeUnknownOverride = 10009
)

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DecodeAPIError reads the platform's JSON error body. Unparseable bodies
// yield code 0.
func DecodeAPIError(body []byte) (int, string) {
	var e apiError
	if len(body) == 0 || json.Unmarshal(body, &e) != nil {
		return 0, string(body)
	}
	return e.Code, e.Message
}

// Classify maps a platform response to the engine's error kinds. capability
// names the permission a 403 implies.
func Classify(status, code int, message, capability string) error {
	switch code {
	case codeUnknownChannel, codeUnknownGuild, codeUnknownMessage, codeUnknownMember, codeUnknownRole,
		codeUnknownUser, codeUnknownWebhook, codeUnknownBan, codeUnknownOverride:
		return fmt.Errorf("%w: %s", models.ErrNotFound, message)
	case codeMissingAccess, codeMissingPerms:
		return models.NewPermissionError(capability, fmt.Errorf("%d %s", code, message))
	}

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrNotFound, message)
	case status == http.StatusForbidden:
		return models.NewPermissionError(capability, fmt.Errorf("%d %s", status, message))
	case status == http.StatusTooManyRequests:
		return models.ErrRateLimited
	case status >= 500:
		return fmt.Errorf("%w: status %d", models.ErrTransient, status)
	}
	return fmt.Errorf("unexpected status %d (code %d): %s", status, code, message)
}
