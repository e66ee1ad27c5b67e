package mexc

import (
	"errors"
	"strings"

	"spot-rebalance/internal/core"
)

// MEXC spot error codes that map onto a sentinel kind. Anything else is
// surfaced as a bare APIError.
const (
	apiCodeSignatureInvalid    = 700002
	apiCodeTimestampOutside    = 700003
	apiCodeAPIKeyInvalid       = 10072
	apiCodeRateLimited         = 429
	apiCodeTooManyRequests     = 510
	apiCodeInsufficientBalance = 30004
	apiCodeOversold            = 30005
	apiCodeOrderNotFound       = 30026
	apiCodeDuplicateOrder      = 30027
	apiCodeListenKeyNotFound   = 10007
)

var apiCodeKinds = map[int]error{
	apiCodeSignatureInvalid:    core.ErrAuth,
	apiCodeTimestampOutside:    core.ErrAuth,
	apiCodeAPIKeyInvalid:       core.ErrAuth,
	apiCodeRateLimited:         core.ErrRateLimited,
	apiCodeTooManyRequests:     core.ErrRateLimited,
	apiCodeInsufficientBalance: core.ErrInsufficientBalance,
	apiCodeOversold:            core.ErrInsufficientBalance,
	apiCodeOrderNotFound:       core.ErrOrderNotFound,
	apiCodeDuplicateOrder:      core.ErrDuplicateOrder,
	apiCodeListenKeyNotFound:   core.ErrSessionExpired,
}

var apiErrorMessageKinds = map[string]error{
	"api key info invalid":                    core.ErrAuth,
	"signature for this request is not valid": core.ErrAuth,
	"insufficient balance":                    core.ErrInsufficientBalance,
	"oversold":                                core.ErrInsufficientBalance,
	"order does not exist":                    core.ErrOrderNotFound,
	"repeat order":                            core.ErrDuplicateOrder,
	"listen key not found":                    core.ErrSessionExpired,
	"this listenkey expired":                  core.ErrSessionExpired,
	"order state cannot be cancelled":         core.ErrOrderRejected,
}

func wrapAPIError(code int, msg string) error {
	return classifyAPIError(APIError{Code: code, Msg: msg})
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	if kind, ok := apiCodeKinds[apiErr.Code]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	if kind, ok := apiErrorMessageKinds[normalizeAPIErrorMsg(apiErr.Msg)]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(msg), "."))
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
