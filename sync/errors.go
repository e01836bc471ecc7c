package sync

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/carlmjohnson/requests"
)

// Error kinds surfaced by the source and destination clients.
// Callers classify with errors.Is; the wrapped error carries the detail.
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrTransientServer    = errors.New("transient server error")
	ErrValidation         = errors.New("validation error")
	ErrUnresolvedEndpoint = errors.New("unresolved association endpoint")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrUnknownEntity      = errors.New("unknown entity type")
)

// clientErrorStatuses are the 4xx codes that mean the request itself was
// rejected, every 4xx except the authentication and rate limit ones.
var clientErrorStatuses = func() []int {
	var codes []int
	for code := 400; code < 500; code++ {
		switch code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
			continue
		}
		codes = append(codes, code)
	}
	return codes
}()

// classifyHTTPError maps a requests error onto one of the error kinds.
// Errors that are not HTTP status failures (network, decode) are returned
// wrapped as transient so the retry policy gets a chance at them.
func classifyHTTPError(operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrTransientServer), errors.Is(err, ErrValidation):
		return err
	case requests.HasStatusErr(err, http.StatusUnauthorized, http.StatusForbidden):
		return fmt.Errorf("%s: %w: %w", operation, ErrAuthentication, err)
	case requests.HasStatusErr(err, http.StatusTooManyRequests):
		return fmt.Errorf("%s: %w: %w", operation, ErrRateLimited, err)
	case requests.HasStatusErr(err,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout):
		return fmt.Errorf("%s: %w: %w", operation, ErrTransientServer, err)
	case requests.HasStatusErr(err, clientErrorStatuses...):
		return fmt.Errorf("%s: %w: %w", operation, ErrValidation, err)
	}
	return fmt.Errorf("%s: %w: %w", operation, ErrTransientServer, err)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransientServer)
}
