package auth

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fpang/drone-ingest/internal/api"
)

// ErrorType categorizes a failed backend call for user-facing messages.
type ErrorType int

const (
	// ErrTypeNoToken indicates no token was configured.
	ErrTypeNoToken ErrorType = iota
	// ErrTypeInvalidToken indicates the token was rejected.
	ErrTypeInvalidToken
	// ErrTypeNetworkError indicates the backend could not be reached.
	ErrTypeNetworkError
	// ErrTypeRateLimited indicates the backend is throttling.
	ErrTypeRateLimited
	// ErrTypeUnknown covers everything else.
	ErrTypeUnknown
)

// ValidationError wraps a backend failure with its category.
type ValidationError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Classify maps an error from the api package to a ValidationError. It
// returns nil for nil.
func Classify(err error) *ValidationError {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoToken) {
		return &ValidationError{Type: ErrTypeNoToken, Message: "No API token configured", Err: err}
	}

	switch code := api.StatusCode(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		log.Debug().Int("code", code).Msg("Backend rejected credentials")
		return &ValidationError{
			Type:    ErrTypeInvalidToken,
			Message: "API token is invalid, expired, or lacks access to this project",
			Err:     err,
		}
	case code == http.StatusTooManyRequests:
		return &ValidationError{
			Type:    ErrTypeRateLimited,
			Message: "Backend rate limit exceeded - try again later",
			Err:     err,
		}
	case code >= 500:
		return &ValidationError{
			Type:    ErrTypeNetworkError,
			Message: "Backend server error - try again later",
			Err:     err,
		}
	case code != 0:
		return &ValidationError{Type: ErrTypeUnknown, Message: api.DetailOr(err, "Backend request failed"), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &ValidationError{
			Type:    ErrTypeNetworkError,
			Message: "Network error - check the API URL and your connection",
			Err:     err,
		}
	}
	return &ValidationError{Type: ErrTypeUnknown, Message: "Request failed", Err: err}
}
