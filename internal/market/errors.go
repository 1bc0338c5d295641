package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// ErrTransient marks failures worth retrying: timeouts, throttling, 5xx.
var ErrTransient = errors.New("transient market data error")

// APIError is a non-2xx answer from the exchange.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange error %d (http %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("exchange http %d: %s", e.Status, e.Message)
}

func (e *APIError) Temporary() bool {
	switch {
	case e.Status == http.StatusTooManyRequests, e.Status == 418:
		return true
	case e.Status == http.StatusRequestTimeout:
		return true
	case e.Status >= 500:
		return true
	}
	// -1003: too many requests, -1001: internal disconnect
	return e.Code == -1003 || e.Code == -1001
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
