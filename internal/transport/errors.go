package transport

import (
	"fmt"
	"net/http"
	"strings"
)

// RequestError is returned for non-2xx responses from the agent server.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return "request failed"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("request failed (%s %s): %s", e.Method, e.Path, msg)
}

// Temporary reports whether retrying the same request could succeed.
func (e *RequestError) Temporary() bool {
	if e == nil {
		return false
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
