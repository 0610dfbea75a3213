package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Error is a non-2xx response from the backend. Detail carries the
// user-facing message extracted from the response body.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Status reports the status and message to relay to a client of the agent.
func (e *Error) Status() (int, string) {
	return e.StatusCode, e.Error()
}

// IsAuthorizationFailure reports whether the error is a rejection of the
// presented credentials (HTTP 401 or 403).
func IsAuthorizationFailure(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// TransportError indicates that no response was received from the backend.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: backend unreachable: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Status reports a transport failure as a bad gateway without exposing the
// underlying network error.
func (e *TransportError) Status() (int, string) {
	return http.StatusBadGateway, "backend unavailable"
}

// maximum number of characters of a non-JSON body used as a message
const maxPlainDetail = 200

// newError builds an Error from a response body. The backend reports errors
// as {"detail": "..."}; request validation failures carry a list of
// {"loc": [...], "msg": "...", "type": "..."} objects instead.
func newError(status int, body []byte) *Error {
	return &Error{
		StatusCode: status,
		Detail:     extractDetail(body),
	}
}

func extractDetail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		// not JSON: a proxy or server error page
		text := string(body)
		if strings.HasPrefix(text, "<") {
			return ""
		}
		return truncate(text, maxPlainDetail)
	}

	if len(payload.Detail) == 0 {
		return ""
	}

	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		return detail
	}

	var validation []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(payload.Detail, &validation); err == nil && len(validation) > 0 {
		first := validation[0]
		if len(first.Loc) > 0 {
			return fmt.Sprintf("%v: %s", first.Loc[len(first.Loc)-1], first.Msg)
		}
		return first.Msg
	}

	return string(payload.Detail)
}

// truncate shortens text to at most limit bytes without splitting a rune.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
