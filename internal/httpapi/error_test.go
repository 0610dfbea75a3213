package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestExtractDetail(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		expected string
	}{
		{
			name:     "string detail",
			body:     `{"detail": "Invalid password"}`,
			expected: "Invalid password",
		},
		{
			name:     "validation list",
			body:     `{"detail": [{"loc": ["body", "email"], "msg": "field required", "type": "value_error.missing"}]}`,
			expected: "email: field required",
		},
		{
			name:     "validation list without location",
			body:     `{"detail": [{"msg": "field required"}]}`,
			expected: "field required",
		},
		{
			name:     "object detail",
			body:     `{"detail": {"reason": "x"}}`,
			expected: `{"reason": "x"}`,
		},
		{
			name:     "no detail",
			body:     `{"message": "nope"}`,
			expected: "",
		},
		{
			name:     "empty",
			body:     "",
			expected: "",
		},
		{
			name:     "plain text",
			body:     "upstream timed out",
			expected: "upstream timed out",
		},
		{
			name:     "html page",
			body:     "<html><body>502</body></html>",
			expected: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, extractDetail([]byte(tc.body)))
		})
	}
}

func TestExtractDetail_TruncatesOnRuneBoundary(t *testing.T) {
	body := "a" + strings.Repeat("ж", 150)

	detail := extractDetail([]byte(body))

	assert.True(t, utf8.ValidString(detail))
	assert.Equal(t, "a"+strings.Repeat("ж", 99), detail)

	ascii := strings.Repeat("x", 300)
	assert.Equal(t, ascii[:maxPlainDetail], extractDetail([]byte(ascii)))
}

func TestError_Message(t *testing.T) {
	err := &Error{StatusCode: http.StatusConflict, Detail: "Account already exists"}
	assert.Equal(t, "Account already exists", err.Error())

	status, msg := err.Status()
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Account already exists", msg)

	bare := &Error{StatusCode: http.StatusNotFound}
	assert.Equal(t, "backend returned 404 Not Found", bare.Error())
}

func TestIsAuthorizationFailure(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"unauthorized", &Error{StatusCode: http.StatusUnauthorized}, true},
		{"forbidden", &Error{StatusCode: http.StatusForbidden}, true},
		{"wrapped forbidden", fmt.Errorf("get user: %w", &Error{StatusCode: http.StatusForbidden}), true},
		{"validation", &Error{StatusCode: http.StatusUnprocessableEntity}, false},
		{"server", &Error{StatusCode: http.StatusInternalServerError}, false},
		{"transport", &TransportError{Method: "GET", Path: "/user/my", Err: errors.New("refused")}, false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsAuthorizationFailure(tc.err))
		})
	}
}

func TestTransportError_HidesCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	err := &TransportError{Method: "GET", Path: "/user/my", Err: cause}

	assert.ErrorIs(t, err, cause)

	status, msg := err.Status()
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "backend unavailable", msg)
}
