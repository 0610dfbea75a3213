package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/skillnet/skillnet-agent/internal/audit"
	"github.com/skillnet/skillnet-agent/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {

	t.Run("captures request info and configures context", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		testAgent := "kettle/1.0"
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := audit.Log(r.Context())
			assert.Equal(t, testAgent, entry.UserAgent)
			assert.Equal(t, "/foo", entry.Path)
			assert.NotEmpty(t, entry.RequestID)

			w.WriteHeader(http.StatusTeapot)
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()
		req.Header.Set("User-Agent", testAgent)

		middleware.ServeHTTP(w, req)

		assert.Equal(t, http.StatusTeapot, w.Result().StatusCode)
		assert.NotEmpty(t, w.Header().Get(audit.RequestIDHeader))
	})

	t.Run("captures status code", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		var capturedContext context.Context
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedContext = r.Context()
			w.WriteHeader(http.StatusTeapot)
		})

		req, w := requestSetup()

		middleware := audit.Middleware()(handler)

		middleware.ServeHTTP(w, req)

		entry := audit.Log(capturedContext)

		assert.Equal(t, http.StatusTeapot, w.Result().StatusCode)
		assert.Equal(t, http.StatusTeapot, entry.Status)
	})

	t.Run("implicit status is OK", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		var entry *audit.Entry
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry = audit.Log(r.Context())
			_, _ = w.Write([]byte("ok"))
		})

		req, w := requestSetup()
		audit.Middleware()(handler).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, entry.Status)
	})

	t.Run("incoming request id is kept", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		var entry *audit.Entry
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry = audit.Log(r.Context())
		})

		req, w := requestSetup()
		req.Header.Set(audit.RequestIDHeader, "req-42")
		audit.Middleware()(handler).ServeHTTP(w, req)

		assert.Equal(t, "req-42", entry.RequestID)
		assert.Equal(t, "req-42", w.Header().Get(audit.RequestIDHeader))
	})

	t.Run("log written", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false

		ctx := withLogHook(
			context.Background(),
			zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
				if level == audit.Level && msg == "audit_event" {
					auditWritten = true
				}
			}),
		)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()

		middleware.ServeHTTP(w, req.WithContext(ctx))

		assert.True(t, auditWritten, "audit log entry should be written")
	})

	t.Run("log written on panic", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false

		ctx := withLogHook(
			context.Background(),
			zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
				if level == audit.Level && msg == "audit_event" {
					auditWritten = true
				}
			}),
		)

		var entry *audit.Entry

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, entry = audit.Context(r.Context())
			entry.Error = "failure pre-panic"
			panic("not a teapot")
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()

		assert.PanicsWithValue(t, "not a teapot", func() {
			middleware.ServeHTTP(w, req.WithContext(ctx))
			// this will panic as it's expected that the middleware will re-panic
		})

		assert.Equal(t, "failure pre-panic; panic: not a teapot", entry.Error)
		assert.Equal(t, http.StatusInternalServerError, entry.Status)
		assert.True(t, auditWritten, "audit log entry should be written")
	})
}

func TestAuditing(t *testing.T) {
	testhelpers.SetupLogger(t)

	ctx := context.Background()
	r, _ := requestSetup()

	_, e := audit.Context(ctx)
	e.Begin(r)
	e.End(ctx)()

	assert.NotEmpty(t, e.SourceIP)
	assert.NotEmpty(t, e.RequestID)
	e.SourceIP = "" // clear values that change between tests
	e.RequestID = ""

	assert.Equal(t, &audit.Entry{Method: "GET", Path: "/foo", UserAgent: "kettle/1.0"}, e)
}

func requestSetup() (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	req.Header.Set("User-Agent", "kettle/1.0")

	w := httptest.NewRecorder()

	return req, w
}

func withLogHook(ctx context.Context, hook zerolog.HookFunc) context.Context {
	testLog := log.Logger.With().Logger().Hook(hook)
	return testLog.WithContext(ctx)
}

func serialize(t *testing.T, entry audit.Entry) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Log().EmbedObject(&entry).Send()

	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	return result
}

func TestNestedDictSerialization(t *testing.T) {
	testhelpers.SetupLogger(t)

	result := serialize(t, audit.Entry{
		RequestID:    "req-1",
		Method:       "POST",
		Path:         "/login",
		Status:       200,
		SourceIP:     "10.0.0.1",
		UserAgent:    "test/1.0",
		Username:     "ivanov",
		SessionState: "authenticated",
		Refreshed:    true,
		Navigation:   "/login?authAgain=true",
	})

	t.Run("request fields nested", func(t *testing.T) {
		request, ok := result["request"].(map[string]any)
		require.True(t, ok, "expected 'request' dict in log output")
		assert.Equal(t, "req-1", request["id"])
		assert.Equal(t, "POST", request["method"])
		assert.Equal(t, "/login", request["path"])
		assert.Equal(t, float64(200), request["status"])
		assert.Equal(t, "10.0.0.1", request["sourceIP"])
		assert.Equal(t, "test/1.0", request["userAgent"])
	})

	t.Run("session fields nested", func(t *testing.T) {
		session, ok := result["session"].(map[string]any)
		require.True(t, ok, "expected 'session' dict in log output")
		assert.Equal(t, "ivanov", session["username"])
		assert.Equal(t, "authenticated", session["state"])
		assert.Equal(t, true, session["refreshed"])
		assert.Equal(t, "/login?authAgain=true", session["navigation"])
	})

	t.Run("error omitted when empty", func(t *testing.T) {
		assert.NotContains(t, result, "error")
	})
}

func TestOptionalDictElision(t *testing.T) {
	testhelpers.SetupLogger(t)

	t.Run("empty entry omits session and error", func(t *testing.T) {
		result := serialize(t, audit.Entry{})
		assert.Contains(t, result, "request", "request dict is always present")
		assert.NotContains(t, result, "session")
		assert.NotContains(t, result, "error")
	})

	t.Run("session present when any session field set", func(t *testing.T) {
		result := serialize(t, audit.Entry{SessionState: "stale"})
		session, ok := result["session"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "stale", session["state"])
		assert.NotContains(t, session, "refreshed")
	})

	t.Run("refresh alone is enough to write the session", func(t *testing.T) {
		result := serialize(t, audit.Entry{Refreshed: true})
		session, ok := result["session"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"refreshed": true}, session)
	})

	t.Run("error present when set", func(t *testing.T) {
		result := serialize(t, audit.Entry{Error: "something broke"})
		assert.Equal(t, "something broke", result["error"])
	})
}
