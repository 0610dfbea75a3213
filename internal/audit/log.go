// Package audit writes one structured log entry for every request made to
// the agent. Handlers annotate the entry for their request through the
// context; the middleware writes it when the request completes, even if the
// handler panics.
package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the level audit entries are written at.
const Level = zerolog.InfoLevel

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

type key struct{}

var logKey = key{}

// Entry is the audit record of a single agent request.
type Entry struct {
	RequestID string
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	// session details, present when the request touched the session
	Username     string
	SessionState string
	Refreshed    bool
	Navigation   string

	Error string
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	event.Dict("request", zerolog.Dict().
		Str("id", e.RequestID).
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent),
	)

	session := &sparseDict{}
	session.str("username", e.Username).
		str("state", e.SessionState).
		str("navigation", e.Navigation).
		flag("refreshed", e.Refreshed).
		writeTo(event, "session")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

// Begin fills the request details of the entry.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()
	e.SourceIP = sourceIP(r)
	if e.RequestID == "" {
		e.RequestID = r.Header.Get(RequestIDHeader)
	}
	if e.RequestID == "" {
		e.RequestID = uuid.NewString()
	}
}

// End returns a function that writes the entry. Deferring the result also
// records a panic in the handler before re-raising it.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		r := recover()
		if r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)
			if e.Status == 0 {
				e.Status = http.StatusInternalServerError
			}
		}

		zerolog.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")

		if r != nil {
			panic(r)
		}
	}
}

// Context returns the entry attached to ctx, attaching a new one if there is
// none.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(logKey).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, logKey, e), e
}

// Log returns the entry for the request in ctx. Outside of a request a
// detached entry is returned so that callers never need a nil check.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Middleware writes an audit entry for every request it wraps, and echoes
// the request id in the response.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)
			defer entry.End(ctx)()

			w.Header().Set(RequestIDHeader, entry.RequestID)

			l := log.Ctx(ctx).With().Str("requestID", entry.RequestID).Logger()
			ctx = l.WithContext(ctx)

			sw := &statusWriter{ResponseWriter: w, entry: entry}
			next.ServeHTTP(sw, r.WithContext(ctx))

			if entry.Status == 0 {
				entry.Status = http.StatusOK
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	entry *Entry
}

func (w *statusWriter) WriteHeader(status int) {
	if w.entry.Status == 0 {
		w.entry.Status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.entry.Status == 0 {
		w.entry.Status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
