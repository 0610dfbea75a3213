package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/skillnet/skillnet-agent/internal/audit"
	"github.com/skillnet/skillnet-agent/internal/auth"
	"github.com/skillnet/skillnet-agent/internal/backend"
	"github.com/skillnet/skillnet-agent/internal/model"
	"github.com/skillnet/skillnet-agent/internal/notice"
	"github.com/skillnet/skillnet-agent/internal/session"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// Forms that notices are posted against.
const (
	formLogin         = "login"
	formRegister      = "register"
	formProfile       = "profile"
	formSubscriptions = "subscriptions"
	formLinks         = "links"
	formPost          = "post"
)

// sessionResponse describes the agent's view of the session.
type sessionResponse struct {
	State      string        `json:"state"`
	User       *model.User   `json:"user"`
	Events     []model.Event `json:"events"`
	Navigation *navigation   `json:"navigation,omitempty"`
}

type navigation struct {
	Route string `json:"route"`
	At    int64  `json:"at"`
}

type nameResponse struct {
	Name string `json:"name"`
}

type publishRequest struct {
	Name    string   `json:"name"`
	Content string   `json:"content"`
	Skills  []string `json:"skills"`
}

func currentSession(r *http.Request, gateway *auth.Gateway, cache *session.Cache, nav *auth.RecordingNavigator) sessionResponse {
	snap := cache.Snapshot()
	resp := sessionResponse{
		State:  gateway.State(r.Context()).String(),
		User:   snap.User,
		Events: snap.Events,
	}
	if last, ok := nav.Last(); ok {
		resp.Navigation = &navigation{Route: last.Route.String(), At: last.At.Unix()}
	}
	return resp
}

func handlePostLogin(gateway *auth.Gateway, cache *session.Cache, nav *auth.RecordingNavigator, board *notice.Board) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()

		var creds model.Credentials
		if !decodeBody(w, r, &creds) {
			return
		}

		pair, err := gateway.Login(ctx, creds)
		if err == nil {
			err = gateway.SaveTokens(ctx, pair)
		}
		if err != nil {
			failRequest(w, r, board, formLogin, err)
			return
		}

		nav.Clear()
		board.Dismiss(ctx, formLogin)
		cache.Refresh(ctx)

		writeJSON(w, http.StatusOK, currentSession(r, gateway, cache, nav))
	})
}

func handlePostRegister(gateway *auth.Gateway, board *notice.Board) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()

		var signup model.Signup
		if !decodeBody(w, r, &signup) {
			return
		}

		msg, err := gateway.Register(ctx, signup)
		if err != nil {
			failRequest(w, r, board, formRegister, err)
			return
		}

		board.Success(ctx, formRegister, msg.Message)
		writeJSON(w, http.StatusCreated, msg)
	})
}

func handlePostLogout(gateway *auth.Gateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if err := gateway.Logout(r.Context()); err != nil {
			failRequest(w, r, nil, "", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleGetSession(gateway *auth.Gateway, cache *session.Cache, nav *auth.RecordingNavigator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		writeJSON(w, http.StatusOK, currentSession(r, gateway, cache, nav))
	})
}

func handlePostSessionRefresh(gateway *auth.Gateway, cache *session.Cache, nav *auth.RecordingNavigator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()

		if err := gateway.Refresh(ctx).Wait(ctx); err != nil {
			failRequest(w, r, nil, "", err)
			return
		}

		cache.Refresh(ctx)
		writeJSON(w, http.StatusOK, currentSession(r, gateway, cache, nav))
	})
}

func handleGetProfile(client *backend.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		user, err := client.Profile(r.Context(), r.PathValue("username"))
		if err != nil {
			failRequest(w, r, nil, "", err)
			return
		}

		writeJSON(w, http.StatusOK, user)
	})
}

func handlePutProfile(client *backend.Client, cache *session.Cache, board *notice.Board) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()

		var data model.AdditionalData
		if !decodeBody(w, r, &data) {
			return
		}

		if err := client.UpdateAdditionalData(ctx, data); err != nil {
			failRequest(w, r, board, formProfile, err)
			return
		}

		board.Success(ctx, formProfile, "Profile updated")
		cache.Refresh(ctx)

		user, ok := cache.User()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, user)
	})
}

func handleSubscription(client *backend.Client, board *notice.Board, subscribe bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()
		username := r.PathValue("username")

		var err error
		if subscribe {
			err = client.Subscribe(ctx, username)
		} else {
			err = client.Unsubscribe(ctx, username)
		}
		if err != nil {
			failRequest(w, r, board, formSubscriptions, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleGetSubscriptions(client *backend.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		subs, err := client.Subscriptions(r.Context())
		if err != nil {
			failRequest(w, r, nil, "", err)
			return
		}

		writeJSON(w, http.StatusOK, nonNil(subs))
	})
}

func handlePostLink(client *backend.Client, board *notice.Board) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()

		var link model.Link
		if !decodeBody(w, r, &link) {
			return
		}

		if err := client.AddLink(ctx, link); err != nil {
			failRequest(w, r, board, formLinks, err)
			return
		}

		board.Success(ctx, formLinks, "Link added")
		w.WriteHeader(http.StatusNoContent)
	})
}

func handlePostPost(client *backend.Client, board *notice.Board) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()

		var req publishRequest
		if !decodeBody(w, r, &req) {
			return
		}

		post, err := client.Publish(ctx, req.Name, req.Content, req.Skills)
		if err != nil {
			failRequest(w, r, board, formPost, err)
			return
		}

		board.Success(ctx, formPost, "Post published")
		writeJSON(w, http.StatusCreated, post)
	})
}

func handlePostImage(client *backend.Client, board *notice.Board) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		file, header, err := r.FormFile("file")
		if err != nil {
			log.Info().Msgf("invalid image upload: %v", err)
			writeJSONError(w, http.StatusBadRequest, "file: field required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "could not read the uploaded file")
			return
		}

		name, err := client.UploadImage(r.Context(), header.Filename, data)
		if err != nil {
			failRequest(w, r, board, formPost, err)
			return
		}

		writeJSON(w, http.StatusCreated, nameResponse{Name: name})
	})
}

func handlePostContent(client *backend.Client, board *notice.Board) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var content model.Content
		if !decodeBody(w, r, &content) {
			return
		}

		name, err := client.UploadContent(r.Context(), content.Name, content.Content)
		if err != nil {
			failRequest(w, r, board, formPost, err)
			return
		}

		writeJSON(w, http.StatusCreated, nameResponse{Name: name})
	})
}

func handleGetContent(client *backend.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		html, err := client.PostContent(r.Context(), r.PathValue("name"))
		if err != nil {
			failRequest(w, r, nil, "", err)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, err = io.WriteString(w, html)
		if err != nil {
			log.Info().Msgf("failed to write response: %v\n", err)
		}
	})
}

func handleGetPosts(client *backend.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()
		query := r.URL.Query()

		limit := backend.Unbounded
		if raw := query.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		var (
			posts []model.Post
			err   error
		)
		if skill := query.Get("skill"); skill != "" {
			posts, err = client.PostsBySkill(ctx, skill, limit)
		} else {
			posts, err = client.Posts(ctx, limit)
		}
		if err != nil {
			failRequest(w, r, nil, "", err)
			return
		}

		writeJSON(w, http.StatusOK, nonNil(posts))
	})
}

func handleGetSkills(client *backend.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		skills, err := client.Skills(r.Context())
		if err != nil {
			failRequest(w, r, nil, "", err)
			return
		}

		writeJSON(w, http.StatusOK, nonNil(skills))
	})
}

func handleGetNotice(board *notice.Board) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		n, ok := board.Current(r.Context(), r.PathValue("form"))
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		writeJSON(w, http.StatusOK, n)
	})
}

// handleDeleteNotice dismisses the notice for a form, as when the user closes
// it before it expires.
func handleDeleteNotice(board *notice.Board) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		board.Dismiss(r.Context(), r.PathValue("form"))
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// sessionAuditor records the session state reached by each request in its
// audit entry. It must run inside the audit middleware.
func sessionAuditor(gateway *auth.Gateway, cache *session.Cache, nav *auth.RecordingNavigator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			entry := audit.Log(ctx)
			before := gateway.AccessToken(ctx)
			lastBefore, _ := nav.Last()

			next.ServeHTTP(w, r)

			after := gateway.AccessToken(ctx)
			entry.Refreshed = before != "" && after != "" && before != after
			entry.SessionState = gateway.State(ctx).String()
			if user, ok := cache.User(); ok {
				entry.Username = user.Username
			}
			if last, ok := nav.Last(); ok && last.At.After(lastBefore.At) {
				entry.Navigation = last.Route.String()
			}
		})
	}
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response. Detail mirrors the
// backend's error payload.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Detail: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

// failRequest reports err to the client, records it in the audit entry, and
// posts it against form when one is given.
func failRequest(w http.ResponseWriter, r *http.Request, board *notice.Board, form string, err error) {
	status, message := errorStatus(err)
	log.Info().Msgf("request failed: %v", err)

	audit.Log(r.Context()).Error = err.Error()
	if board != nil && form != "" {
		board.Error(r.Context(), form, message)
	}

	writeJSONError(w, status, message)
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	if errors.Is(err, auth.ErrSessionExpired) || errors.Is(err, auth.ErrNotAuthenticated) {
		return http.StatusUnauthorized, auth.ErrSessionExpired.Error()
	}

	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		log.Info().Msgf("invalid request body: %v", err)
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
