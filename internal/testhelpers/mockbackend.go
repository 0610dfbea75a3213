package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/skillnet/skillnet-agent/internal/model"
	"github.com/stretchr/testify/require"
)

// Default account known to a new mock backend.
const (
	DefaultEmail    = "user@example.com"
	DefaultPassword = "secret"
	DefaultUsername = "ivanov"
)

// MockBackend is a stateful fake of the REST backend. It issues tokens,
// rejects unknown access tokens, and records every request it receives. All
// methods are safe for concurrent use.
type MockBackend struct {
	Server *httptest.Server

	// Key signs minted tokens.
	Key []byte

	mu sync.Mutex

	accounts  map[string]string // email -> password
	usernames map[string]bool

	nextLogin   *model.TokenPair
	nextAccess  []string
	refresh     map[string]bool
	access      map[string]bool
	rejectCode  int
	refreshCode int
	refreshGate chan struct{}

	userCode   int
	eventsCode int

	user          model.User
	events        []model.Event
	profiles      map[string]model.User
	contents      map[string]string
	images        map[string][]byte
	posts         []model.Post
	skills        []model.Skill
	subscriptions []model.Subscription

	counts    map[string]int
	lastAuth  map[string]string
	lastQuery map[string]url.Values
}

// SetupMockBackend starts a mock backend that is closed when the test ends.
func SetupMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	m := &MockBackend{
		Key:        []byte("mock-backend-signing-key"),
		accounts:   map[string]string{DefaultEmail: DefaultPassword},
		usernames:  map[string]bool{DefaultUsername: true},
		refresh:    map[string]bool{},
		access:     map[string]bool{},
		rejectCode: http.StatusUnauthorized,
		user: model.User{
			Username:  DefaultUsername,
			Firstname: "Ivan",
			Lastname:  "Ivanov",
			Key:       "user-1",
			Email:     DefaultEmail,
		},
		profiles:  map[string]model.User{},
		contents:  map[string]string{},
		images:    map[string][]byte{},
		counts:    map[string]int{},
		lastAuth:  map[string]string{},
		lastQuery: map[string]url.Values{},
	}

	mux := http.NewServeMux()

	m.handle(mux, "POST /auth/login", m.login)
	m.handle(mux, "POST /auth/signup", m.signup)
	m.handle(mux, "GET /auth/refresh_token", m.refreshToken)

	m.handle(mux, "GET /user/my", m.authenticated(m.currentUser))
	m.handle(mux, "PUT /user/additional_data", m.authenticated(m.additionalData))
	m.handle(mux, "GET /user/profile/{username}", m.profile)

	m.handle(mux, "POST /subscription/arrange", m.authenticated(m.arrange))
	m.handle(mux, "DELETE /subscription/annul", m.authenticated(m.annul))
	m.handle(mux, "GET /subscription/my", m.authenticated(m.mySubscriptions))

	m.handle(mux, "GET /event/subscription", m.authenticated(m.subscribedEvents))

	m.handle(mux, "POST /post/create", m.authenticated(m.createPost))
	m.handle(mux, "POST /post/upload/image", m.authenticated(m.uploadImage))
	m.handle(mux, "POST /post/upload/content", m.authenticated(m.uploadContent))
	m.handle(mux, "GET /post/content/{name}", m.content)
	m.handle(mux, "GET /post/all", m.allPosts)
	m.handle(mux, "GET /post/by_skill", m.postsBySkill)

	m.handle(mux, "GET /skill/all", m.allSkills)

	m.handle(mux, "POST /link/add", m.authenticated(m.addLink))

	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Server.Close)

	return m
}

// URL is the base URL of the mock backend.
func (m *MockBackend) URL() string {
	return m.Server.URL
}

func (m *MockBackend) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.counts[pattern]++
		m.lastAuth[pattern] = r.Header.Get("Authorization")
		m.lastQuery[pattern] = r.URL.Query()
		m.mu.Unlock()

		h(w, r)
	})
}

func (m *MockBackend) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)

		m.mu.Lock()
		valid := m.access[token]
		code := m.rejectCode
		m.mu.Unlock()

		if !valid {
			writeDetail(w, code, "Could not validate credentials")
			return
		}

		h(w, r)
	}
}

// Count reports how many requests matched the route pattern, for example
// "GET /auth/refresh_token".
func (m *MockBackend) Count(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[pattern]
}

// LastAuthorization returns the Authorization header of the last request
// matching the route pattern.
func (m *MockBackend) LastAuthorization(pattern string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuth[pattern]
}

// LastQuery returns the query of the last request matching the route pattern.
func (m *MockBackend) LastQuery(pattern string) url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery[pattern]
}

// IssueOnLogin makes the next successful login return pair instead of minted
// tokens.
func (m *MockBackend) IssueOnLogin(pair model.TokenPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogin = &pair
}

// IssueOnRefresh queues access tokens returned by successive refreshes.
func (m *MockBackend) IssueOnRefresh(tokens ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAccess = append(m.nextAccess, tokens...)
}

// AcceptTokens makes the backend accept a token pair without a login.
func (m *MockBackend) AcceptTokens(pair model.TokenPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pair.AccessToken != "" {
		m.access[pair.AccessToken] = true
	}
	if pair.RefreshToken != "" {
		m.refresh[pair.RefreshToken] = true
	}
}

// Revoke makes the backend reject an access token with status (401 or 403).
func (m *MockBackend) Revoke(accessToken string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.access, accessToken)
	m.rejectCode = status
}

// FailRefresh makes every refresh respond with status. Zero restores normal
// behaviour.
func (m *MockBackend) FailRefresh(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCode = status
}

// HoldRefresh blocks refresh requests until the returned function is called.
func (m *MockBackend) HoldRefresh() (release func()) {
	gate := make(chan struct{})

	m.mu.Lock()
	m.refreshGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.refreshGate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// FailUser makes GET /user/my respond with status. Zero restores it.
func (m *MockBackend) FailUser(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userCode = status
}

// FailEvents makes GET /event/subscription respond with status. Zero
// restores it.
func (m *MockBackend) FailEvents(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsCode = status
}

// SetUser replaces the profile returned for the logged-in user.
func (m *MockBackend) SetUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = u
}

// User returns the current profile of the logged-in user.
func (m *MockBackend) User() model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// SetEvents replaces the upcoming events of the logged-in user.
func (m *MockBackend) SetEvents(events ...model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = events
}

// AddProfile registers a public profile.
func (m *MockBackend) AddProfile(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[u.Username] = u
	m.usernames[u.Username] = true
}

// AddContent registers a post body.
func (m *MockBackend) AddContent(name, html string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents[name] = html
}

// Content returns an uploaded post body.
func (m *MockBackend) Content(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[name]
	return c, ok
}

// Image returns an uploaded image.
func (m *MockBackend) Image(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.images[name]
	return data, ok
}

// SetSkills replaces the skill catalogue.
func (m *MockBackend) SetSkills(skills ...model.Skill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skills = skills
}

// Posts returns the created posts.
func (m *MockBackend) Posts() []model.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Post(nil), m.posts...)
}

// Subscriptions returns the logged-in user's subscriptions.
func (m *MockBackend) Subscriptions() []model.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Subscription(nil), m.subscriptions...)
}

func (m *MockBackend) login(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	password, ok := m.accounts[creds.Email]
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid email")
		return
	}
	if password != creds.Password {
		writeDetail(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	var pair model.TokenPair
	if m.nextLogin != nil {
		pair = *m.nextLogin
		m.nextLogin = nil
	} else {
		pair = model.TokenPair{
			AccessToken:  m.mint(TokenTypeAccess, creds.Email, 24*time.Hour),
			RefreshToken: m.mint(TokenTypeRefresh, creds.Email, 7*24*time.Hour),
		}
	}

	m.access[pair.AccessToken] = true
	m.refresh[pair.RefreshToken] = true

	WriteJSON(w, pair)
}

func (m *MockBackend) signup(w http.ResponseWriter, r *http.Request) {
	var s model.Signup
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if s.Email == "" {
		writeValidation(w, "email", "field required")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.accounts[s.Email] != "":
		WriteJSON(w, model.Message{Message: "Account already exists"})
	case m.usernames[s.Username]:
		WriteJSON(w, model.Message{Message: "Username is already occupied"})
	default:
		m.accounts[s.Email] = s.Password
		m.usernames[s.Username] = true
		WriteJSON(w, model.Message{Message: "Registration is successful"})
	}
}

func (m *MockBackend) refreshToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	gate := m.refreshGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshCode != 0 {
		writeDetail(w, m.refreshCode, "Refresh token expired")
		return
	}
	if !m.refresh[bearer(r)] {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	var token string
	if len(m.nextAccess) > 0 {
		token = m.nextAccess[0]
		m.nextAccess = m.nextAccess[1:]
	} else {
		token = m.mint(TokenTypeAccess, m.user.Email, 24*time.Hour)
	}
	m.access[token] = true

	WriteJSON(w, model.AccessToken{AccessToken: token})
}

func (m *MockBackend) currentUser(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userCode != 0 {
		writeDetail(w, m.userCode, "User not found")
		return
	}

	u := m.user
	u.Subscriptions = append([]model.Subscription(nil), m.subscriptions...)
	WriteJSON(w, u)
}

func (m *MockBackend) additionalData(w http.ResponseWriter, r *http.Request) {
	var data model.AdditionalData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.user.Firstname = data.Firstname
	m.user.Lastname = data.Lastname
	m.user.Age = data.Age
	m.user.PlaceResidence = data.PlaceResidence

	WriteJSON(w, model.Message{Message: "Data added successfully"})
}

func (m *MockBackend) profile(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.profiles[r.PathValue("username")]
	if !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}

	WriteJSON(w, u)
}

func (m *MockBackend) arrange(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username_favorite")

	m.mu.Lock()
	defer m.mu.Unlock()

	favorite, ok := m.profiles[username]
	if !ok {
		writeDetail(w, http.StatusBadRequest, "User not found")
		return
	}
	for _, s := range m.subscriptions {
		if s.Favorite.Username == username {
			writeDetail(w, http.StatusBadRequest, "Subscription already exists")
			return
		}
	}

	m.subscriptions = append(m.subscriptions, model.Subscription{
		Favorite: model.ShortUser{
			Username:  favorite.Username,
			Firstname: favorite.Firstname,
			Lastname:  favorite.Lastname,
		},
	})

	WriteJSON(w, model.Message{Message: "Subscription completed"})
}

func (m *MockBackend) annul(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username_favorite")

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.subscriptions {
		if s.Favorite.Username == username {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			WriteJSON(w, model.Message{Message: "Subscription cancelled"})
			return
		}
	}

	writeDetail(w, http.StatusBadRequest, "Subscription not found")
}

func (m *MockBackend) mySubscriptions(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	WriteJSON(w, model.Items[model.Subscription]{
		Count: len(m.subscriptions),
		Items: append([]model.Subscription{}, m.subscriptions...),
	})
}

func (m *MockBackend) subscribedEvents(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eventsCode != 0 {
		writeDetail(w, m.eventsCode, "Failed to get events")
		return
	}

	events := limited(append([]model.Event{}, m.events...), r.URL.Query())
	WriteJSON(w, model.Items[model.Event]{Count: len(events), Items: events})
}

func (m *MockBackend) createPost(w http.ResponseWriter, r *http.Request) {
	var draft model.PostDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if draft.Name == "" {
		writeValidation(w, "name", "field required")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	skills := make([]model.Skill, 0, len(draft.Skills))
	for _, name := range draft.Skills {
		skills = append(skills, model.Skill{Name: name})
	}

	post := model.Post{
		Key:  uuid.NewString(),
		Name: draft.Name,
		Date: time.Now().UTC().Format(time.RFC3339),
		Text: draft.Text,
		Author: model.ShortUser{
			Username:  m.user.Username,
			Firstname: m.user.Firstname,
			Lastname:  m.user.Lastname,
		},
		AuthorKey: m.user.Key,
		Skills:    skills,
	}
	m.posts = append(m.posts, post)

	WriteJSON(w, post)
}

func (m *MockBackend) uploadImage(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeValidation(w, "file", "field required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Failed to upload image")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.images[header.Filename] = data

	WriteJSON(w, header.Filename)
}

func (m *MockBackend) uploadContent(w http.ResponseWriter, r *http.Request) {
	var c model.Content
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name + ".html"
	m.contents[name] = c.Content

	WriteJSON(w, name)
}

func (m *MockBackend) content(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	c, ok := m.contents[r.PathValue("name")]
	m.mu.Unlock()

	if !ok {
		writeDetail(w, http.StatusBadRequest, "Failed to get content")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, c)
}

func (m *MockBackend) allPosts(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	posts := limited(append([]model.Post{}, m.posts...), r.URL.Query())
	WriteJSON(w, model.Items[model.Post]{Count: len(posts), Items: posts})
}

func (m *MockBackend) postsBySkill(w http.ResponseWriter, r *http.Request) {
	skill := r.URL.Query().Get("name_skill")

	m.mu.Lock()
	defer m.mu.Unlock()

	posts := []model.Post{}
	for _, p := range m.posts {
		for _, s := range p.Skills {
			if s.Name == skill {
				posts = append(posts, p)
				break
			}
		}
	}
	posts = limited(posts, r.URL.Query())

	WriteJSON(w, model.Items[model.Post]{Count: len(posts), Items: posts})
}

func (m *MockBackend) allSkills(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	skills := limited(append([]model.Skill{}, m.skills...), r.URL.Query())
	WriteJSON(w, model.Items[model.Skill]{Count: len(skills), Items: skills})
}

func (m *MockBackend) addLink(w http.ResponseWriter, r *http.Request) {
	var link model.Link
	if err := json.NewDecoder(r.Body).Decode(&link); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if !strings.HasPrefix(link.URL, "http") {
		writeDetail(w, http.StatusBadRequest, "Invalid link")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.user.Links = append(m.user.Links, link)

	WriteJSON(w, model.Message{Message: "Link added"})
}

// mint must be called with mu held.
func (m *MockBackend) mint(tokenType, subject string, ttl time.Duration) string {
	token, err := MintToken(m.Key, tokenType, subject, ttl)
	if err != nil {
		panic(fmt.Sprintf("mint %s token: %v", tokenType, err))
	}
	return token
}

func limited[T any](items []T, query url.Values) []T {
	limit, err := strconv.Atoi(query.Get("limit"))
	if err != nil || limit < 0 || limit >= len(items) {
		return items
	}
	return items[:limit]
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func writeValidation(w http.ResponseWriter, field, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail": []map[string]any{
			{"loc": []string{"body", field}, "msg": msg, "type": "value_error.missing"},
		},
	})
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

// RequireOnly fails the test if any route other than the given ones received
// a request.
func (m *MockBackend) RequireOnly(t *testing.T, patterns ...string) {
	t.Helper()

	allowed := map[string]bool{}
	for _, p := range patterns {
		allowed[p] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for pattern, n := range m.counts {
		require.True(t, allowed[pattern], "unexpected %d request(s) to %s", n, pattern)
	}
}
