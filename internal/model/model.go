// Package model holds the data transfer objects exchanged with the backend.
// Field names follow the backend's JSON representation.
package model

// TokenPair is issued by a successful login. Both tokens are opaque.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// AccessToken is the body returned by the refresh endpoint.
type AccessToken struct {
	AccessToken string `json:"access_token"`
}

// Credentials are submitted to log in.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Signup is submitted to create an account.
type Signup struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Lastname  string `json:"lastname"`
	Firstname string `json:"firstname"`
}

// Message is the generic acknowledgement body used by several endpoints.
type Message struct {
	Message string `json:"message"`
}

type ShortUser struct {
	Username  string `json:"username"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Key       string `json:"key,omitempty"`
	URL       string `json:"url,omitempty"`
}

type Link struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Role struct {
	Key    string `json:"key,omitempty"`
	NameEN string `json:"name_en,omitempty"`
	NameRU string `json:"name_ru,omitempty"`
}

type Skill struct {
	Key     string `json:"key,omitempty"`
	Name    string `json:"name"`
	URLIcon string `json:"url_icon,omitempty"`
}

type Subscription struct {
	Favorite     ShortUser `json:"favorite"`
	NumberVisits int       `json:"number_visits"`
}

// User is the full profile of the logged-in user.
type User struct {
	Username       string         `json:"username"`
	Firstname      string         `json:"firstname"`
	Lastname       string         `json:"lastname"`
	Key            string         `json:"key"`
	URL            string         `json:"url,omitempty"`
	Email          string         `json:"email"`
	Age            *int           `json:"age,omitempty"`
	PlaceResidence string         `json:"place_residence,omitempty"`
	Role           *Role          `json:"role,omitempty"`
	RoleKey        string         `json:"role_key,omitempty"`
	Followers      []ShortUser    `json:"followers,omitempty"`
	Subscriptions  []Subscription `json:"subscriptions,omitempty"`
	Links          []Link         `json:"links,omitempty"`
	Skills         []Skill        `json:"skills,omitempty"`
}

// AdditionalData updates the mutable parts of the user's profile.
type AdditionalData struct {
	Password       string `json:"password"`
	Lastname       string `json:"lastname"`
	Firstname      string `json:"firstname"`
	Age            *int   `json:"age,omitempty"`
	PlaceResidence string `json:"place_residence,omitempty"`
}

// Event formats as reported by the backend.
const (
	FormatOffline = "Очно"
	FormatOnline  = "Онлайн"
)

// Event is a meeting the user may attend. Date is a unix timestamp.
type Event struct {
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Date        int64          `json:"date"`
	FormatEvent string         `json:"format_event"`
	Place       map[string]any `json:"place,omitempty"`
	Author      ShortUser      `json:"author"`
}

type Comment struct {
	Key        string    `json:"key"`
	Text       string    `json:"text"`
	Author     ShortUser `json:"author"`
	DateCreate int64     `json:"date_create"`
}

type Like struct {
	Key    string    `json:"key,omitempty"`
	Author ShortUser `json:"author"`
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Post struct {
	Key         string       `json:"key"`
	Name        string       `json:"name"`
	Date        string       `json:"date"`
	Text        string       `json:"text"`
	Author      ShortUser    `json:"author"`
	AuthorKey   string       `json:"author_key,omitempty"`
	Skills      []Skill      `json:"skills,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Likes       []Like       `json:"likes,omitempty"`
	Comments    []Comment    `json:"comments,omitempty"`
}

// PostDraft is submitted to create a post. Text refers to previously uploaded
// content.
type PostDraft struct {
	Name   string   `json:"name"`
	Text   string   `json:"text"`
	Skills []string `json:"skills,omitempty"`
}

// Content is an uploaded rich-text (HTML) body.
type Content struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Items is the paged list envelope used by collection endpoints.
type Items[T any] struct {
	Count int    `json:"count"`
	Last  string `json:"last,omitempty"`
	Items []T    `json:"items"`
}
