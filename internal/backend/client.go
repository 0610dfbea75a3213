// Package backend exposes the REST backend's resources as typed calls.
// Authenticated calls go through auth.Perform, so each one is replayed once
// after the session is refreshed.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/google/uuid"
	"github.com/skillnet/skillnet-agent/internal/auth"
	"github.com/skillnet/skillnet-agent/internal/cache"
	"github.com/skillnet/skillnet-agent/internal/httpapi"
	"github.com/skillnet/skillnet-agent/internal/model"
)

// Unbounded is the limit sent where the backend requires one but every item
// is wanted.
const Unbounded = 1000000

type Client struct {
	api      *httpapi.Client
	session  auth.Session
	content  cache.Cache[string]
	profiles cache.Cache[model.User]
}

// New creates a client. Content and profiles cache public post bodies and
// public profiles respectively.
func New(api *httpapi.Client, session auth.Session, content cache.Cache[string], profiles cache.Cache[model.User]) *Client {
	return &Client{
		api:      api,
		session:  session,
		content:  content,
		profiles: profiles,
	}
}

// perform issues an authenticated request and decodes the response into T.
func perform[T any](ctx context.Context, c *Client, req httpapi.Request) (T, error) {
	return auth.Perform(ctx, c.session, func(ctx context.Context, token string) (T, error) {
		var out T
		req.Bearer = token
		err := c.api.Do(ctx, req, &out)
		return out, err
	})
}

// public issues an unauthenticated request and decodes the response into T.
func public[T any](ctx context.Context, c *Client, req httpapi.Request) (T, error) {
	var out T
	err := c.api.Do(ctx, req, &out)
	return out, err
}

// CurrentUser returns the full profile of the signed-in user.
func (c *Client) CurrentUser(ctx context.Context) (model.User, error) {
	return perform[model.User](ctx, c, httpapi.Request{
		Method: http.MethodGet,
		Path:   "user/my",
	})
}

// UpdateAdditionalData changes the signed-in user's personal details.
func (c *Client) UpdateAdditionalData(ctx context.Context, data model.AdditionalData) error {
	_, err := perform[model.Message](ctx, c, httpapi.Request{
		Method: http.MethodPut,
		Path:   "user/additional_data",
		Body:   data,
	})
	return err
}

// Profile returns the public profile of username.
func (c *Client) Profile(ctx context.Context, username string) (model.User, error) {
	return cache.GetOrLoad(ctx, c.profiles, username, func(ctx context.Context) (model.User, error) {
		return public[model.User](ctx, c, httpapi.Request{
			Method: http.MethodGet,
			Path:   "user/profile/" + url.PathEscape(username),
		})
	})
}

// Subscribe follows username.
func (c *Client) Subscribe(ctx context.Context, username string) error {
	_, err := perform[model.Message](ctx, c, httpapi.Request{
		Method: http.MethodPost,
		Path:   "subscription/arrange",
		Query:  url.Values{"username_favorite": []string{username}},
	})
	if err != nil {
		return err
	}

	c.forgetProfile(ctx, username)
	return nil
}

// Unsubscribe stops following username.
func (c *Client) Unsubscribe(ctx context.Context, username string) error {
	_, err := perform[model.Message](ctx, c, httpapi.Request{
		Method: http.MethodDelete,
		Path:   "subscription/annul",
		Query:  url.Values{"username_favorite": []string{username}},
	})
	if err != nil {
		return err
	}

	c.forgetProfile(ctx, username)
	return nil
}

// follower counts shown on the profile have changed
func (c *Client) forgetProfile(ctx context.Context, username string) {
	_ = c.profiles.Invalidate(ctx, username)
}

// Subscriptions lists the users the signed-in user follows.
func (c *Client) Subscriptions(ctx context.Context) ([]model.Subscription, error) {
	items, err := perform[model.Items[model.Subscription]](ctx, c, httpapi.Request{
		Method: http.MethodGet,
		Path:   "subscription/my",
	})
	return items.Items, err
}

// UpcomingEvents lists the events of followed users taking place within the
// next nextDays days.
func (c *Client) UpcomingEvents(ctx context.Context, nextDays, limit int) ([]model.Event, error) {
	items, err := perform[model.Items[model.Event]](ctx, c, httpapi.Request{
		Method: http.MethodGet,
		Path:   "event/subscription",
		Query: url.Values{
			"next_days": []string{strconv.Itoa(nextDays)},
			"limit":     []string{strconv.Itoa(limit)},
		},
	})
	return items.Items, err
}

// CreatePost publishes a post whose text refers to uploaded content.
func (c *Client) CreatePost(ctx context.Context, draft model.PostDraft) (model.Post, error) {
	return perform[model.Post](ctx, c, httpapi.Request{
		Method: http.MethodPost,
		Path:   "post/create",
		Body:   draft,
	})
}

// UploadImage stores an image for use in post content and returns the name
// under which the backend serves it. The upload is given a unique name
// keeping the original extension.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) (string, error) {
	return perform[string](ctx, c, httpapi.Request{
		Method: http.MethodPost,
		Path:   "post/upload/image",
		File: &httpapi.File{
			Field:    "file",
			Filename: uuid.NewString() + path.Ext(filename),
			Data:     data,
		},
	})
}

// UploadContent stores an HTML post body and returns its content name.
func (c *Client) UploadContent(ctx context.Context, name, html string) (string, error) {
	stored, err := perform[string](ctx, c, httpapi.Request{
		Method: http.MethodPost,
		Path:   "post/upload/content",
		Body:   model.Content{Name: name, Content: html},
	})
	if err != nil {
		return "", err
	}

	_ = c.content.Invalidate(ctx, stored)
	return stored, nil
}

// Publish uploads the post body and creates the post referring to it.
func (c *Client) Publish(ctx context.Context, name, html string, skills []string) (model.Post, error) {
	contentName, err := c.UploadContent(ctx, name, html)
	if err != nil {
		return model.Post{}, fmt.Errorf("upload post content: %w", err)
	}

	return c.CreatePost(ctx, model.PostDraft{
		Name:   name,
		Text:   contentName,
		Skills: skills,
	})
}

// PostContent returns the HTML body stored under name.
func (c *Client) PostContent(ctx context.Context, name string) (string, error) {
	return cache.GetOrLoad(ctx, c.content, name, func(ctx context.Context) (string, error) {
		var body []byte
		err := c.api.Do(ctx, httpapi.Request{
			Method: http.MethodGet,
			Path:   "post/content/" + url.PathEscape(name),
		}, &body)
		return string(body), err
	})
}

// Posts lists published posts, newest first as ordered by the backend.
func (c *Client) Posts(ctx context.Context, limit int) ([]model.Post, error) {
	items, err := public[model.Items[model.Post]](ctx, c, httpapi.Request{
		Method: http.MethodGet,
		Path:   "post/all",
		Query:  url.Values{"limit": []string{strconv.Itoa(limit)}},
	})
	return items.Items, err
}

// PostsBySkill lists posts tagged with the named skill.
func (c *Client) PostsBySkill(ctx context.Context, skill string, limit int) ([]model.Post, error) {
	items, err := public[model.Items[model.Post]](ctx, c, httpapi.Request{
		Method: http.MethodGet,
		Path:   "post/by_skill",
		Query: url.Values{
			"name_skill": []string{skill},
			"limit":      []string{strconv.Itoa(limit)},
		},
	})
	return items.Items, err
}

// Skills lists the skill catalogue.
func (c *Client) Skills(ctx context.Context) ([]model.Skill, error) {
	items, err := public[model.Items[model.Skill]](ctx, c, httpapi.Request{
		Method: http.MethodGet,
		Path:   "skill/all",
		Query:  url.Values{"limit": []string{strconv.Itoa(Unbounded)}},
	})
	return items.Items, err
}

// AddLink attaches an external link to the signed-in user's profile.
func (c *Client) AddLink(ctx context.Context, link model.Link) error {
	_, err := perform[model.Message](ctx, c, httpapi.Request{
		Method: http.MethodPost,
		Path:   "link/add",
		Body:   link,
	})
	return err
}
