// Package httpapi issues JSON requests against the backend REST API and
// classifies the failures it returns.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// responses larger than this are treated as broken
const maxResponseBytes = 10 << 20 // 10 MB

type Client struct {
	http    *http.Client
	baseURL *url.URL
}

// New creates a client for the API rooted at baseURL. A nil httpClient uses
// http.DefaultClient, which is instrumented at startup.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse backend URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("backend URL must be absolute: %s", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		http:    httpClient,
		baseURL: u,
	}, nil
}

// SecureTransport reports whether credentials flagged as secure may be sent
// to the backend: the connection must use TLS, or stay on the loopback
// interface.
func (c *Client) SecureTransport() bool {
	if c.baseURL.Scheme == "https" {
		return true
	}

	host := c.baseURL.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// File is a multipart file upload.
type File struct {
	Field    string
	Filename string
	Data     []byte
}

// Request describes a single API call. Requests are values so that they can be
// issued again verbatim.
type Request struct {
	Method string
	Path   string
	Query  url.Values

	// Body is JSON encoded when set.
	Body any

	// File is sent as multipart/form-data when set. Body is ignored.
	File *File

	// Bearer is sent in the Authorization header when set.
	Bearer string
}

// Do issues the request and decodes a successful JSON response into out. Out
// may be nil when the response body is not needed, or a *[]byte to receive
// the body undecoded.
func (c *Client) Do(ctx context.Context, r Request, out any) error {
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("method", r.Method).Str("path", r.Path).Msg("backend request failed")
		return &TransportError{Method: r.Method, Path: r.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Method: r.Method, Path: r.Path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newError(resp.StatusCode, body)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.Path).
			Int("status", resp.StatusCode).
			Str("detail", apiErr.Detail).
			Msg("backend returned an error")
		return apiErr
	}

	if raw, ok := out.(*[]byte); ok {
		*raw = body
		return nil
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", r.Method, r.Path, err)
	}

	return nil
}

func (c *Client) newRequest(ctx context.Context, r Request) (*http.Request, error) {
	ref := &url.URL{Path: strings.TrimPrefix(r.Path, "/")}
	if len(r.Query) > 0 {
		ref.RawQuery = r.Query.Encode()
	}
	target := c.baseURL.ResolveReference(ref)

	var (
		body        io.Reader
		contentType string
	)

	switch {
	case r.File != nil:
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		part, err := mw.CreateFormFile(r.File.Field, r.File.Filename)
		if err != nil {
			return nil, fmt.Errorf("create multipart part: %w", err)
		}
		if _, err := part.Write(r.File.Data); err != nil {
			return nil, fmt.Errorf("write multipart part: %w", err)
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("close multipart body: %w", err)
		}
		body = buf
		contentType = mw.FormDataContentType()

	case r.Body != nil:
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s request: %w", r.Method, r.Path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create %s %s request: %w", r.Method, r.Path, err)
	}

	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if r.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.Bearer)
	}

	return req, nil
}
