// Package churchtools is the REST client for the upstream membership API.
//
// Session state (cookies) and transient upstream failures are handled here;
// callers only observe a fetch succeeding or failing.
package churchtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrInvalidCredentials indicates the upstream rejected a login.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Pagination is the upstream's pagination metadata.
type Pagination struct {
	Total    int `json:"total"`
	Current  int `json:"current"`
	LastPage int `json:"lastPage"`
}

// Meta wraps the response metadata.
type Meta struct {
	Pagination Pagination `json:"pagination"`
}

// ListResponse is one page of an upstream resource. Data is left raw so that
// callers decode it into their own record types.
type ListResponse struct {
	Data json.RawMessage `json:"data"`
	Meta Meta            `json:"meta"`
}

// Client calls the upstream API of one site.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// New creates a client for the given upstream base URL and API token.
func New(baseURL, token string, log zerolog.Logger) *Client {
	jar, _ := cookiejar.New(nil)
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/") + "/api").
		SetHeader("Authorization", "Login "+token).
		SetCookieJar(jar).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: httpClient, log: log}
}

// Get retrieves one page of the given resource.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) (*ListResponse, error) {
	var out ListResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("get %s: upstream returned %s", path, res.Status())
	}
	return &out, nil
}

// Login authenticates the given user against the upstream login endpoint.
// A 4xx rejection maps to ErrInvalidCredentials, anything else to a generic
// error.
func (c *Client) Login(ctx context.Context, username, password string) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		Post("login")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if res.StatusCode() >= http.StatusBadRequest && res.StatusCode() < http.StatusInternalServerError {
		c.log.Warn().Str("username", username).Int("status", res.StatusCode()).
			Msg("upstream rejected login, probably wrong password")
		return ErrInvalidCredentials
	}
	if res.IsError() {
		return fmt.Errorf("login: upstream returned %s", res.Status())
	}
	c.log.Debug().Str("username", username).Msg("upstream login successful")
	return nil
}
