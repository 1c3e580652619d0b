// Package gitgrade provides a Go client for the gitgrade status API.
//
// Usage:
//
//	client := gitgrade.New("http://grader.example.edu:8080", "api-token")
//
//	status, err := client.Status(ctx)
//	class, err := client.Classes.Get(ctx, "prof", "cs101")
//	results, err := client.Classes.Results(ctx, "prof", "cs101", "hw1")
package gitgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Client is the gitgrade status API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	Classes *ClassesService
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client. token may be empty when the server runs without
// server.apiToken.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	c.Classes = &ClassesService{c: c}
	return c
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	return doRequest[HealthResponse](ctx, c, "/health")
}

// Status returns the watched logs and queue counters.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	return doRequest[Status](ctx, c, "/status")
}

// ClassesService reads classes and their results.
type ClassesService struct {
	c *Client
}

// Get returns a class with its roster and assignments.
func (s *ClassesService) Get(ctx context.Context, faculty, class string) (*Class, error) {
	path := fmt.Sprintf("/classes/%s/%s", url.PathEscape(faculty), url.PathEscape(class))
	return doRequest[Class](ctx, s.c, path)
}

// Results returns every recorded test run of an assignment.
func (s *ClassesService) Results(ctx context.Context, faculty, class, assignment string) (*Results, error) {
	path := fmt.Sprintf("/classes/%s/%s/assignments/%s/results",
		url.PathEscape(faculty), url.PathEscape(class), url.PathEscape(assignment))
	return doRequest[Results](ctx, s.c, path)
}

// --- internal helpers ---

func doRequest[T any](ctx context.Context, c *Client, path string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp, path)
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gitgrade: decode response: %w", err)
	}
	return &out, nil
}

func parseError(resp *http.Response, path string) *APIError {
	e := &APIError{StatusCode: resp.StatusCode, Path: path}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		e.Message = body.Error
	} else {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
