package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kalambet/taskowner/internal/config"
)

// apiClient talks to the management API of a running `taskowner serve`.
type apiClient struct {
	http *resty.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port), cfg.API.Token), nil
}

func newClient(baseURL, token string) *apiClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second)
	if token != "" {
		c.SetAuthToken(token)
	}
	return &apiClient{http: c}
}

// serverError is a non-2xx reply from the management API.
type serverError struct {
	StatusCode int
	Message    string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`

	// Orchestration outcomes carry kind and message at the top level.
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var eb errorBody
	req := c.http.R().SetContext(ctx).SetError(&eb)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("server not reachable, is `taskowner serve` running? (%w)", err)
	}
	if resp.IsError() {
		msg := eb.Error.Message
		if msg == "" && eb.Kind != "" {
			msg = eb.Kind + ": " + eb.Message
		}
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return &serverError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *apiClient) delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, out)
}
