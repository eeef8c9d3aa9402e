package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/orchestra/internal/web"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status        int
	Code          string
	Message       string
	CurrentStatus workflow.Status
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	if e.CurrentStatus != "" {
		msg += fmt.Sprintf(" [current status: %s]", e.CurrentStatus)
	}
	return msg
}

// apiClient talks to a running "orchestra serve".
type apiClient struct {
	base string
	http *http.Client
}

// newClient targets --server, falling back to the configured listen address.
func newClient(cmd *cobra.Command) (*apiClient, error) {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Server.Addr()
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", base)
	}
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e web.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil {
			apiErr.Code, apiErr.Message, apiErr.CurrentStatus = e.Code, e.Message, e.CurrentStatus
		} else {
			apiErr.Code, apiErr.Message = "HTTP_ERROR", resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) create(ctx context.Context, req web.CreateRequest) (*web.CreateResponse, error) {
	var out web.CreateResponse
	if err := c.do(ctx, http.MethodPost, "/workflows", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) list(ctx context.Context, statuses []string) ([]web.Summary, error) {
	path := "/workflows"
	if len(statuses) > 0 {
		path += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var out web.ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

func (c *apiClient) get(ctx context.Context, id string) (*workflow.State, error) {
	var out workflow.State
	if err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// command posts one of start, approve, reject or cancel.
func (c *apiClient) command(ctx context.Context, id, name string, in any) (*workflow.State, error) {
	var out workflow.State
	if err := c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(id)+"/"+name, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) events(ctx context.Context, id string, since int64) (*web.EventsResponse, error) {
	var out web.EventsResponse
	path := fmt.Sprintf("/workflows/%s/events?since=%d", url.PathEscape(id), since)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// streamURL is the WebSocket address of the event stream.
func (c *apiClient) streamURL(since int64) string {
	u := c.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u += "/ws/events"
	if since >= 0 {
		u += fmt.Sprintf("?since=%d", since)
	}
	return u
}
