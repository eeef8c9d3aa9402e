package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/lucasnoah/orchestra/internal/config"
)

const maxResponseBytes = 8 << 20

// APIDriver calls an OpenAI-compatible chat-completions endpoint.
type APIDriver struct {
	name   string
	cfg    config.Agent
	apiKey string
	client *http.Client
}

// NewAPIDriver reads the API key from cfg.APIKeyEnv when one is named.
// Local endpoints without authentication leave it empty.
func NewAPIDriver(name string, cfg config.Agent) (*APIDriver, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent %s: api driver needs base_url", name)
	}
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("agent %s: environment variable %s is not set", name, cfg.APIKeyEnv)
		}
	}
	return &APIDriver{
		name:   name,
		cfg:    cfg,
		apiKey: key,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (d *APIDriver) Mode() string { return config.DriverAPI }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete posts the prompt as a single user message and returns the first
// choice's content.
func (d *APIDriver) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    d.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(d.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("agent %s: API call failed: %w", d.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent %s: API returned status %d: %s", d.name, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("agent %s: %s", d.name, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("API response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}
