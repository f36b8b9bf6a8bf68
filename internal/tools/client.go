package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPIntegrationClient forwards actions to the integration execution
// service over HTTP.
type HTTPIntegrationClient struct {
	httpClient *http.Client
	BaseURL    string
	APIKey     string
}

// NewHTTPIntegrationClient creates a client for the integration
// execution service.
func NewHTTPIntegrationClient(baseURL, apiKey string) *HTTPIntegrationClient {
	return &HTTPIntegrationClient{
		httpClient: &http.Client{
			Timeout: time.Second * 30,
		},
		BaseURL: baseURL,
		APIKey:  apiKey,
	}
}

type invokePayload struct {
	Integration string                 `json:"integration"`
	Action      string                 `json:"action"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Invoke implements IntegrationClient.
func (c *HTTPIntegrationClient) Invoke(ctx context.Context, integration, action string, params map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(invokePayload{
		Integration: integration,
		Action:      action,
		Parameters:  params,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/integrations/execute", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("integration request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("integration service returned status %d: %s", resp.StatusCode, string(data))
	}

	var out map[string]interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("invalid integration response: %w", err)
		}
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}
