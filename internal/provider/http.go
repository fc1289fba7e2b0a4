// internal/provider/http.go
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPClient talks to the provider's REST API:
//
//	POST   {base}/v1/deployments        body: DeployRequest, returns Deployment
//	GET    {base}/v1/deployments/{id}   returns Deployment
//	DELETE {base}/v1/deployments/{id}   returns 200/204
//
// Authentication is a bearer token on every request.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
	log     *logrus.Logger
}

// NewHTTPClient builds a provider client for the given API base URL and token.
func NewHTTPClient(baseURL, token string, log *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// Deploy requests a new instance. The returned Deployment carries the
// deployment id the provider will reference in webhook callbacks.
func (c *HTTPClient) Deploy(ctx context.Context, req DeployRequest) (Deployment, error) {
	var dep Deployment
	err := c.do(ctx, http.MethodPost, "/v1/deployments", req, &dep)
	if err != nil {
		return Deployment{}, err
	}
	if dep.ID == "" {
		return Deployment{}, &APIError{StatusCode: http.StatusBadGateway, Message: "deploy response missing deployment_id"}
	}
	return dep, nil
}

// Terminate requests teardown of an instance. Termination completion is
// reported asynchronously via webhook.
func (c *HTTPClient) Terminate(ctx context.Context, deploymentID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/deployments/"+deploymentID, nil, nil)
}

// Status fetches the provider's current view of a deployment.
func (c *HTTPClient) Status(ctx context.Context, deploymentID string) (Deployment, error) {
	var dep Deployment
	err := c.do(ctx, http.MethodGet, "/v1/deployments/"+deploymentID, nil, &dep)
	return dep, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("provider: marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: decode %s %s response: %w", method, path, err)
	}
	return nil
}
