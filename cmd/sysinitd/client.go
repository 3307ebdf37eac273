package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/sysinitd/internal/supervisor"
)

const defaultAPIUrl = "http://localhost:9090"

// APIClient talks to the status API of a running daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = defaultAPIUrl
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Services lists every service, optionally filtered by state name.
func (c *APIClient) Services(state string) ([]supervisor.Status, error) {
	u := c.baseURL + "/services"
	if state != "" {
		u += "?state=" + url.QueryEscape(state)
	}
	var out []supervisor.Status
	return out, c.get(u, &out)
}

// Service returns the status of one service.
func (c *APIClient) Service(id string) (supervisor.Status, error) {
	var detail struct {
		Status supervisor.Status `json:"status"`
	}
	err := c.get(c.baseURL+"/services/"+url.PathEscape(id), &detail)
	return detail.Status, err
}

func (c *APIClient) get(u string, v any) error {
	resp, err := c.client.Get(u)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("API error: %s", resp.Status)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
