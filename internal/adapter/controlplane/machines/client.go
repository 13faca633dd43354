// Package machines is a thin JSON client for the hosting control plane's
// Machines API, used by the autoscaler to wake stopped worker hosts.
package machines

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codrlabs/codr/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Client implements domain.MachinesAPI over the control plane's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client. baseURL is the API root without a trailing slash.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// ListMachines returns every machine of one app.
func (c *Client) ListMachines(ctx context.Context, app string) ([]domain.Machine, error) {
	url := fmt.Sprintf("%s/v1/apps/%s/machines", c.baseURL, app)
	body, err := c.do(ctx, http.MethodGet, url, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var machines []domain.Machine
	if err := json.Unmarshal(body, &machines); err != nil {
		return nil, fmt.Errorf("%w: decode machines: %v", domain.ErrControlPlane, err)
	}
	return machines, nil
}

// StartMachine asks the control plane to boot one stopped machine.
func (c *Client) StartMachine(ctx context.Context, app, machineID string) error {
	url := fmt.Sprintf("%s/v1/apps/%s/machines/%s/start", c.baseURL, app, machineID)
	_, err := c.do(ctx, http.MethodPost, url, http.StatusOK)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, want int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrControlPlane, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrControlPlane, method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrControlPlane, err)
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("%w: %s %s: status %d", domain.ErrControlPlane, method, url, resp.StatusCode)
	}
	return body, nil
}
