package ice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// Client fetches the server list from a hub.
type Client struct {
	BaseURL    string
	Credential string
	HTTP       *http.Client
}

func NewClient(baseURL, credential string) *Client {
	return &Client{
		BaseURL:    util.NormalizeURL(baseURL),
		Credential: credential,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch returns the hub's list. On any failure it returns DefaultServers
// together with the error, so callers can log and carry on.
func (c *Client) Fetch(ctx context.Context) ([]Server, error) {
	servers, err := c.fetch(ctx)
	if err != nil {
		return DefaultServers(), err
	}
	if len(servers) == 0 {
		return DefaultServers(), errors.New("ice: hub returned no servers")
	}
	return servers, nil
}

func (c *Client) fetch(ctx context.Context) ([]Server, error) {
	if c.BaseURL == "" {
		return nil, errors.New("ice: no base url")
	}
	url := c.BaseURL + Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.Credential)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if body.Code != 0 {
		return nil, fmt.Errorf("GET %s: code %d: %s", url, body.Code, body.Message)
	}
	return body.Data.ICEServers, nil
}
