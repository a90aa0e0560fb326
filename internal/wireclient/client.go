// Package wireclient is a typed HTTP client over kilnd's API (spec
// component C9): token mint, blob CAS calls, and cargo cache calls, built
// around one shared *http.Client the way the teacher builds one
// *http.Client per installation and reuses it.
package wireclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"kiln/internal/kilnerr"
)

// Client talks to one kilnd instance on behalf of one organization.
type Client struct {
	baseURL string
	http    *http.Client
	token   string // stateless token, set by Authenticate
}

// New builds a Client against baseURL (e.g. "https://cache.example.com").
// The transport tunes MaxIdleConnsPerHost up since every request in a
// build goes to the same host.
func New(baseURL string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 64
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: 2 * time.Minute},
	}
}

// Authenticate exchanges a raw API token for a stateless token and stores
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, rawAPIToken string, orgID int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth", nil)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "wireclient.Authenticate", err)
	}
	req.Header.Set("Authorization", "Bearer "+rawAPIToken)
	req.Header.Set("x-org-id", strconv.FormatInt(orgID, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "wireclient.Authenticate", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kilnerr.New(kilnerr.Unauthorized, "wireclient.Authenticate", fmt.Errorf("status %d", resp.StatusCode))
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return kilnerr.New(kilnerr.Internal, "wireclient.Authenticate", err)
	}
	c.token = body.Token
	return nil
}

func (c *Client) authedRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

// CASWrite uploads one blob by its key.
func (c *Client) CASWrite(ctx context.Context, key string, content []byte) error {
	req, err := c.authedRequest(ctx, http.MethodPut, "/api/v1/cas/"+key, bytes.NewReader(content))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "wireclient.CASWrite", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return kilnerr.New(kilnerr.Internal, "wireclient.CASWrite", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// CASRead fetches one blob's decompressed content.
func (c *Client) CASRead(ctx context.Context, key string) ([]byte, error) {
	req, err := c.authedRequest(ctx, http.MethodGet, "/api/v1/cas/"+key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient.CASRead", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, kilnerr.New(kilnerr.NotFound, "wireclient.CASRead", fmt.Errorf("blob %s not found", key))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient.CASRead", fmt.Errorf("status %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

// CASExists implements HEAD /cas/{key}.
func (c *Client) CASExists(ctx context.Context, key string) (bool, error) {
	req, err := c.authedRequest(ctx, http.MethodHead, "/api/v1/cas/"+key, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, kilnerr.New(kilnerr.Internal, "wireclient.CASExists", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
