// Package client is the thin HTTP client every non-backend component
// (coordinator-to-backend, dispatcher/sim-to-coordinator) uses to speak
// the KV HTTP surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type Client struct {
	Base    string
	HTTP    *http.Client
	Timeout time.Duration
}

func New(base string, timeout time.Duration) *Client {
	return &Client{
		Base:    base,
		HTTP:    &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

// CASResult mirrors the coordinator/backend CAS response body.
type CASResult struct {
	OK      bool            `json:"ok"`
	Current json.RawMessage `json:"current,omitempty"`
}

type getResponse struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// ErrNotFound is returned by Get for a 404 response.
var ErrNotFound = fmt.Errorf("kv: key not found")

func (c *Client) Get(ctx context.Context, key string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+"/kv/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("kv get %s: status %d: %s", key, resp.StatusCode, body)
	}
	var out getResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *Client) Put(ctx context.Context, key string, value json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{"value": value})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.Base+"/kv/"+url.PathEscape(key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("kv put %s: status %d: %s", key, resp.StatusCode, b)
	}
	return nil
}

func (c *Client) CAS(ctx context.Context, key string, old, newVal json.RawMessage) (CASResult, error) {
	body, err := json.Marshal(map[string]any{"key": key, "old": old, "new": newVal})
	if err != nil {
		return CASResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+"/kv/cas", bytes.NewReader(body))
	if err != nil {
		return CASResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return CASResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		return CASResult{}, fmt.Errorf("kv cas %s: backend unavailable", key)
	}
	var out CASResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CASResult{}, err
	}
	return out, nil
}

func (c *Client) LockAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	u := fmt.Sprintf("%s/lock/acquire/%s?ttl_sec=%d", c.Base, url.PathEscape(key), int(ttl.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.OK, nil
}

// Keys lists every key the target replica has ever stored. Admin-only;
// used by the coordinator's snapshot exporter.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+"/kv/_keys", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("kv keys: status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

func (c *Client) LockRelease(ctx context.Context, key string) error {
	u := fmt.Sprintf("%s/lock/release/%s", c.Base, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
