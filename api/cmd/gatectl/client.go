package main

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
)

// client talks to the gate's admin listener.
type client struct {
	base  string
	token string
	httpc *http.Client
}

func newClient(addr, token string, timeout time.Duration) *client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &client{base: base, token: token, httpc: &http.Client{Timeout: timeout}}
}

// do sends the request and returns the raw JSON body of a 2xx reply.
func (c *client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	x, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(x, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	return x, nil
}

func (c *client) stats(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/admin/stats", nil)
}

func (c *client) blacklist(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/admin/blacklist", nil)
}

func (c *client) clientInfo(ctx context.Context, addr string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/admin/clients/"+url.PathEscape(addr), nil)
}

func (c *client) ban(ctx context.Context, addr, reason string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/admin/blacklist", map[string]string{"addr": addr, "reason": reason})
}

func (c *client) unban(ctx context.Context, addr string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, "/admin/blacklist/"+url.PathEscape(addr), nil)
}
