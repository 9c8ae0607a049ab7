package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/notibot/internal/config"
)

// daemonClient talks to the running daemon's HTTP API.
type daemonClient struct {
	base string
	http *http.Client
}

func newDaemonClient(cfg *config.Config) (*daemonClient, error) {
	if !cfg.HTTP.Enabled {
		return nil, fmt.Errorf("daemon HTTP API is disabled (set http.enabled)")
	}
	listen := cfg.HTTP.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return &daemonClient{
		base: "http://" + listen,
		http: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. Non-2xx statuses are returned as errors carrying the server's
// message.
func (c *daemonClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
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

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon (is it running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
