package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// discoveryInterval is the fixed backoff between discovery poll attempts.
const discoveryInterval = 500 * time.Millisecond

// VersionInfo is the payload of GET /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// TargetInfo is one entry of GET /json/list.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// discover polls the remote's HTTP discovery endpoint until it answers or ctx
// expires, then selects the connection target. The endpoint not answering is
// retried with fixed backoff; the endpoint answering without a matching
// target is a hard failure.
func (c *Client) discover(ctx context.Context, port int) (TargetInfo, error) {
	httpClient := &http.Client{Timeout: discoveryInterval * 2}

	var lastErr error
	for {
		version, err := fetchVersion(ctx, httpClient, port)
		if err == nil {
			c.log.Debug("discovery endpoint answered", "port", port, "browser", version.Browser)
			targets, err := fetchTargets(ctx, httpClient, port)
			if err != nil {
				return TargetInfo{}, fmt.Errorf("list targets: %w", err)
			}
			return c.selectTarget(targets)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return TargetInfo{}, &DiscoveryTimeoutError{Port: port, LastErr: lastErr}
		case <-time.After(discoveryInterval):
		}
	}
}

// selectTarget picks the target to attach to: exact type+title match first,
// then the first target of the expected type. No target of the expected type
// at all is fatal, with every discovered target enumerated for diagnosis.
func (c *Client) selectTarget(targets []TargetInfo) (TargetInfo, error) {
	var fallback *TargetInfo
	for i := range targets {
		t := &targets[i]
		if t.Type != c.cfg.TargetType {
			continue
		}
		if c.cfg.TargetTitle != "" && t.Title == c.cfg.TargetTitle {
			return *t, nil
		}
		if fallback == nil {
			fallback = t
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return TargetInfo{}, &TargetNotFoundError{Type: c.cfg.TargetType, Targets: targets}
}

func fetchVersion(ctx context.Context, client *http.Client, port int) (VersionInfo, error) {
	var version VersionInfo
	if err := fetchJSON(ctx, client, fmt.Sprintf("http://127.0.0.1:%d/json/version", port), &version); err != nil {
		return VersionInfo{}, err
	}
	return version, nil
}

func fetchTargets(ctx context.Context, client *http.Client, port int) ([]TargetInfo, error) {
	var targets []TargetInfo
	if err := fetchJSON(ctx, client, fmt.Sprintf("http://127.0.0.1:%d/json/list", port), &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discovery endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read discovery response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse discovery response: %w", err)
	}
	return nil
}
