// Package metadata reads instance identity and the service-account bearer
// token from the host-local metadata server.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yansir/accounts-proxy/internal/accounts"
)

// DefaultRoot is the well-known metadata server root.
const DefaultRoot = "http://metadata.google.internal/computeMetadata/v1/"

const flavorHeader = "Metadata-Flavor"

// Client fetches metadata values. Values are computed on demand for every
// call; tokens are short-lived so nothing is cached here.
type Client struct {
	root       string
	httpClient *http.Client
}

// NewClient returns a Client rooted at root (DefaultRoot when empty).
func NewClient(root string) *Client {
	if root == "" {
		root = DefaultRoot
	}
	return &Client{
		root:       strings.TrimRight(root, "/") + "/",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Project returns the project id of the current instance.
func (c *Client) Project(ctx context.Context) (string, error) {
	return c.get(ctx, "project/project-id")
}

// InstanceName returns the short host name of the current instance.
func (c *Client) InstanceName(ctx context.Context) (string, error) {
	hostname, err := c.get(ctx, "instance/hostname")
	if err != nil {
		return "", err
	}
	name, _, _ := strings.Cut(hostname, ".")
	return name, nil
}

// Zone returns the zone name of the current instance.
func (c *Client) Zone(ctx context.Context) (string, error) {
	zone, err := c.get(ctx, "instance/zone")
	if err != nil {
		return "", err
	}
	return zone[strings.LastIndex(zone, "/")+1:], nil
}

// Authorization returns the value of the Authorization header for Accounts
// API requests, "<token_type> <access_token>".
func (c *Client) Authorization(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "instance/service-accounts/default/token")
	if err != nil {
		return "", err
	}
	var token struct {
		TokenType   *string `json:"token_type"`
		AccessToken *string `json:"access_token"`
	}
	if err := json.Unmarshal([]byte(body), &token); err != nil {
		return "", accounts.Backendf(err, "parsing token JSON failed: [%s]", body)
	}
	if token.TokenType == nil || token.AccessToken == nil {
		return "", accounts.Backendf(nil, "token response missing required field: [%s]", body)
	}
	return fmt.Sprintf("%s %s", *token.TokenType, *token.AccessToken), nil
}

func (c *Client) get(ctx context.Context, path string) (string, error) {
	url := c.root + path
	slog.Debug("fetching metadata value", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", accounts.Backendf(err, "building metadata request failed: [%s]", url)
	}
	req.Header.Set(flavorHeader, "Google")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", accounts.Backendf(err, "metadata request failed: [%s]", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", accounts.Backendf(err, "reading metadata response failed: [%s]", url)
	}
	if resp.StatusCode != http.StatusOK {
		return "", accounts.Backendf(nil, "metadata request returned [%d]: [%s]", resp.StatusCode, body)
	}
	return string(body), nil
}
