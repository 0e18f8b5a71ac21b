// Package apiclient sends rate-limited requests to the Accounts API on
// behalf of the current instance.
package apiclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/yansir/accounts-proxy/internal/accounts"
	"github.com/yansir/accounts-proxy/internal/config"
	"github.com/yansir/accounts-proxy/internal/metadata"
	"github.com/yansir/accounts-proxy/internal/metrics"
	"github.com/yansir/accounts-proxy/internal/ratelimit"
)

// Per-view quota shaping: account listings burst to 3 and settle at one
// request per five minutes; key fetches burst to 10 and settle at one per
// minute.
const (
	linuxViewsBurst  = 3
	linuxViewsPeriod = 5 * time.Minute
	keysViewBurst    = 10
	keysViewPeriod   = time.Minute
)

// Client is safe for concurrent use by the dispatcher and the refresh loop.
type Client struct {
	viewFormat     string // root/computeaccounts/<v>/projects/%s/zones/%s/%s
	instanceFormat string // root/compute/<v>/projects/%s/zones/%s/instances/%s
	meta           *metadata.Client
	httpClient     *http.Client
	linuxViews     *ratelimit.Bucket
	keysView       *ratelimit.Bucket

	now func() time.Time
}

func New(cfg *config.Config) *Client {
	root := strings.TrimRight(cfg.APIRoot, "/")
	return &Client{
		viewFormat: fmt.Sprintf("%s/computeaccounts/%s/projects/%%s/zones/%%s/%%s",
			root, cfg.ComputeAccountsVersion),
		instanceFormat: fmt.Sprintf("%s/compute/%s/projects/%%s/zones/%%s/instances/%%s",
			root, cfg.ComputeVersion),
		meta: metadata.NewClient(cfg.MetadataRoot),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		linuxViews: ratelimit.NewBucket(linuxViewsBurst, linuxViewsPeriod),
		keysView:   ratelimit.NewBucket(keysViewBurst, keysViewPeriod),
		now:        time.Now,
	}
}

// UsersAndGroups retrieves all users and groups visible to this instance.
// forUser names the user whose missing lookup triggered the call; it is empty
// for scheduled refreshes.
func (c *Client) UsersAndGroups(ctx context.Context, forUser string) ([]*accounts.User, []*accounts.Group, error) {
	slog.Info("fetching users and groups", "forUser", forUser)

	var params url.Values
	if forUser != "" {
		params = url.Values{"user": {forUser}}
	}
	resource, err := c.retrieveView(ctx, "linuxAccountViews", c.linuxViews, params)
	if err != nil {
		return nil, nil, err
	}

	users := make([]*accounts.User, 0, len(resource.UserViews))
	for i := range resource.UserViews {
		u, err := resource.UserViews[i].toUser()
		if err != nil {
			return nil, nil, err
		}
		users = append(users, u)
	}
	groups := make([]*accounts.Group, 0, len(resource.GroupViews))
	for i := range resource.GroupViews {
		g, err := resource.GroupViews[i].toGroup()
		if err != nil {
			return nil, nil, err
		}
		groups = append(groups, g)
	}
	return users, groups, nil
}

// AuthorizedKeys retrieves the authorized keys of username. The name is
// checked against the account-name pattern before any network traffic, which
// also keeps it from being spliced into the request path.
func (c *Client) AuthorizedKeys(ctx context.Context, username string) (accounts.AuthorizedKeys, error) {
	slog.Info("fetching authorized keys", "user", username)

	if !accounts.ValidName(username) {
		return accounts.AuthorizedKeys{}, accounts.NotFoundf("invalid username: [%s]", username)
	}
	resource, err := c.retrieveView(ctx, "authorizedKeysView/"+username, c.keysView, nil)
	if err != nil {
		return accounts.AuthorizedKeys{}, err
	}
	if err := validateKeys(resource.Keys); err != nil {
		return accounts.AuthorizedKeys{}, err
	}
	warnUnparseableKeys(username, resource.Keys)
	return accounts.AuthorizedKeys{Timestamp: c.now(), Keys: resource.Keys}, nil
}

func (c *Client) retrieveView(ctx context.Context, viewName string, bucket *ratelimit.Bucket, extra url.Values) (*viewResource, error) {
	view, _, _ := strings.Cut(viewName, "/")

	if err := bucket.Consume(); err != nil {
		metrics.UpstreamRequests.WithLabelValues(view, "quota").Inc()
		return nil, err
	}

	project, err := c.meta.Project(ctx)
	if err != nil {
		return nil, err
	}
	zone, err := c.meta.Zone(ctx)
	if err != nil {
		return nil, err
	}
	instance, err := c.meta.InstanceName(ctx)
	if err != nil {
		return nil, err
	}
	authorization, err := c.meta.Authorization(ctx)
	if err != nil {
		return nil, err
	}

	viewURL := fmt.Sprintf(c.viewFormat, project, zone, viewName)
	instanceURL := fmt.Sprintf(c.instanceFormat, project, zone, instance)
	params := url.Values{"instance": {instanceURL}}
	for k, vs := range extra {
		params[k] = vs
	}
	reqURL := viewURL + "?" + params.Encode()

	slog.Info("sending accounts request", "url", viewURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(view, "backend").Inc()
		return nil, accounts.Backendf(err, "building request failed: [%s]", reqURL)
	}
	req.Header.Set("Authorization", authorization)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(view, "backend").Inc()
		return nil, accounts.Backendf(err, "error while sending request: [%s]", viewURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(view, "backend").Inc()
		return nil, accounts.Backendf(err, "error while reading response: [%s]", viewURL)
	}
	if resp.StatusCode == http.StatusNotFound {
		metrics.UpstreamRequests.WithLabelValues(view, "not_found").Inc()
		return nil, accounts.NotFoundf("URL not found: [%s]", reqURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamRequests.WithLabelValues(view, "backend").Inc()
		return nil, accounts.Backendf(nil, "http error [%d] while sending request: [%s]", resp.StatusCode, body)
	}

	var parsed viewResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.UpstreamRequests.WithLabelValues(view, "backend").Inc()
		return nil, accounts.Backendf(err, "parsing JSON failed: [%s]", body)
	}

	metrics.UpstreamRequests.WithLabelValues(view, "ok").Inc()
	return &parsed.Resource, nil
}

// warnUnparseableKeys flags keys sshd will most likely reject. The upstream
// is authoritative, so this only logs.
func warnUnparseableKeys(username string, keys []string) {
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(k)); err != nil {
			slog.Warn("authorized key does not parse", "user", username, "error", err)
		}
	}
}
