package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yansir/accounts-proxy/internal/accounts"
)

// newTestServer serves fixed bodies per metadata path and records that every
// request carried the Metadata-Flavor header.
func newTestServer(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Google", r.Header.Get("Metadata-Flavor"))
		body, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProject(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/project/project-id": "my-project",
	})
	c := NewClient(srv.URL)

	project, err := c.Project(context.Background())
	require.NoError(t, err)
	require.Equal(t, "my-project", project)
}

func TestInstanceNameStripsDomain(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/instance/hostname": "my-instance.c.my-project.internal",
	})
	c := NewClient(srv.URL)

	name, err := c.InstanceName(context.Background())
	require.NoError(t, err)
	require.Equal(t, "my-instance", name)
}

func TestZoneStripsPathPrefix(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/instance/zone": "projects/123/zones/us-central1-a",
	})
	c := NewClient(srv.URL)

	zone, err := c.Zone(context.Background())
	require.NoError(t, err)
	require.Equal(t, "us-central1-a", zone)
}

func TestAuthorization(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/instance/service-accounts/default/token": `{"access_token":"t0ken","token_type":"Bearer","expires_in":3600}`,
	})
	c := NewClient(srv.URL)

	auth, err := c.Authorization(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer t0ken", auth)
}

func TestAuthorizationBadJSON(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/instance/service-accounts/default/token": "not json",
	})
	c := NewClient(srv.URL)

	_, err := c.Authorization(context.Background())
	require.Equal(t, accounts.KindBackend, accounts.KindOf(err))
}

func TestAuthorizationMissingField(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/instance/service-accounts/default/token": `{"access_token":"t0ken"}`,
	})
	c := NewClient(srv.URL)

	_, err := c.Authorization(context.Background())
	require.Equal(t, accounts.KindBackend, accounts.KindOf(err))
	require.Contains(t, err.Error(), "missing required field")
}

func TestNonOKStatusIsBackendError(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(srv.URL)

	_, err := c.Project(context.Background())
	require.Equal(t, accounts.KindBackend, accounts.KindOf(err))
}

func TestUnreachableServerIsBackendError(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.Close()
	c := NewClient(srv.URL)

	_, err := c.Project(context.Background())
	require.Equal(t, accounts.KindBackend, accounts.KindOf(err))
}
