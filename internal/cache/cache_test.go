package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yansir/accounts-proxy/internal/accounts"
)

func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	now := time.Unix(10000, 0)
	c := New()
	c.now = func() time.Time { return now }
	return c, &now
}

func seedUsers() []*accounts.User {
	return []*accounts.User{
		{Name: "user1", UID: 1001, GID: 1001, HomeDirectory: "/home/user1", Shell: "/bin/bash"},
		{Name: "user2", UID: 1002, GID: 1001, HomeDirectory: "/home/user2", Shell: "/bin/bash"},
	}
}

func seedGroups() []*accounts.Group {
	return []*accounts.Group{
		{Name: "group1", GID: 1001, Members: []string{"user1", "user2"}},
		{Name: "group2", GID: 1002},
	}
}

func TestReplaceRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	users, groups := seedUsers(), seedGroups()
	c.Replace(users, groups)

	for _, want := range users {
		byName, err := c.UserByName(want.Name)
		require.NoError(t, err)
		require.Equal(t, want, byName)

		byUID, err := c.UserByUID(want.UID)
		require.NoError(t, err)
		require.Equal(t, want, byUID)
	}
	for _, want := range groups {
		byName, err := c.GroupByName(want.Name)
		require.NoError(t, err)
		require.Equal(t, want, byName)

		byGID, err := c.GroupByGID(want.GID)
		require.NoError(t, err)
		require.Equal(t, want, byGID)
	}
}

func TestReplaceIsIdempotent(t *testing.T) {
	c, _ := newTestCache(t)
	c.Replace(seedUsers(), seedGroups())
	c.Replace(seedUsers(), seedGroups())

	require.Len(t, c.Users(), 2)
	require.Len(t, c.Groups(), 2)
	u, err := c.UserByName("user1")
	require.NoError(t, err)
	require.EqualValues(t, 1001, u.UID)
}

func TestLookupMissesAreNotFound(t *testing.T) {
	c, _ := newTestCache(t)
	c.Replace(seedUsers(), seedGroups())

	_, err := c.UserByName("user3")
	require.True(t, accounts.IsNotFound(err))
	_, err = c.UserByUID(9999)
	require.True(t, accounts.IsNotFound(err))
	_, err = c.GroupByName("group3")
	require.True(t, accounts.IsNotFound(err))
	_, err = c.GroupByGID(9999)
	require.True(t, accounts.IsNotFound(err))
}

func TestValidateAccountNameIsExistenceNotSyntax(t *testing.T) {
	c, _ := newTestCache(t)
	c.Replace(seedUsers(), seedGroups())

	require.NoError(t, c.ValidateAccountName("user1"))
	require.NoError(t, c.ValidateAccountName("group2"))
	// Legal syntax but unknown: still not found.
	require.True(t, accounts.IsNotFound(c.ValidateAccountName("user3")))
}

func TestAuthorizedKeysFreshness(t *testing.T) {
	c, now := newTestCache(t)
	c.Replace(seedUsers(), seedGroups())

	c.PutAuthorizedKeys("user1", accounts.AuthorizedKeys{Timestamp: *now, Keys: []string{"ssh-ed25519 AAAA key1"}})

	entry, err := c.AuthorizedKeys("user1")
	require.NoError(t, err)
	require.Equal(t, []string{"ssh-ed25519 AAAA key1"}, entry.Keys)

	// One second short of the window: still fresh.
	*now = now.Add(keyEntryTTL - time.Second)
	_, err = c.AuthorizedKeys("user1")
	require.NoError(t, err)

	// At the window boundary: stale.
	*now = now.Add(time.Second)
	_, err = c.AuthorizedKeys("user1")
	require.True(t, accounts.IsNotFound(err))
	require.Contains(t, err.Error(), "stale")
}

func TestAuthorizedKeysRejectsFutureEntries(t *testing.T) {
	c, now := newTestCache(t)
	c.Replace(seedUsers(), seedGroups())

	// Clock went backward after the entry was written: invalid, not extended.
	c.PutAuthorizedKeys("user1", accounts.AuthorizedKeys{Timestamp: now.Add(time.Minute), Keys: []string{"k"}})
	_, err := c.AuthorizedKeys("user1")
	require.True(t, accounts.IsNotFound(err))
}

func TestAuthorizedKeysMissingVsStale(t *testing.T) {
	c, now := newTestCache(t)
	c.Replace(seedUsers(), seedGroups())

	_, err := c.AuthorizedKeys("user1")
	require.True(t, accounts.IsNotFound(err))
	require.Contains(t, err.Error(), "not found")

	c.PutAuthorizedKeys("user1", accounts.AuthorizedKeys{Timestamp: now.Add(-keyEntryTTL), Keys: []string{"k"}})
	_, err = c.AuthorizedKeys("user1")
	require.True(t, accounts.IsNotFound(err))
	require.Contains(t, err.Error(), "stale")
}

func TestReplacePrunesKeysOfRemovedUsers(t *testing.T) {
	c, now := newTestCache(t)
	c.Replace(seedUsers(), seedGroups())
	c.PutAuthorizedKeys("user1", accounts.AuthorizedKeys{Timestamp: *now, Keys: []string{"k1"}})
	c.PutAuthorizedKeys("user2", accounts.AuthorizedKeys{Timestamp: *now, Keys: []string{"k2"}})

	// user2 disappears from the new snapshot.
	c.Replace(seedUsers()[:1], seedGroups())

	_, err := c.AuthorizedKeys("user1")
	require.NoError(t, err)
	_, err = c.AuthorizedKeys("user2")
	require.True(t, accounts.IsNotFound(err))
}

func TestReplacePrunesStaleKeys(t *testing.T) {
	c, now := newTestCache(t)
	c.Replace(seedUsers(), seedGroups())
	c.PutAuthorizedKeys("user1", accounts.AuthorizedKeys{Timestamp: *now, Keys: []string{"k1"}})

	*now = now.Add(keyEntryTTL + time.Second)
	c.Replace(seedUsers(), seedGroups())

	c.mu.Lock()
	_, present := c.keys["user1"]
	c.mu.Unlock()
	require.False(t, present)
}

func TestListsReturnAllEntries(t *testing.T) {
	c, _ := newTestCache(t)
	c.Replace(seedUsers(), seedGroups())

	names := make(map[string]bool)
	for _, u := range c.Users() {
		names[u.Name] = true
	}
	require.Equal(t, map[string]bool{"user1": true, "user2": true}, names)

	gnames := make(map[string]bool)
	for _, g := range c.Groups() {
		gnames[g.Name] = true
	}
	require.Equal(t, map[string]bool{"group1": true, "group2": true}, gnames)
}

func TestEmptyCacheServesNotFound(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.UserByName("user1")
	require.True(t, accounts.IsNotFound(err))
	require.Empty(t, c.Users())
	require.Empty(t, c.Groups())
}
