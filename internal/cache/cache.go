// Package cache stores the account snapshot and recently fetched authorized
// keys in memory.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/yansir/accounts-proxy/internal/accounts"
)

// keyEntryTTL is how long a fetched key entry stays usable.
const keyEntryTTL = 30 * time.Minute

// snapshot is an immutable, internally consistent view of all known users
// and groups. Readers grab the handle under the lock and then read the maps
// lock-free; a replace installs a fresh snapshot and never mutates an old one.
type snapshot struct {
	usersByName  map[string]*accounts.User
	usersByUID   map[int64]*accounts.User
	groupsByName map[string]*accounts.Group
	groupsByGID  map[int64]*accounts.Group
}

func newSnapshot(users []*accounts.User, groups []*accounts.Group) *snapshot {
	s := &snapshot{
		usersByName:  make(map[string]*accounts.User, len(users)),
		usersByUID:   make(map[int64]*accounts.User, len(users)),
		groupsByName: make(map[string]*accounts.Group, len(groups)),
		groupsByGID:  make(map[int64]*accounts.Group, len(groups)),
	}
	for _, u := range users {
		s.usersByName[u.Name] = u
		s.usersByUID[u.UID] = u
	}
	for _, g := range groups {
		s.groupsByName[g.Name] = g
		s.groupsByGID[g.GID] = g
	}
	return s
}

// Cache is safe for concurrent use. A single mutex guards the snapshot
// handle and the key sub-cache; no caller ever holds it across network I/O.
type Cache struct {
	mu   sync.Mutex
	snap *snapshot
	keys map[string]accounts.AuthorizedKeys

	now func() time.Time
}

func New() *Cache {
	return &Cache{
		snap: newSnapshot(nil, nil),
		keys: make(map[string]accounts.AuthorizedKeys),
		now:  time.Now,
	}
}

// Replace atomically installs a new snapshot built from users and groups.
// Key entries that are stale or belong to users absent from the new snapshot
// are dropped.
func (c *Cache) Replace(users []*accounts.User, groups []*accounts.Group) {
	snap := newSnapshot(users, groups)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	kept := make(map[string]accounts.AuthorizedKeys, len(c.keys))
	for name, entry := range c.keys {
		if _, ok := snap.usersByName[name]; ok && c.fresh(entry) {
			kept[name] = entry
		}
	}
	c.keys = kept
	slog.Debug("cache repopulated", "users", len(users), "groups", len(groups), "keyEntries", len(kept))
}

func (c *Cache) snapshot() *snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// UserByName returns the cached user with the given name.
func (c *Cache) UserByName(name string) (*accounts.User, error) {
	if u, ok := c.snapshot().usersByName[name]; ok {
		return u, nil
	}
	return nil, accounts.NotFoundf("not found in cache: [%s]", name)
}

// UserByUID returns the cached user with the given uid.
func (c *Cache) UserByUID(uid int64) (*accounts.User, error) {
	if u, ok := c.snapshot().usersByUID[uid]; ok {
		return u, nil
	}
	return nil, accounts.NotFoundf("not found in cache: [%d]", uid)
}

// Users returns all cached users in unspecified order.
func (c *Cache) Users() []*accounts.User {
	snap := c.snapshot()
	users := make([]*accounts.User, 0, len(snap.usersByName))
	for _, u := range snap.usersByName {
		users = append(users, u)
	}
	return users
}

// GroupByName returns the cached group with the given name.
func (c *Cache) GroupByName(name string) (*accounts.Group, error) {
	if g, ok := c.snapshot().groupsByName[name]; ok {
		return g, nil
	}
	return nil, accounts.NotFoundf("not found in cache: [%s]", name)
}

// GroupByGID returns the cached group with the given gid.
func (c *Cache) GroupByGID(gid int64) (*accounts.Group, error) {
	if g, ok := c.snapshot().groupsByGID[gid]; ok {
		return g, nil
	}
	return nil, accounts.NotFoundf("not found in cache: [%d]", gid)
}

// Groups returns all cached groups in unspecified order.
func (c *Cache) Groups() []*accounts.Group {
	snap := c.snapshot()
	groups := make([]*accounts.Group, 0, len(snap.groupsByName))
	for _, g := range snap.groupsByName {
		groups = append(groups, g)
	}
	return groups
}

// ValidateAccountName succeeds iff name is a known user or group name.
// Existence, not syntax: a well-formed name that is not in the snapshot
// still fails.
func (c *Cache) ValidateAccountName(name string) error {
	snap := c.snapshot()
	if _, ok := snap.usersByName[name]; ok {
		return nil
	}
	if _, ok := snap.groupsByName[name]; ok {
		return nil
	}
	return accounts.NotFoundf("not found in cache: [%s]", name)
}

// AuthorizedKeys returns the cached keys for userName as long as they are
// fresh. Missing and stale entries are both not-found; the messages differ
// for observability.
func (c *Cache) AuthorizedKeys(userName string) (accounts.AuthorizedKeys, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.keys[userName]
	if !ok {
		return accounts.AuthorizedKeys{}, accounts.NotFoundf("not found in cache: [%s]", userName)
	}
	if !c.fresh(entry) {
		return accounts.AuthorizedKeys{}, accounts.NotFoundf("cached keys are stale: [%s]", userName)
	}
	return entry, nil
}

// PutAuthorizedKeys unconditionally installs a key entry for userName.
func (c *Cache) PutAuthorizedKeys(userName string, entry accounts.AuthorizedKeys) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[userName] = entry
}

// fresh requires 0 <= now-timestamp < keyEntryTTL. A future-dated entry
// means the clock went backward; it is invalid rather than extended.
func (c *Cache) fresh(entry accounts.AuthorizedKeys) bool {
	delta := c.now().Sub(entry.Timestamp)
	return delta >= 0 && delta < keyEntryTTL
}
