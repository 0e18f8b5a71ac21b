// Package accounts defines the entities served by the accounts proxy and the
// error taxonomy shared by its components.
package accounts

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NamePattern is the pattern every user and group name must match. It is also
// what makes names safe to embed in URLs and colon-delimited lines.
const NamePattern = `^[a-z][-a-z0-9_]{0,31}$`

var nameRegexp = regexp.MustCompile(NamePattern)

// ValidName reports whether name is a syntactically legal account name.
func ValidName(name string) bool {
	return nameRegexp.MatchString(name)
}

// User mirrors the fields of a passwd entry. The password field is never
// stored; consumers treat its absence as "no password here".
type User struct {
	Name          string
	UID           int64
	GID           int64
	Gecos         string
	HomeDirectory string
	Shell         string
}

// PasswdLine renders the user in /etc/passwd form without a password field:
// name:uid:gid:gecos:home:shell.
func (u *User) PasswdLine() string {
	return strings.Join([]string{
		u.Name,
		strconv.FormatInt(u.UID, 10),
		strconv.FormatInt(u.GID, 10),
		u.Gecos,
		u.HomeDirectory,
		u.Shell,
	}, ":")
}

// Group mirrors the fields of a group entry. Members may be empty.
type Group struct {
	Name    string
	GID     int64
	Members []string
}

// GroupLine renders the group in /etc/group form without a password field:
// name:gid:member1,member2.
func (g *Group) GroupLine() string {
	return strings.Join([]string{
		g.Name,
		strconv.FormatInt(g.GID, 10),
		strings.Join(g.Members, ","),
	}, ":")
}

// AuthorizedKeys holds a user's SSH keys and the wall-clock time they were
// fetched. Freshness decisions belong to the cache, not to this type.
type AuthorizedKeys struct {
	Timestamp time.Time
	Keys      []string
}
