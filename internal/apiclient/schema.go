package apiclient

import (
	"regexp"
	"strings"

	"github.com/yansir/accounts-proxy/internal/accounts"
)

// Colons would corrupt passwd/group lines, newlines would corrupt the wire
// protocol. The upstream contract forbids both; trust nothing.
var nssStringRegexp = regexp.MustCompile(`^[^:\n]*$`)

type userView struct {
	Username      *string `json:"username"`
	UID           *int64  `json:"uid"`
	GID           *int64  `json:"gid"`
	Gecos         *string `json:"gecos"`
	HomeDirectory *string `json:"homeDirectory"`
	Shell         *string `json:"shell"`
}

type groupView struct {
	GroupName *string  `json:"groupName"`
	GID       *int64   `json:"gid"`
	Members   []string `json:"members"`
}

type viewResource struct {
	UserViews  []userView  `json:"userViews"`
	GroupViews []groupView `json:"groupViews"`
	Keys       []string    `json:"keys"`
}

type viewResponse struct {
	Resource viewResource `json:"resource"`
}

func (v *userView) toUser() (*accounts.User, error) {
	switch {
	case v.Username == nil:
		return nil, accounts.Backendf(nil, "user view missing required field [username]")
	case v.UID == nil:
		return nil, accounts.Backendf(nil, "user view missing required field [uid]")
	case v.GID == nil:
		return nil, accounts.Backendf(nil, "user view missing required field [gid]")
	case v.Gecos == nil:
		return nil, accounts.Backendf(nil, "user view missing required field [gecos]")
	case v.HomeDirectory == nil:
		return nil, accounts.Backendf(nil, "user view missing required field [homeDirectory]")
	case v.Shell == nil:
		return nil, accounts.Backendf(nil, "user view missing required field [shell]")
	}
	if !accounts.ValidName(*v.Username) {
		return nil, accounts.Backendf(nil, "invalid username in user view: [%s]", *v.Username)
	}
	for _, s := range []string{*v.Gecos, *v.HomeDirectory, *v.Shell} {
		if !nssStringRegexp.MatchString(s) {
			return nil, accounts.Backendf(nil, "invalid characters in user view field: [%s]", s)
		}
	}
	return &accounts.User{
		Name:          *v.Username,
		UID:           *v.UID,
		GID:           *v.GID,
		Gecos:         *v.Gecos,
		HomeDirectory: *v.HomeDirectory,
		Shell:         *v.Shell,
	}, nil
}

func (v *groupView) toGroup() (*accounts.Group, error) {
	switch {
	case v.GroupName == nil:
		return nil, accounts.Backendf(nil, "group view missing required field [groupName]")
	case v.GID == nil:
		return nil, accounts.Backendf(nil, "group view missing required field [gid]")
	}
	if !accounts.ValidName(*v.GroupName) {
		return nil, accounts.Backendf(nil, "invalid group name in group view: [%s]", *v.GroupName)
	}
	for _, m := range v.Members {
		if !accounts.ValidName(m) {
			return nil, accounts.Backendf(nil, "invalid member name in group view: [%s]", m)
		}
	}
	return &accounts.Group{
		Name:    *v.GroupName,
		GID:     *v.GID,
		Members: v.Members,
	}, nil
}

func validateKeys(keys []string) error {
	for _, k := range keys {
		if strings.ContainsRune(k, '\n') {
			return accounts.Backendf(nil, "authorized key contains newline: [%s]", k)
		}
	}
	return nil
}
