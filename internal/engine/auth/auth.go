package auth

import (
	"fmt"
	"sort"
)

// Staff permissions.
const (
	PermSessionsRead   = "sessions.read"
	PermSessionsManage = "sessions.manage"
	PermSessionsNotify = "sessions.notify"
	PermOrdersUpdate   = "orders.update"
	PermSweepsRun      = "sweeps.run"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Policy maps staff roles to permissions.
type Policy struct {
	roles map[string]map[string]struct{}
}

func NewPolicy(roles map[string][]string) Policy {
	p := Policy{roles: make(map[string]map[string]struct{}, len(roles))}
	for role, perms := range roles {
		set := make(map[string]struct{}, len(perms))
		for _, perm := range perms {
			set[perm] = struct{}{}
		}
		p.roles[role] = set
	}
	return p
}

func (p Policy) KnownRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}

func (p Policy) Allowed(roles []string, perm string) bool {
	for _, r := range roles {
		if _, ok := p.roles[r][perm]; ok {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless one of roles grants perm.
func (p Policy) Require(roles []string, perm string) error {
	if p.Allowed(roles, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// Permissions lists the distinct permissions granted by roles.
func (p Policy) Permissions(roles []string) []string {
	seen := map[string]struct{}{}
	for _, r := range roles {
		for perm := range p.roles[r] {
			seen[perm] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for perm := range seen {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}
