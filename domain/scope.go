package domain

import "strings"

const (
	// ScopeOpenID marks an OpenID Connect request.
	ScopeOpenID = "openid"
	// ScopeOrganizations is the capability scope a refresh token must carry before it can be
	// exchanged for an organization token.
	ScopeOrganizations = "urn:tenant-sso:scope:organizations"
	// ScopeAll is the management API marker that grants every management operation.
	ScopeAll = "all"
)

// Scopes is an ordered set of scope names. Order follows first appearance.
type Scopes []string

// ParseScopes splits a space-delimited scope string, dropping empty and duplicate entries.
func ParseScopes(raw string) Scopes {
	fields := strings.Fields(raw)
	out := make(Scopes, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Has reports whether name is in the set.
func (s Scopes) Has(name string) bool {
	for _, v := range s {
		if v == name {
			return true
		}
	}
	return false
}

// Difference returns the members of s that are not in other.
func (s Scopes) Difference(other Scopes) Scopes {
	var out Scopes
	for _, v := range s {
		if !other.Has(v) {
			out = append(out, v)
		}
	}
	return out
}

// Intersect returns the members of s that are also in other, in the order of s.
func (s Scopes) Intersect(other Scopes) Scopes {
	out := Scopes{}
	for _, v := range s {
		if other.Has(v) {
			out = append(out, v)
		}
	}
	return out
}

func (s Scopes) String() string {
	return strings.Join(s, " ")
}
