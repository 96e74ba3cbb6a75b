package model

import "sort"

// PrincipalRef is an opaque, directory-scoped identifier for any queryable
// entity: a distinguished name for LDAP, an object ID for Entra, a group or
// user ID for Keycloak. Equality is by identifier value.
type PrincipalRef string

func (r PrincipalRef) String() string {
	return string(r)
}

// GroupRecord is a resolved group: its own ref, a human-readable name, and
// whatever extra attributes the backend returned. Attributes are pass-through
// data the resolver never interprets.
type GroupRecord struct {
	Ref   PrincipalRef      `json:"ref"`
	Name  string            `json:"name"`
	Mail  string            `json:"mail,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Resolution is the outcome of one transitive membership resolution. Groups
// is unique by ref and in discovery order. Unexpanded lists principals whose
// own expansion failed in best-effort mode; a strict resolution never
// produces one.
type Resolution struct {
	Start      PrincipalRef   `json:"start"`
	Groups     []GroupRecord  `json:"groups"`
	Unexpanded []PrincipalRef `json:"unexpanded,omitempty"`
}

// Complete reports whether every discovered group was fully expanded.
func (r *Resolution) Complete() bool {
	return len(r.Unexpanded) == 0
}

// SortGroups orders the groups by name, breaking ties by ref. Presentation
// ordering only; the resolved set itself carries no order guarantee.
func (r *Resolution) SortGroups() {
	sort.Slice(r.Groups, func(i, j int) bool {
		if r.Groups[i].Name != r.Groups[j].Name {
			return r.Groups[i].Name < r.Groups[j].Name
		}
		return r.Groups[i].Ref < r.Groups[j].Ref
	})
}

// ResolveRequest is the payload for POST /api/v1/resolve.
type ResolveRequest struct {
	Principal string `json:"principal"`
	Mode      string `json:"mode,omitempty"`
}

// PublicConfig is the non-sensitive configuration exposed to clients.
type PublicConfig struct {
	Backend string `json:"backend"`
	Mode    string `json:"mode"`
	Workers int    `json:"workers"`
}
