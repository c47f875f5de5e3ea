package meta

import (
	"strings"

	"github.com/connexus-ai/searchd/internal/errors"
)

// Permissions is the caller identity evaluated against access-control
// metadata.
type Permissions struct {
	UserID       string   `json:"user_id"`
	UserRole     string   `json:"user_role"`
	UserGroupIDs []string `json:"user_group_ids"`
}

// IsAdmin reports whether the caller bypasses all access-level checks.
func (p *Permissions) IsAdmin() bool {
	return p != nil && p.UserRole == RoleAdmin
}

// InGroup reports whether groupID is among the caller's groups.
func (p *Permissions) InGroup(groupID string) bool {
	if p == nil {
		return false
	}
	for _, g := range p.UserGroupIDs {
		if g == groupID {
			return true
		}
	}
	return false
}

// Filter combines an optional permission block with generic metadata
// predicates. Generic values follow the query convention: scalar means
// equality, list means membership, map means an operator expression with
// keys $in, $gte, $lte, $ne.
type Filter struct {
	Permissions *Permissions
	Generic     map[string]any
}

// ParseFilter canonicalizes a raw filter mapping. The "permissions" key, if
// present, must be a mapping with user_id / user_role / user_group_ids;
// every other key is kept as a generic predicate. Roles are upper-cased.
func ParseFilter(raw map[string]any) (*Filter, error) {
	if raw == nil {
		return nil, nil
	}
	f := &Filter{}
	for k, v := range raw {
		if k != "permissions" {
			if f.Generic == nil {
				f.Generic = make(map[string]any)
			}
			f.Generic[k] = v
			continue
		}
		pm, ok := v.(map[string]any)
		if !ok {
			return nil, errors.InvalidInput("filter permissions must be a mapping")
		}
		p := &Permissions{
			UserID:       GetString(pm, "user_id"),
			UserRole:     strings.ToUpper(GetString(pm, "user_role")),
			UserGroupIDs: GetStringList(pm, "user_group_ids"),
		}
		f.Permissions = p
	}
	if f.Permissions == nil && f.Generic == nil {
		return nil, nil
	}
	return f, nil
}

// IsEmpty reports whether the filter constrains nothing.
func (f *Filter) IsEmpty() bool {
	return f == nil || (f.Permissions == nil && len(f.Generic) == 0)
}

// Matches evaluates the filter against node metadata. Permission checks run
// first; an admin role passes them unconditionally but generic predicates
// still apply.
func (f *Filter) Matches(md Metadata) bool {
	if f == nil {
		return true
	}
	if f.Permissions != nil && !checkAccess(f.Permissions, md) {
		return false
	}
	for key, want := range f.Generic {
		actual, ok := md[key]
		if !ok {
			return false
		}
		if !matchValue(actual, want) {
			return false
		}
	}
	return true
}

// CheckAccess evaluates only the access-level predicate against node
// metadata, ignoring generic filters. A nil permission block allows.
func CheckAccess(p *Permissions, md Metadata) bool {
	return p == nil || checkAccess(p, md)
}

// checkAccess evaluates the access-level predicate. Unknown or missing
// levels deny.
func checkAccess(p *Permissions, md Metadata) bool {
	if p.IsAdmin() {
		return true
	}
	switch GetString(md, KeyAccessLevel) {
	case AccessPublic:
		return true
	case AccessGroup:
		gid := GetString(md, KeyGroupID)
		return gid != "" && p.InGroup(gid)
	case AccessManagers:
		return p.UserRole == RoleManager || p.UserRole == RoleAdmin
	case AccessAdmins:
		return p.UserRole == RoleAdmin
	case AccessRestricted:
		if p.UserID == "" {
			return false
		}
		for _, u := range GetStringList(md, KeyRestrictedToUsers) {
			if u == p.UserID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// IsGroupDenial reports whether a node excluded by this filter should be
// observed as a group-access denial: the node is GROUP-scoped with a group
// the caller does not belong to, and the caller is not an admin. The group
// id is returned for the observation record.
func (f *Filter) IsGroupDenial(md Metadata) (string, bool) {
	if f == nil || f.Permissions == nil || f.Permissions.IsAdmin() {
		return "", false
	}
	if GetString(md, KeyAccessLevel) != AccessGroup {
		return "", false
	}
	gid := GetString(md, KeyGroupID)
	if gid == "" || f.Permissions.InGroup(gid) {
		return "", false
	}
	return gid, true
}

// matchValue applies one generic predicate to an actual metadata value.
func matchValue(actual, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		return matchOperators(actual, w)
	case []any:
		for _, e := range w {
			if equalValue(actual, e) {
				return true
			}
		}
		return false
	case []string:
		for _, e := range w {
			if equalValue(actual, e) {
				return true
			}
		}
		return false
	default:
		return equalValue(actual, want)
	}
}

// matchOperators evaluates an operator map; all present operators must hold.
func matchOperators(actual any, ops map[string]any) bool {
	for op, arg := range ops {
		switch op {
		case "$in":
			if !matchValue(actual, arg) {
				return false
			}
		case "$ne":
			if equalValue(actual, arg) {
				return false
			}
		case "$gte":
			a, aok := toFloat(actual)
			b, bok := toFloat(arg)
			if !aok || !bok || a < b {
				return false
			}
		case "$lte":
			a, aok := toFloat(actual)
			b, bok := toFloat(arg)
			if !aok || !bok || a > b {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// equalValue compares a metadata value with a filter value. Numbers compare
// numerically across int/float representations; if the metadata value is
// itself a list, membership counts as equality.
func equalValue(actual, want any) bool {
	if list, ok := actual.([]any); ok {
		for _, e := range list {
			if equalValue(e, want) {
				return true
			}
		}
		return false
	}
	if list, ok := actual.([]string); ok {
		for _, e := range list {
			if equalValue(e, want) {
				return true
			}
		}
		return false
	}
	if a, aok := toFloat(actual); aok {
		if b, bok := toFloat(want); bok {
			return a == b
		}
	}
	return actual == want
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
