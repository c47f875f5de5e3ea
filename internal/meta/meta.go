// Package meta defines chunk metadata conventions and the filter model used
// by the vector index. Metadata is an open key→value mapping; a handful of
// keys carry access-control semantics, everything else is opaque and only
// matched by generic filter predicates.
package meta

// Access levels stored under the "accessLevel" metadata key.
const (
	AccessPublic     = "PUBLIC"
	AccessGroup      = "GROUP"
	AccessManagers   = "MANAGERS"
	AccessAdmins     = "ADMINS"
	AccessRestricted = "RESTRICTED"
)

// User roles carried in the filter's permission block.
const (
	RoleMember  = "MEMBER"
	RoleManager = "MANAGER"
	RoleAdmin   = "ADMIN"
)

// Reserved metadata keys with access-control semantics.
const (
	KeyAccessLevel       = "accessLevel"
	KeyGroupID           = "groupId"
	KeyRestrictedToUsers = "restrictedToUsers"
)

// Metadata is the open per-chunk key→value mapping.
type Metadata = map[string]any

// GetString returns the string value under key, or "" if absent or not a
// string.
func GetString(m Metadata, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// GetStringList returns the value under key as a string slice. It accepts
// both []string and []any with string elements.
func GetStringList(m Metadata, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Clone returns a shallow copy of m. A nil map clones to an empty map.
func Clone(m Metadata) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies entries of src into dst, overwriting existing keys.
func Merge(dst, src Metadata) {
	for k, v := range src {
		dst[k] = v
	}
}
