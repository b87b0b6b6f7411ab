package authmw

import "strings"

// DecodedToken is the verified claim set of a single token. It is produced per
// verification call and not retained.
type DecodedToken map[string]any

// ScopeFunc maps decoded claims to granted scopes.
type ScopeFunc func(DecodedToken) []string

// UserFunc maps decoded claims to the request principal.
type UserFunc func(DecodedToken) User

// String returns the claim as a string when it is one.
func (d DecodedToken) String(name string) (string, bool) {
	v, ok := d[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DefaultScopes reads the space-delimited "scope" claim. A JSON array is
// accepted as well. A missing or unusable claim yields no scopes.
func DefaultScopes(claims DecodedToken) []string {
	v, ok := claims["scope"]
	if !ok {
		return []string{}
	}
	return normalizeScopes(v)
}

// DefaultUser builds an Identity from "sub" and "name". The name is split on
// whitespace into its first and last segment; an absent or blank name leaves
// both parts nil.
//
// An empty "name" therefore yields nil parts rather than empty strings, so
// DisplayName and the pointer fields cannot tell "" apart from no claim.
func DefaultUser(claims DecodedToken) User {
	id := &Identity{UserID: claims["sub"]}
	name, ok := claims.String("name")
	if !ok {
		return id
	}
	segments := strings.Fields(name)
	if len(segments) == 0 {
		return id
	}
	first, last := segments[0], segments[len(segments)-1]
	id.FirstName = &first
	id.LastName = &last
	return id
}

func normalizeScopes(value any) []string {
	switch v := value.(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}
