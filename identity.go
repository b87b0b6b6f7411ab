package authmw

import "strings"

// User is the principal attached to a request after authentication.
type User interface {
	Authenticated() bool
	DisplayName() string
	Identity() any
}

// Identity is an authenticated principal built from verified credentials.
// FirstName and LastName are nil when the source did not carry a usable name.
type Identity struct {
	FirstName *string
	LastName  *string
	UserID    any
}

// NewIdentity builds an Identity with both name parts present.
func NewIdentity(firstName, lastName string, userID any) *Identity {
	return &Identity{
		FirstName: &firstName,
		LastName:  &lastName,
		UserID:    userID,
	}
}

// Authenticated always reports true; rejection is expressed by an error, never by an Identity.
func (i *Identity) Authenticated() bool { return true }

// DisplayName joins first and last name with a single space.
func (i *Identity) DisplayName() string {
	return deref(i.FirstName) + " " + deref(i.LastName)
}

// Identity returns the user identifier.
func (i *Identity) Identity() any { return i.UserID }

// UnauthenticatedUser is attached to requests that bypass verification.
type UnauthenticatedUser struct{}

func (UnauthenticatedUser) Authenticated() bool { return false }
func (UnauthenticatedUser) DisplayName() string { return "" }
func (UnauthenticatedUser) Identity() any       { return "" }

// Credentials holds the scopes granted to the current request.
// An empty set is valid and means "authenticated, no special scopes".
type Credentials struct {
	Scopes []string
}

// NewCredentials collapses duplicate and empty scopes while keeping first-seen order.
func NewCredentials(scopes []string) Credentials {
	if len(scopes) == 0 {
		return Credentials{Scopes: []string{}}
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return Credentials{Scopes: out}
}

// Has reports whether scope was granted.
func (c Credentials) Has(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAll reports whether every scope in required was granted.
func (c Credentials) HasAll(required ...string) bool {
	for _, r := range required {
		if !c.Has(r) {
			return false
		}
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
