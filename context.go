package authmw

import "context"

type authInfoKey struct{}

// AuthInfo is what the middleware attaches to an authenticated request.
type AuthInfo struct {
	Credentials Credentials
	User        User
}

// BindAuthInfo stores info inside the context for downstream handlers.
func BindAuthInfo(ctx context.Context, info AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFromContext retrieves the info previously stored by BindAuthInfo.
func AuthInfoFromContext(ctx context.Context) (AuthInfo, bool) {
	if ctx == nil {
		return AuthInfo{}, false
	}
	info, ok := ctx.Value(authInfoKey{}).(AuthInfo)
	return info, ok
}

// CredentialsFromContext returns the bound credentials.
func CredentialsFromContext(ctx context.Context) (Credentials, bool) {
	info, ok := AuthInfoFromContext(ctx)
	return info.Credentials, ok
}

// UserFromContext returns the bound user, or UnauthenticatedUser when nothing
// is bound.
func UserFromContext(ctx context.Context) User {
	info, ok := AuthInfoFromContext(ctx)
	if !ok || info.User == nil {
		return UnauthenticatedUser{}
	}
	return info.User
}
