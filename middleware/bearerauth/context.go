package bearerauth

import "context"

type userInfoKey struct{}

func withUserInfo(ctx context.Context, ui UserInfo) context.Context {
	return context.WithValue(ctx, userInfoKey{}, ui)
}

// UserInfoFromContext returns the authenticated principal attached by
// Middleware.Handle, if the request context carries one.
func UserInfoFromContext(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userInfoKey{}).(UserInfo)
	return ui, ok
}
