package session

import "context"

type sessionKey struct{}

// WithSession returns a context carrying s. Code that writes through a
// context-aware component joins the transaction of s instead of opening its own.
func WithSession(ctx context.Context, s DbSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored by WithSession.
func FromContext(ctx context.Context) (DbSession, bool) {
	s, ok := ctx.Value(sessionKey{}).(DbSession)
	return s, ok
}

// Run calls callback with the session carried by ctx, or with a new session
// from pool when there is none.
func Run(ctx context.Context, pool SessionPool, callback func(DbSession) error) error {
	if s, ok := FromContext(ctx); ok {
		return callback(s)
	}
	return pool.Session(ctx, func(s Session) error {
		return callback(s.(DbSession))
	})
}
