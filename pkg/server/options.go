package server

type options struct {
	auth Authenticator
}

type Option func(o options) options

// Authenticate attributes every request except health checks and the source hook to the
// identity auth establishes.
func Authenticate(auth Authenticator) Option {
	return func(o options) options {
		o.auth = auth
		return o
	}
}
