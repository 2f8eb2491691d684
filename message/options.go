package message

import (
	"time"

	"go-requests/cookie"
)

// RedirectMode controls how far the request driver is willing to follow
// redirects on its own. Anything beyond Endpoint needs a session layer
// that can reach other pools.
type RedirectMode int

const (
	// RedirectNone returns 3xx responses to the caller untouched.
	RedirectNone RedirectMode = iota
	// RedirectEndpoint follows a redirect only when its target authority
	// is the one this pool already resolved. This is the deepest mode the
	// connection pool can honor by itself.
	RedirectEndpoint
	// RedirectSameHost and RedirectAny are accepted as settings but must
	// be enforced by a higher-level session; the pool treats them like
	// RedirectEndpoint and surfaces the unfollowed response.
	RedirectSameHost
	RedirectAny
)

// RequestOptions are the per-request knobs.
type RequestOptions struct {
	Redirect     RedirectMode
	EnforceTLS   bool          // refuse to send over a plain-TCP pool
	Timeout      time.Duration // per-exchange deadline; zero means none
	MaxRedirects int           // 0 means the default of 12
}

// DefaultMaxRedirects bounds redirect chains when MaxRedirects is unset.
const DefaultMaxRedirects = 12

// Settings bundles everything an exchange needs besides method, target and
// body: extra headers, options, and an optional cookie jar.
type Settings struct {
	Header  Header
	Options RequestOptions
	Jar     cookie.Jar
}
