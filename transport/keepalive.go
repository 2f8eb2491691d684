package transport

import (
	"strconv"
	"strings"
	"time"

	"go-requests/message"
)

// DefaultKeepAlive is the idle lifetime assumed when the server sends no
// Keep-Alive header.
const DefaultKeepAlive = 300 * time.Second

// UnlimitedRequests marks a keep-alive with no max-request bound.
const UnlimitedRequests = int64(-1)

// KeepAlive tracks how much longer a connection may be reused: an absolute
// expiry deadline and a remaining-request budget, both derived from the
// last response head.
type KeepAlive struct {
	Expiry time.Time
	Max    int64 // remaining exchanges; UnlimitedRequests means no bound
}

// NewKeepAlive returns the state of a connection that has not carried a
// response yet: no deadline, no bound.
func NewKeepAlive() KeepAlive {
	return KeepAlive{Max: UnlimitedRequests}
}

// Update derives the new state from a response head:
//
//   - Connection: close, or HTTP/1.0 without Connection: keep-alive,
//     retires the connection now.
//   - Keep-Alive: timeout=T, max=N sets expiry and budget.
//   - Otherwise the default lifetime applies, unbounded.
func (k *KeepAlive) Update(head *message.ResponseHead, now time.Time, def time.Duration) {
	if def <= 0 {
		def = DefaultKeepAlive
	}

	if connectionHasToken(head.Header, "close") ||
		(head.Proto == "HTTP/1.0" && !connectionHasToken(head.Header, "keep-alive")) {
		k.Expiry = now
		return
	}

	k.Expiry = now.Add(def)
	k.Max = UnlimitedRequests

	for _, v := range head.Header.Values("Keep-Alive") {
		for _, part := range strings.Split(v, ",") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "timeout":
				if secs, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && secs >= 0 {
					k.Expiry = now.Add(time.Duration(secs) * time.Second)
				}
			case "max":
				if max, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && max >= 0 {
					k.Max = max
				}
			}
		}
	}
}

// Consume records a completed exchange against the budget.
func (k *KeepAlive) Consume() {
	if k.Max > 0 {
		k.Max--
	}
}

// Expired reports whether the connection must not accept new exchanges:
// the deadline passed or the budget is spent. A connection that has not
// seen a response yet never reports expired.
func (k *KeepAlive) Expired(now time.Time) bool {
	if k.Max == 0 {
		return true
	}
	return !k.Expiry.IsZero() && !now.Before(k.Expiry)
}

func connectionHasToken(h message.Header, token string) bool {
	for _, v := range h.Values("Connection") {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
