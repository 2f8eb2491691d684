package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"go-requests/message"
)

func head(proto string, kv ...string) *message.ResponseHead {
	h := &message.ResponseHead{Proto: proto, StatusCode: 200, Header: make(message.Header)}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Header.Add(kv[i], kv[i+1])
	}
	return h
}

func TestKeepAliveFresh(t *testing.T) {
	k := NewKeepAlive()
	assert.False(t, k.Expired(time.Now()))
}

func TestKeepAliveDefaults(t *testing.T) {
	now := time.Now()
	k := NewKeepAlive()
	k.Update(head("HTTP/1.1"), now, 0)

	assert.Equal(t, now.Add(DefaultKeepAlive), k.Expiry)
	assert.Equal(t, UnlimitedRequests, k.Max)
	assert.False(t, k.Expired(now))
	assert.True(t, k.Expired(now.Add(DefaultKeepAlive)))
}

func TestKeepAliveConnectionClose(t *testing.T) {
	now := time.Now()
	k := NewKeepAlive()
	k.Update(head("HTTP/1.1", "Connection", "close"), now, 0)
	assert.True(t, k.Expired(now))
}

func TestKeepAliveHTTP10(t *testing.T) {
	now := time.Now()

	k := NewKeepAlive()
	k.Update(head("HTTP/1.0"), now, 0)
	assert.True(t, k.Expired(now), "HTTP/1.0 without keep-alive retires now")

	k = NewKeepAlive()
	k.Update(head("HTTP/1.0", "Connection", "keep-alive"), now, 0)
	assert.False(t, k.Expired(now))
}

func TestKeepAliveTimeoutAndMax(t *testing.T) {
	now := time.Now()
	k := NewKeepAlive()
	k.Update(head("HTTP/1.1", "Connection", "keep-alive", "Keep-Alive", "timeout=5, max=2"), now, 0)

	assert.Equal(t, now.Add(5*time.Second), k.Expiry)
	assert.Equal(t, int64(2), k.Max)
	assert.False(t, k.Expired(now))
	assert.True(t, k.Expired(now.Add(5*time.Second)))

	k.Consume()
	assert.False(t, k.Expired(now))
	k.Consume()
	assert.True(t, k.Expired(now), "max exhausted retires the connection")
}

func TestKeepAliveMaxOne(t *testing.T) {
	now := time.Now()
	k := NewKeepAlive()
	k.Update(head("HTTP/1.1", "Keep-Alive", "max=1"), now, 0)
	k.Consume()
	assert.True(t, k.Expired(now))
}

func TestKeepAliveUnlimitedConsumeIsNoop(t *testing.T) {
	k := NewKeepAlive()
	k.Update(head("HTTP/1.1"), time.Now(), 0)
	for i := 0; i < 10; i++ {
		k.Consume()
	}
	assert.Equal(t, UnlimitedRequests, k.Max)
}

func TestKeepAliveCustomDefault(t *testing.T) {
	now := time.Now()
	k := NewKeepAlive()
	k.Update(head("HTTP/1.1"), now, 7*time.Second)
	assert.Equal(t, now.Add(7*time.Second), k.Expiry)
}
