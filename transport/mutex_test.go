package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexLockUnlock(t *testing.T) {
	m := NewMutex()
	require.NoError(t, m.Lock(context.Background()))
	assert.False(t, m.TryLock(), "held mutex must not be acquirable")
	m.Unlock()
	assert.True(t, m.TryLock())
	m.Unlock()
}

func TestMutexLockCancelled(t *testing.T) {
	m := NewMutex()
	require.NoError(t, m.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The original holder still owns the lock and can release it.
	m.Unlock()
	require.NoError(t, m.Lock(context.Background()))
	m.Unlock()
}

func TestMutexHandoff(t *testing.T) {
	m := NewMutex()
	require.NoError(t, m.Lock(context.Background()))

	acquired := make(chan struct{})
	go func() {
		if err := m.Lock(context.Background()); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held mutex")
	case <-time.After(50 * time.Millisecond):
	}

	m.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released mutex")
	}
	m.Unlock()
}
