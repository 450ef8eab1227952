package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionsExpire(t *testing.T) {
	sessions := NewSessions(10 * time.Millisecond)

	sessions.Put(&Session{TenantID: "t1", ChatID: 1})
	require.NotNil(t, sessions.Get("t1", 1))

	time.Sleep(20 * time.Millisecond)
	require.Nil(t, sessions.Get("t1", 1))
}

func TestSessionsAreTenantScoped(t *testing.T) {
	sessions := NewSessions(time.Minute)

	sessions.Put(&Session{TenantID: "t1", ChatID: 1})
	require.NotNil(t, sessions.Get("t1", 1))
	require.Nil(t, sessions.Get("t2", 1))
}

func TestSessionsCleanup(t *testing.T) {
	sessions := NewSessions(10 * time.Millisecond)

	sessions.Put(&Session{TenantID: "t1", ChatID: 1})
	sessions.Put(&Session{TenantID: "t1", ChatID: 2})
	require.Equal(t, 2, sessions.Len())

	time.Sleep(20 * time.Millisecond)
	sessions.Put(&Session{TenantID: "t1", ChatID: 3})

	removed := sessions.Cleanup()
	require.Equal(t, 2, removed)
	require.Equal(t, 1, sessions.Len())
	require.NotNil(t, sessions.Get("t1", 3))
}

func TestSessionsDelete(t *testing.T) {
	sessions := NewSessions(time.Minute)

	sessions.Put(&Session{TenantID: "t1", ChatID: 1})
	sessions.Delete("t1", 1)
	require.Nil(t, sessions.Get("t1", 1))
}
