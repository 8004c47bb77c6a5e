package cronjob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mama-os/internal/domain"
)

func TestJobLock_AcquireRelease(t *testing.T) {
	jl := NewJobLock()

	token, err := jl.Acquire("job-1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.True(t, jl.Holds("job-1"))

	_, err = jl.Acquire("job-1", time.Minute)
	require.ErrorIs(t, err, domain.ErrJobBusy)

	require.NoError(t, jl.Release("job-1", token))
	require.False(t, jl.Holds("job-1"))

	token2, err := jl.Acquire("job-1", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, token, token2)
}

func TestJobLock_ExpiresAfterTTL(t *testing.T) {
	jl := NewJobLock()
	now := time.Now()
	jl.now = func() time.Time { return now }

	_, err := jl.Acquire("job-2", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	require.False(t, jl.Holds("job-2"))

	_, err = jl.Acquire("job-2", time.Second)
	require.NoError(t, err, "expired holder should not block a new acquire")
}

func TestJobLock_ReleaseIsIdempotent(t *testing.T) {
	jl := NewJobLock()
	require.NoError(t, jl.Release("never-held", "whatever"))

	token, err := jl.Acquire("job-3", time.Minute)
	require.NoError(t, err)
	require.NoError(t, jl.Release("job-3", token))
	require.NoError(t, jl.Release("job-3", token))
}

func TestJobLock_StaleTokenDoesNotEvictNewHolder(t *testing.T) {
	jl := NewJobLock()
	now := time.Now()
	jl.now = func() time.Time { return now }

	oldToken, err := jl.Acquire("job-4", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	newToken, err := jl.Acquire("job-4", time.Minute)
	require.NoError(t, err)

	require.NoError(t, jl.Release("job-4", oldToken))
	require.True(t, jl.Holds("job-4"), "stale release must not evict the new holder")

	require.NoError(t, jl.Release("job-4", newToken))
	require.False(t, jl.Holds("job-4"))
}
