package cronjob

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"mama-os/internal/domain"
)

// lockHolder is one held (or recently held) named lock.
type lockHolder struct {
	token     string
	expiresAt time.Time
}

// JobLock is a process-wide named mutex with TTL, used to singletonize
// cron-job execution across process restarts: a crashed holder's lock
// auto-expires at ttl instead of blocking the job forever. Grounded on the
// idiom of usecase.SessionManager's mutex-guarded map-of-structs, extended
// here with a TTL since no prior lock in this codebase needed one.
type JobLock struct {
	mu      sync.Mutex
	holders map[string]lockHolder
	now     func() time.Time
}

// NewJobLock creates an empty JobLock registry.
func NewJobLock() *JobLock {
	return &JobLock{
		holders: make(map[string]lockHolder),
		now:     time.Now,
	}
}

// Acquire claims exclusive ownership of name for ttl. Returns a release
// token on success, or domain.ErrJobBusy if another holder's lock has not
// yet expired.
func (j *JobLock) Acquire(name string, ttl time.Duration) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	if h, ok := j.holders[name]; ok && now.Before(h.expiresAt) {
		return "", domain.ErrJobBusy
	}

	token := ulid.Make().String()
	j.holders[name] = lockHolder{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

// Release relinquishes name if token matches the current holder.
// Idempotent: releasing an already-expired or already-released lock (or
// presenting a stale token) is not an error.
func (j *JobLock) Release(name, token string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, ok := j.holders[name]
	if !ok {
		return nil
	}
	if h.token != token {
		// Someone else has since acquired it (our TTL expired); releasing
		// our stale token must not evict the new holder.
		return nil
	}
	delete(j.holders, name)
	return nil
}

// Holds reports whether name is currently held by an unexpired holder.
func (j *JobLock) Holds(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	h, ok := j.holders[name]
	return ok && j.now().Before(h.expiresAt)
}
