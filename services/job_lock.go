package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils/cache"
)

// JobLockTTL bounds how long a crashed process can hold a submission.
const JobLockTTL = 6 * time.Hour

// JobLock guarantees at most one active job per submission.
type JobLock interface {
	// Acquire claims the submission for jobID. When another job holds it,
	// acquired is false and existingJobID names the holder.
	Acquire(ctx context.Context, submissionID uint, jobID string) (existingJobID string, acquired bool, err error)
	// Release frees the submission if jobID still holds it.
	Release(ctx context.Context, submissionID uint, jobID string) error
}

// MemoryJobLock is a JobLock for a single process.
type MemoryJobLock struct {
	mu   sync.Mutex
	held map[uint]string
}

func NewMemoryJobLock() *MemoryJobLock {
	return &MemoryJobLock{held: make(map[uint]string)}
}

func (l *MemoryJobLock) Acquire(_ context.Context, submissionID uint, jobID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.held[submissionID]; ok {
		return holder, false, nil
	}
	l.held[submissionID] = jobID
	return "", true, nil
}

func (l *MemoryJobLock) Release(_ context.Context, submissionID uint, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[submissionID] == jobID {
		delete(l.held, submissionID)
	}
	return nil
}

// RedisJobLock shares the active-job claim across API instances.
type RedisJobLock struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

func NewRedisJobLock(c *cache.RedisCache, ttl time.Duration) *RedisJobLock {
	if ttl <= 0 {
		ttl = JobLockTTL
	}
	return &RedisJobLock{cache: c, ttl: ttl}
}

func activeJobKey(submissionID uint) string {
	return fmt.Sprintf(model.RedisKeyActiveSubmissionJob, submissionID)
}

func (l *RedisJobLock) Acquire(ctx context.Context, submissionID uint, jobID string) (string, bool, error) {
	key := activeJobKey(submissionID)

	// the holder can expire between SETNX and GET, so try twice
	for i := 0; i < 2; i++ {
		ok, err := l.cache.SetNX(ctx, key, jobID, l.ttl)
		if err != nil {
			return "", false, fmt.Errorf("acquire job lock: %w", err)
		}
		if ok {
			return "", true, nil
		}

		holder, err := l.cache.Get(ctx, key)
		if err == nil {
			return holder, false, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return "", false, fmt.Errorf("read job lock: %w", err)
		}
	}
	return "", false, fmt.Errorf("acquire job lock: key %s kept changing", key)
}

func (l *RedisJobLock) Release(ctx context.Context, submissionID uint, jobID string) error {
	if _, err := l.cache.DeleteIf(ctx, activeJobKey(submissionID), jobID); err != nil {
		return fmt.Errorf("release job lock: %w", err)
	}
	return nil
}
