package reminder

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore mirrors RedisStore semantics in memory.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]Job
	due        map[string]time.Time
	processing map[string]time.Time
	failed     map[string]Job
	delivered  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       map[string]Job{},
		due:        map[string]time.Time{},
		processing: map[string]time.Time{},
		failed:     map[string]Job{},
		delivered:  map[string]bool{},
	}
}

func (m *memStore) Enqueue(_ context.Context, job Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return false, nil
	}
	if _, ok := m.failed[job.ID]; ok || m.delivered[job.ID] {
		return false, nil
	}
	m.jobs[job.ID] = job
	m.due[job.ID] = job.FireAt
	return true, nil
}

func (m *memStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, at := range m.due {
		if !at.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return m.due[ids[i]].Before(m.due[ids[j]]) })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		delete(m.due, id)
		m.processing[id] = now.Add(lease)
		out = append(out, m.jobs[id])
	}
	return out, nil
}

func (m *memStore) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, id)
	delete(m.jobs, id)
	m.delivered[id] = true
	return nil
}

func (m *memStore) Retry(_ context.Context, job Job, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, job.ID)
	m.jobs[job.ID] = job
	m.due[job.ID] = next
	return nil
}

func (m *memStore) Bury(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, job.ID)
	delete(m.jobs, job.ID)
	m.failed[job.ID] = job
	return nil
}

func (m *memStore) RecoverExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, deadline := range m.processing {
		if !deadline.After(now) {
			delete(m.processing, id)
			m.due[id] = now
			n++
		}
	}
	return n, nil
}

func (m *memStore) Failed(_ context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.failed))
	for _, j := range m.failed {
		out = append(out, j)
	}
	sortFailed(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Remove(_ context.Context, ids ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		delete(m.due, id)
		delete(m.processing, id)
		if _, ok := m.jobs[id]; ok {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

var _ Store = (*memStore)(nil)
