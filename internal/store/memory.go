package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory keeps submissions in process. Entries older than ttl are dropped;
// a zero ttl keeps them until the process exits.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]memoryEntry
}

type memoryEntry struct {
	submission Submission
	expiresAt  time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:  ttl,
		data: make(map[string]memoryEntry),
	}
}

func (m *Memory) Save(ctx context.Context, s Submission) error {
	if err := checkSubmission(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	if _, exists := m.data[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
	}
	entry := memoryEntry{submission: s}
	if m.ttl > 0 {
		entry.expiresAt = time.Now().Add(m.ttl)
	}
	m.data[s.ID] = entry
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	entry, ok := m.data[id]
	if !ok {
		return Submission{}, ErrNotFound
	}
	return entry.submission, nil
}

func (m *Memory) List(ctx context.Context, clientID string, limit int) ([]Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	var out []Submission
	for _, entry := range m.data {
		if entry.submission.ClientID == clientID {
			out = append(out, entry.submission)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) cleanupLocked() {
	if m.ttl <= 0 {
		return
	}
	now := time.Now()
	for k, v := range m.data {
		if now.After(v.expiresAt) {
			delete(m.data, k)
		}
	}
}
