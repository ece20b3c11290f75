package publish

import (
	"context"
	"sort"
	"sync"
)

// AckRepository tracks, per open upload session, the expected chunk count and
// the set of acknowledged chunk indices. It is the server's record of which
// chunks have been durably received.
type AckRepository interface {
	// Register opens a session expecting total chunks.
	Register(ctx context.Context, id FileID, total int) error

	// Ack records index as received. Acknowledging the same index twice is a
	// no-op. Returns ErrNotFound if the session is not open.
	Ack(ctx context.Context, id FileID, index int) error

	// Acked returns the expected total and the sorted acknowledged indices.
	// Returns ErrNotFound if the session is not open.
	Acked(ctx context.Context, id FileID) (total int, acked []int, err error)

	// Clear removes the session bookkeeping. Clearing an unknown session is a
	// no-op.
	Clear(ctx context.Context, id FileID) error

	// ActiveCount returns the number of open sessions. Used for metrics.
	ActiveCount(ctx context.Context) (int, error)
}

type session struct {
	total int
	acked map[int]struct{}
}

// InMemoryAckRepository is a concurrency-safe in-memory AckRepository.
type InMemoryAckRepository struct {
	mu       sync.RWMutex
	sessions map[FileID]*session
}

// NewInMemoryAckRepository returns an empty repository.
func NewInMemoryAckRepository() *InMemoryAckRepository {
	return &InMemoryAckRepository{sessions: make(map[FileID]*session)}
}

// Register implements AckRepository.Register.
func (r *InMemoryAckRepository) Register(_ context.Context, id FileID, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &session{total: total, acked: make(map[int]struct{})}
	return nil
}

// Ack implements AckRepository.Ack.
func (r *InMemoryAckRepository) Ack(_ context.Context, id FileID, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.acked[index] = struct{}{}
	return nil
}

// Acked implements AckRepository.Acked.
func (r *InMemoryAckRepository) Acked(_ context.Context, id FileID) (int, []int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	acked := make([]int, 0, len(s.acked))
	for i := range s.acked {
		acked = append(acked, i)
	}
	sort.Ints(acked)
	return s.total, acked, nil
}

// Clear implements AckRepository.Clear.
func (r *InMemoryAckRepository) Clear(_ context.Context, id FileID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// ActiveCount implements AckRepository.ActiveCount.
func (r *InMemoryAckRepository) ActiveCount(context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), nil
}

// missingIndices returns the indices in 1..total absent from acked, which
// must be sorted.
func missingIndices(total int, acked []int) []int {
	var missing []int
	j := 0
	for i := 1; i <= total; i++ {
		for j < len(acked) && acked[j] < i {
			j++
		}
		if j < len(acked) && acked[j] == i {
			continue
		}
		missing = append(missing, i)
	}
	return missing
}
