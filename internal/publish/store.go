package publish

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a file, chunk or session does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence abstraction for file and chunk metadata.
// Implementations can be in-memory or backed by a database; the Service does
// not need to know which one is used.
type Store interface {
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id FileID) (*File, error)
	MarkValid(ctx context.Context, id FileID) error

	// PutChunk inserts or replaces the record for (FileID, Index).
	PutChunk(ctx context.Context, c ChunkRecord) error
	GetChunk(ctx context.Context, id FileID, index int) (*ChunkRecord, error)
	// ListChunks returns the chunk records of id sorted by index.
	ListChunks(ctx context.Context, id FileID) ([]ChunkRecord, error)

	// Search returns valid files whose name or content contains query,
	// case-insensitively, newest first.
	Search(ctx context.Context, query string, page Page) ([]File, error)
	// Latest returns valid files, newest first.
	Latest(ctx context.Context, page Page) ([]File, error)
}

type chunkKey struct {
	file  FileID
	index int
}

// InMemoryStore is a concurrency-safe in-memory implementation of Store.
type InMemoryStore struct {
	mu     sync.RWMutex
	files  map[FileID]File
	chunks map[chunkKey]ChunkRecord
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		files:  make(map[FileID]File),
		chunks: make(map[chunkKey]ChunkRecord),
	}
}

// CreateFile implements Store.CreateFile.
func (s *InMemoryStore) CreateFile(_ context.Context, f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[FileID(f.ID)]; exists {
		return errors.New("file already exists")
	}
	s.files[FileID(f.ID)] = *f
	return nil
}

// GetFile implements Store.GetFile.
func (s *InMemoryStore) GetFile(_ context.Context, id FileID) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

// MarkValid implements Store.MarkValid.
func (s *InMemoryStore) MarkValid(_ context.Context, id FileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return ErrNotFound
	}
	f.Valid = true
	s.files[id] = f
	return nil
}

// PutChunk implements Store.PutChunk.
func (s *InMemoryStore) PutChunk(_ context.Context, c ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[chunkKey{FileID(c.FileID), c.Index}] = c
	return nil
}

// GetChunk implements Store.GetChunk.
func (s *InMemoryStore) GetChunk(_ context.Context, id FileID, index int) (*ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[chunkKey{id, index}]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// ListChunks implements Store.ListChunks.
func (s *InMemoryStore) ListChunks(_ context.Context, id FileID) ([]ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChunkRecord
	for k, c := range s.chunks {
		if k.file == id {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Search implements Store.Search.
func (s *InMemoryStore) Search(_ context.Context, query string, page Page) ([]File, error) {
	q := strings.ToLower(query)
	return s.list(page, func(f File) bool {
		return strings.Contains(strings.ToLower(f.Name), q) ||
			strings.Contains(strings.ToLower(f.Content), q)
	}), nil
}

// Latest implements Store.Latest.
func (s *InMemoryStore) Latest(_ context.Context, page Page) ([]File, error) {
	return s.list(page, func(File) bool { return true }), nil
}

func (s *InMemoryStore) list(page Page, match func(File) bool) []File {
	s.mu.RLock()
	var all []File
	for _, f := range s.files {
		if f.Valid && match(f) {
			all = append(all, f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	page = page.Normalize()
	start := page.Offset()
	if start >= len(all) {
		return nil
	}
	end := min(start+page.Size, len(all))
	return all[start:end]
}
