// Package publish is the server side of the chunked upload protocol: it opens
// upload sessions, verifies and stores chunks, assembles and verifies the
// whole file on completion, and serves published files back as a manifest,
// an HLS playlist, individual chunks, a single concatenated export, and a
// searchable catalog.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chunkcast/internal/digest"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrSessionClosed    = errors.New("upload session is closed")
	ErrChunkOutOfRange  = errors.New("chunk index out of range")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrChunkConflict    = errors.New("chunk already received with a different digest")
	ErrChunkTooLarge    = errors.New("chunk too large")
	ErrIncomplete       = errors.New("upload incomplete")
)

// IncompleteError lists the chunk indices still missing at completion.
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, n := range e.Missing {
		parts[i] = strconv.Itoa(n)
	}
	return fmt.Sprintf("upload incomplete: missing chunks [%s]", strings.Join(parts, ","))
}

func (e *IncompleteError) Is(target error) bool { return target == ErrIncomplete }

// DefaultSegmentSeconds is the EXTINF used for chunks uploaded without a
// declared duration.
const DefaultSegmentSeconds = 60

// DefaultMaxChunkBytes bounds a single chunk payload.
const DefaultMaxChunkBytes = 512 << 20

// maxChunkSeconds is the longest declared duration a player can represent.
const maxChunkSeconds = float64(math.MaxInt64 / int64(time.Second))

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSegmentSeconds sets the playlist duration of chunks without one.
func WithSegmentSeconds(sec float64) ServiceOption {
	return func(s *Service) {
		if sec > 0 {
			s.segmentSeconds = sec
		}
	}
}

// WithMaxChunkBytes bounds accepted chunk payloads.
func WithMaxChunkBytes(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxChunkBytes = n
		}
	}
}

// WithClock overrides time.Now for created-at stamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// Service applies the upload verification rules and delegates storage to a
// Store (metadata), an AckRepository (session bookkeeping) and a BlobStore
// (payloads).
type Service struct {
	store          Store
	acks           AckRepository
	blobs          BlobStore
	segmentSeconds float64
	maxChunkBytes  int64
	now            func() time.Time
	log            *slog.Logger
}

// NewService returns a Service over the given backends.
func NewService(store Store, acks AckRepository, blobs BlobStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:          store,
		acks:           acks,
		blobs:          blobs,
		segmentSeconds: DefaultSegmentSeconds,
		maxChunkBytes:  DefaultMaxChunkBytes,
		now:            func() time.Time { return time.Now().UTC() },
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxChunkBytes is the largest chunk payload Chunk accepts.
func (s *Service) MaxChunkBytes() int64 {
	return s.maxChunkBytes
}

// Init opens an upload session and returns its identifier, which is also the
// identifier of the file once published.
func (s *Service) Init(ctx context.Context, req InitRequest) (FileID, error) {
	switch {
	case strings.TrimSpace(req.Filename) == "":
		return "", fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	case req.FileSize <= 0:
		return "", fmt.Errorf("%w: fileSize must be positive", ErrInvalidRequest)
	case req.TotalChunks <= 0:
		return "", fmt.Errorf("%w: totalChunks must be positive", ErrInvalidRequest)
	}
	hash, err := digest.Parse(req.FileHash)
	if err != nil {
		return "", fmt.Errorf("%w: fileHash: %v", ErrInvalidRequest, err)
	}

	id := FileID(uuid.NewString())
	f := &File{
		ID:          string(id),
		Name:        req.Filename,
		Content:     req.FileContent,
		Size:        req.FileSize,
		Hash:        hash.String(),
		TotalChunks: req.TotalChunks,
		Thumbnail:   req.Thumbnail,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateFile(ctx, f); err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if err := s.acks.Register(ctx, id, req.TotalChunks); err != nil {
		return "", err
	}
	return id, nil
}

// Chunk verifies and stores one chunk. Re-sending an acknowledged chunk with
// the same digest succeeds without storing it again.
func (s *Service) Chunk(ctx context.Context, c ChunkUpload) error {
	f, err := s.openSession(ctx, c.UploadID)
	if err != nil {
		return err
	}
	if c.Index < 1 || c.Index > f.TotalChunks {
		return fmt.Errorf("%w: %d not in 1..%d", ErrChunkOutOfRange, c.Index, f.TotalChunks)
	}
	if int64(len(c.Payload)) > s.maxChunkBytes {
		return ErrChunkTooLarge
	}
	declared, err := digest.Parse(c.Hash)
	if err != nil {
		return fmt.Errorf("%w: chunkHash: %v", ErrInvalidRequest, err)
	}
	if !(c.Duration >= 0 && c.Duration <= maxChunkSeconds) {
		return fmt.Errorf("%w: duration %v", ErrInvalidRequest, c.Duration)
	}
	actual := digest.Sum(c.Payload)
	if actual != declared {
		return fmt.Errorf("%w: chunk %d", ErrChecksumMismatch, c.Index)
	}

	existing, err := s.store.GetChunk(ctx, c.UploadID, c.Index)
	switch {
	case err == nil && existing.Hash == actual.String():
		return s.acks.Ack(ctx, c.UploadID, c.Index)
	case err == nil:
		return fmt.Errorf("%w: chunk %d", ErrChunkConflict, c.Index)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	key := chunkBlobKey(c.UploadID, c.Index)
	if err := s.blobs.Put(ctx, key, c.Payload); err != nil {
		return fmt.Errorf("store chunk %d: %w", c.Index, err)
	}
	rec := ChunkRecord{
		FileID:    string(c.UploadID),
		Index:     c.Index,
		Hash:      actual.String(),
		Size:      int64(len(c.Payload)),
		Duration:  c.Duration,
		Key:       key,
		CreatedAt: s.now(),
	}
	if err := s.store.PutChunk(ctx, rec); err != nil {
		_ = s.blobs.Delete(ctx, key)
		return fmt.Errorf("record chunk %d: %w", c.Index, err)
	}
	return s.acks.Ack(ctx, c.UploadID, c.Index)
}

// Complete verifies that every chunk was acknowledged and that the stored
// chunks, concatenated in index order, match the declared file digest. On
// success the file is published and the session closed.
func (s *Service) Complete(ctx context.Context, id FileID) (CompleteResult, error) {
	f, err := s.openSession(ctx, id)
	if err != nil {
		return CompleteResult{}, err
	}
	total, acked, err := s.acks.Acked(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return CompleteResult{}, ErrSessionClosed
	}
	if err != nil {
		return CompleteResult{}, err
	}
	if missing := missingIndices(total, acked); len(missing) > 0 {
		return CompleteResult{}, &IncompleteError{Missing: missing}
	}

	chunks, err := s.store.ListChunks(ctx, id)
	if err != nil {
		return CompleteResult{}, err
	}
	running := digest.NewRunning()
	if err := s.copyChunks(ctx, running, chunks); err != nil {
		return CompleteResult{}, err
	}
	if running.Len() != f.Size || !running.Sum().Equal(f.Hash) {
		return CompleteResult{}, fmt.Errorf("%w: file %s", ErrChecksumMismatch, id)
	}

	if err := s.store.MarkValid(ctx, id); err != nil {
		return CompleteResult{}, err
	}
	// The file is published from here on. Leftover session keys only skew
	// the active session count until they expire.
	if err := s.acks.Clear(ctx, id); err != nil {
		s.log.Warn("clear upload session",
			slog.String("file_id", string(id)),
			slog.String("error", err.Error()))
	}
	return CompleteResult{FileID: id, Chunks: total}, nil
}

// openSession returns the file of an open upload session.
func (s *Service) openSession(ctx context.Context, id FileID) (*File, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: uploadId is required", ErrInvalidRequest)
	}
	f, err := s.store.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Valid {
		return nil, ErrSessionClosed
	}
	return f, nil
}

// published returns a valid file; unpublished files are reported as missing.
func (s *Service) published(ctx context.Context, id FileID) (*File, error) {
	f, err := s.store.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.Valid {
		return nil, ErrNotFound
	}
	return f, nil
}

// Manifest describes a published file.
func (s *Service) Manifest(ctx context.Context, id FileID) (*Manifest, error) {
	f, err := s.published(ctx, id)
	if err != nil {
		return nil, err
	}
	chunks, err := s.store.ListChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		FileID:   id,
		FileName: f.Name,
		FileSize: f.Size,
		FileHash: f.Hash,
		Chunks:   make([]ChunkRef, len(chunks)),
	}
	for i, c := range chunks {
		m.Chunks[i] = ChunkRef{Index: c.Index, Hash: c.Hash}
	}
	return m, nil
}

// Playlist returns the VOD playlist of a published file. Chunk URIs are
// relative to the playlist location.
func (s *Service) Playlist(ctx context.Context, id FileID) (string, error) {
	if _, err := s.published(ctx, id); err != nil {
		return "", err
	}
	chunks, err := s.store.ListChunks(ctx, id)
	if err != nil {
		return "", err
	}
	entries := make([]PlaylistEntry, len(chunks))
	for i, c := range chunks {
		d := c.Duration
		if d <= 0 {
			d = s.segmentSeconds
		}
		entries[i] = PlaylistEntry{Duration: d, URI: "chunk/" + strconv.Itoa(c.Index)}
	}
	return BuildVODPlaylist(entries), nil
}

// OpenChunk returns the payload of one chunk of a published file and its size.
func (s *Service) OpenChunk(ctx context.Context, id FileID, index int) (io.ReadCloser, int64, error) {
	if _, err := s.published(ctx, id); err != nil {
		return nil, 0, err
	}
	c, err := s.store.GetChunk(ctx, id, index)
	if err != nil {
		return nil, 0, err
	}
	rc, err := s.blobs.Open(ctx, c.Key)
	if err != nil {
		return nil, 0, err
	}
	return rc, c.Size, nil
}

// Export is a published file reassembled from its chunks.
type Export struct {
	Name string
	Size int64

	svc    *Service
	ctx    context.Context
	chunks []ChunkRecord
}

// WriteTo streams the chunk payloads in index order.
func (e *Export) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := e.svc.copyChunks(e.ctx, cw, e.chunks)
	return cw.n, err
}

// OpenExport prepares the concatenated export of a published file.
func (s *Service) OpenExport(ctx context.Context, id FileID) (*Export, error) {
	f, err := s.published(ctx, id)
	if err != nil {
		return nil, err
	}
	chunks, err := s.store.ListChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Export{Name: f.Name, Size: f.Size, svc: s, ctx: ctx, chunks: chunks}, nil
}

func (s *Service) copyChunks(ctx context.Context, w io.Writer, chunks []ChunkRecord) error {
	for _, c := range chunks {
		rc, err := s.blobs.Open(ctx, c.Key)
		if err != nil {
			return fmt.Errorf("open chunk %d: %w", c.Index, err)
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", c.Index, err)
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Search returns published files whose name or description contains query.
func (s *Service) Search(ctx context.Context, query string, page Page) ([]CatalogEntry, error) {
	files, err := s.store.Search(ctx, strings.TrimSpace(query), page)
	if err != nil {
		return nil, err
	}
	return entries(files), nil
}

// Latest returns the most recently created published files.
func (s *Service) Latest(ctx context.Context, page Page) ([]CatalogEntry, error) {
	files, err := s.store.Latest(ctx, page)
	if err != nil {
		return nil, err
	}
	return entries(files), nil
}

func entries(files []File) []CatalogEntry {
	out := make([]CatalogEntry, len(files))
	for i, f := range files {
		out[i] = entryOf(f)
	}
	return out
}

// ActiveSessions returns the number of open upload sessions.
func (s *Service) ActiveSessions(ctx context.Context) int {
	n, err := s.acks.ActiveCount(ctx)
	if err != nil {
		return 0
	}
	return n
}
