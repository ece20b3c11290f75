package publish

import "time"

// FileID identifies an upload session and, once completed, the published file.
type FileID string

// File is the metadata record for an uploaded media file. Valid is false until
// every chunk has been acknowledged and the whole-file digest verified.
type File struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Name        string    `gorm:"index;not null" json:"name"`
	Content     string    `gorm:"type:text" json:"content,omitempty"`
	Size        int64     `json:"size"`
	Hash        string    `gorm:"size:64;not null" json:"hash"`
	TotalChunks int       `json:"totalChunks"`
	Thumbnail   []byte    `json:"thumbnail,omitempty"`
	Valid       bool      `gorm:"index" json:"-"`
	CreatedAt   time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt   time.Time `json:"-"`
}

func (File) TableName() string { return "tb_file" }

// ChunkRecord describes one stored chunk of a file.
type ChunkRecord struct {
	FileID    string  `gorm:"primaryKey;size:36"`
	Index     int     `gorm:"primaryKey;column:chunk_index;autoIncrement:false"`
	Hash      string  `gorm:"size:64;not null"`
	Size      int64   `gorm:"not null"`
	Duration  float64 // seconds; zero when the client did not declare one
	Key       string  `gorm:"not null"`
	CreatedAt time.Time
}

func (ChunkRecord) TableName() string { return "tb_chunk" }

// InitRequest is the body of POST /upload/init.
type InitRequest struct {
	FileSize    int64  `json:"fileSize"`
	Filename    string `json:"filename"`
	FileContent string `json:"fileContent,omitempty"`
	FileHash    string `json:"fileHash"`
	TotalChunks int    `json:"totalChunks"`
	Thumbnail   []byte `json:"thumbnail,omitempty"`
}

// ChunkUpload is one chunk received on POST /upload/chunk.
type ChunkUpload struct {
	UploadID FileID
	Index    int
	Hash     string
	Duration float64
	Payload  []byte
}

// CompleteResult is returned by a successful completion.
type CompleteResult struct {
	FileID FileID `json:"fileId"`
	Chunks int    `json:"chunks"`
}

// ChunkRef is a manifest entry.
type ChunkRef struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
}

// Manifest is the download description of a published file.
type Manifest struct {
	FileID   FileID     `json:"fileId"`
	FileName string     `json:"fileName"`
	FileSize int64      `json:"fileSize"`
	FileHash string     `json:"fileHash"`
	Chunks   []ChunkRef `json:"chunks"`
}

// CatalogEntry is the public view of a published file.
type CatalogEntry struct {
	ID        FileID    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content,omitempty"`
	Size      int64     `json:"size"`
	Thumbnail []byte    `json:"thumbnail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func entryOf(f File) CatalogEntry {
	return CatalogEntry{
		ID:        FileID(f.ID),
		Name:      f.Name,
		Content:   f.Content,
		Size:      f.Size,
		Thumbnail: f.Thumbnail,
		CreatedAt: f.CreatedAt,
	}
}

// DefaultPageSize and MaxPageSize bound catalog pages.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Page selects a zero-based window of catalog results.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps p to valid bounds.
func (p Page) Normalize() Page {
	if p.Number < 0 {
		p.Number = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of results skipped before this page.
func (p Page) Offset() int {
	return p.Number * p.Size
}
