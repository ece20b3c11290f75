package upload

import (
	"context"
	"time"
)

// InitRequest announces a new upload. FileHash is the lowercase hex SHA-256 of
// the concatenated chunk payloads in index order.
type InitRequest struct {
	FileSize    int64  `json:"fileSize"`
	Filename    string `json:"filename"`
	FileContent string `json:"fileContent,omitempty"`
	FileHash    string `json:"fileHash"`
	TotalChunks int    `json:"totalChunks"`
	// Thumbnail travels as base64 in JSON.
	Thumbnail []byte `json:"thumbnail,omitempty"`
}

type InitResponse struct {
	UploadID string `json:"uploadId"`
}

// ChunkRequest carries one chunk. Index is 1-based.
type ChunkRequest struct {
	UploadID  string
	Index     int
	ChunkHash string
	Filename  string
	Duration  time.Duration
	Payload   []byte
}

type CompleteRequest struct {
	UploadID string `json:"uploadId"`
}

type CompleteResponse struct {
	FileID string `json:"fileId"`
	Chunks int    `json:"chunks"`
}

// Transport performs the three protocol calls. Each call is a single attempt:
// the coordinator never retries.
type Transport interface {
	Init(ctx context.Context, req InitRequest) (InitResponse, error)
	SendChunk(ctx context.Context, req ChunkRequest) error
	Complete(ctx context.Context, uploadID string) (CompleteResponse, error)
}
