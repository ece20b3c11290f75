package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// SourceAsset is the original file handed to the pipeline. It is immutable once
// constructed.
type SourceAsset struct {
	// Name is the declared filename sent to the server.
	Name string
	// Description is the optional free-text description (fileContent on the wire).
	Description string
	// Size is the byte length of the raw content.
	Size int64
	// Duration is the playback duration when known. PacketSegmenter requires it.
	Duration time.Duration

	path string
	data []byte
}

// NewFileSource describes the file at path. The file is not read.
func NewFileSource(path string) (*SourceAsset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %s is a directory", path)
	}
	return &SourceAsset{
		Name: filepath.Base(path),
		Size: info.Size(),
		path: path,
	}, nil
}

// NewMemorySource wraps an in-memory blob.
func NewMemorySource(name string, data []byte, duration time.Duration) *SourceAsset {
	return &SourceAsset{
		Name:     name,
		Size:     int64(len(data)),
		Duration: duration,
		data:     data,
	}
}

// Path returns the backing file path, or "" for in-memory sources.
func (s *SourceAsset) Path() string {
	return s.path
}

// Open returns the raw content stream.
func (s *SourceAsset) Open() (io.ReadCloser, error) {
	if s.path != "" {
		return os.Open(s.path)
	}
	if s.data == nil && s.Size > 0 {
		return nil, errors.New("source has no content")
	}
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// materialize returns a file path holding the source bytes. In-memory sources
// are written into dir; cleanup removes that copy.
func (s *SourceAsset) materialize(dir string) (path string, cleanup func(), err error) {
	if s.path != "" {
		return s.path, func() {}, nil
	}
	ext := filepath.Ext(s.Name)
	if ext == "" {
		ext = ".mp4"
	}
	f, err := os.CreateTemp(dir, "source-*"+ext)
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(s.data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	name := f.Name()
	return name, func() { os.Remove(name) }, nil
}
