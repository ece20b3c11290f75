package playback

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"chunkcast/internal/digest"
)

// ChunkRef is one manifest entry.
type ChunkRef struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
}

// Manifest describes a published asset. It is immutable for the lifetime of
// a playback session.
type Manifest struct {
	FileID   string     `json:"fileId"`
	FileName string     `json:"fileName"`
	FileSize int64      `json:"fileSize"`
	FileHash string     `json:"fileHash"`
	Chunks   []ChunkRef `json:"chunks"`
}

// ManifestKind distinguishes why a manifest is unavailable.
type ManifestKind int

const (
	ManifestNotFound ManifestKind = iota + 1
	ManifestUnreachable
	ManifestInvalid
)

func (k ManifestKind) String() string {
	switch k {
	case ManifestNotFound:
		return "NotFound"
	case ManifestUnreachable:
		return "Unreachable"
	case ManifestInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// ManifestError is ManifestUnavailable. Kind tells "asset missing" apart from
// "try again".
type ManifestError struct {
	Kind    ManifestKind
	AssetID string
	Err     error
}

// Sentinels for errors.Is by kind.
var (
	ErrManifestNotFound    = &ManifestError{Kind: ManifestNotFound}
	ErrManifestUnreachable = &ManifestError{Kind: ManifestUnreachable}
	ErrManifestInvalid     = &ManifestError{Kind: ManifestInvalid}
)

func (e *ManifestError) Error() string {
	msg := fmt.Sprintf("manifest unavailable (%s)", e.Kind)
	if e.AssetID != "" {
		msg += " for " + e.AssetID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ManifestError) Unwrap() error { return e.Err }

func (e *ManifestError) Is(target error) bool {
	t, ok := target.(*ManifestError)
	return ok && t.Kind == e.Kind
}

const manifestSchemaURL = "https://chunkcast.local/schemas/manifest.schema.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["fileId", "fileName", "fileSize", "fileHash", "chunks"],
  "additionalProperties": false,
  "properties": {
    "fileId":   {"type": "string", "minLength": 1},
    "fileName": {"type": "string"},
    "fileSize": {"type": "integer", "minimum": 0},
    "fileHash": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
    "chunks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["index", "hash"],
        "additionalProperties": false,
        "properties": {
          "index": {"type": "integer", "minimum": 1},
          "hash":  {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
        }
      }
    }
  }
}`

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("manifest schema load failed: %v", err))
	}
	s, err := c.Compile(manifestSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("manifest schema compile failed: %v", err))
	}
	return s
}

// DecodeManifest parses and validates a manifest document. Unknown or missing
// fields are errors, as is any gap or reordering in chunk indexes.
func DecodeManifest(b []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that chunk indexes run 1..N in order.
func (m *Manifest) Validate() error {
	for i, c := range m.Chunks {
		if c.Index != i+1 {
			return fmt.Errorf("manifest chunk %d has index %d", i+1, c.Index)
		}
		if _, err := digest.Parse(c.Hash); err != nil {
			return fmt.Errorf("manifest chunk %d: %w", c.Index, err)
		}
	}
	return nil
}

// ChunkDigest returns the expected digest of the chunk at index.
func (m *Manifest) ChunkDigest(index int) (digest.Digest, bool) {
	if index < 1 || index > len(m.Chunks) {
		return digest.Digest{}, false
	}
	d, err := digest.Parse(m.Chunks[index-1].Hash)
	if err != nil {
		return digest.Digest{}, false
	}
	return d, true
}
