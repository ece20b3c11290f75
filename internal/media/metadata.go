package media

import (
	"fmt"
	"os"
	"strings"

	"github.com/dhowden/tag"
)

// Metadata holds the container tags that describe a source.
type Metadata struct {
	Title   string
	Artist  string
	Comment string
	Format  string
}

// Description joins the descriptive tags into the free-text description sent
// with init.
func (m Metadata) Description() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{m.Title, m.Artist, m.Comment} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " - ")
}

// ReadMetadata reads container tags from the file at path. Files without
// recognizable tags return tag.ErrNoTagsFound.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	return Metadata{
		Title:   m.Title(),
		Artist:  m.Artist(),
		Comment: m.Comment(),
		Format:  string(m.Format()),
	}, nil
}

// Describe fills the source description from its tags when none is set.
// Missing tags are not an error.
func Describe(src *SourceAsset) {
	if src.Description != "" || src.path == "" {
		return
	}
	m, err := ReadMetadata(src.path)
	if err != nil {
		return
	}
	src.Description = m.Description()
}
