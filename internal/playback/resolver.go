package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Resolver fetches the manifest of an asset.
type Resolver interface {
	Resolve(ctx context.Context, assetID string) (*Manifest, error)
}

// Source is everything a session reads from the server.
type Source interface {
	Resolver
	Playlist(ctx context.Context, assetID string) (*Playlist, error)
	Chunk(ctx context.Context, assetID string, index int) ([]byte, error)
}

const maxManifestBytes = 4 << 20

// HTTPSource reads manifests, playlists and chunks over HTTP.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource returns a source rooted at baseURL. A nil client gets one with
// the given per-request timeout.
func NewHTTPSource(baseURL string, client *http.Client, timeout time.Duration) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPSource) downloadURL(assetID string, rest ...string) string {
	parts := append([]string{s.baseURL, "api", "v1", "download", url.PathEscape(assetID)}, rest...)
	return strings.Join(parts, "/")
}

// Resolve implements Resolver. A 404 is NotFound; transport errors and 5xx
// replies are Unreachable; anything that fails validation is Invalid.
func (s *HTTPSource) Resolve(ctx context.Context, assetID string) (*Manifest, error) {
	body, err := s.get(ctx, s.downloadURL(assetID), maxManifestBytes)
	if err != nil {
		return nil, manifestError(assetID, err)
	}
	m, err := DecodeManifest(body)
	if err != nil {
		return nil, &ManifestError{Kind: ManifestInvalid, AssetID: assetID, Err: err}
	}
	return m, nil
}

// Playlist fetches and parses the asset's media playlist.
func (s *HTTPSource) Playlist(ctx context.Context, assetID string) (*Playlist, error) {
	body, err := s.get(ctx, s.downloadURL(assetID, "playlist.m3u8"), maxManifestBytes)
	if err != nil {
		return nil, manifestError(assetID, err)
	}
	pl, err := ParsePlaylist(bytes.NewReader(body))
	if err != nil {
		return nil, &ManifestError{Kind: ManifestInvalid, AssetID: assetID, Err: err}
	}
	return pl, nil
}

// Chunk fetches one chunk payload. Every failure here is transport-class.
func (s *HTTPSource) Chunk(ctx context.Context, assetID string, index int) ([]byte, error) {
	body, err := s.get(ctx, s.downloadURL(assetID, "chunk", strconv.Itoa(index)), -1)
	if err != nil {
		return nil, &Fault{Class: FaultTransport, Index: index, Err: err}
	}
	return body, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (s *HTTPSource) get(ctx context.Context, u string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode}
	}
	var r io.Reader = resp.Body
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit)
	}
	return io.ReadAll(r)
}

func manifestError(assetID string, err error) error {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusNotFound:
			return &ManifestError{Kind: ManifestNotFound, AssetID: assetID, Err: err}
		case se.code >= 500:
			return &ManifestError{Kind: ManifestUnreachable, AssetID: assetID, Err: err}
		default:
			return &ManifestError{Kind: ManifestInvalid, AssetID: assetID, Err: err}
		}
	}
	return &ManifestError{Kind: ManifestUnreachable, AssetID: assetID, Err: err}
}
