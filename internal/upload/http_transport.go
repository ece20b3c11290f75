package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	initPath     = "/api/v1/upload/init"
	chunkPath    = "/api/v1/upload/chunk"
	completePath = "/api/v1/upload/complete"

	// maxResponseBody bounds how much of a reply is read.
	maxResponseBody = 1 << 20
)

// ErrMalformedResponse is returned when a 2xx reply cannot be decoded.
var ErrMalformedResponse = errors.New("malformed response")

// StatusError is returned for any non-2xx reply.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPTransport speaks the upload protocol over HTTP: JSON for init and
// complete, multipart/form-data for chunks.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport returns a transport rooted at baseURL. A nil client uses
// one with the given timeout per request.
func NewHTTPTransport(baseURL string, client *http.Client, timeout time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *HTTPTransport) Init(ctx context.Context, req InitRequest) (InitResponse, error) {
	var out InitResponse
	if err := t.postJSON(ctx, "init", initPath, req, &out); err != nil {
		return InitResponse{}, err
	}
	if out.UploadID == "" {
		return InitResponse{}, fmt.Errorf("init: %w: missing uploadId", ErrMalformedResponse)
	}
	return out, nil
}

func (t *HTTPTransport) SendChunk(ctx context.Context, req ChunkRequest) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"uploadId", req.UploadID},
		{"index", strconv.Itoa(req.Index)},
		{"chunkHash", req.ChunkHash},
	}
	if req.Duration > 0 {
		fields = append(fields, [2]string{"duration", strconv.FormatFloat(req.Duration.Seconds(), 'f', 3, 64)})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	name := req.Filename
	if name == "" {
		name = fmt.Sprintf("chunk%03d.mp4", req.Index)
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := fw.Write(req.Payload); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+chunkPath, &body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	return t.do(httpReq, "chunk", nil)
}

func (t *HTTPTransport) Complete(ctx context.Context, uploadID string) (CompleteResponse, error) {
	var out CompleteResponse
	if err := t.postJSON(ctx, "complete", completePath, CompleteRequest{UploadID: uploadID}, &out); err != nil {
		return CompleteResponse{}, err
	}
	if out.FileID == "" {
		return CompleteResponse{}, fmt.Errorf("complete: %w: missing fileId", ErrMalformedResponse)
	}
	return out, nil
}

func (t *HTTPTransport) postJSON(ctx context.Context, op, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, op, out)
}

func (t *HTTPTransport) do(req *http.Request, op string, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
	}
	return nil
}
