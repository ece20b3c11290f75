package publish

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chunkcast/internal/platform/metrics"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	mediaContentType    = "video/mp4"

	// multipartOverhead is the allowance for form fields and boundaries on
	// top of the chunk payload.
	multipartOverhead = 1 << 20
	multipartMemory   = 32 << 20
)

// Handler exposes the upload, download and catalog endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// RegisterRoutes mounts every endpoint below /api/v1 on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/upload", func(r chi.Router) {
			r.Post("/init", h.Init)
			r.Post("/chunk", h.Chunk)
			r.Post("/complete", h.Complete)
		})
		r.Route("/download/{file_id}", func(r chi.Router) {
			r.Get("/", h.GetManifest)
			r.Get("/playlist.m3u8", h.GetPlaylist)
			r.Get("/chunk/{index}", h.GetChunk)
			r.Get("/export", h.Export)
		})
		r.Route("/catalog", func(r chi.Router) {
			r.Get("/search", h.Search)
			r.Get("/latest", h.Latest)
		})
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Missing []int  `json:"missing,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrChunkOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrChunkConflict), errors.Is(err, ErrIncomplete):
		return http.StatusConflict
	case errors.Is(err, ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error, attrs ...any) {
	status := statusFor(err)
	attrs = append(attrs, slog.Int("status", status), slog.String("error", err.Error()))
	if status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", attrs...)
		writeJSON(w, status, errorBody{Error: http.StatusText(status)})
		return
	}
	h.log.Info(op+" rejected", attrs...)
	if h.metrics != nil && errors.Is(err, ErrChecksumMismatch) {
		h.metrics.IncChecksumFailures()
	}
	body := errorBody{Error: err.Error()}
	var inc *IncompleteError
	if errors.As(err, &inc) {
		body.Missing = inc.Missing
	}
	writeJSON(w, status, body)
}

// Init handles POST /api/v1/upload/init.
// Body: {"fileSize":..., "filename":..., "fileHash":..., "totalChunks":...}.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.log.Debug("invalid init body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed init request"})
		return
	}

	id, err := h.svc.Init(r.Context(), req)
	if err != nil {
		h.fail(w, "upload init", err, slog.String("filename", req.Filename))
		return
	}

	h.log.Info("upload initialized",
		slog.String("upload_id", string(id)),
		slog.String("filename", req.Filename),
		slog.Int64("file_size", req.FileSize),
		slog.Int("total_chunks", req.TotalChunks))
	if h.metrics != nil {
		h.metrics.IncUploadsInitialized()
	}
	writeJSON(w, http.StatusCreated, map[string]FileID{"uploadId": id})
}

// Chunk handles POST /api/v1/upload/chunk (multipart: uploadId, index,
// chunkHash, optional duration, file).
func (h *Handler) Chunk(w http.ResponseWriter, r *http.Request) {
	limit := h.svc.MaxChunkBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, "upload chunk", ErrChunkTooLarge)
			return
		}
		h.log.Debug("invalid chunk form", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed chunk request"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	index, err := strconv.Atoi(r.FormValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "index must be an integer"})
		return
	}
	var duration float64
	if s := r.FormValue("duration"); s != "" {
		if duration, err = strconv.ParseFloat(s, 64); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "duration must be a number"})
			return
		}
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "file part is required"})
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		h.fail(w, "upload chunk", err)
		return
	}

	c := ChunkUpload{
		UploadID: FileID(r.FormValue("uploadId")),
		Index:    index,
		Hash:     r.FormValue("chunkHash"),
		Duration: duration,
		Payload:  payload,
	}
	if err := h.svc.Chunk(r.Context(), c); err != nil {
		h.fail(w, "upload chunk", err,
			slog.String("upload_id", string(c.UploadID)),
			slog.Int("chunk_index", index))
		return
	}

	h.log.Debug("chunk received",
		slog.String("upload_id", string(c.UploadID)),
		slog.Int("chunk_index", index),
		slog.Int("size", len(payload)))
	if h.metrics != nil {
		h.metrics.AddChunk(len(payload))
	}
	writeJSON(w, http.StatusCreated, map[string]FileID{"uploadId": c.UploadID})
}

// Complete handles POST /api/v1/upload/complete. Body: {"uploadId": ...}.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadID FileID `json:"uploadId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed complete request"})
		return
	}

	res, err := h.svc.Complete(r.Context(), req.UploadID)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncUploadsFailed()
		}
		h.fail(w, "upload complete", err, slog.String("upload_id", string(req.UploadID)))
		return
	}

	h.log.Info("upload published",
		slog.String("file_id", string(res.FileID)),
		slog.Int("chunks", res.Chunks))
	if h.metrics != nil {
		h.metrics.IncUploadsCompleted()
	}
	writeJSON(w, http.StatusCreated, res)
}

func fileID(r *http.Request) FileID {
	return FileID(chi.URLParam(r, "file_id"))
}

// GetManifest handles GET /api/v1/download/{file_id}.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Manifest(r.Context(), fileID(r))
	if err != nil {
		h.fail(w, "manifest", err, slog.String("file_id", string(fileID(r))))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPlaylist handles GET /api/v1/download/{file_id}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	m3u8, err := h.svc.Playlist(r.Context(), fileID(r))
	if err != nil {
		h.fail(w, "playlist", err, slog.String("file_id", string(fileID(r))))
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// GetChunk handles GET /api/v1/download/{file_id}/chunk/{index}.
func (h *Handler) GetChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "index must be an integer"})
		return
	}
	rc, size, err := h.svc.OpenChunk(r.Context(), fileID(r), index)
	if err != nil {
		h.fail(w, "chunk download", err,
			slog.String("file_id", string(fileID(r))),
			slog.Int("chunk_index", index))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", mediaContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Warn("chunk download interrupted",
			slog.String("file_id", string(fileID(r))),
			slog.Int("chunk_index", index),
			slog.String("error", err.Error()))
	}
}

// Export handles GET /api/v1/download/{file_id}/export.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	exp, err := h.svc.OpenExport(r.Context(), fileID(r))
	if err != nil {
		h.fail(w, "export", err, slog.String("file_id", string(fileID(r))))
		return
	}

	w.Header().Set("Content-Type", mediaContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(exp.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": exp.Name}))
	w.WriteHeader(http.StatusOK)
	if _, err := exp.WriteTo(w); err != nil {
		h.log.Warn("export interrupted",
			slog.String("file_id", string(fileID(r))),
			slog.String("error", err.Error()))
	}
}

func pageOf(r *http.Request) Page {
	q := r.URL.Query()
	number, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	return Page{Number: number, Size: size}.Normalize()
}

// Search handles GET /api/v1/catalog/search?q=&page=&size=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Search(r.Context(), r.URL.Query().Get("q"), pageOf(r))
	if err != nil {
		h.fail(w, "catalog search", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Latest handles GET /api/v1/catalog/latest?page=&size=.
func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Latest(r.Context(), pageOf(r))
	if err != nil {
		h.fail(w, "catalog latest", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
