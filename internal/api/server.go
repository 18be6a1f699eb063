// Package api exposes a grading session as a local JSON API, so a browser
// panel can drive the queue that the CLI otherwise drives from a terminal.
package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/media"
	"github.com/fpang/grading-queue/internal/review"
	"github.com/fpang/grading-queue/internal/session"
)

// maxUploadMemory is the multipart memory budget; larger parts spill to disk.
const maxUploadMemory = 32 << 20

// Server serves the queue of one session.
type Server struct {
	session   *session.Session
	uploadDir string
}

// New creates a server. Browser uploads are written to uploadDir before
// being queued, since queued files are read from disk.
func New(s *session.Session, uploadDir string) *Server {
	return &Server{session: s, uploadDir: uploadDir}
}

// Handler returns the routed handler with logging and CORS applied.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/queue", srv.handleQueue)
	mux.HandleFunc("POST /api/upload", srv.handleUpload)
	mux.HandleFunc("POST /api/needs-type/{id}/resolve", srv.handleResolveNeedsType)
	mux.HandleFunc("DELETE /api/needs-type/{id}", srv.handleCancelNeedsType)
	mux.HandleFunc("POST /api/reviews/confirm-all", srv.handleConfirmAll)
	mux.HandleFunc("POST /api/reviews/clear", srv.handleClearAll)
	mux.HandleFunc("POST /api/reviews/{id}/confirm", srv.handleConfirm)
	mux.HandleFunc("DELETE /api/reviews/{id}", srv.handleDelete)
	mux.HandleFunc("PUT /api/reviews/{id}/edits", srv.handleEdit)
	mux.HandleFunc("POST /api/reviews/{id}/type", srv.handleChangeType)
	mux.HandleFunc("POST /api/reviews/{id}/override", srv.handleOverride)
	mux.HandleFunc("POST /api/refresh", srv.handleRefresh)
	mux.HandleFunc("GET /api/notifications", srv.handleNotifications)
	return withLogging(withCORS(mux))
}

// GET /api/queue
func (srv *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, srv.session.State())
}

// POST /api/upload (multipart: files, fallback_type)
func (srv *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	fallback, ok := grading.ParseSubject(r.FormValue("fallback_type"))
	if !ok {
		httpError(w, http.StatusBadRequest, "invalid fallback_type")
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		httpError(w, http.StatusBadRequest, "no files")
		return
	}

	files := make([]*media.File, 0, len(headers))
	for _, fh := range headers {
		f, err := srv.save(fh)
		if err != nil {
			log.Warn().Err(err).Str("file", fh.Filename).Msg("Rejected uploaded file")
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		files = append(files, f)
	}

	sum := srv.session.Upload(r.Context(), files, fallback)
	respondJSON(w, http.StatusOK, sum)
}

// save copies one uploaded part into the upload directory.
func (srv *Server) save(fh *multipart.FileHeader) (*media.File, error) {
	name := filepath.Base(fh.Filename)
	if name == "." || name == string(filepath.Separator) || !media.IsSupported(filepath.Ext(name)) {
		return nil, fmt.Errorf("unsupported file %q", fh.Filename)
	}
	if err := os.MkdirAll(srv.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	defer src.Close()

	// The uuid prefix keeps same-named photos apart; the original name is
	// restored so the grading service and review list see what the user sent.
	path := filepath.Join(srv.uploadDir, uuid.NewString()+"-"+name)
	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	f, err := media.Load(path)
	if err != nil {
		return nil, err
	}
	f.Name = name
	return f, nil
}

type subjectRequest struct {
	Subject string `json:"subject"`
}

func parseSubject(w http.ResponseWriter, r *http.Request) (grading.Subject, bool) {
	var req subjectRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	subject, ok := grading.ParseSubject(req.Subject)
	if !ok || !subject.Explicit() {
		httpError(w, http.StatusBadRequest, "subject must be math, english or chinese")
		return "", false
	}
	return subject, true
}

// POST /api/needs-type/{id}/resolve {"subject": "..."}
func (srv *Server) handleResolveNeedsType(w http.ResponseWriter, r *http.Request) {
	subject, ok := parseSubject(w, r)
	if !ok {
		return
	}
	sum, err := srv.session.Uploads.ResolveNeedsType(r.Context(), r.PathValue("id"), subject)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// DELETE /api/needs-type/{id}
func (srv *Server) handleCancelNeedsType(w http.ResponseWriter, r *http.Request) {
	srv.session.Uploads.CancelNeedsType(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/reviews/{id}/confirm
func (srv *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if err := srv.session.Reviews.ConfirmReview(r.Context(), r.PathValue("id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/reviews/confirm-all
//
// Partial failure still answers 200; the body lists which items failed.
func (srv *Server) handleConfirmAll(w http.ResponseWriter, r *http.Request) {
	res, err := srv.session.Reviews.ConfirmAllReviews(r.Context())
	if err != nil && !errors.Is(err, review.ErrBulkFailed) {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// DELETE /api/reviews/{id}
func (srv *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := srv.session.Reviews.DeleteReview(r.Context(), r.PathValue("id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/reviews/clear
func (srv *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := srv.session.Reviews.ClearAllReviews(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PUT /api/reviews/{id}/edits {"index": 0, "correct": true}
func (srv *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index   *int  `json:"index"`
		Correct *bool `json:"correct"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Index == nil || req.Correct == nil {
		httpError(w, http.StatusBadRequest, "index and correct are required")
		return
	}
	if err := srv.session.Reviews.SetEdit(r.PathValue("id"), *req.Index, *req.Correct); err != nil {
		respondErr(w, err)
		return
	}
	item, _ := srv.session.Store.GetPendingReview(r.PathValue("id"))
	respondJSON(w, http.StatusOK, item)
}

// POST /api/reviews/{id}/type {"subject": "..."}
func (srv *Server) handleChangeType(w http.ResponseWriter, r *http.Request) {
	subject, ok := parseSubject(w, r)
	if !ok {
		return
	}
	if err := srv.session.Reviews.ChangeReviewType(r.Context(), r.PathValue("id"), subject); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/reviews/{id}/override {"passed": true}
func (srv *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passed *bool `json:"passed"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Passed == nil {
		httpError(w, http.StatusBadRequest, "passed is required")
		return
	}
	if err := srv.session.Reviews.OverrideNeatness(r.Context(), r.PathValue("id"), *req.Passed); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/refresh
func (srv *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := srv.session.Reviews.Refresh(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, srv.session.State())
}

// GET /api/notifications[?since=RFC3339]
func (srv *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	since := strings.TrimSpace(r.URL.Query().Get("since"))
	if since == "" {
		respondJSON(w, http.StatusOK, srv.session.Notifications.List())
		return
	}
	t, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		httpError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return
	}
	respondJSON(w, http.StatusOK, srv.session.Notifications.Since(t))
}
