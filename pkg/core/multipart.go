package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/voicesofjudah/mediagate/internal/ledger"
	"github.com/voicesofjudah/mediagate/pkg/storage"
)

// checkOpen consults the ledger, when configured, before a store call on an
// existing upload. It writes a 409 response and returns false when the
// upload is already terminal or belongs to another key. Uploads the ledger
// has never seen are left to the store to judge.
func (s *Server) checkOpen(ctx context.Context, w http.ResponseWriter, key string, uploadID string) bool {
	if s.Config.Ledger == nil {
		return true
	}

	err := s.Config.Ledger.CheckOpen(ctx, key, uploadID)
	switch {
	case err == nil, errors.Is(err, ledger.ErrUnknownUpload):
		return true
	case errors.Is(err, ledger.ErrUploadNotOpen):
		writeJSONError(w, http.StatusConflict, CodeUploadNotOpen)
		return false
	}

	slog.Error("Check upload state", "upload_id", uploadID, "err", err)
	return true
}

// record applies a ledger transition after the store has accepted an
// operation. The store is authoritative, so failures are only logged. The
// write outlives the request so a client hanging up after the store call
// cannot leave the ledger behind the store.
func (s *Server) record(ctx context.Context, op string, uploadID string, fn func(ctx context.Context, l *ledger.Ledger) error) {
	if s.Config.Ledger == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), s.Config.Ledger); err != nil && !errors.Is(err, ledger.ErrUnknownUpload) {
		slog.Error("Record upload transition", "op", op, "upload_id", uploadID, "err", err)
	}
}

func (s *Server) handleMultipartInit(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireAdmin(ctx, w, r)
	if !ok {
		return
	}

	if s.Config.Bucket == nil {
		writeJSONError(w, http.StatusNotImplemented, CodeNotConfigured)
		return
	}

	var req MultipartInitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Error("Decode multipart init request", "err", err)
		writeJSONError(w, http.StatusInternalServerError, CodeInitFailed)
		return
	}

	if err := storage.ValidateKey(req.Key); err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidKey)
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = storage.DefaultContentType
	}

	upload, err := s.Config.Bucket.CreateMultipartUpload(ctx, req.Key, storage.PutOptions{
		ContentType:  contentType,
		CacheControl: ImmutableCacheControl,
	})
	if err != nil {
		slog.Error("Create multipart upload", "key", req.Key, "err", err)
		writeJSONError(w, http.StatusInternalServerError, CodeInitFailed)
		return
	}

	s.record(ctx, "init", upload.UploadID(), func(ctx context.Context, l *ledger.Ledger) error {
		return l.RecordInit(ctx, upload.Key(), upload.UploadID(), contentType)
	})

	slog.Info("Created multipart upload", "key", upload.Key(), "upload_id", upload.UploadID(), "user", user.Name)

	writeJSON(w, http.StatusOK, MultipartInitResponse{
		UploadID: upload.UploadID(),
		Key:      upload.Key(),
	})
}

func (s *Server) handleUploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(ctx, w, r); !ok {
		return
	}

	if s.Config.Bucket == nil || !hasBody(r) {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}

	query := r.URL.Query()
	key := query.Get("key")
	uploadID := query.Get("uploadId")
	partNumber, err := strconv.Atoi(query.Get("partNumber"))
	if err != nil {
		partNumber = 0
	}

	if key == "" || uploadID == "" || storage.ValidatePartNumber(partNumber) != nil {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidParams)
		return
	}

	if !s.checkOpen(ctx, w, key, uploadID) {
		return
	}

	body := &countingReader{r: r.Body}
	upload := s.Config.Bucket.ResumeMultipartUpload(key, uploadID)
	part, err := upload.UploadPart(ctx, partNumber, body, r.ContentLength)
	s.metrics.uploadedBytes.WithLabelValues(uploadKindPart).Add(float64(body.n.Load()))
	if err != nil {
		slog.Error("Upload part", "key", key, "upload_id", uploadID, "part_number", partNumber, "err", err)
		writeJSONError(w, http.StatusInternalServerError, CodeUploadFailed)
		return
	}

	s.record(ctx, "part", uploadID, func(ctx context.Context, l *ledger.Ledger) error {
		return l.RecordPart(ctx, uploadID, part.PartNumber, part.ETag, body.n.Load())
	})

	writeJSON(w, http.StatusOK, UploadPartResponse{
		PartNumber: part.PartNumber,
		ETag:       part.ETag,
	})
}

func (s *Server) handleMultipartComplete(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(ctx, w, r); !ok {
		return
	}

	if s.Config.Bucket == nil {
		writeJSONError(w, http.StatusNotImplemented, CodeNotConfigured)
		return
	}

	var req CompleteMultipartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Error("Decode multipart complete request", "err", err)
		writeJSONError(w, http.StatusInternalServerError, CodeCompleteFailed)
		return
	}

	if req.Key == "" || req.UploadID == "" || len(req.Parts) == 0 {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidParams)
		return
	}

	if !s.checkOpen(ctx, w, req.Key, req.UploadID) {
		return
	}

	upload := s.Config.Bucket.ResumeMultipartUpload(req.Key, req.UploadID)
	obj, err := upload.Complete(ctx, req.Parts)
	if err != nil {
		slog.Error("Complete multipart upload", "key", req.Key, "upload_id", req.UploadID, "parts", len(req.Parts), "err", err)
		writeJSONError(w, http.StatusInternalServerError, CodeCompleteFailed)
		return
	}

	s.record(ctx, "complete", req.UploadID, func(ctx context.Context, l *ledger.Ledger) error {
		return l.RecordComplete(ctx, req.UploadID, obj.ETag, obj.Size)
	})

	slog.Info("Completed multipart upload", "key", obj.Key, "upload_id", req.UploadID, "size", obj.Size)

	writeJSON(w, http.StatusOK, CompleteMultipartResponse{
		Success: true,
		Key:     obj.Key,
		URL:     s.publicURL(obj.Key),
		ETag:    obj.HTTPETag,
		Size:    obj.Size,
		Version: obj.Version,
	})
}

func (s *Server) handleMultipartAbort(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(ctx, w, r); !ok {
		return
	}

	if s.Config.Bucket == nil {
		writeJSONError(w, http.StatusNotImplemented, CodeNotConfigured)
		return
	}

	query := r.URL.Query()
	key := query.Get("key")
	uploadID := query.Get("uploadId")
	if key == "" || uploadID == "" {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidParams)
		return
	}

	if !s.checkOpen(ctx, w, key, uploadID) {
		return
	}

	upload := s.Config.Bucket.ResumeMultipartUpload(key, uploadID)
	if err := upload.Abort(ctx); err != nil {
		slog.Error("Abort multipart upload", "key", key, "upload_id", uploadID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, CodeAbortFailed)
		return
	}

	s.record(ctx, "abort", uploadID, func(ctx context.Context, l *ledger.Ledger) error {
		return l.RecordAbort(ctx, uploadID)
	})

	writeJSON(w, http.StatusOK, AbortMultipartResponse{
		Success: true,
		Message: "Multipart upload aborted",
	})
}

// handleListUploads reports the open uploads recorded in the ledger.
func (s *Server) handleListUploads(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(ctx, w, r); !ok {
		return
	}

	if s.Config.Ledger == nil {
		writeJSONError(w, http.StatusNotImplemented, CodeLedgerNotConfigured)
		return
	}

	uploads, err := s.Config.Ledger.ListOpen(ctx, r.URL.Query().Get("prefix"))
	if err != nil {
		slog.Error("List open uploads", "err", err)
		writeJSONError(w, http.StatusInternalServerError, CodeListFailed)
		return
	}

	resp := ListUploadsResponse{Uploads: make([]OpenUpload, 0, len(uploads))}
	for _, u := range uploads {
		resp.Uploads = append(resp.Uploads, OpenUpload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiated: u.Initiated,
			Parts:     u.Parts,
			Size:      u.Size,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
