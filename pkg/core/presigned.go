package core

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicesofjudah/mediagate/pkg/storage"
	"github.com/voicesofjudah/mediagate/pkg/token"
)

const (
	directUploadPath = "/api/r2/direct-upload"

	defaultExpiresIn = int64(token.DefaultTTL / time.Second)
)

// handlePresignedUpload mints a capability token for one object key.
func (s *Server) handlePresignedUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireAdmin(ctx, w, r)
	if !ok {
		return
	}

	if s.Config.Bucket == nil {
		writeJSONError(w, http.StatusNotImplemented, CodeNotConfigured)
		return
	}

	var req PresignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Error("Decode presign request", "err", err)
		writeJSONError(w, http.StatusInternalServerError, CodeGenerationFailed)
		return
	}

	if err := storage.ValidateKey(req.Key); err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidKey)
		return
	}

	expiresIn := defaultExpiresIn
	if req.ExpiresIn != nil {
		expiresIn = *req.ExpiresIn
	}
	maxSeconds := int64(s.Config.MaxTokenTTL / time.Second)
	if expiresIn <= 0 || expiresIn > maxSeconds {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidParams)
		return
	}

	maxSize := s.Config.DefaultMaxSize
	if req.MaxSizeBytes != nil {
		maxSize = *req.MaxSizeBytes
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = storage.DefaultContentType
	}

	uploadToken, claims, err := s.Config.Tokens.Issue(req.Key, time.Duration(expiresIn)*time.Second)
	if err != nil {
		slog.Error("Mint upload token", "key", req.Key, "err", err)
		writeJSONError(w, http.StatusInternalServerError, CodeGenerationFailed)
		return
	}

	slog.Info("Issued upload token", "key", req.Key, "user", user.Name, "expires_in", expiresIn)

	writeJSON(w, http.StatusOK, PresignResponse{
		UploadURL:    directUploadPath,
		UploadToken:  uploadToken,
		Key:          req.Key,
		PublicURL:    s.publicURL(req.Key),
		MaxSizeBytes: maxSize,
		ExpiresAt:    claims.Exp,
		Instructions: UploadInstructions{
			Method: http.MethodPost,
			Headers: map[string]string{
				"Content-Type":    contentType,
				UploadTokenHeader: uploadToken,
			},
			Body: "File binary data",
		},
	})
}

// handleDirectUpload stores the request body under the key named by the
// request's capability token.
func (s *Server) handleDirectUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	uploadToken := r.Header.Get(UploadTokenHeader)
	if uploadToken == "" {
		writeJSONError(w, http.StatusUnauthorized, CodeMissingToken)
		return
	}

	claims, err := s.Config.Tokens.Verify(uploadToken)
	if err != nil {
		slog.Warn("Reject upload token", "err", err)
		writeJSONErrorMessage(w, http.StatusUnauthorized, CodeInvalidToken, token.Message(err))
		return
	}

	if s.Config.Bucket == nil || !hasBody(r) {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}

	if s.Config.ReplayGuard != nil {
		fresh, err := s.Config.ReplayGuard.Claim(ctx, uploadToken, claims.ExpiresAt())
		if err != nil {
			slog.Error("Claim upload token", "key", claims.Key, "err", err)
			writeJSONError(w, http.StatusInternalServerError, CodeUploadFailed)
			return
		}
		if !fresh {
			writeJSONErrorMessage(w, http.StatusUnauthorized, CodeInvalidToken, "Token already used")
			return
		}
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = storage.DefaultContentType
	}

	body := &countingReader{r: r.Body}
	obj, err := s.Config.Bucket.Put(ctx, claims.Key, body, r.ContentLength, storage.PutOptions{
		ContentType:  contentType,
		CacheControl: ImmutableCacheControl,
	})
	s.metrics.uploadedBytes.WithLabelValues(uploadKindDirect).Add(float64(body.n.Load()))
	if err != nil {
		slog.Error("Store direct upload", "key", claims.Key, "err", err)
		if s.Config.ReplayGuard != nil {
			// Nothing was stored, so the token may be retried.
			if err := s.Config.ReplayGuard.Release(context.WithoutCancel(ctx), uploadToken); err != nil {
				slog.Error("Release upload token", "key", claims.Key, "err", err)
			}
		}
		writeJSONError(w, http.StatusInternalServerError, CodeUploadFailed)
		return
	}

	writeJSON(w, http.StatusOK, DirectUploadResponse{
		Success: true,
		Key:     claims.Key,
		URL:     s.publicURL(claims.Key),
		ETag:    obj.HTTPETag,
		Size:    obj.Size,
	})
}
