package core

import (
	"time"

	"github.com/voicesofjudah/mediagate/pkg/storage"
)

// Error codes returned in the "error" field of failure responses.
const (
	CodeUnauthorized        = "unauthorized"
	CodeNotConfigured       = "r2_not_configured"
	CodeLedgerNotConfigured = "ledger_not_configured"
	CodeInvalidKey          = "invalid_key"
	CodeInvalidParams       = "invalid_params"
	CodeInvalidRequest      = "invalid_request"
	CodeMissingToken        = "missing_token"
	CodeInvalidToken        = "invalid_token"
	CodeGenerationFailed    = "generation_failed"
	CodeUploadFailed        = "upload_failed"
	CodeInitFailed          = "init_failed"
	CodeCompleteFailed      = "complete_failed"
	CodeAbortFailed         = "abort_failed"
	CodeListFailed          = "list_failed"
	CodeUploadNotOpen       = "upload_not_open"
	CodeRateLimited         = "rate_limited"
	CodeInternalError       = "internal_error"
)

// UploadTokenHeader carries the capability token on direct uploads.
const UploadTokenHeader = "X-Upload-Token"

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type PresignRequest struct {
	Key          string `json:"key"`
	ContentType  string `json:"contentType,omitempty"`
	MaxSizeBytes *int64 `json:"maxSizeBytes,omitempty"`
	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn *int64 `json:"expiresIn,omitempty"`
}

type UploadInstructions struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type PresignResponse struct {
	UploadURL    string             `json:"uploadUrl"`
	UploadToken  string             `json:"uploadToken"`
	Key          string             `json:"key"`
	PublicURL    string             `json:"publicUrl"`
	MaxSizeBytes int64              `json:"maxSizeBytes"`
	ExpiresAt    int64              `json:"expiresAt"`
	Instructions UploadInstructions `json:"instructions"`
}

type DirectUploadResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
	URL     string `json:"url"`
	ETag    string `json:"etag"`
	Size    int64  `json:"size"`
}

type MultipartInitRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
}

type MultipartInitResponse struct {
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

type UploadPartResponse struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type CompleteMultipartRequest struct {
	Key      string                 `json:"key"`
	UploadID string                 `json:"uploadId"`
	Parts    []storage.UploadedPart `json:"parts"`
}

type CompleteMultipartResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
	URL     string `json:"url"`
	ETag    string `json:"etag"`
	Size    int64  `json:"size"`
	Version string `json:"version"`
}

type AbortMultipartResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type OpenUpload struct {
	Key       string    `json:"key"`
	UploadID  string    `json:"uploadId"`
	Initiated time.Time `json:"initiated"`
	Parts     int       `json:"parts"`
	Size      int64     `json:"size"`
}

type ListUploadsResponse struct {
	Uploads []OpenUpload `json:"uploads"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Bucket bool   `json:"bucket"`
	Ledger bool   `json:"ledger"`
}
