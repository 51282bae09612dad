package core

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler returns an http.Handler implementing the upload API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	presign := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handlePresignedUpload(ctx, w, r)
	}
	if s.limiter != nil {
		presign = s.limiter.RateLimit(presign)
	}
	mux.Handle("POST /api/r2/presigned-upload", s.metrics.instrument("presigned_upload", presign))

	mux.Handle("POST "+directUploadPath, s.metrics.instrument("direct_upload", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleDirectUpload(ctx, w, r)
	}))

	// Multipart uploads
	mux.Handle("POST /api/r2/multipart/init", s.metrics.instrument("multipart_init", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleMultipartInit(ctx, w, r)
	}))
	mux.Handle("PUT /api/r2/multipart/part", s.metrics.instrument("multipart_part", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleUploadPart(ctx, w, r)
	}))
	mux.Handle("POST /api/r2/multipart/complete", s.metrics.instrument("multipart_complete", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleMultipartComplete(ctx, w, r)
	}))
	mux.Handle("DELETE /api/r2/multipart/abort", s.metrics.instrument("multipart_abort", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleMultipartAbort(ctx, w, r)
	}))
	mux.Handle("GET /api/r2/multipart/uploads", s.metrics.instrument("multipart_uploads", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleListUploads(ctx, w, r)
	}))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status: "ok",
			Bucket: s.Config.Bucket != nil,
			Ledger: s.Config.Ledger != nil,
		})
	})
	mux.Handle("GET /metrics", s.MetricsHandler())

	// Add middleware
	handler := SlashFix(mux)
	handler = LogRequest(handler)
	handler = Recoverer(handler)
	handler = otelhttp.NewHandler(handler, "mediagate",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return handler
}
