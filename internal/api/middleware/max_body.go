package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/firstaid/assistant/internal/api/response"
)

// RequestBodyTooLargeRecorder records requests rejected for exceeding the body limit.
// Pass nil when metrics are disabled.
type RequestBodyTooLargeRecorder interface {
	RecordRequestBodyTooLarge(ctx context.Context)
}

// MaxBody limits request bodies to maxBytes; maxBytes <= 0 disables the limit.
// A declared Content-Length over the limit is rejected before the handler runs. Otherwise the
// body is capped and, for methods that carry one, the handler's response is held back so a
// handler that tripped the cap is answered with 413 instead of its own error.
func MaxBody(maxBytes int64, recorder RequestBodyTooLargeRecorder) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	reject := func(w http.ResponseWriter, r *http.Request) {
		if recorder != nil {
			recorder.RecordRequestBodyTooLarge(r.Context())
		}

		response.RespondError(w, http.StatusRequestEntityTooLarge,
			"Request Entity Too Large", fmt.Sprintf("request body exceeds %d bytes", maxBytes))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				reject(w, r)

				return
			}

			body := &cappedBody{ReadCloser: http.MaxBytesReader(w, r.Body, maxBytes)}
			r.Body = body

			if !carriesBody(r.Method) {
				next.ServeHTTP(w, r)

				return
			}

			held := &heldResponse{ResponseWriter: w}
			next.ServeHTTP(held, r)

			if body.exceeded {
				reject(w, r)

				return
			}

			held.release()
		})
	}
}

func carriesBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// cappedBody notes when http.MaxBytesReader refused to read further.
type cappedBody struct {
	io.ReadCloser

	exceeded bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		b.exceeded = true
	}

	return n, err //nolint:wrapcheck // io.EOF must reach callers unwrapped
}

// heldResponse buffers status and body until the handler returns.
type heldResponse struct {
	http.ResponseWriter

	status int
	body   bytes.Buffer
}

func (h *heldResponse) WriteHeader(code int) {
	if h.status == 0 {
		h.status = code
	}
}

func (h *heldResponse) Write(p []byte) (int, error) {
	return h.body.Write(p) //nolint:wrapcheck // bytes.Buffer only fails on OOM
}

func (h *heldResponse) release() {
	if h.status != 0 {
		h.ResponseWriter.WriteHeader(h.status)
	}

	_, _ = h.body.WriteTo(h.ResponseWriter)
}
