package api

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alecgard/x402gate/internal/gateway"
)

// taskHandler adapts HTTP requests to the gateway pipeline.
type taskHandler struct {
	gw *gateway.Gateway
}

func newTaskHandler(gw *gateway.Gateway) *taskHandler {
	return &taskHandler{gw: gw}
}

// RunTask handles POST /agent/task.
func (h *taskHandler) RunTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, gateway.CodeBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, gateway.CodeBadRequest, "request body too large")
		return
	}

	info := requestInfoFrom(r.Context())
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	info.idempotencyKey = key
	requestID := RequestIDFromContext(r.Context())

	resp, err := h.gw.Handle(r.Context(), gateway.Request{
		Method:         r.Method,
		Path:           r.URL.Path,
		Body:           body,
		IdempotencyKey: key,
		PaymentProof:   r.Header.Get("X-Payment"),
		LegacyPaid:     r.Header.Get("X-Paid") == "true",
		RequestID:      requestID,
	})
	if err != nil {
		slog.Error("task request failed", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, gateway.CodeInternal, "internal error")
		return
	}

	info.paid = resp.Paid
	info.replayed = resp.Replayed
	switch {
	case resp.Replayed:
		w.Header().Set("Idempotency-Replayed", "true")
	case resp.Recorded:
		w.Header().Set("Idempotency-Replayed", "false")
	}
	writeRaw(w, resp.StatusCode, resp.Body)
}
