package gateway

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes returned to callers.
const (
	CodePaymentRequired     = "PAYMENT_REQUIRED"
	CodePaymentProofInvalid = "PAYMENT_PROOF_INVALID"
	CodePaymentInvalid      = "PAYMENT_INVALID"
	CodePaymentUnderpaid    = "PAYMENT_UNDERPAID"
	CodePaymentUnsettled    = "PAYMENT_UNSETTLED"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodePolicyCapExceeded   = "POLICY_CAP_EXCEEDED"
	CodeSessionCapExceeded  = "SESSION_CAP_EXCEEDED"
	CodeTaskTimeout         = "TASK_TIMEOUT"
	CodeTaskFailed          = "TASK_FAILED"
	CodeBadRequest          = "BAD_REQUEST"
	CodeInternal            = "INTERNAL_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
)

// ErrorEnvelope is the standard error response shape.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the code, a human-readable message and, for payment
// and policy rejections, the structured x402 payload.
type ErrorDetail struct {
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	X402           map[string]any `json:"x402,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// errorResponse renders an error envelope.
func errorResponse(status int, detail ErrorDetail) Response {
	body, err := json.Marshal(ErrorEnvelope{Error: detail})
	if err != nil {
		body = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"failed to encode error"}}`)
		status = http.StatusInternalServerError
	}
	return Response{StatusCode: status, Body: body}
}
