// Package gateway runs the paid-call pipeline: idempotent replay, payment
// resolution, wallet policy and session spend, then bounded task execution.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/x402gate/internal/idempotency"
	"github.com/alecgard/x402gate/internal/metering"
	"github.com/alecgard/x402gate/internal/payment"
	"github.com/alecgard/x402gate/internal/policy"
	"github.com/alecgard/x402gate/internal/runtime"
	"github.com/alecgard/x402gate/internal/spend"
)

// LegacyPaidProof is the proof substituted for an "X-Paid: true" header when
// the stub provider is active.
const LegacyPaidProof = "legacy-x-paid:true"

// Executor runs a task with a bounded execution time.
type Executor interface {
	Execute(ctx context.Context, in runtime.TaskInput) runtime.Result
	Timeout() time.Duration
}

// ReceiptRecorder accepts receipts for paid calls. Record must not block on
// I/O for long; the metering collector buffers.
type ReceiptRecorder interface {
	Record(call metering.PaidCall)
}

// MetricsRecorder is the subset of metrics the pipeline reports.
type MetricsRecorder interface {
	IncPaymentState(state string)
	IncIdempotency(outcome string)
	IncPolicyDenial(reason string)
	ObserveTask(outcome string, seconds float64)
	IncPaidCall(amountUSD float64)
}

// Deps are the collaborators of a Gateway. Receipts, Metrics and Logger are
// optional.
type Deps struct {
	Payment     payment.GatewayConfig
	Policy      policy.Config
	Provider    payment.Provider
	Idempotency *idempotency.Protocol
	Spend       spend.Store
	Executor    Executor
	Receipts    ReceiptRecorder
	Metrics     MetricsRecorder
	Logger      *slog.Logger
}

// Gateway handles paid task requests. It is safe for concurrent use.
type Gateway struct {
	cfg      payment.GatewayConfig
	policy   policy.Config
	provider payment.Provider
	idem     *idempotency.Protocol
	spend    spend.Store
	exec     Executor
	receipts ReceiptRecorder
	metrics  MetricsRecorder
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New creates a Gateway from deps.
func New(d Deps) *Gateway {
	g := &Gateway{
		cfg:      d.Payment,
		policy:   d.Policy,
		provider: d.Provider,
		idem:     d.Idempotency,
		spend:    d.Spend,
		exec:     d.Executor,
		receipts: d.Receipts,
		metrics:  d.Metrics,
		log:      d.Logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if g.receipts == nil {
		g.receipts = discardReceipts{}
	}
	if g.metrics == nil {
		g.metrics = nopMetrics{}
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// Config returns the paid resource description.
func (g *Gateway) Config() payment.GatewayConfig { return g.cfg }

// PaymentHeader describes how callers attach a proof for the active provider.
func (g *Gateway) PaymentHeader() string {
	if g.provider.Name() == payment.ProviderStub {
		return "X-Payment: <any proof> (or X-Paid: true)"
	}
	return "X-Payment: v1:<amount-usd>:<proof-id>"
}

// Request is one inbound task call.
type Request struct {
	Method         string
	Path           string
	Body           []byte
	IdempotencyKey string
	PaymentProof   string
	// LegacyPaid reports an "X-Paid: true" header. It is honoured only by the
	// stub provider and only when no proof is attached.
	LegacyPaid bool
	RequestID  string
}

// Response is the rendered outcome of a Request.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	// Replayed is set when Body came from the idempotency store.
	Replayed bool
	// Recorded is set when this response was stored under the idempotency key.
	Recorded bool
	// Paid is set when the request carried a settled payment.
	Paid bool
}

type taskBody struct {
	Task     string `json:"task"`
	Token    string `json:"token,omitempty"`
	Contract string `json:"contract,omitempty"`
}

// Handle runs the pipeline for req. Every caller-facing rejection is a
// Response; the error is non-nil only when a backing store or the settlement
// check fails, and the caller should answer with a 500.
func (g *Gateway) Handle(ctx context.Context, req Request) (Response, error) {
	hash, err := idempotency.HashRequest(req.Method, req.Path, req.Body)
	if errors.Is(err, idempotency.ErrUnsafeInteger) {
		return errorResponse(http.StatusBadRequest, ErrorDetail{
			Code:    CodeBadRequest,
			Message: "Request body integers must be within +/-2^53.",
		}), nil
	}
	if err != nil {
		return errorResponse(http.StatusBadRequest, ErrorDetail{
			Code:    CodeBadRequest,
			Message: "Request body must be valid JSON.",
		}), nil
	}

	sess, err := g.idem.Begin(ctx, req.IdempotencyKey, hash)
	if err != nil {
		return Response{}, err
	}
	defer sess.Close()

	switch d := sess.Decision().(type) {
	case idempotency.Replay:
		g.metrics.IncIdempotency("replay")
		g.log.Info("idempotent replay",
			"request_id", req.RequestID,
			"idempotency_key", req.IdempotencyKey,
			"status", d.Record.StatusCode,
		)
		return Response{StatusCode: d.Record.StatusCode, Body: d.Record.ResponseBody, Replayed: true}, nil
	case idempotency.Conflict:
		g.metrics.IncIdempotency("conflict")
		g.log.Warn("idempotency conflict", "request_id", req.RequestID, "idempotency_key", d.Key)
		return errorResponse(http.StatusConflict, ErrorDetail{
			Code:           CodeIdempotencyConflict,
			Message:        "Idempotency-Key has already been used with a different request payload.",
			IdempotencyKey: d.Key,
		}), nil
	}
	if sess.Key() != "" {
		g.metrics.IncIdempotency("fresh")
	}

	resp, err := g.handleFresh(ctx, req)
	if err != nil {
		return Response{}, err
	}

	// Spend is already consumed, so the record is written even if the caller
	// has gone away.
	ok, err := sess.Commit(context.WithoutCancel(ctx), resp.StatusCode, resp.Body)
	if err != nil {
		g.log.Error("failed to store idempotency record",
			"request_id", req.RequestID,
			"idempotency_key", req.IdempotencyKey,
			"error", err,
		)
	}
	if err == nil && !ok && sess.Key() != "" && resp.StatusCode/100 == 2 {
		g.log.Warn("idempotency record already existed, response not recorded",
			"request_id", req.RequestID,
			"idempotency_key", req.IdempotencyKey,
		)
	}
	resp.Recorded = ok
	return resp, nil
}

func (g *Gateway) handleFresh(ctx context.Context, req Request) (Response, error) {
	var body taskBody
	if err := json.Unmarshal(req.Body, &body); err != nil || strings.TrimSpace(body.Task) == "" {
		return errorResponse(http.StatusBadRequest, ErrorDetail{
			Code:    CodeBadRequest,
			Message: `Request body must be a JSON object with a non-empty "task" string.`,
		}), nil
	}

	proof := req.PaymentProof
	if proof == "" && req.LegacyPaid && g.provider.Name() == payment.ProviderStub {
		proof = LegacyPaidProof
	}

	state, err := payment.Resolve(ctx, proof, g.cfg.PriceUSD, g.provider)
	if err != nil {
		return Response{}, err
	}
	g.metrics.IncPaymentState(string(state.Kind()))

	settled, ok := state.(payment.Settled)
	if !ok {
		g.log.Info("payment not accepted", "request_id", req.RequestID, "state", state.Kind())
		return g.paymentRejection(state), nil
	}

	resp, err := g.handlePaid(ctx, req, body, settled)
	resp.Paid = true
	return resp, err
}

func (g *Gateway) handlePaid(ctx context.Context, req Request, body taskBody, settled payment.Settled) (Response, error) {
	price := g.cfg.PriceUSD
	policyID := g.policy.PolicyID

	if denial := policy.Evaluate(policy.Input{AmountUSD: price, Token: body.Token, Contract: body.Contract}, g.policy); denial != nil {
		g.metrics.IncPolicyDenial(string(denial.Reason))
		g.log.Info("wallet policy denied request",
			"request_id", req.RequestID,
			"policy_id", policyID,
			"reason", denial.Reason,
		)
		return errorResponse(http.StatusForbidden, ErrorDetail{
			Code:    CodePolicyCapExceeded,
			Message: denial.Message,
			X402:    denial.Details,
		}), nil
	}

	capUSD := spend.NoCap
	if g.policy.SessionCapUSD != nil {
		capUSD = *g.policy.SessionCapUSD
	}
	sr, err := g.spend.TrySpend(ctx, policyID, price, capUSD)
	if err != nil {
		return Response{}, fmt.Errorf("recording spend: %w", err)
	}
	if !sr.Allowed {
		g.metrics.IncPolicyDenial("session_cap_exceeded")
		g.log.Info("session cap exceeded",
			"request_id", req.RequestID,
			"policy_id", policyID,
			"spent", sr.PreviousTotal,
			"cap", capUSD,
		)
		return errorResponse(http.StatusForbidden, ErrorDetail{
			Code:    CodeSessionCapExceeded,
			Message: "Request would exceed wallet policy session spend cap.",
			X402: map[string]any{
				"policyId":           policyID,
				"sessionCapUsd":      formatUSD(capUSD),
				"sessionSpentUsd":    formatUSD(sr.PreviousTotal),
				"requestedAmountUsd": formatUSD(price),
				"currency":           "USD",
			},
		}), nil
	}
	g.metrics.IncPaidCall(price)

	taskID := "task_" + req.RequestID
	result := g.exec.Execute(ctx, runtime.TaskInput{Task: body.Task, RequestID: req.RequestID, TaskID: taskID})

	call := metering.PaidCall{
		ReceiptID:      "rcpt_" + g.newID(),
		RequestID:      req.RequestID,
		TaskID:         taskID,
		IdempotencyKey: req.IdempotencyKey,
		PolicyID:       policyID,
		ProofID:        settled.Proof.ProofID,
		Network:        settled.Proof.Network,
		TxRef:          settled.Settlement.TransactionRef,
		Receiver:       g.cfg.Receiver,
		AmountUSD:      price,
		DurationMs:     result.Elapsed().Milliseconds(),
		PaidAt:         settled.Settlement.ConfirmedAt,
	}
	if call.PaidAt.IsZero() {
		call.PaidAt = g.now().UTC()
	}

	var resp Response
	switch r := result.(type) {
	case runtime.Completed:
		call.Outcome = metering.OutcomeCompleted
		resp = g.success(req, taskID, r, call)
	case runtime.TimedOut:
		call.Outcome = metering.OutcomeTimeout
		g.log.Warn("task timed out", "request_id", req.RequestID, "task_id", taskID, "timeout", r.Timeout)
		resp = errorResponse(http.StatusGatewayTimeout, ErrorDetail{
			Code:    CodeTaskTimeout,
			Message: "Task did not complete within the configured timeout.",
			X402: map[string]any{
				"taskId":    taskID,
				"timeoutMs": r.Timeout.Milliseconds(),
			},
		})
	case runtime.Failed:
		call.Outcome = metering.OutcomeFailed
		g.log.Warn("task failed", "request_id", req.RequestID, "task_id", taskID, "error", r.Err)
		resp = errorResponse(http.StatusBadGateway, ErrorDetail{
			Code:    CodeTaskFailed,
			Message: "Task execution failed.",
			X402: map[string]any{
				"taskId": taskID,
				"reason": failureReason(r.Err),
			},
		})
	}

	g.metrics.ObserveTask(call.Outcome, result.Elapsed().Seconds())
	g.receipts.Record(call)
	return resp, nil
}

type amount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type receipt struct {
	Paid      bool      `json:"paid"`
	ReceiptID string    `json:"receiptId"`
	Network   string    `json:"network"`
	TxRef     string    `json:"txRef"`
	ProofID   string    `json:"proofId"`
	Receiver  string    `json:"receiver"`
	Amount    amount    `json:"amount"`
	PaidAt    time.Time `json:"paidAt"`
}

type taskResult struct {
	TaskID     string         `json:"taskId"`
	Output     runtime.Output `json:"output"`
	DurationMs int64          `json:"durationMs"`
}

type successBody struct {
	Status         string     `json:"status"`
	Result         taskResult `json:"result"`
	Receipt        receipt    `json:"receipt"`
	IdempotencyKey *string    `json:"idempotencyKey"`
}

func (g *Gateway) success(req Request, taskID string, r runtime.Completed, call metering.PaidCall) Response {
	b := successBody{
		Status: "completed",
		Result: taskResult{
			TaskID:     taskID,
			Output:     r.Output,
			DurationMs: r.Duration.Milliseconds(),
		},
		Receipt: receipt{
			Paid:      true,
			ReceiptID: call.ReceiptID,
			Network:   call.Network,
			TxRef:     call.TxRef,
			ProofID:   call.ProofID,
			Receiver:  call.Receiver,
			Amount:    amount{Currency: "USD", Value: formatUSD(call.AmountUSD)},
			PaidAt:    call.PaidAt,
		},
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		b.IdempotencyKey = &key
	}

	raw, err := json.Marshal(b)
	if err != nil {
		g.log.Error("failed to encode task result", "request_id", req.RequestID, "task_id", taskID, "error", err)
		return errorResponse(http.StatusBadGateway, ErrorDetail{
			Code:    CodeTaskFailed,
			Message: "Task execution failed.",
			X402:    map[string]any{"taskId": taskID, "reason": "task output is not JSON encodable"},
		})
	}
	return Response{StatusCode: http.StatusOK, Body: raw}
}

// paymentRejection renders the 402 for every state other than Settled.
func (g *Gateway) paymentRejection(state payment.State) Response {
	x402 := map[string]any{
		"resourceId":    g.cfg.ResourceID,
		"amount":        amount{Currency: "USD", Value: formatUSD(g.cfg.PriceUSD)},
		"receiver":      g.cfg.Receiver,
		"paymentHeader": g.PaymentHeader(),
	}

	var detail ErrorDetail
	switch s := state.(type) {
	case payment.Required:
		detail = ErrorDetail{Code: CodePaymentRequired, Message: "Payment required for this resource."}
		x402["retryHint"] = "Pay, then retry the same request with proof of payment."
	case payment.Malformed:
		detail = ErrorDetail{Code: CodePaymentProofInvalid, Message: s.Message}
		x402["retryHint"] = "Fix the payment proof format, then retry the same request."
	case payment.Invalid:
		detail = ErrorDetail{Code: CodePaymentInvalid, Message: s.Message}
		x402["retryHint"] = "Obtain a valid payment proof, then retry the same request."
	case payment.Underpaid:
		detail = ErrorDetail{Code: CodePaymentUnderpaid, Message: "Payment amount is below the required price."}
		x402["paidAmount"] = amount{Currency: "USD", Value: formatUSD(s.Proof.AmountUSD)}
		x402["retryHint"] = "Pay at least the required amount, then retry the same request."
	case payment.Unsettled:
		detail = ErrorDetail{Code: CodePaymentUnsettled, Message: s.Reason}
		x402["retryable"] = s.Retryable
		if s.Retryable {
			x402["retryHint"] = "Wait for the payment to settle, then retry the same request."
		} else {
			x402["retryHint"] = "Payment will not settle; pay again, then retry the same request."
		}
	}
	detail.X402 = x402
	return errorResponse(http.StatusPaymentRequired, detail)
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	default:
		return err.Error()
	}
}

func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type discardReceipts struct{}

func (discardReceipts) Record(metering.PaidCall) {}

type nopMetrics struct{}

func (nopMetrics) IncPaymentState(string)      {}
func (nopMetrics) IncIdempotency(string)       {}
func (nopMetrics) IncPolicyDenial(string)      {}
func (nopMetrics) ObserveTask(string, float64) {}
func (nopMetrics) IncPaidCall(float64)         {}
