package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/x402gate/internal/metering"
	"github.com/alecgard/x402gate/internal/spend"
)

// ReceiptLister pages through recorded paid calls.
type ReceiptLister interface {
	List(ctx context.Context, q metering.ReceiptQuery) ([]*metering.PaidCall, string, error)
}

type adminHandler struct {
	spend    spend.Store
	receipts ReceiptLister
}

func newAdminHandler(s spend.Store, receipts ReceiptLister) *adminHandler {
	return &adminHandler{spend: s, receipts: receipts}
}

type spendTotalResponse struct {
	PolicyID string  `json:"policyId"`
	TotalUSD float64 `json:"totalUsd"`
	Currency string  `json:"currency"`
}

// GetSpend handles GET /api/v1/admin/spend/{policyID}.
func (h *adminHandler) GetSpend(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")
	total, err := h.spend.TotalSpend(r.Context(), policyID)
	if err != nil {
		slog.Error("reading spend total", "policy_id", policyID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read spend total")
		return
	}
	writeJSON(w, http.StatusOK, spendTotalResponse{PolicyID: policyID, TotalUSD: total, Currency: "USD"})
}

// ResetSpend handles DELETE /api/v1/admin/spend/{policyID}.
func (h *adminHandler) ResetSpend(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")
	if err := h.spend.Reset(r.Context(), policyID); err != nil {
		slog.Error("resetting spend total", "policy_id", policyID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to reset spend total")
		return
	}
	auditLog(r, "spend.reset", "policy", policyID)
	w.WriteHeader(http.StatusNoContent)
}

type receiptListResponse struct {
	Receipts   []*metering.PaidCall `json:"receipts"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// ListReceipts handles GET /api/v1/admin/receipts.
func (h *adminHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	if h.receipts == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "receipt metering is disabled")
		return
	}

	q := metering.ReceiptQuery{
		PolicyID: r.URL.Query().Get("policy_id"),
		Cursor:   r.URL.Query().Get("cursor"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	calls, next, err := h.receipts.List(r.Context(), q)
	if errors.Is(err, metering.ErrInvalidCursor) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid cursor")
		return
	}
	if err != nil {
		slog.Error("listing receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list receipts")
		return
	}
	if calls == nil {
		calls = []*metering.PaidCall{}
	}
	auditLog(r, "receipts.list", "policy", q.PolicyID, "count", len(calls))
	writeJSON(w, http.StatusOK, receiptListResponse{Receipts: calls, NextCursor: next})
}
