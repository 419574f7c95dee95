package api

import (
	"net/http"
	"strconv"

	"github.com/alecgard/x402gate/internal/gateway"
)

type manifestAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type manifest struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Version       string            `json:"version"`
	ResourceID    string            `json:"resourceId"`
	Price         manifestAmount    `json:"price"`
	Receiver      string            `json:"receiver"`
	Provider      string            `json:"provider"`
	PaymentHeader string            `json:"paymentHeader"`
	Idempotency   string            `json:"idempotencyHeader"`
	Endpoints     map[string]string `json:"endpoints"`
	Health        string            `json:"health"`
}

// wellKnownHandler serves /.well-known/x402.json describing the paid
// resource and how to pay for it.
func wellKnownHandler(gw *gateway.Gateway, version string) http.HandlerFunc {
	cfg := gw.Config()
	m := manifest{
		Name:          "x402gate",
		Description:   "Pay-per-call task gateway",
		Version:       version,
		ResourceID:    cfg.ResourceID,
		Price:         manifestAmount{Currency: "USD", Value: strconv.FormatFloat(cfg.PriceUSD, 'f', -1, 64)},
		Receiver:      cfg.Receiver,
		Provider:      cfg.Provider,
		PaymentHeader: gw.PaymentHeader(),
		Idempotency:   "Idempotency-Key",
		Endpoints: map[string]string{
			"task":    "/agent/task",
			"metrics": "/metrics/summary",
		},
		Health: "/health",
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m)
	}
}
