// Package policy evaluates per-request wallet policy rules. It is pure: session
// totals live in the spend package.
package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Config is a wallet policy. Nil caps are unset. Allow lists are stored
// lower-cased; an empty list allows everything.
type Config struct {
	PolicyID         string   `yaml:"policy_id" json:"policyId"`
	PerRequestCapUSD *float64 `yaml:"per_request_cap_usd" json:"perRequestCapUsd"`
	SessionCapUSD    *float64 `yaml:"session_cap_usd" json:"sessionCapUsd"`
	AllowedTokens    []string `yaml:"allowed_tokens" json:"allowedTokens"`
	AllowedContracts []string `yaml:"allowed_contracts" json:"allowedContracts"`
}

// Reason identifies why a request was denied.
type Reason string

const (
	ReasonCapExceeded        Reason = "cap_exceeded"
	ReasonTokenNotAllowed    Reason = "token_not_allowed"
	ReasonContractNotAllowed Reason = "contract_not_allowed"
)

// Input is the part of a request the policy looks at.
type Input struct {
	AmountUSD float64
	Token     string
	Contract  string
}

// Denial explains a rejected request. Details are suitable for an error
// payload.
type Denial struct {
	PolicyID string
	Reason   Reason
	Message  string
	Details  map[string]any
}

func (d *Denial) Error() string {
	return fmt.Sprintf("policy %s: %s", d.PolicyID, d.Message)
}

// Evaluate checks in against cfg and returns nil when the request is allowed.
// The per-request cap is checked first, then the token allow list, then the
// contract allow list.
func Evaluate(in Input, cfg Config) *Denial {
	if cfg.PerRequestCapUSD != nil && in.AmountUSD > *cfg.PerRequestCapUSD {
		return &Denial{
			PolicyID: cfg.PolicyID,
			Reason:   ReasonCapExceeded,
			Message:  "Request amount exceeds wallet policy per-request cap.",
			Details: map[string]any{
				"policyId":       cfg.PolicyID,
				"policyMax":      formatUSD(*cfg.PerRequestCapUSD),
				"requiredAmount": formatUSD(in.AmountUSD),
				"currency":       "USD",
			},
		}
	}

	if token := Normalize(in.Token); token != "" && len(cfg.AllowedTokens) > 0 && !slices.Contains(cfg.AllowedTokens, token) {
		return &Denial{
			PolicyID: cfg.PolicyID,
			Reason:   ReasonTokenNotAllowed,
			Message:  "Requested token is not allowed by wallet policy.",
			Details: map[string]any{
				"policyId":       cfg.PolicyID,
				"allowedTokens":  cfg.AllowedTokens,
				"requestedToken": token,
			},
		}
	}

	if contract := Normalize(in.Contract); contract != "" && len(cfg.AllowedContracts) > 0 && !slices.Contains(cfg.AllowedContracts, contract) {
		return &Denial{
			PolicyID: cfg.PolicyID,
			Reason:   ReasonContractNotAllowed,
			Message:  "Requested contract is not allowed by wallet policy.",
			Details: map[string]any{
				"policyId":          cfg.PolicyID,
				"allowedContracts":  cfg.AllowedContracts,
				"requestedContract": contract,
			},
		}
	}

	return nil
}

// Normalize trims and lower-cases a token or contract identifier.
func Normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// NormalizeList normalizes every entry and drops empty ones.
func NormalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := Normalize(v); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func formatUSD(v float64) string {
	return fmt.Sprintf("%g", v)
}
