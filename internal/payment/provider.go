package payment

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Provider names accepted by NewProvider. "strict" is a legacy alias for
// "strict-format".
const (
	ProviderStub         = "stub"
	ProviderStrictFormat = "strict-format"
	ProviderStrict       = "strict"
)

// ParsedProof is a structurally valid payment proof. Values are produced by a
// Provider's Parse method and treated as immutable afterwards.
type ParsedProof struct {
	Raw       string  `json:"raw"`
	AmountUSD float64 `json:"amountUsd"`
	ProofID   string  `json:"proofId"`
	Network   string  `json:"network"`
}

// FailureReason distinguishes a proof that could not be parsed at all from
// one the provider parsed and then rejected.
type FailureReason string

const (
	ReasonMalformed FailureReason = "malformed"
	ReasonInvalid   FailureReason = "invalid"
)

// ParseError is returned by Provider.Parse when a proof is rejected.
type ParseError struct {
	Reason  FailureReason
	Message string
}

func (e *ParseError) Error() string {
	return string(e.Reason) + ": " + e.Message
}

// SettlementStatus is the outcome of a settlement check. It is either
// Confirmed or Pending.
type SettlementStatus interface {
	settlement()
}

// Confirmed reports a proof whose underlying transaction has finalized.
type Confirmed struct {
	TransactionRef string    `json:"transactionRef"`
	ConfirmedAt    time.Time `json:"confirmedAt"`
}

// Pending reports a proof that has not (yet) settled.
type Pending struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func (Confirmed) settlement() {}
func (Pending) settlement()   {}

// Provider is the adapter boundary for a proof verification backend. The
// gateway never reaches past it.
type Provider interface {
	Name() string

	// Parse validates a raw proof string. A rejection is reported as a
	// *ParseError.
	Parse(raw string) (ParsedProof, error)

	// CheckSettlement reports whether a parsed proof has settled. It may block
	// on a network call; a returned error means the check itself failed.
	CheckSettlement(ctx context.Context, proof ParsedProof) (SettlementStatus, error)
}

// Options toggles the test-only behaviours of the strict-format provider.
type Options struct {
	SimulateInvalid   bool
	SimulateUnsettled bool
}

// NewProvider returns the provider registered under name. Unknown names fall
// back to the permissive stub provider.
func NewProvider(name string, opts Options) Provider {
	switch name {
	case ProviderStrictFormat, ProviderStrict:
		return NewStrictFormatProvider(opts)
	default:
		return NewPermissiveProvider()
	}
}

const emptyProofMessage = "Empty payment proof."

// PermissiveProvider accepts any non-empty proof as an unbounded, settled
// payment. It is meant for development paths where payment enforcement is not
// under test.
type PermissiveProvider struct {
	now func() time.Time
}

// NewPermissiveProvider creates a PermissiveProvider.
func NewPermissiveProvider() *PermissiveProvider {
	return &PermissiveProvider{now: time.Now}
}

func (p *PermissiveProvider) Name() string { return ProviderStub }

func (p *PermissiveProvider) Parse(raw string) (ParsedProof, error) {
	proof := strings.TrimSpace(raw)
	if proof == "" {
		return ParsedProof{}, &ParseError{Reason: ReasonMalformed, Message: emptyProofMessage}
	}
	return ParsedProof{
		Raw:       proof,
		AmountUSD: math.Inf(1),
		ProofID:   "stub",
		Network:   "stub",
	}, nil
}

func (p *PermissiveProvider) CheckSettlement(_ context.Context, _ ParsedProof) (SettlementStatus, error) {
	return Confirmed{TransactionRef: "0xstub", ConfirmedAt: p.now().UTC()}, nil
}

// proofPattern is v1:<decimal amount, up to 6 fractional digits>:<id of 6+ chars>.
var proofPattern = regexp.MustCompile(`^v1:(\d+(?:\.\d{1,6})?):([A-Za-z0-9_-]{6,})$`)

const malformedProofMessage = "Malformed payment proof. Expected format: X-Payment: v1:<amount-usd>:<proof-id>"

// StrictFormatProvider parses proofs of the form v1:<amount>:<proof-id>.
type StrictFormatProvider struct {
	simulateInvalid   bool
	simulateUnsettled bool
	now               func() time.Time
}

// NewStrictFormatProvider creates a StrictFormatProvider.
func NewStrictFormatProvider(opts Options) *StrictFormatProvider {
	return &StrictFormatProvider{
		simulateInvalid:   opts.SimulateInvalid,
		simulateUnsettled: opts.SimulateUnsettled,
		now:               time.Now,
	}
}

func (p *StrictFormatProvider) Name() string { return ProviderStrictFormat }

func (p *StrictFormatProvider) Parse(raw string) (ParsedProof, error) {
	proof := strings.TrimSpace(raw)
	if proof == "" {
		return ParsedProof{}, &ParseError{Reason: ReasonMalformed, Message: emptyProofMessage}
	}

	match := proofPattern.FindStringSubmatch(proof)
	if match == nil {
		return ParsedProof{}, &ParseError{Reason: ReasonMalformed, Message: malformedProofMessage}
	}

	amount, err := strconv.ParseFloat(match[1], 64)
	if err != nil || math.IsInf(amount, 0) || math.IsNaN(amount) {
		return ParsedProof{}, &ParseError{Reason: ReasonMalformed, Message: malformedProofMessage}
	}

	if p.simulateInvalid {
		return ParsedProof{}, &ParseError{
			Reason:  ReasonInvalid,
			Message: "Payment proof rejected by provider: signature verification failed.",
		}
	}

	return ParsedProof{
		Raw:       proof,
		AmountUSD: amount,
		ProofID:   match[2],
		Network:   "base-sepolia",
	}, nil
}

func (p *StrictFormatProvider) CheckSettlement(_ context.Context, proof ParsedProof) (SettlementStatus, error) {
	if p.simulateUnsettled {
		return Pending{Reason: "Transaction pending confirmation.", Retryable: true}, nil
	}
	return Confirmed{
		TransactionRef: "0x" + proof.ProofID,
		ConfirmedAt:    p.now().UTC(),
	}, nil
}
