package payment

import (
	"context"
	"errors"
	"fmt"
)

// GatewayConfig describes the paid resource. It is built once at startup and
// not modified afterwards.
type GatewayConfig struct {
	ResourceID        string
	PriceUSD          float64
	Receiver          string
	Provider          string
	SimulateInvalid   bool
	SimulateUnsettled bool
}

// Kind names a payment state.
type Kind string

const (
	KindRequired  Kind = "required"
	KindMalformed Kind = "malformed"
	KindInvalid   Kind = "invalid"
	KindUnderpaid Kind = "underpaid"
	KindUnsettled Kind = "unsettled"
	KindSettled   Kind = "settled"
)

// State is the resolved payment outcome of a single request. Exactly one of
// Required, Malformed, Invalid, Underpaid, Unsettled or Settled.
type State interface {
	Kind() Kind
	state()
}

// Required means no proof was attached.
type Required struct{}

// Malformed means the provider could not parse the proof.
type Malformed struct {
	Message string
}

// Invalid means the proof parsed but the provider rejected it.
type Invalid struct {
	Message string
}

// Underpaid means the proof amount is below the price.
type Underpaid struct {
	Proof       ParsedProof
	RequiredUSD float64
}

// Unsettled means the proof is sufficient but its settlement is not confirmed.
type Unsettled struct {
	Proof     ParsedProof
	Reason    string
	Retryable bool
}

// Settled means the proof is sufficient and settled.
type Settled struct {
	Proof      ParsedProof
	Settlement Confirmed
}

func (Required) Kind() Kind  { return KindRequired }
func (Malformed) Kind() Kind { return KindMalformed }
func (Invalid) Kind() Kind   { return KindInvalid }
func (Underpaid) Kind() Kind { return KindUnderpaid }
func (Unsettled) Kind() Kind { return KindUnsettled }
func (Settled) Kind() Kind   { return KindSettled }

func (Required) state()  {}
func (Malformed) state() {}
func (Invalid) state()   {}
func (Underpaid) state() {}
func (Unsettled) state() {}
func (Settled) state()   {}

// Resolve maps a raw proof to a payment state using provider. An empty proof
// resolves to Required. The only error is a failed settlement check; every
// proof-related rejection is a State.
func Resolve(ctx context.Context, rawProof string, requiredUSD float64, provider Provider) (State, error) {
	if rawProof == "" {
		return Required{}, nil
	}

	proof, err := provider.Parse(rawProof)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			if pe.Reason == ReasonInvalid {
				return Invalid{Message: pe.Message}, nil
			}
			return Malformed{Message: pe.Message}, nil
		}
		return Malformed{Message: err.Error()}, nil
	}

	// Equal to the price is sufficient.
	if proof.AmountUSD < requiredUSD {
		return Underpaid{Proof: proof, RequiredUSD: requiredUSD}, nil
	}

	status, err := provider.CheckSettlement(ctx, proof)
	if err != nil {
		return nil, fmt.Errorf("checking settlement: %w", err)
	}

	switch s := status.(type) {
	case Confirmed:
		return Settled{Proof: proof, Settlement: s}, nil
	case Pending:
		return Unsettled{Proof: proof, Reason: s.Reason, Retryable: s.Retryable}, nil
	default:
		return nil, fmt.Errorf("checking settlement: unexpected status %T", status)
	}
}
