// Package resolution defines the submission requests handed to the transaction
// coordinator and their on-chain numeric encoding.
package resolution

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/cmatc13/oracled/pkg/errors"
)

// Outcome is the resolved answer to a market question.
type Outcome string

const (
	OutcomeYes     Outcome = "Yes"
	OutcomeNo      Outcome = "No"
	OutcomeInvalid Outcome = "Invalid"
)

// Code returns the registry's uint8 encoding of the outcome.
func (o Outcome) Code() (uint8, error) {
	switch o {
	case OutcomeYes:
		return 0, nil
	case OutcomeNo:
		return 1, nil
	case OutcomeInvalid:
		return 2, nil
	default:
		return 0, errors.ChainErrorf(errors.ChainErrInvalidRequest, "unknown outcome %q", string(o))
	}
}

// Valid reports whether o is one of the three outcomes.
func (o Outcome) Valid() bool {
	_, err := o.Code()
	return err == nil
}

// OutcomeFromCode is the inverse of Outcome.Code.
func OutcomeFromCode(code uint8) (Outcome, error) {
	switch code {
	case 0:
		return OutcomeYes, nil
	case 1:
		return OutcomeNo, nil
	case 2:
		return OutcomeInvalid, nil
	default:
		return "", errors.ChainErrorf(errors.ChainErrInvalidRequest, "unknown outcome code %d", code)
	}
}

// ParseOutcome accepts an outcome name in any letter case.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return OutcomeYes, nil
	case "no":
		return OutcomeNo, nil
	case "invalid":
		return OutcomeInvalid, nil
	default:
		return "", errors.ChainErrorf(errors.ChainErrInvalidRequest, "unknown outcome %q", s)
	}
}

// ClampConfidence maps a confidence score onto the registry's 0..100 range,
// rounding half away from zero. NaN maps to 0.
func ClampConfidence(confidence float64) uint8 {
	if math.IsNaN(confidence) {
		return 0
	}
	return uint8(math.Round(math.Min(100, math.Max(0, confidence))))
}

// ParseProofHash normalizes a proof reference to 32 bytes. A 0x-prefixed
// 64-digit hex string is decoded as is; any other non-empty string is hashed
// with legacy Keccak-256.
func ParseProofHash(s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, errors.ChainErrorf(errors.ChainErrInvalidRequest, "proof hash is required")
	}
	if has0x(s) && len(s) == 2+2*common.HashLength {
		raw, err := hex.DecodeString(s[2:])
		if err == nil {
			return common.BytesToHash(raw), nil
		}
	}
	return Keccak256([]byte(s)), nil
}

// Keccak256 hashes data with the pre-standard Keccak used by Ethereum.
func Keccak256(data []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out common.Hash
	h.Sum(out[:0])
	return out
}

func has0x(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// Kind names the registry function a request invokes.
type Kind string

const (
	KindRegisterMarket   Kind = "registerMarket"
	KindSubmitResolution Kind = "submitResolution"
)

// RegisterPayload carries the arguments of registerMarket.
type RegisterPayload struct {
	EventDescription   string `json:"eventDescription"`
	ResolutionCriteria string `json:"resolutionCriteria"`
}

// ResolvePayload carries the encoded arguments of submitResolution.
type ResolvePayload struct {
	Outcome    Outcome     `json:"outcome"`
	Confidence uint8       `json:"confidence"`
	ProofHash  common.Hash `json:"proofHash"`
}

// Request is one immutable unit of work for the coordinator.
type Request struct {
	MarketID string           `json:"marketId"`
	Kind     Kind             `json:"kind"`
	Register *RegisterPayload `json:"register,omitempty"`
	Resolve  *ResolvePayload  `json:"resolve,omitempty"`
}

// NewRegisterRequest builds a registerMarket request.
func NewRegisterRequest(marketID, eventDescription, resolutionCriteria string) Request {
	return Request{
		MarketID: marketID,
		Kind:     KindRegisterMarket,
		Register: &RegisterPayload{
			EventDescription:   eventDescription,
			ResolutionCriteria: resolutionCriteria,
		},
	}
}

// NewResolveRequest builds a submitResolution request, clamping the
// confidence and normalizing the proof hash.
func NewResolveRequest(marketID string, outcome Outcome, confidence float64, proofHash string) (Request, error) {
	hash, err := ParseProofHash(proofHash)
	if err != nil {
		return Request{}, err
	}
	req := Request{
		MarketID: marketID,
		Kind:     KindSubmitResolution,
		Resolve: &ResolvePayload{
			Outcome:    outcome,
			Confidence: ClampConfidence(confidence),
			ProofHash:  hash,
		},
	}
	return req, req.Validate()
}

// Label identifies the request in logs and errors.
func (r Request) Label() string {
	switch r.Kind {
	case KindRegisterMarket:
		return "register:" + r.MarketID
	case KindSubmitResolution:
		return "submit:" + r.MarketID
	default:
		return fmt.Sprintf("%s:%s", r.Kind, r.MarketID)
	}
}

// Validate checks that the payload matches the kind.
func (r Request) Validate() error {
	if strings.TrimSpace(r.MarketID) == "" {
		return errors.ChainErrorf(errors.ChainErrInvalidRequest, "market id is required")
	}
	switch r.Kind {
	case KindRegisterMarket:
		if r.Register == nil {
			return errors.ChainErrorf(errors.ChainErrInvalidRequest, "%s requires a register payload", r.Kind)
		}
	case KindSubmitResolution:
		if r.Resolve == nil {
			return errors.ChainErrorf(errors.ChainErrInvalidRequest, "%s requires a resolve payload", r.Kind)
		}
		if !r.Resolve.Outcome.Valid() {
			return errors.ChainErrorf(errors.ChainErrInvalidRequest, "unknown outcome %q", string(r.Resolve.Outcome))
		}
		if r.Resolve.Confidence > 100 {
			return errors.ChainErrorf(errors.ChainErrInvalidRequest, "confidence %d out of range", r.Resolve.Confidence)
		}
	default:
		return errors.ChainErrorf(errors.ChainErrInvalidRequest, "unknown request kind %q", string(r.Kind))
	}
	return nil
}
