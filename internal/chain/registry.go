package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/pkg/errors"
)

// RegistryABI is the interface of the oracle registry contract.
const RegistryABI = `[
	{"type":"function","name":"registerMarket","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"marketId","type":"string"},
		{"name":"eventDescription","type":"string"},
		{"name":"resolutionCriteria","type":"string"}]},
	{"type":"function","name":"submitResolution","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"marketId","type":"string"},
		{"name":"outcome","type":"uint8"},
		{"name":"confidence","type":"uint8"},
		{"name":"proofHash","type":"bytes32"}]}
]`

// Registry encodes calls to the registry contract at Address.
type Registry struct {
	Address common.Address
	abi     abi.ABI
}

// NewRegistry parses the registry ABI and binds it to a hex address.
func NewRegistry(address string) (*Registry, error) {
	if !common.IsHexAddress(address) {
		return nil, errors.ChainErrorf(errors.ChainErrInvalidRequest, "invalid registry address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, errors.ChainWrapWithCode(err, errors.OpPackCall, errors.ChainErrInvalidRequest, "failed to parse registry abi")
	}
	return &Registry{Address: common.HexToAddress(address), abi: parsed}, nil
}

// Pack encodes the calldata for req.
func (r *Registry) Pack(req resolution.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		data []byte
		err  error
	)
	switch req.Kind {
	case resolution.KindRegisterMarket:
		data, err = r.abi.Pack(string(req.Kind), req.MarketID, req.Register.EventDescription, req.Register.ResolutionCriteria)
	case resolution.KindSubmitResolution:
		var outcome uint8
		outcome, err = req.Resolve.Outcome.Code()
		if err == nil {
			data, err = r.abi.Pack(string(req.Kind), req.MarketID, outcome, req.Resolve.Confidence, [32]byte(req.Resolve.ProofHash))
		}
	}
	if err != nil {
		return nil, errors.ChainWrapWithCode(err, errors.OpPackCall, errors.ChainErrInvalidRequest, "failed to encode "+string(req.Kind))
	}
	return data, nil
}

// Method returns the ABI method for a request kind, for decoding in tests and tooling.
func (r *Registry) Method(kind resolution.Kind) (abi.Method, bool) {
	m, ok := r.abi.Methods[string(kind)]
	return m, ok
}
