package chain

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cmatc13/oracled/pkg/errors"
)

// Signer is the single signing identity of a deployment. It is immutable
// after construction and never exposes the key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewSigner parses a hex private key, with or without 0x, for chainID.
func NewSigner(hexKey string, chainID *big.Int) (*Signer, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.ChainErrorf(errors.ChainErrInvalidKey, "chain id must be positive")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"), "0X"))
	if err != nil {
		// The parse error never includes key material.
		return nil, errors.ChainWrapWithCode(err, errors.OpLoadSigner, errors.ChainErrInvalidKey, "failed to parse private key")
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

// Address returns the signing address.
func (s *Signer) Address() common.Address { return s.address }

// ChainID returns a copy of the chain id transactions are signed for.
func (s *Signer) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// Sign signs tx for the configured chain.
func (s *Signer) Sign(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, errors.ChainWrapWithCode(err, errors.OpSignTransaction, errors.ChainErrInvalidKey, "failed to sign transaction")
	}
	return signed, nil
}
