package chain_test

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/oracled/internal/chain"
	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/metrics"
)

func testutilCounter(m *metrics.Metrics) float64 {
	return testutil.ToFloat64(m.NonceRetries)
}

func TestIsNonceError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed too low", fmt.Errorf("%w: state 3", core.ErrNonceTooLow), true},
		{"typed too high", core.ErrNonceTooHigh, true},
		{"rpc text", fmt.Errorf("Nonce too low. Expected nonce to be 4"), true},
		{"replacement", fmt.Errorf("replacement transaction underpriced"), true},
		{"sentinel", chain.ErrNonceConflict, true},
		{"coded conflict", errors.NewChainError(errors.ChainErrNonceConflict, "", nil), true},
		{"coded other mentioning nonce", errors.NewStorageError(errors.StorageErrWrite, "failed to reserve shared nonce", nil), false},
		{"revert", fmt.Errorf("execution reverted"), false},
		{"funds", fmt.Errorf("insufficient funds for gas * price + value"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chain.IsNonceError(tt.err))
		})
	}
}

func TestNewSigner(t *testing.T) {
	t.Parallel()

	// Hardhat's first development account.
	const key = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	s, err := chain.NewSigner(key, big.NewInt(31337))
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())
	assert.Equal(t, big.NewInt(31337), s.ChainID())

	_, err = chain.NewSigner("not-a-key", big.NewInt(1))
	require.Error(t, err)
	assert.True(t, errors.IsChainError(err, errors.ChainErrInvalidKey))
	assert.NotContains(t, err.Error(), "not-a-key")

	_, err = chain.NewSigner(key, nil)
	assert.Error(t, err)
}

func TestRegistryPackRegisterMarket(t *testing.T) {
	t.Parallel()

	r, err := chain.NewRegistry(registryAddress)
	require.NoError(t, err)

	data, err := r.Pack(resolution.NewRegisterRequest("m1", "Will BTC close above 100k?", "Coinbase close"))
	require.NoError(t, err)

	method, ok := r.Method(resolution.KindRegisterMarket)
	require.True(t, ok)
	assert.Equal(t, "registerMarket(string,string,string)", method.Sig)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"m1", "Will BTC close above 100k?", "Coinbase close"}, args)
}

func TestNewRegistryRejectsBadAddress(t *testing.T) {
	t.Parallel()

	_, err := chain.NewRegistry("0x1234")
	assert.True(t, errors.IsChainError(err, errors.ChainErrInvalidRequest))
}
