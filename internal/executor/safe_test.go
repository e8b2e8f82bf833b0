package executor

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/autotransfer/internal/payload"
)

func TestNormalizeSafeSignature(t *testing.T) {
	agent := mustKey(t, agentHex)
	owner := crypto.PubkeyToAddress(agent.PublicKey)
	typed := SafeTypedData(8453, safeAddr, payload.Payload{To: recipient, Value: big.NewInt(1)}, big.NewInt(3))
	hash, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)

	raw, err := crypto.Sign(hash, agent)
	require.NoError(t, err)
	ethStyle := append([]byte(nil), raw...)
	ethStyle[64] += 27

	testCases := []struct {
		name    string
		sig     []byte
		wantErr bool
	}{
		{name: "Recovery id 0/1", sig: raw},
		{name: "Recovery id 27/28", sig: ethStyle},
		{name: "Truncated", sig: raw[:64], wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := normalizeSafeSignature(hash, tc.sig, owner)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, []byte{27, 28}, out[64])
			assert.Equal(t, raw[:64], out[:64])
		})
	}

	other := crypto.PubkeyToAddress(mustKey(t, strangerHex).PublicKey)
	_, err = normalizeSafeSignature(hash, raw, other)
	assert.Error(t, err)
}

func TestSafeTypedDataNonceChangesHash(t *testing.T) {
	p := payload.Payload{To: recipient, Value: big.NewInt(1), Data: []byte{}}
	h1, _, err := apitypes.TypedDataAndHash(SafeTypedData(8453, safeAddr, p, big.NewInt(1)))
	require.NoError(t, err)
	h2, _, err := apitypes.TypedDataAndHash(SafeTypedData(8453, safeAddr, p, big.NewInt(2)))
	require.NoError(t, err)
	again, _, err := apitypes.TypedDataAndHash(SafeTypedData(8453, safeAddr, p, big.NewInt(1)))
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, again)
}
