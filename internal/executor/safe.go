package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/payload"
	"github.com/vultisig/autotransfer/internal/signer"
	"github.com/vultisig/autotransfer/internal/types"
)

const safeABIJSON = `[
	{"name":"nonce","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"execTransaction","type":"function","stateMutability":"payable","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"safeTxGas","type":"uint256"},
		{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},
		{"name":"gasToken","type":"address"},
		{"name":"refundReceiver","type":"address"},
		{"name":"signatures","type":"bytes"}
	],"outputs":[{"name":"success","type":"bool"}]}
]`

var safeABI = mustParseABI(safeABIJSON)

// execTransaction costs on top of the inner call: signature check, nonce
// bump and event.
const safeExecOverhead uint64 = 60_000

var safeTxTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"SafeTx": {
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
		{Name: "operation", Type: "uint8"},
		{Name: "safeTxGas", Type: "uint256"},
		{Name: "baseGas", Type: "uint256"},
		{Name: "gasPrice", Type: "uint256"},
		{Name: "gasToken", Type: "address"},
		{Name: "refundReceiver", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
}

// SafeTypedData builds the EIP-712 SafeTx for a plain CALL with no gas
// refund.
func SafeTypedData(chainID int64, safe common.Address, p payload.Payload, nonce *big.Int) apitypes.TypedData {
	zero := common.Address{}
	value := p.Value
	if value == nil {
		value = big.NewInt(0)
	}
	return apitypes.TypedData{
		Types:       safeTxTypes,
		PrimaryType: "SafeTx",
		Domain: apitypes.TypedDataDomain{
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: safe.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":             p.To.Hex(),
			"value":          value.String(),
			"data":           hexutil.Encode(p.Data),
			"operation":      "0",
			"safeTxGas":      "0",
			"baseGas":        "0",
			"gasPrice":       "0",
			"gasToken":       zero.Hex(),
			"refundReceiver": zero.Hex(),
			"nonce":          nonce.String(),
		},
	}
}

// SafeStrategy executes through a 1-of-N Safe owned by the agent wallet.
// The agent signs the SafeTx remotely; the chain's relayer key submits.
type SafeStrategy struct {
	signer signer.Signer
	logger *logrus.Logger
}

func NewSafeStrategy(s signer.Signer, logger *logrus.Logger) *SafeStrategy {
	return &SafeStrategy{signer: s, logger: logger}
}

func (s *SafeStrategy) Method() types.ExecutionMethod {
	return types.MethodMultisig
}

func (s *SafeStrategy) EstimateGas(ctx context.Context, chain *chains.Chain, account types.SmartAccount, p payload.Payload) (uint64, error) {
	from := account.AddressHex()
	to := p.To
	inner, err := chain.Client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: p.Value, Data: p.Data})
	if err != nil {
		return 0, err
	}
	return withBuffer(inner+safeExecOverhead, 20), nil
}

// Sender is the chain's relayer; the agent only signs.
func (s *SafeStrategy) Sender(ctx context.Context, chain *chains.Chain, account types.SmartAccount) (*ecdsa.PrivateKey, error) {
	if chain.Relayer == nil {
		return nil, types.NewError(types.ErrSubmissionFailure, fmt.Sprintf("chain %d has no relayer", chain.ChainID), nil)
	}
	return chain.Relayer.Key, nil
}

func (s *SafeStrategy) Authorize(ctx context.Context, chain *chains.Chain, account types.SmartAccount, key *ecdsa.PrivateKey, payloads []payload.Payload, gas []uint64, gasPrice *big.Int) (*Authorization, error) {
	if !common.IsHexAddress(account.AgentAddress) {
		return nil, types.NewError(types.ErrSigningFailure, fmt.Sprintf("account %s has no agent owner", account.Address), nil)
	}
	safe := account.AddressHex()
	agent := common.HexToAddress(account.AgentAddress)

	nonce, err := s.safeNonce(ctx, chain, safe)
	if err != nil {
		return nil, types.NewError(types.ErrSubmissionFailure, "failed to read safe nonce", err)
	}

	auth := &Authorization{Key: key}
	for i, p := range payloads {
		typed := SafeTypedData(chain.ChainID, safe, p, new(big.Int).Add(nonce, big.NewInt(int64(i))))
		hash, _, err := apitypes.TypedDataAndHash(typed)
		if err != nil {
			return nil, types.NewError(types.ErrSigningFailure, "failed to hash safe transaction", err)
		}

		sig, err := s.signer.SignTypedData(ctx, account.AgentWalletID, chain.ChainID, typed)
		if err != nil {
			return nil, types.NewError(types.ErrSigningFailure, "signer refused safe transaction", err)
		}
		sig, err = normalizeSafeSignature(hash, sig, agent)
		if err != nil {
			return nil, types.NewError(types.ErrSigningFailure, "invalid safe signature", err)
		}

		s.logger.WithFields(logrus.Fields{
			"chain_id":  chain.ChainID,
			"safe":      safe.Hex(),
			"safe_hash": hexutil.Encode(hash),
			"nonce":     typed.Message["nonce"],
		}).Info("Safe transaction signed")

		value := p.Value
		if value == nil {
			value = big.NewInt(0)
		}
		data, err := safeABI.Pack("execTransaction",
			p.To, value, p.Data, uint8(0),
			big.NewInt(0), big.NewInt(0), big.NewInt(0),
			common.Address{}, common.Address{}, sig)
		if err != nil {
			return nil, types.NewError(types.ErrSigningFailure, "failed to pack execTransaction", err)
		}
		auth.Requests = append(auth.Requests, chains.TxRequest{
			To:       safe,
			Value:    big.NewInt(0),
			Data:     data,
			Gas:      gas[i],
			GasPrice: gasPrice,
		})
	}
	return auth, nil
}

func (s *SafeStrategy) safeNonce(ctx context.Context, chain *chains.Chain, safe common.Address) (*big.Int, error) {
	data, err := safeABI.Pack("nonce")
	if err != nil {
		return nil, err
	}
	out, err := chain.Client.CallContract(ctx, ethereum.CallMsg{To: &safe, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	var nonce *big.Int
	if err := safeABI.UnpackIntoInterface(&nonce, "nonce", out); err != nil {
		return nil, err
	}
	return nonce, nil
}

// normalizeSafeSignature checks that sig over hash recovers to owner and
// returns it with v in the 27/28 form the Safe contract expects.
func normalizeSafeSignature(hash, sig []byte, owner common.Address) ([]byte, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("signature is %d bytes", len(sig))
	}
	out := make([]byte, len(sig))
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	if out[64] > 1 {
		return nil, fmt.Errorf("unexpected recovery id %d", sig[64])
	}

	pub, err := crypto.SigToPub(hash, out)
	if err != nil {
		return nil, fmt.Errorf("failed to recover signer: %w", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != owner {
		return nil, fmt.Errorf("signature recovers to %s, want %s", recovered.Hex(), owner.Hex())
	}
	out[64] += 27
	return out, nil
}
