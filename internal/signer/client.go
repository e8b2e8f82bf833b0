package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sirupsen/logrus"
)

const (
	signTypedDataEndpoint = "/sign/typed-data"
	executionKeyEndpoint  = "/keys/execution"
)

// Signer is the key-custody service. It signs structured data on behalf of
// agent wallets and releases custodial keys for direct-send accounts.
type Signer interface {
	SignTypedData(ctx context.Context, walletID string, chainID int64, data apitypes.TypedData) ([]byte, error)
	GetPrivateExecutionKey(ctx context.Context, walletID string) (*ecdsa.PrivateKey, error)
}

type signTypedDataRequest struct {
	WalletID    string                    `json:"wallet_id"`
	ChainID     int64                     `json:"chain_id"`
	Domain      apitypes.TypedDataDomain  `json:"domain"`
	Types       apitypes.Types            `json:"types"`
	PrimaryType string                    `json:"primary_type"`
	Message     apitypes.TypedDataMessage `json:"message"`
}

type signTypedDataResponse struct {
	Signature string `json:"signature"`
}

type executionKeyRequest struct {
	WalletID string `json:"wallet_id"`
}

type executionKeyResponse struct {
	PrivateKey string `json:"private_key"`
}

type Client struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SignTypedData is called once per attempt; it is not retried because the
// caller treats any failure as terminal for the attempt.
func (c *Client) SignTypedData(ctx context.Context, walletID string, chainID int64, data apitypes.TypedData) ([]byte, error) {
	c.logger.WithFields(logrus.Fields{
		"wallet_id":    walletID,
		"chain_id":     chainID,
		"primary_type": data.PrimaryType,
	}).Info("Requesting typed data signature")

	var out signTypedDataResponse
	err := c.post(ctx, signTypedDataEndpoint, signTypedDataRequest{
		WalletID:    walletID,
		ChainID:     chainID,
		Domain:      data.Domain,
		Types:       data.Types,
		PrimaryType: data.PrimaryType,
		Message:     data.Message,
	}, &out)
	if err != nil {
		return nil, err
	}

	sig, err := hexutil.Decode(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("signer returned malformed signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("signer returned %d byte signature, want %d", len(sig), crypto.SignatureLength)
	}
	return sig, nil
}

func (c *Client) GetPrivateExecutionKey(ctx context.Context, walletID string) (*ecdsa.PrivateKey, error) {
	var out executionKeyResponse
	if err := c.post(ctx, executionKeyEndpoint, executionKeyRequest{WalletID: walletID}, &out); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(out.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer returned malformed key: %w", err)
	}
	return key, nil
}

func (c *Client) post(ctx context.Context, endpoint string, in, out any) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("fail to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("fail to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fail to call signer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.WithFields(logrus.Fields{
			"status_code": resp.StatusCode,
			"body":        string(body),
			"endpoint":    endpoint,
		}).Error("Signer request failed")
		return fmt.Errorf("signer returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("fail to decode signer response: %w", err)
	}
	return nil
}
