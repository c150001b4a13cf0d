// Package zksync is the faucet's boundary to the zkSync network: a
// JSON-RPC 2.0 client that submits transfers from the faucet account and
// polls for receipt confirmation. Transaction signing is delegated to an
// injected Signer so key management stays outside this package.
package zksync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftlabs/faucet/pkg/retry"
)

const (
	// zeroPubKeyHash is the committed pubKeyHash of an account whose
	// signing key has never been set.
	zeroPubKeyHash = "sync:0000000000000000000000000000000000000000"

	defaultReceiptPollInterval = time.Second
)

// Signature is a zkSync transaction signature produced by a Signer.
type Signature struct {
	PubKey    string `json:"pubKey"`
	Signature string `json:"signature"`
}

// Signer signs canonical transaction payloads for the faucet account.
type Signer interface {
	Sign(payload []byte) (Signature, error)
	PubKeyHash() string
}

type Config struct {
	Logger              *slog.Logger
	Clock               clockwork.Clock
	RPCURL              string
	Account             string
	Signer              Signer
	Retry               retry.Config
	ReceiptPollInterval time.Duration
	// ReceiptTimeout bounds how long AwaitReceipt polls for one
	// transaction. Zero means no bound; a hung confirmation then stalls
	// the dispatch queue until the RPC errors.
	ReceiptTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.Account == "" {
		return errors.New("account is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = defaultReceiptPollInterval
	}
	return nil
}

// Client talks JSON-RPC 2.0 to a zkSync node.
type Client struct {
	log        *slog.Logger
	cfg        Config
	httpClient *http.Client
	nextID     atomic.Int64
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error: %s (code %d)", e.Message, e.Code)
}

type accountState struct {
	ID        uint32 `json:"id"`
	Address   string `json:"address"`
	Committed struct {
		Nonce      uint32            `json:"nonce"`
		PubKeyHash string            `json:"pubKeyHash"`
		Balances   map[string]string `json:"balances"`
	} `json:"committed"`
}

type txInfo struct {
	Executed   bool    `json:"executed"`
	Success    *bool   `json:"success"`
	FailReason *string `json:"failReason"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	return retry.Do(ctx, c.cfg.Retry, func() error {
		return c.callOnce(ctx, method, params, result)
	})
}

func (c *Client) callOnce(ctx context.Context, method string, params []any, result any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) accountInfo(ctx context.Context, address string) (*accountState, error) {
	var state accountState
	if err := c.call(ctx, "account_info", []any{address}, &state); err != nil {
		return nil, fmt.Errorf("failed to fetch account info for %s: %w", address, err)
	}
	return &state, nil
}

// IsSigningKeySet reports whether the faucet account's zkSync signing key
// has been established on chain.
func (c *Client) IsSigningKeySet(ctx context.Context) (bool, error) {
	state, err := c.accountInfo(ctx, c.cfg.Account)
	if err != nil {
		return false, err
	}
	pkh := state.Committed.PubKeyHash
	return pkh != "" && pkh != zeroPubKeyHash, nil
}

// SetSigningKey submits a ChangePubKey transaction registering the
// signer's public key hash for the faucet account and waits for it to
// confirm. One-time prerequisite before any transfer.
func (c *Client) SetSigningKey(ctx context.Context, feeToken string) error {
	state, err := c.accountInfo(ctx, c.cfg.Account)
	if err != nil {
		return err
	}

	tx := map[string]any{
		"type":      "ChangePubKey",
		"accountId": state.ID,
		"account":   c.cfg.Account,
		"newPkHash": c.cfg.Signer.PubKeyHash(),
		"feeToken":  feeToken,
		"fee":       "0",
		"nonce":     state.Committed.Nonce,
	}
	hash, err := c.submit(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to submit ChangePubKey: %w", err)
	}

	c.log.Info("zksync: signing key change submitted", "tx", hash)
	return c.AwaitReceipt(ctx, hash)
}

// Transfer submits a transfer of amount base units of token from the
// faucet account to the given address and returns the transaction hash.
// The caller is responsible for awaiting the receipt.
func (c *Client) Transfer(ctx context.Context, to, token string, amount *big.Int) (string, error) {
	state, err := c.accountInfo(ctx, c.cfg.Account)
	if err != nil {
		return "", err
	}

	tx := map[string]any{
		"type":      "Transfer",
		"accountId": state.ID,
		"from":      c.cfg.Account,
		"to":        to,
		"token":     token,
		"amount":    amount.String(),
		"fee":       "0",
		"nonce":     state.Committed.Nonce,
	}
	hash, err := c.submit(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("failed to submit transfer of %s %s to %s: %w", amount, token, to, err)
	}

	c.log.Debug("zksync: transfer submitted", "to", to, "token", token, "amount", amount.String(), "tx", hash)
	return hash, nil
}

func (c *Client) submit(ctx context.Context, tx map[string]any) (string, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tx: %w", err)
	}
	sig, err := c.cfg.Signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign tx: %w", err)
	}
	tx["signature"] = sig

	var hash string
	if err := c.call(ctx, "tx_submit", []any{tx}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// AwaitReceipt polls tx_info until the transaction is executed. A
// transaction that executed unsuccessfully is a terminal error carrying
// the node's fail reason.
func (c *Client) AwaitReceipt(ctx context.Context, txHash string) error {
	deadline := time.Time{}
	if c.cfg.ReceiptTimeout > 0 {
		deadline = c.cfg.Clock.Now().Add(c.cfg.ReceiptTimeout)
	}

	for {
		var info txInfo
		if err := c.call(ctx, "tx_info", []any{txHash}, &info); err != nil {
			return fmt.Errorf("failed to fetch receipt for %s: %w", txHash, err)
		}
		if info.Executed {
			if info.Success != nil && !*info.Success {
				reason := "unknown"
				if info.FailReason != nil {
					reason = *info.FailReason
				}
				return fmt.Errorf("transaction %s failed: %s", txHash, reason)
			}
			return nil
		}

		if !deadline.IsZero() && c.cfg.Clock.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for receipt of %s", txHash)
		}

		timer := c.cfg.Clock.NewTimer(c.cfg.ReceiptPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

// Balance returns the committed balance of token for the faucet account
// in base units.
func (c *Client) Balance(ctx context.Context, token string) (*big.Int, error) {
	state, err := c.accountInfo(ctx, c.cfg.Account)
	if err != nil {
		return nil, err
	}
	raw, ok := state.Committed.Balances[token]
	if !ok {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("failed to parse %s balance %q", token, raw)
	}
	return n, nil
}
