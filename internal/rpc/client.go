// Package rpc provides JSON-RPC client functionality with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the interface for JSON-RPC communication with an EVM node.
type Client interface {
	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// EthCall executes a read-only message call at the given block tag.
	EthCall(ctx context.Context, msg CallMsg, block string) ([]byte, error)

	// EstimateGas estimates the gas a message needs.
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)

	// SendRawTransaction sends a signed transaction.
	SendRawTransaction(ctx context.Context, txRLP []byte) error

	// GetNonce fetches the pending nonce for an address.
	GetNonce(ctx context.Context, address string) (uint64, error)

	// GetBlockNumber returns the latest block number.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetBlockNumberByTag returns the number of the block with the given tag
	// ("finalized", "safe", "latest").
	GetBlockNumberByTag(ctx context.Context, tag string) (uint64, error)

	// ChainID returns the chain id.
	ChainID(ctx context.Context) (*big.Int, error)

	// GetGasPrice returns the current gas price from the node.
	GetGasPrice(ctx context.Context) (uint64, error)

	// GetBaseFee returns the latest block's baseFeePerGas.
	GetBaseFee(ctx context.Context) (uint64, error)

	// GetTransactionReceipt returns the receipt for a transaction, or nil if
	// the transaction is not yet included.
	GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// CallMsg is the message for eth_call and eth_estimateGas.
type CallMsg struct {
	From  string
	To    string
	Data  []byte
	Value *big.Int
	Gas   uint64
}

func (m CallMsg) params() map[string]any {
	p := map[string]any{
		"to":   m.To,
		"data": hexutil.Encode(m.Data),
	}
	if m.From != "" {
		p["from"] = m.From
	}
	if m.Value != nil && m.Value.Sign() > 0 {
		p["value"] = hexutil.EncodeBig(m.Value)
	}
	if m.Gas > 0 {
		p["gas"] = hexutil.EncodeUint64(m.Gas)
	}
	return p
}

// TransactionReceipt represents an Ethereum transaction receipt.
type TransactionReceipt struct {
	TxHash            string `json:"transactionHash"`
	Status            uint64 `json:"status"`            // 1 = success, 0 = failure
	GasUsed           uint64 `json:"gasUsed"`           // Actual gas consumed
	BlockNumber       uint64 `json:"blockNumber"`       // Block this tx was included in
	EffectiveGasPrice uint64 `json:"effectiveGasPrice"` // Actual gas price paid
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ObserveFunc is called once per JSON-RPC call with its total duration,
// retries included.
type ObserveFunc func(method string, d time.Duration, err error)

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Observe        ObserveFunc // Optional
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	observe    ObserveFunc
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 500,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		observe:    cfg.Observe,
		logger:     logger,
	}
}

// Call makes a JSON-RPC call with retry logic. RPC errors are returned
// immediately; transport failures and 429/502/503/504 are retried.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (result json.RawMessage, err error) {
	if c.observe != nil {
		start := time.Now()
		defer func() { c.observe(method, time.Since(start), err) }()
	}

	if params == nil {
		params = []any{}
	}
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		result, err := c.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Application-level errors are final.
		if isRPCError(err) || isHTTPStatusError(err) {
			return nil, err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Data:    errorData(rpcResp.Error.Data),
		}
	}

	return rpcResp.Result, nil
}

// errorData flattens the error data field; nodes send revert data as a hex
// string but some wrap it in an object.
func errorData(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Data != "" {
		return obj.Data
	}
	return string(raw)
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
	Data    string // Revert data or extra detail, if the node sent any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusBadGateway ||
		e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusGatewayTimeout
}

func isHTTPStatusError(err error) bool {
	var httpErr *HTTPStatusError
	return errors.As(err, &httpErr)
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

// EthCall executes a read-only message call.
func (c *HTTPClient) EthCall(ctx context.Context, msg CallMsg, block string) ([]byte, error) {
	if block == "" {
		block = "latest"
	}
	result, err := c.Call(ctx, "eth_call", []any{msg.params(), block})
	if err != nil {
		return nil, err
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call result: %w", err)
	}
	return out, nil
}

// EstimateGas estimates the gas a message needs.
func (c *HTTPClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	result, err := c.Call(ctx, "eth_estimateGas", []any{msg.params()})
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "gas estimate")
}

// SendRawTransaction sends a signed transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) error {
	_, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(txRLP)})
	return err
}

// GetNonce fetches the nonce for an address with "pending" so in-flight
// transactions are counted.
func (c *HTTPClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []any{address, "pending"})
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "nonce")
}

// GetBlockNumber returns the latest block number.
func (c *HTTPClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "block number")
}

// ErrTagNotSupported is returned when the node does not know a block tag.
var ErrTagNotSupported = errors.New("block tag not supported")

// GetBlockNumberByTag returns the number of the tagged block.
func (c *HTTPClient) GetBlockNumberByTag(ctx context.Context, tag string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getBlockByNumber", []any{tag, false})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return 0, fmt.Errorf("%w: %s: %v", ErrTagNotSupported, tag, err)
		}
		return 0, err
	}
	if string(result) == "null" {
		return 0, fmt.Errorf("%w: %s", ErrTagNotSupported, tag)
	}
	var block struct {
		Number string `json:"number"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return 0, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	num, err := hexutil.DecodeUint64(block.Number)
	if err != nil {
		return 0, fmt.Errorf("failed to decode block number: %w", err)
	}
	return num, nil
}

// ChainID returns the chain id.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	var idHex string
	if err := json.Unmarshal(result, &idHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain id: %w", err)
	}
	id, err := hexutil.DecodeBig(idHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chain id: %w", err)
	}
	return id, nil
}

// GetGasPrice returns the current gas price from the node.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "gas price")
}

// GetBaseFee returns the current block's baseFeePerGas from the latest block.
func (c *HTTPClient) GetBaseFee(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_getBlockByNumber", []any{"latest", false})
	if err != nil {
		return 0, err
	}

	var block struct {
		BaseFeePerGas string `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return 0, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	if block.BaseFeePerGas == "" {
		return 0, fmt.Errorf("baseFeePerGas not found in block")
	}
	return hexutil.DecodeUint64(block.BaseFeePerGas)
}

// GetCode returns the deployed code at address on the latest block, or nil
// when the address has none.
func (c *HTTPClient) GetCode(ctx context.Context, address string) ([]byte, error) {
	result, err := c.Call(ctx, "eth_getCode", []any{address, "latest"})
	if err != nil {
		return nil, err
	}
	var codeHex string
	if err := json.Unmarshal(result, &codeHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal code: %w", err)
	}
	code, err := hexutil.Decode(codeHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode code: %w", err)
	}
	if len(code) == 0 {
		return nil, nil
	}
	return code, nil
}

// GetTransactionReceipt returns the receipt for a transaction.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []any{txHash})
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil // Not found yet
	}

	var rawReceipt struct {
		TxHash            string `json:"transactionHash"`
		Status            string `json:"status"`
		GasUsed           string `json:"gasUsed"`
		BlockNumber       string `json:"blockNumber"`
		EffectiveGasPrice string `json:"effectiveGasPrice"`
	}
	if err := json.Unmarshal(result, &rawReceipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, err := hexutil.DecodeUint64(rawReceipt.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to decode receipt status: %w", err)
	}
	blockNumber, err := hexutil.DecodeUint64(rawReceipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to decode receipt block: %w", err)
	}
	gasUsed, _ := hexutil.DecodeUint64(rawReceipt.GasUsed)
	effectiveGasPrice, _ := hexutil.DecodeUint64(rawReceipt.EffectiveGasPrice)

	return &TransactionReceipt{
		TxHash:            rawReceipt.TxHash,
		Status:            status,
		GasUsed:           gasUsed,
		BlockNumber:       blockNumber,
		EffectiveGasPrice: effectiveGasPrice,
	}, nil
}

func decodeQuantity(result json.RawMessage, what string) (uint64, error) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return v, nil
}
