package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Client is a minimal Ethereum JSON-RPC client covering the two calls the
// lifecycle needs: receipt lookup and log range queries.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	logger     *zap.Logger
}

// ClientConfig holds JSON-RPC endpoint settings.
type ClientConfig struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a JSON-RPC client against the configured endpoint.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		rpcURL:     cfg.RPCURL,
		logger:     logger,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	return rpcResp.Result, nil
}

// rpcReceipt mirrors the eth_getTransactionReceipt result shape.
type rpcReceipt struct {
	TransactionHash   string   `json:"transactionHash"`
	Status            string   `json:"status"`
	BlockNumber       string   `json:"blockNumber"`
	BlockHash         string   `json:"blockHash"`
	TransactionIndex  string   `json:"transactionIndex"`
	GasUsed           string   `json:"gasUsed"`
	EffectiveGasPrice string   `json:"effectiveGasPrice"`
	Logs              []rpcLog `json:"logs"`
}

type rpcLog struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	LogIndex string   `json:"logIndex"`

	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
}

// GetReceipt fetches the receipt for a transaction hash. A null result maps
// to ErrReceiptNotFound: the transaction may simply not be mined yet.
// Transport and RPC errors surface as-is so callers can tell an unhealthy
// endpoint from an unmined transaction.
func (c *Client) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return nil, fmt.Errorf("receipt lookup: %w", err)
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, ErrReceiptNotFound
	}

	var raw rpcReceipt
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}

	blockNumber, err := parseHexInt64(raw.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("decode block number: %w", err)
	}
	txIndex, err := parseHexInt64(raw.TransactionIndex)
	if err != nil {
		return nil, fmt.Errorf("decode transaction index: %w", err)
	}

	status := ReceiptFailure
	if raw.Status == "0x1" {
		status = ReceiptSuccess
	}

	receipt := &Receipt{
		TxHash:      raw.TransactionHash,
		Status:      status,
		BlockNumber: blockNumber,
		BlockHash:   raw.BlockHash,
		TxIndex:     int(txIndex),
		GasUsed:     parseHexBig(raw.GasUsed),
		GasPrice:    parseHexBig(raw.EffectiveGasPrice),
		Raw:         result,
	}

	for _, l := range raw.Logs {
		idx, _ := parseHexInt64(l.LogIndex)
		receipt.Logs = append(receipt.Logs, Log{
			Address: l.Address,
			Topics:  l.Topics,
			Data:    l.Data,
			Index:   int(idx),
		})
	}

	return receipt, nil
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return parseHexInt64(hex)
}

// GetLogs queries event logs for the given address and topic over an
// inclusive block range.
func (c *Client) GetLogs(ctx context.Context, address, topic string, fromBlock, toBlock int64) ([]rpcLog, error) {
	filter := map[string]interface{}{
		"address":   address,
		"topics":    []string{topic},
		"fromBlock": fmt.Sprintf("0x%x", fromBlock),
		"toBlock":   fmt.Sprintf("0x%x", toBlock),
	}

	result, err := c.call(ctx, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, err
	}

	var logs []rpcLog
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	return logs, nil
}

func parseHexInt64(s string) (int64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 16, 64)
}

func parseHexBig(s string) *big.Int {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil
	}
	return v
}
