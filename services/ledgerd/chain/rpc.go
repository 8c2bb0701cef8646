package chain

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"
)

// codeNonceConflict is the node error code for a sequence-slot collision.
const codeNonceConflict = -32010

// RPCConfig controls how the RPC adapter connects to the node endpoint.
type RPCConfig struct {
	Endpoint        string
	BearerToken     string
	TLSClientCAFile string
	AllowInsecure   bool
	Timeout         time.Duration
}

// RPC implements Adapter over the node's JSON-RPC 2.0 endpoint.
type RPC struct {
	endpoint string
	http     *http.Client
	bearer   string
}

// NewRPC constructs an RPC adapter.
func NewRPC(cfg RPCConfig) (*RPC, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("chain: endpoint is required")
	}
	tlsConfig := &tls.Config{}
	if cfg.AllowInsecure {
		tlsConfig.InsecureSkipVerify = true
	} else {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("load system cert pool: %w", err)
		}
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if strings.TrimSpace(cfg.TLSClientCAFile) != "" {
			pemBytes, err := os.ReadFile(cfg.TLSClientCAFile)
			if err != nil {
				return nil, fmt.Errorf("read client ca file: %w", err)
			}
			if ok := pool.AppendCertsFromPEM(pemBytes); !ok {
				return nil, fmt.Errorf("append client ca certificates: invalid pem data")
			}
		}
		tlsConfig.RootCAs = pool
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPC{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout, Transport: &http.Transport{TLSClientConfig: tlsConfig}},
		bearer:   strings.TrimSpace(cfg.BearerToken),
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPC) call(ctx context.Context, method string, params any, result any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client", "ledgerd")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("call %s failed with status %s", method, resp.Status)
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		if out.Error.Code == codeNonceConflict {
			return fmt.Errorf("%w: %s", ErrNonceConflict, out.Error.Message)
		}
		return out.Error
	}
	if result != nil && len(out.Result) > 0 && string(out.Result) != "null" {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// Submit implements Adapter.
func (c *RPC) Submit(ctx context.Context, op SignedOperation) (string, error) {
	params := map[string]string{
		"payload":   hex.EncodeToString(op.Payload),
		"signature": hex.EncodeToString(op.Signature),
	}
	var hash string
	if err := c.call(ctx, "chain_submit", params, &hash); err != nil {
		return "", err
	}
	if hash == "" {
		hash = OperationHash(op)
	}
	return hash, nil
}

// DryRun implements Adapter.
func (c *RPC) DryRun(ctx context.Context, req DryRunRequest) (*Execution, error) {
	var exec Execution
	if err := c.call(ctx, "chain_dryRun", req, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// OperationInfo implements Adapter.
func (c *RPC) OperationInfo(ctx context.Context, hash string) (*OperationInfo, error) {
	var info *OperationInfo
	if err := c.call(ctx, "chain_getOperation", []string{hash}, &info); err != nil {
		return nil, err
	}
	if info == nil {
		return nil, ErrOperationNotFound
	}
	return info, nil
}

// Poll implements Adapter by polling inclusion until opts.Blocks have passed.
func (c *RPC) Poll(ctx context.Context, hash string, opts PollOptions) (*OperationInfo, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	start, err := c.Height(ctx)
	if err != nil {
		return nil, err
	}
	for {
		info, err := c.OperationInfo(ctx, hash)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrOperationNotFound) {
			return nil, err
		}
		height, err := c.Height(ctx)
		if err != nil {
			return nil, err
		}
		if opts.Blocks > 0 && height >= start+opts.Blocks {
			return nil, ErrPollTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Height implements Adapter.
func (c *RPC) Height(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, "chain_height", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// DecodeError implements Adapter.
func (c *RPC) DecodeError(ctx context.Context, payload string) (string, error) {
	var message string
	if err := c.call(ctx, "chain_decodeError", []string{payload}, &message); err != nil {
		return "", err
	}
	return message, nil
}

// Balance implements Adapter.
func (c *RPC) Balance(ctx context.Context, account string) (*big.Int, error) {
	var raw string
	if err := c.call(ctx, "chain_balance", []string{account}, &raw); err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("chain: invalid balance %q", raw)
	}
	return value, nil
}

// NextNonce implements Adapter.
func (c *RPC) NextNonce(ctx context.Context, account string) (uint64, error) {
	var nonce uint64
	if err := c.call(ctx, "chain_nextNonce", []string{account}, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}
