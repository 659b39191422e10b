// Package rpc provides a JSON-RPC client for Ethereum nodes with retry,
// error classification and an optional result cache.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/terraforms-extractor/pkg/cache"
)

// Prometheus metrics for rpc client operations.
var (
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_requests_total",
		Help: "Total rpc requests by method and status",
	}, []string{"method", "status"})

	rpcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpc_request_duration_seconds",
		Help:    "rpc request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	rpcErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_errors_total",
		Help: "Total rpc errors by class",
	}, []string{"class"})
)

// Client is a JSON-RPC client bound to one node endpoint. It is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
	nextID     atomic.Uint64
}

// Config holds the client configuration.
type Config struct {
	// Endpoint is the node URL (REQUIRED)
	Endpoint string

	// UserAgent header sent with every request
	UserAgent string

	// Timeout for a single HTTP round trip
	Timeout time.Duration

	// Block tag eth_call is evaluated at ("latest" when empty)
	Block string

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Cache for eth_call results; nil disables caching
	Cache *cache.Manager
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		UserAgent:      "terraforms-extractor/0.1.0",
		Timeout:        30 * time.Second,
		Block:          cache.DefaultBlock,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// New creates a new rpc client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("max_retries must be >= 1 (got %d)", cfg.MaxRetries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Block == "" {
		cfg.Block = cache.DefaultBlock
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache:  cfg.Cache,
		config: cfg,
		logger: log.With().Str("component", "rpc").Logger(),
	}, nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *responseError  `json:"error"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callMsg struct {
	To   string        `json:"to"`
	Data hexutil.Bytes `json:"data"`
}

// Call performs a JSON-RPC request and decodes the result into out.
// Retriable failures (server, rate limit, network) are retried with backoff.
func (c *Client) Call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}

	startTime := time.Now()
	defer func() {
		rpcRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	var result json.RawMessage
	err := retryWithBackoff(ctx, c.retryConfig(), func() error {
		var callErr error
		result, callErr = c.roundTrip(ctx, method, params)
		return callErr
	}, classify)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// roundTrip performs exactly one HTTP exchange.
func (c *Client) roundTrip(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, &RPCError{ErrorClass: ErrorClassClient, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &RPCError{ErrorClass: ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().Str("method", method).Msg("Executing rpc request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		rpcErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		rpcRequestsTotal.WithLabelValues(method, "network_error").Inc()
		return nil, &RPCError{ErrorClass: ErrorClassNetwork, Message: "http request failed", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		rpcErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		rpcRequestsTotal.WithLabelValues(method, "network_error").Inc()
		return nil, &RPCError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read response body", Err: err}
	}

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		rpcErrorsTotal.WithLabelValues(string(class)).Inc()
		rpcRequestsTotal.WithLabelValues(method, status).Inc()
		c.logger.Warn().
			Str("method", method).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("rpc request error")
		return nil, &RPCError{StatusCode: resp.StatusCode, ErrorClass: class, Message: resp.Status}
	}

	var envelope response
	if err := json.Unmarshal(payload, &envelope); err != nil {
		rpcErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		rpcRequestsTotal.WithLabelValues(method, "bad_envelope").Inc()
		return nil, &RPCError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassServer, Message: "decode response", Err: err}
	}

	if envelope.Error != nil {
		class := classifyCode(envelope.Error.Code, envelope.Error.Message)
		rpcErrorsTotal.WithLabelValues(string(class)).Inc()
		rpcRequestsTotal.WithLabelValues(method, "rpc_error").Inc()
		return nil, &RPCError{
			StatusCode: resp.StatusCode,
			Code:       envelope.Error.Code,
			ErrorClass: class,
			Message:    envelope.Error.Message,
		}
	}

	rpcRequestsTotal.WithLabelValues(method, status).Inc()
	return envelope.Result, nil
}

// EthCall executes eth_call against to with the given calldata and returns the
// raw return data. Results are served from and written to the cache when one
// is configured, so use it only for reads whose answer does not change.
func (c *Client) EthCall(ctx context.Context, to string, data []byte) ([]byte, error) {
	key := cache.CacheKey{Method: "eth_call", To: to, Data: data, Block: c.config.Block}

	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			c.logger.Debug().Str("to", to).Msg("eth_call cache hit")
			return entry.Data, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Msg("Cache get error")
		}
	}

	result, err := c.EthCallUncached(ctx, to, data)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Put(ctx, key, result); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache eth_call result")
		}
	}

	return result, nil
}

// EthCallUncached executes eth_call without consulting or filling the cache.
// Counters, enumeration and anything else that moves with the chain head go
// through here.
func (c *Client) EthCallUncached(ctx context.Context, to string, data []byte) ([]byte, error) {
	var result hexutil.Bytes
	params := []any{callMsg{To: to, Data: data}, c.config.Block}
	if err := c.Call(ctx, "eth_call", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ChainID returns the chain id reported by the node. Used as a connectivity check.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := c.Call(ctx, "eth_chainId", nil, &id); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (c *Client) retryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = c.config.MaxRetries
	if c.config.InitialBackoff > 0 {
		cfg.InitialBackoff = c.config.InitialBackoff
	}
	if c.config.MaxBackoff > 0 {
		cfg.MaxBackoff = c.config.MaxBackoff
	}
	return cfg
}

// classifyStatus categorizes an HTTP status for observability and handling.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classify extracts the ErrorClass carried by err.
func classify(err error) ErrorClass {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorClass
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassNetwork
	}
	return ""
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
