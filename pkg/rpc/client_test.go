package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/terraforms-extractor/internal/testutil"
	"github.com/Sternrassler/terraforms-extractor/pkg/cache"
)

const testContract = "0x4E1f41613c9084FdB9E34E11fAE9412427480e56"

func newTestClient(t *testing.T, endpoint string, mgr *cache.Manager) *Client {
	t.Helper()

	cfg := DefaultConfig(endpoint)
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.Cache = mgr

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		errorMsg string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("http://localhost:8545"),
		},
		{
			name:     "empty endpoint",
			config:   DefaultConfig(""),
			errorMsg: "endpoint is required",
		},
		{
			name: "zero retries",
			config: Config{
				Endpoint:   "http://localhost:8545",
				MaxRetries: 0,
			},
			errorMsg: "max_retries must be >= 1 (got 0)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.errorMsg != "" {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client.config.Block != cache.DefaultBlock {
				t.Errorf("Block = %q, want %q", client.config.Block, cache.DefaultBlock)
			}
		})
	}
}

func TestClient_ChainID(t *testing.T) {
	node := testutil.NewMockNode()
	defer node.Close()
	node.Reply("eth_chainId", testutil.MockReply{Result: "0x1"})

	client := newTestClient(t, node.URL(), nil)

	id, err := client.ChainID(context.Background())
	if err != nil {
		t.Fatalf("ChainID() error = %v", err)
	}
	if id != 1 {
		t.Errorf("ChainID() = %d, want 1", id)
	}
	if got := node.LastHeader().Get("User-Agent"); got != "terraforms-extractor/0.1.0" {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestClient_EthCall(t *testing.T) {
	node := testutil.NewMockNode()
	defer node.Close()

	node.Handle("eth_call", func(req testutil.RPCRequest) testutil.MockReply {
		if req.CallData() != "0x18160ddd" {
			return testutil.MockReply{ErrorCode: 3, ErrorMessage: "execution reverted"}
		}
		return testutil.MockReply{Result: "0x0000000000000000000000000000000000000000000000000000000000000007"}
	})

	client := newTestClient(t, node.URL(), nil)

	out, err := client.EthCall(context.Background(), testContract, []byte{0x18, 0x16, 0x0d, 0xdd})
	if err != nil {
		t.Fatalf("EthCall() error = %v", err)
	}
	if len(out) != 32 || out[31] != 7 {
		t.Errorf("EthCall() = %x", out)
	}
}

func TestClient_EthCall_RevertNotRetried(t *testing.T) {
	node := testutil.NewMockNode()
	defer node.Close()
	node.Reply("eth_call", testutil.MockReply{ErrorCode: 3, ErrorMessage: "execution reverted"})

	client := newTestClient(t, node.URL(), nil)

	_, err := client.EthCall(context.Background(), testContract, []byte{0x01})
	if !IsExecutionReverted(err) {
		t.Fatalf("expected revert error, got %v", err)
	}
	if node.MethodCount("eth_call") != 1 {
		t.Errorf("revert should not be retried, got %d calls", node.MethodCount("eth_call"))
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	node := testutil.NewMockNode()
	defer node.Close()

	var calls atomic.Int32
	node.Handle("eth_chainId", func(testutil.RPCRequest) testutil.MockReply {
		if calls.Add(1) < 3 {
			return testutil.MockReply{StatusCode: http.StatusBadGateway}
		}
		return testutil.MockReply{Result: "0x1"}
	})

	client := newTestClient(t, node.URL(), nil)

	if _, err := client.ChainID(context.Background()); err != nil {
		t.Fatalf("ChainID() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClient_RateLimitExhausted(t *testing.T) {
	node := testutil.NewMockNode()
	defer node.Close()
	node.Reply("eth_chainId", testutil.MockReply{StatusCode: http.StatusTooManyRequests})

	client := newTestClient(t, node.URL(), nil)

	_, err := client.ChainID(context.Background())
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.ErrorClass != ErrorClassRateLimit {
		t.Errorf("expected rate limit RPCError, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	node := testutil.NewMockNode()
	defer node.Close()
	node.Reply("eth_chainId", testutil.MockReply{Result: "0x1", Delay: 500 * time.Millisecond})

	client := newTestClient(t, node.URL(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.ChainID(ctx); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestClient_EthCallCache(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	node := testutil.NewMockNode()
	defer node.Close()
	node.Reply("eth_call", testutil.MockReply{Result: "0x2a"})

	client := newTestClient(t, node.URL(), cache.NewManager(redisClient, time.Hour))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := client.EthCall(ctx, testContract, []byte{0xaa})
		if err != nil {
			t.Fatalf("EthCall() error = %v", err)
		}
		if len(out) != 1 || out[0] != 0x2a {
			t.Fatalf("EthCall() = %x", out)
		}
	}

	if node.MethodCount("eth_call") != 1 {
		t.Errorf("expected a single node call, got %d", node.MethodCount("eth_call"))
	}
}

func TestClient_EthCallUncached_BypassesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	node := testutil.NewMockNode()
	defer node.Close()

	var supply atomic.Int32
	supply.Store(3)
	node.Handle("eth_call", func(testutil.RPCRequest) testutil.MockReply {
		return testutil.MockReply{Result: fmt.Sprintf("0x%02x", supply.Load())}
	})

	mgr := cache.NewManager(redisClient, time.Hour)
	client := newTestClient(t, node.URL(), mgr)
	ctx := context.Background()
	calldata := []byte{0x18, 0x16, 0x0d, 0xdd}

	out, err := client.EthCallUncached(ctx, testContract, calldata)
	if err != nil {
		t.Fatalf("EthCallUncached() error = %v", err)
	}
	if out[0] != 3 {
		t.Fatalf("EthCallUncached() = %x", out)
	}

	supply.Store(7)
	out, err = client.EthCallUncached(ctx, testContract, calldata)
	if err != nil {
		t.Fatalf("EthCallUncached() error = %v", err)
	}
	if out[0] != 7 {
		t.Errorf("EthCallUncached() = %x, want 07", out)
	}

	key := cache.CacheKey{Method: "eth_call", To: testContract, Data: calldata, Block: cache.DefaultBlock}
	if _, err := mgr.Get(ctx, key); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("uncached result should not be stored, got %v", err)
	}
	if node.MethodCount("eth_call") != 2 {
		t.Errorf("expected 2 node calls, got %d", node.MethodCount("eth_call"))
	}
}
