// Package testutil provides testing utilities for the extractor.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// RPCRequest is the decoded body of a JSON-RPC request seen by MockNode.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// CallData returns the "data" field of an eth_call request, lowercased.
func (r RPCRequest) CallData() string {
	if len(r.Params) == 0 {
		return ""
	}
	var msg struct {
		Data string `json:"data"`
	}
	_ = json.Unmarshal(r.Params[0], &msg)
	return strings.ToLower(msg.Data)
}

// MockReply describes how MockNode answers one request.
type MockReply struct {
	// StatusCode of the HTTP response; 200 when zero
	StatusCode int
	// Result is marshalled into the "result" member
	Result any
	// ErrorCode/ErrorMessage produce a JSON-RPC "error" member when ErrorCode != 0
	ErrorCode    int
	ErrorMessage string
	// Delay before answering
	Delay time.Duration
}

// Handler answers a decoded JSON-RPC request.
type Handler func(req RPCRequest) MockReply

// MockNode is a configurable mock Ethereum JSON-RPC node for testing.
type MockNode struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]Handler

	requestCount int
	methodCount  map[string]int
	lastHeader   http.Header
}

// NewMockNode creates a new mock node.
func NewMockNode() *MockNode {
	mock := &MockNode{
		handlers:    make(map[string]Handler),
		methodCount: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		mock.mu.Lock()
		mock.requestCount++
		mock.methodCount[req.Method]++
		mock.lastHeader = r.Header.Clone()
		handler, exists := mock.handlers[req.Method]
		mock.mu.Unlock()

		reply := MockReply{ErrorCode: -32601, ErrorMessage: "method not found"}
		if exists {
			reply = handler(req)
		}

		if reply.Delay > 0 {
			select {
			case <-time.After(reply.Delay):
			case <-r.Context().Done():
				return
			}
		}

		status := reply.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			return
		}

		body := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if reply.ErrorCode != 0 {
			body["error"] = map[string]any{"code": reply.ErrorCode, "message": reply.ErrorMessage}
		} else {
			body["result"] = reply.Result
		}
		_ = json.NewEncoder(w).Encode(body)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockNode) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockNode) Close() {
	m.server.Close()
}

// Handle sets the handler for a JSON-RPC method.
func (m *MockNode) Handle(method string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// Reply configures a fixed reply for a method.
func (m *MockNode) Reply(method string, reply MockReply) {
	m.Handle(method, func(RPCRequest) MockReply { return reply })
}

// RequestCount returns the number of requests served.
func (m *MockNode) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// MethodCount returns the number of requests served for method.
func (m *MockNode) MethodCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.methodCount[method]
}

// LastHeader returns the headers of the most recent request.
func (m *MockNode) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// Reset clears all tracking counters.
func (m *MockNode) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.methodCount = make(map[string]int)
	m.lastHeader = nil
}
