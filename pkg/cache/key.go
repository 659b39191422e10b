package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultBlock is the block tag used when a key does not name one.
const DefaultBlock = "latest"

// CacheKey identifies a single JSON-RPC call.
type CacheKey struct {
	// Method is the JSON-RPC method (e.g., "eth_call")
	Method string

	// To is the target contract address; compared case-insensitively
	To string

	// Data is the ABI-encoded calldata
	Data []byte

	// Block is the block tag or number the call was evaluated at
	Block string
}

// String generates a deterministic cache key string.
// Format: rpc:method:to:block:sha256(data)
//
// Example:
//
//	rpc:eth_call:0x4e1f41613c9084fdb9e34e11fae9412427480e56:latest:9c1185a5...
func (k CacheKey) String() string {
	parts := []string{"rpc"}

	method := strings.TrimSpace(k.Method)
	if method != "" {
		parts = append(parts, method)
	}

	if to := strings.ToLower(strings.TrimSpace(k.To)); to != "" {
		parts = append(parts, to)
	}

	block := strings.ToLower(strings.TrimSpace(k.Block))
	if block == "" {
		block = DefaultBlock
	}
	parts = append(parts, block)

	sum := sha256.Sum256(k.Data)
	parts = append(parts, hex.EncodeToString(sum[:]))

	return strings.Join(parts, ":")
}
