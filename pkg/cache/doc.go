// Package cache provides a Redis-backed cache for JSON-RPC call results.
//
// Contract reads against a slow remote node are the expensive part of an
// extraction run. Each work item issues several eth_call requests; when one of
// them fails the whole item is retried later, and every sub-call that already
// succeeded would otherwise be paid for again. The cache stores raw call
// results keyed by (method, target, block tag, calldata hash) so a retry or a
// re-run only hits the node for the calls that have not succeeded yet.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, 6*time.Hour)
//
//	key := cache.CacheKey{
//		Method: "eth_call",
//		To:     "0x4E1f41613c9084FdB9E34E11fAE9412427480e56",
//		Data:   calldata,
//		Block:  "latest",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// call the node, then
//		_ = manager.Put(ctx, key, result)
//	}
//
// # Metrics
//
//   - rpc_cache_hits_total - Cache hits
//   - rpc_cache_misses_total - Cache misses
//   - rpc_cache_size_bytes - Bytes written to the cache
//   - rpc_cache_errors_total{operation} - Cache operation errors
//
// Cache errors never fail a call: the rpc client logs them and goes to the node.
package cache
