// Package redisstore keeps session replay buffers in Redis Streams so several
// gateway replicas behind a load balancer can resume each other's sessions.
//
// Each session maps to one stream key. Frames are appended with
// XADD MAXLEN ~ n, replayed with an exclusive XRANGE and dropped with DEL.
// Every append refreshes the key's TTL so abandoned buffers expire on their
// own.
//
// Redis Streams give a bounded replay window, not durable delivery: a frame
// trimmed from the stream or lost with the Redis node is simply not replayed.
//
// Configuration can be loaded from the environment via NewFromEnv:
//
//	REDIS_ADDR           host:port of the Redis server (default localhost:6379)
//	SESSIONS_KEY_PREFIX  key prefix (default mcp:gateway:)
//	SESSION_BUFFER_SIZE  approximate frames kept per session (default 1000)
//	SESSION_TTL          key expiry after the last append (default 30m)
package redisstore
