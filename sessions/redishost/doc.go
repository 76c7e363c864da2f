// Package redishost implements sessions.SessionHost on Redis Streams so the
// outbound queues of every session live outside the process heap.
//
// Design Notes
//   - Liveness: a plain key per session marks the queue as open; PublishSession
//     refuses sessions whose marker is missing.
//   - Queue: XADD appends a frame; the single subscriber XREADs from its last
//     delivered ID with a blocking timeout and XDELs frames once handed off.
//   - Single consumer: SET NX on a per-session lock key.
//   - Expiry: every key carries SessionTTL so a crashed process does not leak.
//
// Example:
//
//	host, _ := redishost.New(redishost.Config{RedisAddr: "localhost:6379"})
//	defer host.Close()
package redishost
