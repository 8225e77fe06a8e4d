// Package redis implements the session and connection registries and the
// rate limiter on Redis.
//
// Every mutation that must be atomic under concurrent workers runs as a Lua
// script: listener-count adds (with a floor at zero on decrement), the
// conditional owner-connection write, guarded session creation, and
// index-maintaining connection writes. Records carry absolute expiry
// deadlines enforced both by Redis TTLs and by read-side checks, so an
// expired record is treated as absent even before Redis reclaims it.
package redis
