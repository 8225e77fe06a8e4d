package redis

import (
	"github.com/redis/go-redis/v9"
)

// Lua scripts for the mutations that must be atomic under concurrent
// workers. Every listener-count change is a single HINCRBY inside a script
// (never a read in Go followed by a write), and the owner handoff is a
// compare-and-set on the stored owner identity.

// createSessionScript inserts a session hash only if the id is free.
// KEYS[1]=session hash
// ARGV: [1]=owner_id [2]=owner_conn [3]=source_lang [4]=quality_tier
//       [5]=created_at_ms [6]=expires_at_ms
// Returns 1 on insert, 0 on conflict.
var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
	'owner_id', ARGV[1],
	'owner_conn', ARGV[2],
	'source_lang', ARGV[3],
	'quality_tier', ARGV[4],
	'status', 'active',
	'listeners', '0',
	'created_at', ARGV[5],
	'expires_at', ARGV[6])
redis.call('PEXPIREAT', KEYS[1], tonumber(ARGV[6]))
return 1
`)

// incrListenersScript adds one to the listener count.
// Returns the new count, or -1 if the session record is gone.
var incrListenersScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], 'listeners', 1)
`)

// decrListenersScript subtracts one with a floor at zero, in the same
// atomic step, so a duplicate decrement from a retried cleanup cannot
// drive the count negative.
// Returns the new count, or -1 if the session record is gone.
var decrListenersScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local n = tonumber(redis.call('HGET', KEYS[1], 'listeners')) or 0
if n <= 0 then
	redis.call('HSET', KEYS[1], 'listeners', '0')
	return 0
end
return redis.call('HINCRBY', KEYS[1], 'listeners', -1)
`)

// setOwnerConnScript repoints the publisher channel only when the caller
// identity matches the stored owner.
// ARGV: [1]=caller_identity [2]=new_conn_id
// Returns 1 on success, -1 if the session is gone, -2 on identity mismatch.
var setOwnerConnScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'owner_id') ~= ARGV[1] then return -2 end
redis.call('HSET', KEYS[1], 'owner_conn', ARGV[2])
return 1
`)

// createConnScript inserts a connection hash and, for subscribers, adds it
// to the (session, language) index in the same atomic step.
// KEYS: [1]=conn hash [2]=session language set [3]=session/language conn set
// ARGV: [1]=session_id [2]=role [3]=target_lang [4]=state
//       [5]=connected_at_ms [6]=expires_at_ms [7]=conn_id
// Returns 1 on insert, 0 on conflict.
var createConnScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
	'session_id', ARGV[1],
	'role', ARGV[2],
	'target_lang', ARGV[3],
	'state', ARGV[4],
	'connected_at', ARGV[5],
	'last_ping', ARGV[5],
	'expires_at', ARGV[6])
redis.call('PEXPIREAT', KEYS[1], tonumber(ARGV[6]))
if ARGV[2] == 'subscriber' then
	redis.call('SADD', KEYS[2], ARGV[3])
	redis.call('SADD', KEYS[3], ARGV[7])
end
return 1
`)

// deleteConnScript removes a connection hash and prunes the index,
// dropping the language from the session's language set when its last
// subscriber goes. Deleting an absent record is a no-op.
// KEYS: [1]=conn hash [2]=session language set [3]=session/language conn set
// ARGV: [1]=target_lang [2]=conn_id
// Returns 1 if a record was removed, 0 otherwise.
var deleteConnScript = redis.NewScript(`
local removed = redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[3], ARGV[2])
if redis.call('SCARD', KEYS[3]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
end
return removed
`)

// setLiveFieldScript writes one hash field only while the record still
// exists. A plain HSET racing the key's expiry would resurrect a bare,
// TTL-less hash, so the existence check and the write share one atomic
// step.
// ARGV: [1]=field [2]=value
// Returns 1 on write, -1 if the key is gone.
var setLiveFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// rateLimitScript implements a fixed-window counter: the first request in a
// window creates the counter with a TTL of window+grace, later requests
// increment it. Returns the count after this request.
// ARGV: [1]=ttl_ms
var rateLimitScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return c
`)
