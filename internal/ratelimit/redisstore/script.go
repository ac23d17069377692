// Copyright 2025 James Ross
package redisstore

// consumeScript implements the five-step read-refill-consume-or-reject
// algorithm from §4.1 atomically on the server. KEYS[1] is the bucket wire
// key; ARGV is [capacity, windowMicros, permits] exactly as specified by the
// normative wire protocol in §6. Server time (redis TIME, microsecond
// resolution) is authoritative — callers never supply a timestamp, so
// clock skew across application nodes cannot leak into the decision.
//
// Returns {consumed(0|1), tokens, waitNanos}.
const consumeScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window_micros = tonumber(ARGV[2])
local permits = tonumber(ARGV[3])

local time_parts = redis.call('TIME')
local now = tonumber(time_parts[1]) * 1000000 + tonumber(time_parts[2])

local bucket = redis.call('HMGET', key, 't', 'lr')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])
if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now
end

local elapsed = now - last_refill
if elapsed < 0 then
  elapsed = 0
end

-- integer fixed-point: multiply then divide to avoid float drift.
-- refilled is left unclamped here: last_refill below advances by
-- refilled's whole-token worth of elapsed time, and clamping refilled
-- first would discard overflow elapsed time, letting it be re-claimed
-- on the next call.
local refilled = math.floor(elapsed * capacity / window_micros)
tokens = tokens + refilled
if tokens > capacity then
  tokens = capacity
end

if refilled > 0 then
  -- advance last_refill only by the whole tokens' worth of elapsed time,
  -- preserving the fractional remainder for the next call
  last_refill = last_refill + math.floor(refilled * window_micros / capacity)
else
  -- last_refill unchanged
end

local ttl_seconds = math.ceil(2 * window_micros / 1000000)
if ttl_seconds < 1 then
  ttl_seconds = 1
end

if tokens >= permits then
  local remaining = tokens - permits
  redis.call('HSET', key, 't', remaining, 'lr', last_refill)
  redis.call('EXPIRE', key, ttl_seconds)
  return {1, remaining, 0}
else
  redis.call('HSET', key, 't', tokens, 'lr', last_refill)
  redis.call('EXPIRE', key, ttl_seconds)
  local deficit = permits - tokens
  local wait_micros = math.ceil(deficit * window_micros / capacity)
  return {0, tokens, wait_micros * 1000}
end
`
