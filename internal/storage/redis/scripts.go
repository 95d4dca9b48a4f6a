package redis

const (
	// incrementDailyUsageScript atomically increments or creates a daily counter
	// and registers its date in the date index used for pruning.
	incrementDailyUsageScript = `
local usage_key = KEYS[1]     -- livestat:usage:daily:{date}:{clientID}
local index_key = KEYS[2]     -- livestat:usage:daily:index:{date}
local dates_key = KEYS[3]     -- livestat:usage:dates

local date = ARGV[1]
local client_id = ARGV[2]
local seconds = tonumber(ARGV[3])
local date_score = tonumber(ARGV[4])

if redis.call('EXISTS', usage_key) == 0 then
  redis.call('HSET', usage_key,
    'date', date,
    'client_id', client_id,
    'total_seconds', 0
  )
  -- Set TTL to 90 days (7776000 seconds)
  redis.call('EXPIRE', usage_key, 7776000)

  redis.call('SADD', index_key, client_id)
  redis.call('EXPIRE', index_key, 7776000)
  redis.call('ZADD', dates_key, date_score, date)
end

return redis.call('HINCRBY', usage_key, 'total_seconds', seconds)
`

	// markConsumedScript records a replay marker only if absent. Returns 1 when
	// the marker was written and 0 when the code had already been consumed.
	markConsumedScript = `
local marker_key = KEYS[1]    -- livestat:replay:{sessionID}:{code}
local consumed_at = ARGV[1]
local ttl_seconds = tonumber(ARGV[2])

if redis.call('EXISTS', marker_key) == 1 then
  return 0
end

redis.call('SET', marker_key, consumed_at)
if ttl_seconds > 0 then
  redis.call('EXPIRE', marker_key, ttl_seconds)
end

return 1
`
)
