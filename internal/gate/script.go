package gate

import "github.com/redis/go-redis/v9"

// placeScript decides and commits one placement inside Redis' single-threaded
// script runner, so no other placement can interleave with it.
//
// KEYS: 1 chunk, 2 ip cooldown, 3 user cooldown, 4 disallowed, 5 captcha solved,
// 6 total rank, 7 daily rank, 8 country rank
//
// ARGV: 1 validation status, 2 validation index, 3 captcha enabled, 4 user id,
// 5 required pixels, 6 base cooldown, 7 overwrite cooldown, 8 stack budget,
// 9 clr_ignore, 10 protected supported, 11 country factor (permille),
// 12 ranked, 13 country, 14.. offset/color pairs
//
// Returns {status, wait, previous wait, count, protected offsets...}. For
// rejections count is the index of the failing pixel.
var placeScript = redis.NewScript(`
if redis.call('GET', KEYS[4]) == 'y' then
  return {11, 0, 0, 0}
end
if ARGV[3] == '1' and redis.call('EXISTS', KEYS[5]) == 0 then
  return {10, 0, 0, 0}
end

local vstatus = tonumber(ARGV[1])
if vstatus ~= 0 then
  return {vstatus, 0, 0, tonumber(ARGV[2])}
end

local user = ARGV[4]
local required = tonumber(ARGV[5])
if required > 0 then
  local placed = 0
  if user ~= '' then
    placed = tonumber(redis.call('ZSCORE', KEYS[6], user) or '0')
  end
  if placed < required then
    return {7, 0, 0, 0}
  end
end

local wait = redis.call('PTTL', KEYS[2])
if wait < 0 then wait = 0 end
if user ~= '' then
  local userWait = redis.call('PTTL', KEYS[3])
  if userWait > wait then wait = userWait end
end
local start = wait

local baseCost = tonumber(ARGV[6])
local overwriteCost = tonumber(ARGV[7])
local budget = tonumber(ARGV[8])
local clrIgnore = tonumber(ARGV[9])
local protectable = ARGV[10] == '1'
local factor = tonumber(ARGV[11])

local chunk = redis.call('GET', KEYS[1])
if not chunk then chunk = '' end

local accepted = {}
local protected = {}
local idx = 0
for i = 14, #ARGV, 2 do
  local offset = tonumber(ARGV[i])
  local current = 0
  if offset < #chunk then
    current = string.byte(chunk, offset + 1)
  end
  if protectable and current >= 128 then
    protected[#protected + 1] = offset
  else
    local cost = baseCost
    if (current % 64) >= clrIgnore then
      cost = overwriteCost
    end
    cost = math.floor(cost * factor / 1000)
    if wait + cost > budget then
      return {9, wait, start, idx}
    end
    wait = wait + cost
    accepted[#accepted + 1] = i
  end
  idx = idx + 1
end

for _, i in ipairs(accepted) do
  redis.call('SETRANGE', KEYS[1], ARGV[i], string.char(tonumber(ARGV[i + 1])))
end

local count = #accepted
if count > 0 then
  if wait > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', wait)
    if user ~= '' then
      redis.call('SET', KEYS[3], '1', 'PX', wait)
    end
  end
  if ARGV[12] == '1' then
    if user ~= '' then
      redis.call('ZINCRBY', KEYS[6], count, user)
      redis.call('ZINCRBY', KEYS[7], count, user)
    end
    if ARGV[13] ~= '' then
      redis.call('ZINCRBY', KEYS[8], count, ARGV[13])
    end
  end
end

local status = 0
if #protected > 0 then status = 8 end
local result = {status, wait, start, count}
for _, offset in ipairs(protected) do
  result[#result + 1] = offset
end
return result
`)
