package queue

import "github.com/redis/go-redis/v9"

// Message status values as stored in message records:
// 0 scheduled, 1 pending, 2 processing, 3 acknowledged, 4 unack-delaying,
// 6 dead-lettered.

// luaPush pushes a message id to the pending structure of a queue.
// Priority queues use score = priority * 2^40 + sequence so that equal
// priorities dequeue in insertion order. When back is true LIFO queues
// push to the bottom of the stack so that requeued messages do not skip
// the line.
const luaPush = `
local function push(props, pending, priority, id, prio, back)
   local qtype = redis.call("HGET", props, "type")
   if qtype == "priority" then
      local seq = redis.call("HINCRBY", props, "sequence", 1)
      redis.call("ZADD", priority, (tonumber(prio) or 4) * 1099511627776 + seq, id)
   elseif qtype == "lifo" and back then
      redis.call("LPUSH", pending, id)
   else
      redis.call("RPUSH", pending, id)
   end
end
`

// luaTrim caps a list, deleting the records of the ids it drops.
const luaTrim = `
local function trim(list, max, prefix)
   if max > 0 then
      while redis.call("LLEN", list) > max do
         local old = redis.call("LPOP", list)
         redis.call("DEL", prefix .. old)
      end
   end
end
`

var (
	// luaCreateQueue creates a queue if it does not exist.
	luaCreateQueue = redis.NewScript(`
	   if redis.call("EXISTS", KEYS[1]) == 1 then
	      return 0
	   end
	   redis.call("HSET", KEYS[1], "type", ARGV[1], "messages", 0, "sequence", 0)
	   redis.call("SADD", KEYS[2], ARGV[2])
	   return 1
	`)

	// luaDeleteQueue deletes a queue with no registered consumer along with
	// the records of the messages it holds.
	luaDeleteQueue = redis.NewScript(`
	   if redis.call("EXISTS", KEYS[1]) == 0 then
	      return "QUEUE_NOT_FOUND"
	   end
	   if redis.call("HLEN", KEYS[8]) > 0 then
	      return "QUEUE_HAS_CONSUMERS"
	   end
	   local function drop(ids)
	      for _, id in ipairs(ids) do
	         redis.call("DEL", ARGV[2] .. id)
	      end
	   end
	   drop(redis.call("LRANGE", KEYS[3], 0, -1))
	   drop(redis.call("ZRANGE", KEYS[4], 0, -1))
	   drop(redis.call("LRANGE", KEYS[5], 0, -1))
	   drop(redis.call("LRANGE", KEYS[6], 0, -1))
	   local scheduled = redis.call("ZRANGE", KEYS[7], 0, -1)
	   for _, id in ipairs(scheduled) do
	      redis.call("ZREM", KEYS[9], id)
	   end
	   drop(scheduled)
	   redis.call("DEL", KEYS[1], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7], KEYS[8])
	   redis.call("SREM", KEYS[2], ARGV[1])
	   return "OK"
	`)

	// luaEnqueue writes a message record and pushes it to the pending
	// structure of its queue.
	luaEnqueue = redis.NewScript(luaPush + `
	   if redis.call("EXISTS", KEYS[1]) == 0 then
	      return "QUEUE_NOT_FOUND"
	   end
	   redis.call("HSET", KEYS[4], unpack(ARGV, 4))
	   redis.call("HSET", KEYS[4], "status", "1", "published_at", ARGV[2])
	   push(KEYS[1], KEYS[2], KEYS[3], ARGV[1], redis.call("HGET", KEYS[4], "priority"), false)
	   redis.call("HINCRBY", KEYS[1], "messages", 1)
	   redis.call("PUBLISH", ARGV[3], ARGV[1])
	   return "OK"
	`)

	// luaDequeue moves the next pending message to the processing list of
	// a consumer and returns its record.
	luaDequeue = redis.NewScript(`
	   local qtype = redis.call("HGET", KEYS[1], "type")
	   if not qtype then
	      return {"QUEUE_NOT_FOUND"}
	   end
	   while true do
	      local id
	      if qtype == "priority" then
	         id = redis.call("ZPOPMIN", KEYS[3])[1]
	      elseif qtype == "lifo" then
	         id = redis.call("RPOP", KEYS[2])
	      else
	         id = redis.call("LPOP", KEYS[2])
	      end
	      if not id then
	         return {"EMPTY"}
	      end
	      local mkey = ARGV[3] .. id
	      -- Ids whose record was purged are dropped.
	      if redis.call("EXISTS", mkey) == 1 then
	         redis.call("RPUSH", KEYS[4], id)
	         redis.call("HSET", mkey, "status", "2", "consumer", ARGV[1], "processing_at", ARGV[2])
	         local timeout = tonumber(redis.call("HGET", mkey, "consume_timeout")) or 0
	         if timeout > 0 then
	            redis.call("ZADD", KEYS[5], tonumber(ARGV[2]) + timeout, id)
	         end
	         local record = redis.call("HGETALL", mkey)
	         table.insert(record, 1, "OK")
	         return record
	      end
	   end
	`)

	// luaAcknowledge moves a message from a processing list to the
	// acknowledged list or deletes it when acknowledged messages are not
	// stored.
	luaAcknowledge = redis.NewScript(luaTrim + `
	   if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
	      return "MESSAGE_NOT_FOUND"
	   end
	   redis.call("ZREM", KEYS[4], ARGV[1])
	   if ARGV[3] == "1" then
	      redis.call("HSET", KEYS[2], "status", "3", "consumer", "", "acknowledged_at", ARGV[2])
	      redis.call("RPUSH", KEYS[3], ARGV[1])
	      trim(KEYS[3], tonumber(ARGV[4]), ARGV[5])
	   else
	      redis.call("DEL", KEYS[2])
	   end
	   return "OK"
	`)

	// luaUnacknowledge removes a message from a processing list and either
	// requeues it, holds it for a delayed retry or dead-letters it.
	luaUnacknowledge = redis.NewScript(luaPush + luaTrim + `
	   if redis.call("EXISTS", KEYS[3]) == 0 then
	      return "QUEUE_NOT_FOUND"
	   end
	   if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
	      return "MESSAGE_NOT_FOUND"
	   end
	   redis.call("ZREM", KEYS[8], ARGV[1])
	   if redis.call("EXISTS", KEYS[2]) == 0 then
	      return "MESSAGE_NOT_FOUND"
	   end
	   local attempts = redis.call("HINCRBY", KEYS[2], "attempts", 1)
	   local threshold = tonumber(redis.call("HGET", KEYS[2], "retry_threshold")) or 3
	   redis.call("HSET", KEYS[2], "consumer", "", "last_error", ARGV[3])
	   if ARGV[4] == "1" and attempts < threshold then
	      local delay = tonumber(redis.call("HGET", KEYS[2], "retry_delay")) or 0
	      if delay > 0 then
	         redis.call("HSET", KEYS[2], "status", "4")
	         redis.call("RPUSH", KEYS[6], ARGV[1])
	         return "DELAYED"
	      end
	      redis.call("HSET", KEYS[2], "status", "1")
	      push(KEYS[3], KEYS[4], KEYS[5], ARGV[1], redis.call("HGET", KEYS[2], "priority"), true)
	      redis.call("PUBLISH", ARGV[8], ARGV[1])
	      return "REQUEUED"
	   end
	   if ARGV[5] == "1" then
	      redis.call("HSET", KEYS[2], "status", "6", "dead_lettered_at", ARGV[2])
	      redis.call("RPUSH", KEYS[7], ARGV[1])
	      trim(KEYS[7], tonumber(ARGV[6]), ARGV[7])
	   else
	      redis.call("DEL", KEYS[2])
	   end
	   return "DEAD_LETTERED"
	`)

	// luaRequeueFrom moves the message found at the given index of a list
	// back to the pending structure of its queue as a new delivery.
	luaRequeueFrom = redis.NewScript(luaPush + `
	   if redis.call("EXISTS", KEYS[3]) == 0 then
	      return "QUEUE_NOT_FOUND"
	   end
	   if redis.call("LINDEX", KEYS[1], ARGV[2]) ~= ARGV[1] or redis.call("EXISTS", KEYS[2]) == 0 then
	      return "MESSAGE_NOT_FOUND"
	   end
	   redis.call("LREM", KEYS[1], 1, ARGV[1])
	   if ARGV[3] ~= "" then
	      redis.call("HSET", KEYS[2], "priority", ARGV[3])
	   end
	   redis.call("HSET", KEYS[2], "status", "1", "attempts", "0", "consumer", "", "last_error", "",
	      "published_at", ARGV[4], "processing_at", "0", "acknowledged_at", "0", "dead_lettered_at", "0")
	   push(KEYS[3], KEYS[4], KEYS[5], ARGV[1], redis.call("HGET", KEYS[2], "priority"), false)
	   redis.call("PUBLISH", ARGV[5], ARGV[1])
	   return "OK"
	`)

	// luaRecover moves every message held in the processing lists of a
	// consumer back to pending and unregisters the consumer from the
	// queues, optionally removing its heartbeat in the same transaction.
	luaRecover = redis.NewScript(luaPush + `
	   if ARGV[3] == "1" then
	      redis.call("HDEL", KEYS[1], ARGV[1])
	      redis.call("ZREM", KEYS[2], ARGV[1])
	   end
	   local recovered = 0
	   local n = (#KEYS - 3) / 5
	   for i = 0, n - 1 do
	      local props, pending, priority = KEYS[4 + i * 5], KEYS[5 + i * 5], KEYS[6 + i * 5]
	      local processing, consumers = KEYS[7 + i * 5], KEYS[8 + i * 5]
	      redis.call("HDEL", consumers, ARGV[1])
	      local exists = redis.call("EXISTS", props) == 1
	      local ids = redis.call("LRANGE", processing, 0, -1)
	      for _, id in ipairs(ids) do
	         local mkey = ARGV[2] .. id
	         redis.call("ZREM", KEYS[3], id)
	         if exists and redis.call("EXISTS", mkey) == 1 then
	            redis.call("HSET", mkey, "status", "1", "consumer", "")
	            push(props, pending, priority, id, redis.call("HGET", mkey, "priority"), true)
	            recovered = recovered + 1
	         else
	            redis.call("DEL", mkey)
	         end
	      end
	      redis.call("DEL", processing)
	      if #ids > 0 then
	         redis.call("PUBLISH", ARGV[4 + i], "recovered")
	      end
	   end
	   return recovered
	`)

	// luaSchedule writes a message record and adds it to the scheduled
	// indexes.
	luaSchedule = redis.NewScript(`
	   if redis.call("EXISTS", KEYS[1]) == 0 then
	      return "QUEUE_NOT_FOUND"
	   end
	   if tonumber(ARGV[2]) <= tonumber(ARGV[3]) then
	      return "INVALID_TIMESTAMP"
	   end
	   redis.call("HSET", KEYS[4], unpack(ARGV, 4))
	   redis.call("HSET", KEYS[4], "status", "0", "scheduled_at", ARGV[3])
	   redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
	   redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
	   redis.call("HINCRBY", KEYS[1], "messages", 1)
	   return "OK"
	`)

	// luaPromote moves a batch of due scheduled messages to pending. Each
	// message is either promoted as is (retried delivery) or cloned under a
	// new id, the original being rescheduled or deleted. Messages no longer
	// due were already handled and are skipped.
	luaPromote = redis.NewScript(luaPush + `
	   local now = tonumber(ARGV[1])
	   local promoted = 0
	   local n = (#KEYS - 1) / 6
	   for i = 0, n - 1 do
	      local props, pending, priority = KEYS[2 + i * 6], KEYS[3 + i * 6], KEYS[4 + i * 6]
	      local qscheduled, okey, nkey = KEYS[5 + i * 6], KEYS[6 + i * 6], KEYS[7 + i * 6]
	      local id, newID, fields = ARGV[2 + i * 6], ARGV[3 + i * 6], ARGV[4 + i * 6]
	      local nextAt, update, channel = tonumber(ARGV[5 + i * 6]), ARGV[6 + i * 6], ARGV[7 + i * 6]
	      local score = redis.call("ZSCORE", KEYS[1], id)
	      if score and tonumber(score) <= now then
	         if redis.call("EXISTS", props) == 0 or redis.call("EXISTS", okey) == 0 then
	            redis.call("ZREM", KEYS[1], id)
	            redis.call("ZREM", qscheduled, id)
	            redis.call("DEL", okey)
	         elseif newID == "" then
	            redis.call("ZREM", KEYS[1], id)
	            redis.call("ZREM", qscheduled, id)
	            redis.call("HSET", okey, "status", "1", "published_at", ARGV[1])
	            push(props, pending, priority, id, redis.call("HGET", okey, "priority"), false)
	            redis.call("PUBLISH", channel, id)
	            promoted = promoted + 1
	         else
	            local record = cjson.decode(fields)
	            local args = {}
	            for f, v in pairs(record) do
	               table.insert(args, f)
	               table.insert(args, v)
	            end
	            redis.call("HSET", nkey, unpack(args))
	            push(props, pending, priority, newID, record["priority"], false)
	            redis.call("HINCRBY", props, "messages", 1)
	            if nextAt > 0 then
	               redis.call("ZADD", KEYS[1], nextAt, id)
	               redis.call("ZADD", qscheduled, nextAt, id)
	               local changes = {}
	               for f, v in pairs(cjson.decode(update)) do
	                  table.insert(changes, f)
	                  table.insert(changes, v)
	               end
	               if #changes > 0 then
	                  redis.call("HSET", okey, unpack(changes))
	               end
	            else
	               redis.call("ZREM", KEYS[1], id)
	               redis.call("ZREM", qscheduled, id)
	               redis.call("DEL", okey)
	            end
	            redis.call("PUBLISH", channel, newID)
	            promoted = promoted + 1
	         end
	      end
	   end
	   return promoted
	`)

	// luaScheduleDelayed moves messages from the delayed retry list to the
	// scheduled indexes.
	luaScheduleDelayed = redis.NewScript(`
	   local scheduled = 0
	   local n = (#KEYS - 2) / 2
	   for i = 0, n - 1 do
	      local mkey, qscheduled = KEYS[3 + i * 2], KEYS[4 + i * 2]
	      local id, at = ARGV[2 + i * 2], ARGV[3 + i * 2]
	      if redis.call("LREM", KEYS[1], 1, id) == 1 and redis.call("EXISTS", mkey) == 1 then
	         redis.call("HSET", mkey, "status", "0", "scheduled_at", ARGV[1])
	         redis.call("ZADD", KEYS[2], at, id)
	         redis.call("ZADD", qscheduled, at, id)
	         scheduled = scheduled + 1
	      end
	   end
	   return scheduled
	`)

	// luaDeleteFrom deletes the message found at the given index of a list.
	luaDeleteFrom = redis.NewScript(`
	   if redis.call("LINDEX", KEYS[1], ARGV[2]) ~= ARGV[1] then
	      return "MESSAGE_NOT_FOUND"
	   end
	   redis.call("LREM", KEYS[1], 1, ARGV[1])
	   redis.call("DEL", KEYS[2])
	   return "OK"
	`)

	// luaDeleteScheduled deletes a scheduled message.
	luaDeleteScheduled = redis.NewScript(`
	   if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	      return "MESSAGE_NOT_FOUND"
	   end
	   redis.call("ZREM", KEYS[2], ARGV[1])
	   redis.call("DEL", KEYS[3])
	   return "OK"
	`)
)

// scripts lists the scripts loaded by Store.Init.
var scripts = []*redis.Script{
	luaCreateQueue,
	luaDeleteQueue,
	luaEnqueue,
	luaDequeue,
	luaAcknowledge,
	luaUnacknowledge,
	luaRequeueFrom,
	luaRecover,
	luaSchedule,
	luaPromote,
	luaScheduleDelayed,
	luaDeleteFrom,
	luaDeleteScheduled,
}
