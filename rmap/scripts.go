package rmap

import "github.com/redis/go-redis/v9"

// Updates are published as "key=values", an empty value means the key was
// deleted. Scripts publish in the same transaction as the write so that
// replicas apply updates in order.
var (
	// luaAppendUnique appends the values not already present.
	luaAppendUnique = redis.NewScript(`
	   local v = redis.call("HGET", KEYS[1], ARGV[1]) or ""
	   local seen = {}
	   for s in string.gmatch(v, "[^,]+") do
	      seen[s] = true
	   end
	   local changed = false
	   for s in string.gmatch(ARGV[2], "[^,]+") do
	      if not seen[s] then
	         seen[s] = true
	         v = (v == "") and s or (v .. "," .. s)
	         changed = true
	      end
	   end
	   if changed then
	      redis.call("HSET", KEYS[1], ARGV[1], v)
	      redis.call("PUBLISH", KEYS[2], ARGV[1] .. "=" .. v)
	   end
	   return v
	`)

	// luaRemove removes values, deleting the key when none is left.
	luaRemove = redis.NewScript(`
	   local v = redis.call("HGET", KEYS[1], ARGV[1])
	   if not v then
	      return ""
	   end
	   local drop = {}
	   for s in string.gmatch(ARGV[2], "[^,]+") do
	      drop[s] = true
	   end
	   local kept = {}
	   for s in string.gmatch(v, "[^,]+") do
	      if not drop[s] then
	         table.insert(kept, s)
	      end
	   end
	   local res = table.concat(kept, ",")
	   if res == v then
	      return v
	   end
	   if res == "" then
	      redis.call("HDEL", KEYS[1], ARGV[1])
	   else
	      redis.call("HSET", KEYS[1], ARGV[1], res)
	   end
	   redis.call("PUBLISH", KEYS[2], ARGV[1] .. "=" .. res)
	   return res
	`)

	// luaDelete deletes a key and returns its previous value.
	luaDelete = redis.NewScript(`
	   local v = redis.call("HGET", KEYS[1], ARGV[1])
	   if v then
	      redis.call("HDEL", KEYS[1], ARGV[1])
	      redis.call("PUBLISH", KEYS[2], ARGV[1] .. "=")
	   end
	   return v
	`)
)

var scripts = []*redis.Script{luaAppendUnique, luaRemove, luaDelete}
