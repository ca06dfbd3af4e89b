package ephemeral

// patchScript applies a list of nested set/del operations to the JSON
// document at KEYS[1], bumps the sibling version counter at KEYS[2], and
// writes the new version and ARGV[2] (lastWrite ms) into the document.
// ARGV[1] is a JSON array of {op:"set"|"del", path:[...], value:...}.
// Returns the new version.
//
// Running as a server-side script keeps read-modify-write atomic against
// concurrent writers, which is what makes the version counter a usable
// fence for the background flush.
const patchScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
	return redis.error_reply('document missing')
end
local doc = cjson.decode(raw)
local ops = cjson.decode(ARGV[1])
for i = 1, #ops do
	local op = ops[i]
	local node = doc
	local ok = true
	for j = 1, #op.path - 1 do
		local seg = op.path[j]
		local nxt = node[seg]
		if type(nxt) ~= 'table' then
			if op.op == 'del' then
				ok = false
				break
			end
			nxt = {}
			node[seg] = nxt
		end
		node = nxt
	end
	if ok then
		local leaf = op.path[#op.path]
		if op.op == 'del' then
			node[leaf] = nil
		else
			node[leaf] = op.value
		end
	end
end
local version = redis.call('INCR', KEYS[2])
doc['version'] = version
doc['lastWrite'] = tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(doc))
return version
`

// conditionalFlushScript deletes the document at KEYS[1] and its version
// counter at KEYS[2] only while the stored version is still <= ARGV[1]
// (the version observed when the entity was handed to the durable store).
// A concurrent write that bumped the version aborts the flush.
// Returns 1 when flushed, 0 when refused.
const conditionalFlushScript = `
local cur = redis.call('GET', KEYS[2])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`
