package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisKeyPrefix = "rwlock:"
)

// Each lock is a hash holding the writer field plus a companion set holding
// the reader identities. The scripts evaluate the filter and apply the
// mutation in one atomic step, returning {matched, upserted, conflict}.
//
// Shared ARGV layout for filter and update:
//
//	1  writer-in count, -1 when unconstrained
//	2  no-readers flag ("1"/"0")
//	3  sole reader or ""
//	4  has reader or ""
//	5  set-writer flag ("1"/"0")
//	6  writer value
//	7  reader to add or ""
//	8  reader to remove or ""
//	9  upsert flag ("1"/"0")
//	10 expiry as unix millis, 0 when unset
//	11.. writer-in values
const filterLua = `
local nWriter = tonumber(ARGV[1])
local ok = true
if nWriter >= 0 then
	local writer = redis.call("HGET", KEYS[1], "writer") or ""
	ok = false
	for i = 0, nWriter - 1 do
		if writer == ARGV[11 + i] then ok = true end
	end
end
if ok and ARGV[2] == "1" and redis.call("SCARD", KEYS[2]) > 0 then ok = false end
if ok and ARGV[3] ~= "" then
	if redis.call("SCARD", KEYS[2]) ~= 1 or redis.call("SISMEMBER", KEYS[2], ARGV[3]) == 0 then ok = false end
end
if ok and ARGV[4] ~= "" and redis.call("SISMEMBER", KEYS[2], ARGV[4]) == 0 then ok = false end
`

var updateScript = redis.NewScript(`
local exists = redis.call("EXISTS", KEYS[1]) == 1
if exists then
` + filterLua + `
	if not ok then
		if ARGV[9] == "1" then return {0, 0, 1} end
		return {0, 0, 0}
	end
	if ARGV[5] == "1" then redis.call("HSET", KEYS[1], "writer", ARGV[6]) end
	if ARGV[7] ~= "" then redis.call("SADD", KEYS[2], ARGV[7]) end
	if ARGV[8] ~= "" then redis.call("SREM", KEYS[2], ARGV[8]) end
	if tonumber(ARGV[10]) > 0 then
		redis.call("PEXPIREAT", KEYS[1], ARGV[10])
		redis.call("PEXPIREAT", KEYS[2], ARGV[10])
	end
	return {1, 0, 0}
end
if ARGV[9] ~= "1" then return {0, 0, 0} end
local writer = ""
if ARGV[5] == "1" then writer = ARGV[6] end
redis.call("HSET", KEYS[1], "writer", writer)
if ARGV[7] ~= "" then redis.call("SADD", KEYS[2], ARGV[7]) end
if tonumber(ARGV[10]) > 0 then
	redis.call("PEXPIREAT", KEYS[1], ARGV[10])
	redis.call("PEXPIREAT", KEYS[2], ARGV[10])
end
return {0, 1, 0}
`)

var deleteScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
` + filterLua + `
if not ok then return 0 end
redis.call("DEL", KEYS[1], KEYS[2])
return 1
`)

var findScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return false end
local writer = redis.call("HGET", KEYS[1], "writer") or ""
local pttl = redis.call("PTTL", KEYS[1])
local readers = redis.call("SMEMBERS", KEYS[2])
return {writer, pttl, readers}
`)

// RedisStore implements Store using a Redis backend. Every transition runs
// as a Lua script so the filter check and the mutation are indivisible.
// Expiry is delegated to Redis key TTLs; FindOne reconstructs ExpiresAt from
// the remaining TTL.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithKeyPrefix sets the key namespace for lock records.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout, prefix: o.prefix}
}

func (s *RedisStore) keys(lockID string) []string {
	return []string{s.prefix + lockID, s.prefix + lockID + ":readers"}
}

// mapRedisErr normalizes driver failures. A per-op deadline stays a plain
// context error; errors.ErrTimeout is reserved for the override loop's own
// wall-clock budget.
func mapRedisErr(err error) error {
	if stdErrors.Is(err, redis.ErrClosed) {
		return rwerrors.ErrConnectionClosed
	}
	return err
}

func filterArgs(f Filter, u Update, upsert bool) []interface{} {
	nWriter := -1
	if f.WriterIn != nil {
		nWriter = len(f.WriterIn)
	}
	noReaders := "0"
	if f.NoReaders {
		noReaders = "1"
	}
	setWriter, writer := "0", ""
	if u.SetWriter != nil {
		setWriter, writer = "1", *u.SetWriter
	}
	up := "0"
	if upsert {
		up = "1"
	}
	var expireAt int64
	if u.SetExpiresAt != nil {
		expireAt = u.SetExpiresAt.UnixMilli()
	}
	args := []interface{}{
		nWriter, noReaders, f.SoleReader, f.HasReader,
		setWriter, writer, u.AddReader, u.RemoveReader,
		up, strconv.FormatInt(expireAt, 10),
	}
	for _, w := range f.WriterIn {
		args = append(args, w)
	}
	return args
}

// FindOne implements Store.FindOne.
func (s *RedisStore) FindOne(ctx context.Context, lockID string) (Record, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := findScript.Run(cctx, s.client, s.keys(lockID)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, mapRedisErr(err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return Record{}, false, fmt.Errorf("unexpected find reply %v", res)
	}
	rec := Record{LockID: lockID}
	if w, ok := parts[0].(string); ok {
		rec.Writer = w
	}
	if pttl, ok := parts[1].(int64); ok && pttl > 0 {
		t := time.Now().Add(time.Duration(pttl) * time.Millisecond)
		rec.ExpiresAt = &t
	}
	if members, ok := parts[2].([]interface{}); ok {
		for _, m := range members {
			if r, ok := m.(string); ok {
				rec.Readers = append(rec.Readers, r)
			}
		}
	}
	return rec, true, nil
}

// UpdateOne implements Store.UpdateOne.
func (s *RedisStore) UpdateOne(ctx context.Context, f Filter, u Update, upsert bool) (UpdateResult, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := updateScript.Run(cctx, s.client, s.keys(f.LockID), filterArgs(f, u, upsert)...).Result()
	if err != nil {
		return UpdateResult{}, mapRedisErr(err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return UpdateResult{}, fmt.Errorf("unexpected update reply %v", res)
	}
	if n, _ := parts[2].(int64); n == 1 {
		return UpdateResult{}, rwerrors.ErrConflict
	}
	matched, _ := parts[0].(int64)
	upserted, _ := parts[1].(int64)
	return UpdateResult{Matched: matched == 1, Upserted: upserted == 1}, nil
}

// DeleteOne implements Store.DeleteOne.
func (s *RedisStore) DeleteOne(ctx context.Context, f Filter) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := deleteScript.Run(cctx, s.client, s.keys(f.LockID), filterArgs(f, Update{}, false)...).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
