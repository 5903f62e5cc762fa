package authority

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRegistryUnavailable wraps Redis transport failures.
var ErrRegistryUnavailable = errors.New("registry unavailable")

const (
	redeemNotFound int64 = 0
	redeemExpired  int64 = 2
	redeemConsumed int64 = 3
	redeemMismatch int64 = 4
	redeemOK       int64 = 5
)

// KEYS: ticket hash, retired hash, owner string.
// ARGV: now_ms, source owner, retain_ms, then ticket field/value pairs.
const issueScript = `
local now = tonumber(ARGV[1])
local source = ARGV[2]
local retain = tonumber(ARGV[3])

local owner = redis.call("GET", KEYS[3])
if owner and owner ~= source then
  return 1
end

local cur = redis.call("HMGET", KEYS[1], "digest", "consumed", "expires_ms")
if cur[1] and cur[2] == "0" and tonumber(cur[3]) > now then
  redis.call("HSET", KEYS[2], cur[1], cur[3])
  redis.call("PEXPIRE", KEYS[2], tonumber(cur[3]) - now + retain)
end

redis.call("DEL", KEYS[1])
local fields = {}
for i = 4, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[1], unpack(fields))
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_ms"))
redis.call("PEXPIRE", KEYS[1], expires - now + retain)
return 0
`

// KEYS: ticket hash, retired hash, owner string.
// ARGV: digest, machine id, now_ms, redeemer owner or "".
const redeemScript = `
local t = redis.call("HMGET", KEYS[1], "digest", "consumed", "expires_ms", "machine", "target")
if not t[1] or t[1] ~= ARGV[1] then
  if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
    return {3}
  end
  return {0}
end
if t[2] == "1" then
  return {3}
end
if tonumber(t[3]) <= tonumber(ARGV[3]) then
  return {2}
end
if t[4] ~= ARGV[2] then
  return {4}
end
if ARGV[4] ~= "" and ARGV[4] ~= t[5] then
  return {0}
end

redis.call("HSET", KEYS[1], "consumed", "1")
if string.sub(t[5], 1, 6) == "login:" then
  redis.call("DEL", KEYS[3])
else
  redis.call("SET", KEYS[3], t[5])
end
return {5, redis.call("HGETALL", KEYS[1])}
`

// KEYS: owner string. ARGV: expected owner or "".
const releaseScript = `
local cur = redis.call("GET", KEYS[1])
if not cur then
  return 0
end
if ARGV[1] ~= "" and ARGV[1] ~= cur then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`

var (
	issueLua   = redis.NewScript(issueScript)
	redeemLua  = redis.NewScript(redeemScript)
	releaseLua = redis.NewScript(releaseScript)
)

// RedisRegistry keeps registry state in Redis so it survives authority
// restarts. Every mutation is a single Lua script, which gives per-account
// atomicity; all keys of one account share a hash tag so the scripts also
// run on Redis Cluster.
type RedisRegistry struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisRegistry(rdb redis.UniversalClient, prefix string, retention time.Duration) *RedisRegistry {
	return &RedisRegistry{redis: rdb, prefix: prefix, retention: retention}
}

func (r *RedisRegistry) ticketKey(accountID int32) string {
	return fmt.Sprintf("%s:t:{%d}", r.prefix, accountID)
}

func (r *RedisRegistry) retiredKey(accountID int32) string {
	return fmt.Sprintf("%s:r:{%d}", r.prefix, accountID)
}

func (r *RedisRegistry) ownerKey(accountID int32) string {
	return fmt.Sprintf("%s:o:{%d}", r.prefix, accountID)
}

func (r *RedisRegistry) keys(accountID int32) []string {
	return []string{r.ticketKey(accountID), r.retiredKey(accountID), r.ownerKey(accountID)}
}

func (r *RedisRegistry) Issue(ctx context.Context, t *Ticket, now time.Time) error {
	args := []any{now.UnixMilli(), t.Source.String(), r.retention.Milliseconds()}
	args = append(args, encodeTicket(t)...)

	res, err := issueLua.Run(ctx, r.redis, r.keys(t.AccountID), args...).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if res == 1 {
		return ErrAccountBusy
	}
	return nil
}

func (r *RedisRegistry) Redeem(ctx context.Context, rd Redemption, now time.Time) (*Ticket, error) {
	redeemer := ""
	if rd.Redeemer != nil {
		redeemer = rd.Redeemer.String()
	}
	raw, err := redeemLua.Run(ctx, r.redis, r.keys(rd.AccountID),
		rd.Digest.String(), rd.MachineID, now.UnixMilli(), redeemer,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty redeem reply", ErrRegistryUnavailable)
	}
	status, _ := raw[0].(int64)
	switch status {
	case redeemOK:
	case redeemExpired:
		return nil, ErrExpired
	case redeemConsumed:
		return nil, ErrConsumed
	case redeemMismatch:
		return nil, ErrMachineMismatch
	default:
		return nil, ErrNotFound
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: redeem reply without ticket", ErrRegistryUnavailable)
	}
	flat, ok := raw[1].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected redeem reply %T", ErrRegistryUnavailable, raw[1])
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return decodeTicket(rd.AccountID, fields)
}

func (r *RedisRegistry) Release(ctx context.Context, accountID int32, owner *Owner) error {
	expected := ""
	if owner != nil {
		expected = owner.String()
	}
	if err := releaseLua.Run(ctx, r.redis, []string{r.ownerKey(accountID)}, expected).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return nil
}

func (r *RedisRegistry) Owner(ctx context.Context, accountID int32) (Owner, bool, error) {
	v, err := r.redis.Get(ctx, r.ownerKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Owner{}, false, nil
		}
		return Owner{}, false, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	o, err := parseOwner(v)
	if err != nil {
		return Owner{}, false, err
	}
	return o, true, nil
}

func (r *RedisRegistry) Outstanding(ctx context.Context, accountID int32, now time.Time) (*Ticket, error) {
	fields, err := r.redis.HGetAll(ctx, r.ticketKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	t, err := decodeTicket(accountID, fields)
	if err != nil {
		return nil, err
	}
	if !t.Live(now) {
		return nil, nil
	}
	return t, nil
}

func encodeTicket(t *Ticket) []any {
	consumed := "0"
	if t.Consumed {
		consumed = "1"
	}
	return []any{
		"digest", t.Digest.String(),
		"id", t.ID,
		"character", t.CharacterID,
		"machine", t.MachineID,
		"source", t.Source.String(),
		"target", t.Target.String(),
		"map", t.MapID,
		"instance", t.InstanceID,
		"portal", t.PortalID,
		"owner_id", t.OwnerID,
		"issued_ms", t.IssuedAt.UnixMilli(),
		"expires_ms", t.ExpiresAt.UnixMilli(),
		"consumed", consumed,
	}
}

func decodeTicket(accountID int32, f map[string]string) (*Ticket, error) {
	t := &Ticket{
		ID:        f["id"],
		AccountID: accountID,
		MachineID: f["machine"],
		Consumed:  f["consumed"] == "1",
	}
	raw, err := hex.DecodeString(f["digest"])
	if err != nil || len(raw) != len(t.Digest) {
		return nil, fmt.Errorf("decode ticket digest for account %d", accountID)
	}
	copy(t.Digest[:], raw)

	if t.Source, err = parseOwner(f["source"]); err != nil {
		return nil, fmt.Errorf("decode ticket source: %w", err)
	}
	if t.Target, err = parseOwner(f["target"]); err != nil {
		return nil, fmt.Errorf("decode ticket target: %w", err)
	}

	ints := []struct {
		field string
		dst   *int32
	}{
		{"character", &t.CharacterID},
		{"map", &t.MapID},
		{"instance", &t.InstanceID},
		{"portal", &t.PortalID},
		{"owner_id", &t.OwnerID},
	}
	for _, it := range ints {
		n, err := strconv.ParseInt(f[it.field], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("decode ticket %s: %w", it.field, err)
		}
		*it.dst = int32(n)
	}

	issued, err := strconv.ParseInt(f["issued_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode ticket issued_ms: %w", err)
	}
	expires, err := strconv.ParseInt(f["expires_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode ticket expires_ms: %w", err)
	}
	t.IssuedAt = time.UnixMilli(issued)
	t.ExpiresAt = time.UnixMilli(expires)
	return t, nil
}
