package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/flowrun/core"
)

// appendLua stores a command unless its id is known and returns
// {accepted, seq}. KEYS: command hash, sequence counter, pending set.
const appendLua = `
local seq = redis.call('HGET', KEYS[1], 'seq')
if seq then
	return {0, tonumber(seq)}
end
local next = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'seq', next)
redis.call('ZADD', KEYS[3], next, ARGV[2])
return {1, next}
`

// RedisInbox is a CommandInbox shared by every process connected to the
// same Redis. Pending command ids live in a sorted set scored by sequence
// number; claims are keys with a TTL.
type RedisInbox struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ CommandInbox = (*RedisInbox)(nil)

// RedisOption configures a RedisInbox.
type RedisOption func(*RedisInbox)

// WithPrefix sets the key prefix. Default is "flowrun".
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisInbox) {
		r.prefix = prefix
	}
}

// NewRedisInbox creates a Redis-backed command inbox.
func NewRedisInbox(client *redis.Client, opts ...RedisOption) *RedisInbox {
	r := &RedisInbox{client: client, prefix: "flowrun", now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisInbox) commandKey(id string) string { return r.prefix + ":cmd:" + id }
func (r *RedisInbox) claimKey(id string) string   { return r.prefix + ":claim:" + id }
func (r *RedisInbox) seqKey() string              { return r.prefix + ":cmd_seq" }
func (r *RedisInbox) pendingKey() string          { return r.prefix + ":pending" }

func (r *RedisInbox) Append(ctx context.Context, cmd core.CommandRecord) (core.AppendResult, error) {
	if cmd.TS.IsZero() {
		cmd.TS = r.now().UTC()
	}
	cmd.Seq, cmd.AppliedAt, cmd.Outcome, cmd.Error = 0, nil, "", ""
	data, err := json.Marshal(cmd)
	if err != nil {
		return core.AppendResult{}, fmt.Errorf("redis inbox: encode command: %w", err)
	}
	res, err := r.client.Eval(ctx, appendLua,
		[]string{r.commandKey(cmd.CommandID), r.seqKey(), r.pendingKey()},
		string(data), cmd.CommandID,
	).Slice()
	if err != nil {
		return core.AppendResult{}, fmt.Errorf("redis inbox: append: %w", err)
	}
	if len(res) != 2 {
		return core.AppendResult{}, fmt.Errorf("redis inbox: append: unexpected reply %v", res)
	}
	accepted, _ := res[0].(int64)
	seq, _ := res[1].(int64)
	return core.AppendResult{Accepted: accepted == 1, Duplicate: accepted == 0, Seq: seq}, nil
}

func (r *RedisInbox) Claim(ctx context.Context, owner string, limit int, ttl time.Duration) ([]core.CommandRecord, error) {
	ids, err := r.client.ZRange(ctx, r.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis inbox: list pending: %w", err)
	}
	now := r.now()
	cands := make([]pending, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, ErrCommandNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.AppliedAt != nil {
			continue
		}
		p := pending{cmd: rec}
		holder, err := r.client.Get(ctx, r.claimKey(id)).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return nil, fmt.Errorf("redis inbox: read claim: %w", err)
		default:
			left, err := r.client.PTTL(ctx, r.claimKey(id)).Result()
			if err != nil {
				return nil, fmt.Errorf("redis inbox: read claim ttl: %w", err)
			}
			p.claimOwner = holder
			p.claimExpires = now.Add(left)
		}
		cands = append(cands, p)
	}

	lost := map[string]bool{}
	var out []core.CommandRecord
	for _, i := range selectClaims(cands, owner, now, limit) {
		cmd := cands[i].cmd
		if lost[cmd.RunID] {
			continue
		}
		ok, err := r.acquire(ctx, cmd.CommandID, owner, ttl)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another process claimed it since the scan; keep the run's order.
			lost[cmd.RunID] = true
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

func (r *RedisInbox) acquire(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.claimKey(id), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis inbox: claim: %w", err)
	}
	if ok {
		return true, nil
	}
	holder, err := r.client.Get(ctx, r.claimKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return r.client.SetNX(ctx, r.claimKey(id), owner, ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("redis inbox: claim: %w", err)
	}
	if holder != owner {
		return false, nil
	}
	return true, r.client.PExpire(ctx, r.claimKey(id), ttl).Err()
}

func (r *RedisInbox) MarkApplied(ctx context.Context, commandID, outcome, errMsg string) error {
	key := r.commandKey(commandID)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis inbox: mark applied: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	at := strconv.FormatInt(r.now().UTC().UnixNano(), 10)
	first, err := r.client.HSetNX(ctx, key, "applied_at", at).Result()
	if err != nil {
		return fmt.Errorf("redis inbox: mark applied: %w", err)
	}
	if !first {
		return nil
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "outcome", outcome, "error", errMsg)
		pipe.ZRem(ctx, r.pendingKey(), commandID)
		pipe.Del(ctx, r.claimKey(commandID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis inbox: mark applied: %w", err)
	}
	return nil
}

func (r *RedisInbox) Get(ctx context.Context, commandID string) (core.CommandRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.commandKey(commandID)).Result()
	if err != nil {
		return core.CommandRecord{}, fmt.Errorf("redis inbox: get: %w", err)
	}
	if len(fields) == 0 {
		return core.CommandRecord{}, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	var rec core.CommandRecord
	if err := json.Unmarshal([]byte(fields["data"]), &rec); err != nil {
		return core.CommandRecord{}, fmt.Errorf("redis inbox: decode command: %w", err)
	}
	rec.Seq, _ = strconv.ParseInt(fields["seq"], 10, 64)
	if v := fields["applied_at"]; v != "" {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			at := time.Unix(0, ns).UTC()
			rec.AppliedAt = &at
		}
	}
	rec.Outcome = fields["outcome"]
	rec.Error = fields["error"]
	return rec, nil
}
