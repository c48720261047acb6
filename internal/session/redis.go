package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/puckettventures/converse/internal/models"
)

// Lua scripts run atomically on the Redis server. Errors are signalled with
// short tokens that scriptErr maps back to package sentinels.
var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

	planScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOTFOUND')
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 1 then
  redis.call('HINCRBY', KEYS[1], 'pending_units', tonumber(ARGV[3]))
  redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
  return ARGV[2]
end
return redis.call('HGET', KEYS[2], ARGV[1])
`)

	retireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOTFOUND')
end
local pending = tonumber(redis.call('HGET', KEYS[1], 'pending_units'))
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
  return {0, pending}
end
if pending <= 0 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  return redis.error_reply('UNDERFLOW')
end
if ARGV[2] ~= '' then
  redis.call('RPUSH', KEYS[3], ARGV[2])
end
if ARGV[3] == '1' then
  redis.call('HINCRBY', KEYS[1], 'failed_units', 1)
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
return {1, redis.call('HINCRBY', KEYS[1], 'pending_units', -1)}
`)

	transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return redis.error_reply('NOTFOUND')
end
for i = 6, #ARGV do
  if ARGV[i] == cur then
    redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
    if ARGV[4] ~= '' then
      redis.call('HSET', KEYS[1], ARGV[4], ARGV[5])
    end
    if ARGV[2] == 'completed' or ARGV[2] == 'failed' then
      redis.call('ZREM', KEYS[2], ARGV[1])
    end
    return 1
  end
end
return 0
`)
)

// RedisStore keeps each session in a hash with sibling keys for retired
// units, the clip list and paragraph plans:
//
//	<prefix>:session:<id>         hash
//	<prefix>:session:<id>:units   hash  unit key -> clip json
//	<prefix>:session:<id>:clips   list  clip json, append-only
//	<prefix>:session:<id>:plans   hash  paragraph index -> plan json
//	<prefix>:sessions:active      zset  id scored by creation time
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "converse"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisStore) unitsKey(id string) string   { return s.sessionKey(id) + ":units" }
func (s *RedisStore) clipsKey(id string) string   { return s.sessionKey(id) + ":clips" }
func (s *RedisStore) plansKey(id string) string   { return s.sessionKey(id) + ":plans" }
func (s *RedisStore) activeKey() string           { return s.prefix + ":sessions:active" }

func (s *RedisStore) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

func (s *RedisStore) Create(ctx context.Context, sess *models.Session) error {
	paragraphs, err := json.Marshal(sess.Paragraphs)
	if err != nil {
		return fmt.Errorf("marshal paragraphs: %w", err)
	}
	speakers, err := json.Marshal(sess.Speakers)
	if err != nil {
		return fmt.Errorf("marshal speakers: %w", err)
	}

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	sess.Status = models.SessionInProgress
	sess.PendingUnits = initialPending(sess)

	created := sess.CreatedAt.Format(time.RFC3339Nano)
	args := []any{
		sess.ID,
		sess.CreatedAt.UnixNano(),
		"id", sess.ID,
		"status", string(sess.Status),
		"created_at", created,
		"updated_at", created,
		"text", sess.Text,
		"paragraphs", string(paragraphs),
		"speakers", string(speakers),
		"pending_units", sess.PendingUnits,
		"failed_units", 0,
		"merged_file", "",
		"callback_url", sess.CallbackURL,
		"error", "",
	}

	ok, err := createScript.Run(ctx, s.client, []string{s.sessionKey(sess.ID), s.activeKey()}, args...).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", scriptErr(err))
	}
	if ok == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var (
		fields *redis.MapStringStringCmd
		clips  *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, s.sessionKey(id))
		clips = p.LRange(ctx, s.clipsKey(id), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	h := fields.Val()
	if len(h) == 0 {
		return nil, ErrNotFound
	}

	sess := &models.Session{
		ID:          id,
		Status:      models.SessionStatus(h["status"]),
		Text:        h["text"],
		MergedFile:  h["merged_file"],
		CallbackURL: h["callback_url"],
		Error:       h["error"],
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, h["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, h["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if sess.PendingUnits, err = strconv.ParseInt(h["pending_units"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse pending_units: %w", err)
	}
	if sess.FailedUnits, err = strconv.ParseInt(h["failed_units"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse failed_units: %w", err)
	}
	if err := json.Unmarshal([]byte(h["paragraphs"]), &sess.Paragraphs); err != nil {
		return nil, fmt.Errorf("decode paragraphs: %w", err)
	}
	if err := json.Unmarshal([]byte(h["speakers"]), &sess.Speakers); err != nil {
		return nil, fmt.Errorf("decode speakers: %w", err)
	}

	for _, raw := range clips.Val() {
		var c models.Clip
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode clip: %w", err)
		}
		sess.AudioFiles = append(sess.AudioFiles, c)
	}
	return sess, nil
}

func (s *RedisStore) PlanParagraph(ctx context.Context, id string, index int, plan []models.Utterance) ([]models.Utterance, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	raw, err := planScript.Run(ctx, s.client,
		[]string{s.sessionKey(id), s.plansKey(id)},
		index, string(data), len(plan), s.stamp(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("plan paragraph %d: %w", index, scriptErr(err))
	}

	var stored []models.Utterance
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return stored, nil
}

func (s *RedisStore) Plan(ctx context.Context, id string, index int) ([]models.Utterance, bool, error) {
	raw, err := s.client.HGet(ctx, s.plansKey(id), strconv.Itoa(index)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load plan %d: %w", index, err)
	}
	var stored []models.Utterance
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, false, fmt.Errorf("decode plan: %w", err)
	}
	return stored, true, nil
}

func (s *RedisStore) Retire(ctx context.Context, id string, unit models.Unit) (Retirement, error) {
	clip := ""
	if unit.Clip != nil {
		data, err := json.Marshal(unit.Clip)
		if err != nil {
			return Retirement{}, fmt.Errorf("marshal clip: %w", err)
		}
		clip = string(data)
	}
	failed := "0"
	if unit.Failed() {
		failed = "1"
	}

	res, err := retireScript.Run(ctx, s.client,
		[]string{s.sessionKey(id), s.unitsKey(id), s.clipsKey(id)},
		unit.Key, clip, failed, s.stamp(),
	).Int64Slice()
	if err != nil {
		return Retirement{}, fmt.Errorf("retire %s: %w", unit.Key, scriptErr(err))
	}
	if len(res) != 2 {
		return Retirement{}, fmt.Errorf("retire %s: unexpected reply %v", unit.Key, res)
	}
	return Retirement{Applied: res[0] == 1, Remaining: res[1]}, nil
}

func (s *RedisStore) IsRetired(ctx context.Context, id, unitKey string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.unitsKey(id), unitKey).Result()
	if err != nil {
		return false, fmt.Errorf("check unit %s: %w", unitKey, err)
	}
	return ok, nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, from, to models.SessionStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return s.transition(ctx, id, to, "", "", from)
}

func (s *RedisStore) Complete(ctx context.Context, id, mergedRef string) (bool, error) {
	return s.transition(ctx, id, models.SessionCompleted, "merged_file", mergedRef, models.SessionMerging)
}

func (s *RedisStore) Fail(ctx context.Context, id, reason string) (bool, error) {
	return s.transition(ctx, id, models.SessionFailed, "error", reason, models.SessionInProgress, models.SessionMerging)
}

func (s *RedisStore) transition(ctx context.Context, id string, to models.SessionStatus, field, value string, from ...models.SessionStatus) (bool, error) {
	args := []any{id, string(to), s.stamp(), field, value}
	for _, f := range from {
		args = append(args, string(f))
	}
	n, err := transitionScript.Run(ctx, s.client, []string{s.sessionKey(id), s.activeKey()}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("transition to %s: %w", to, scriptErr(err))
	}
	return n == 1, nil
}

func (s *RedisStore) ListStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	var stale []string
	for _, id := range ids {
		status, err := s.client.HGet(ctx, s.sessionKey(id), "status").Result()
		if errors.Is(err, redis.Nil) {
			s.client.ZRem(ctx, s.activeKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get status %s: %w", id, err)
		}
		if models.SessionStatus(status) == models.SessionInProgress {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

func scriptErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOTFOUND"):
		return ErrNotFound
	case strings.Contains(msg, "UNDERFLOW"):
		return ErrCounterUnderflow
	}
	return err
}
