package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"activity-queue/internal/status"
	"activity-queue/models"
)

// Keys:
//
//	category:<id>          hash  data (json), tokens, occupancy
//	event:<id>             hash  data (json), current_queue, occupancy
//	event:<id>:queues      list  queue ids in creation order
//	queue:<id>             hash  event_id, max_user_count, fulfilled, created_at
//	queue:<id>:users       list  join order
//	queue:<id>:members     set   membership check
//	user:<id>:categories   set
//	user:<id>:queue        string  the one queue the user holds a slot in
const queueKeyPrefix = "queue:"

func categoryKey(id string) string       { return fmt.Sprintf("category:%s", id) }
func eventKey(id string) string          { return fmt.Sprintf("event:%s", id) }
func eventQueuesKey(id string) string    { return fmt.Sprintf("event:%s:queues", id) }
func queueKey(id string) string          { return queueKeyPrefix + id }
func queueUsersKey(id string) string     { return fmt.Sprintf("queue:%s:users", id) }
func queueMembersKey(id string) string   { return fmt.Sprintf("queue:%s:members", id) }
func userCategoriesKey(id string) string { return fmt.Sprintf("user:%s:categories", id) }
func userQueueKey(id string) string      { return fmt.Sprintf("user:%s:queue", id) }

// KEYS[1] queue hash, KEYS[2] users list, KEYS[3] members set, KEYS[4] user queue
// ARGV[1] user id, ARGV[2] max user count, ARGV[3] queue id, ARGV[4] queue key prefix
// returns {code, length, fulfilled, holding queue id}; code 1 appended, 0 present,
// -1 full, -2 missing
const conditionalAppendScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-2, 0, 0, ''}
end
local held = redis.call('GET', KEYS[4])
if held and held ~= ARGV[3] then
	local hk = ARGV[4] .. held
	local hf = redis.call('HGET', hk, 'fulfilled') == '1'
	return {0, redis.call('LLEN', hk .. ':users'), hf and 1 or 0, held}
end
local n = redis.call('LLEN', KEYS[2])
local fulfilled = redis.call('HGET', KEYS[1], 'fulfilled') == '1'
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
	redis.call('SET', KEYS[4], ARGV[3])
	return {0, n, fulfilled and 1 or 0, ARGV[3]}
end
local max = tonumber(ARGV[2])
if fulfilled or n >= max then
	return {-1, n, fulfilled and 1 or 0, ARGV[3]}
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SET', KEYS[4], ARGV[3])
n = n + 1
if n >= max then
	redis.call('HSET', KEYS[1], 'fulfilled', '1')
	return {1, n, 1, ARGV[3]}
end
return {1, n, 0, ARGV[3]}
`

// KEYS[1] event hash, KEYS[2] event queues list, KEYS[3] new queue hash
// ARGV[1] new queue id, ARGV[2] max queue count, ARGV[3] queue max user count,
// ARGV[4] created_at, ARGV[5] event id, ARGV[6] queue key prefix
// returns {code, queue id}; code 1 created, 0 current still open, -1 no capacity, -2 missing
const openQueueScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-2, ''}
end
local cur = redis.call('HGET', KEYS[1], 'current_queue')
if cur and cur ~= '' then
	if redis.call('HGET', ARGV[6] .. cur, 'fulfilled') == '0' then
		return {0, cur}
	end
end
if redis.call('LLEN', KEYS[2]) >= tonumber(ARGV[2]) then
	return {-1, ''}
end
redis.call('HSET', KEYS[3], 'event_id', ARGV[5], 'max_user_count', ARGV[3], 'fulfilled', '0', 'created_at', ARGV[4])
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'current_queue', ARGV[1])
return {1, ARGV[1]}
`

// KEYS[1] hash, ARGV[1] field, ARGV[2] delta. Counters never go below zero.
const incrementScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local v = redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
if v < 0 then
	redis.call('HSET', KEYS[1], ARGV[1], 0)
end
return 1
`

type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readCategory(ctx context.Context, r hashReader, id string) (models.Category, error) {
	fields, err := r.HGetAll(ctx, categoryKey(id)).Result()
	if err != nil {
		return models.Category{}, err
	}
	data, ok := fields["data"]
	if !ok {
		return models.Category{}, fmt.Errorf("category %s: %w", id, status.ErrNotFound)
	}

	var c models.Category
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return models.Category{}, fmt.Errorf("decode category %s: %w", id, err)
	}
	c.ID = id
	c.Tokens = parseCounter(fields["tokens"])
	c.Occupancy = parseCounter(fields["occupancy"])
	return c, nil
}

func (s *RedisStore) GetCategory(ctx context.Context, id string) (models.Category, error) {
	return readCategory(ctx, s.client, id)
}

func (s *RedisStore) GetEvent(ctx context.Context, id string) (models.Event, error) {
	fields, err := s.client.HGetAll(ctx, eventKey(id)).Result()
	if err != nil {
		return models.Event{}, err
	}
	data, ok := fields["data"]
	if !ok {
		return models.Event{}, fmt.Errorf("event %s: %w", id, status.ErrNotFound)
	}

	var e models.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return models.Event{}, fmt.Errorf("decode event %s: %w", id, err)
	}
	e.ID = id
	e.CurrentQueue = fields["current_queue"]
	e.Occupancy = parseCounter(fields["occupancy"])

	e.Queues, err = s.client.LRange(ctx, eventQueuesKey(id), 0, -1).Result()
	if err != nil {
		return models.Event{}, err
	}
	return e, nil
}

func (s *RedisStore) GetQueue(ctx context.Context, id string) (models.Queue, error) {
	fields, err := s.client.HGetAll(ctx, queueKey(id)).Result()
	if err != nil {
		return models.Queue{}, err
	}
	if len(fields) == 0 {
		return models.Queue{}, fmt.Errorf("queue %s: %w", id, status.ErrNotFound)
	}

	q := models.Queue{
		ID:        id,
		EventID:   fields["event_id"],
		Fulfilled: fields["fulfilled"] == "1",
	}
	q.MaxUserCount, _ = strconv.Atoi(fields["max_user_count"])
	if ts, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		q.CreatedAt = time.Unix(ts, 0)
	}

	q.QueuedUsers, err = s.client.LRange(ctx, queueUsersKey(id), 0, -1).Result()
	if err != nil {
		return models.Queue{}, err
	}
	return q, nil
}

func (s *RedisStore) GetUser(ctx context.Context, id string) (models.User, error) {
	joined, err := s.client.SMembers(ctx, userCategoriesKey(id)).Result()
	if err != nil {
		return models.User{}, err
	}
	if len(joined) == 0 {
		return models.User{}, fmt.Errorf("user %s: %w", id, status.ErrNotFound)
	}
	slices.Sort(joined)
	return models.User{ID: id, JoinedCategories: joined}, nil
}

func (s *RedisStore) GetUserQueue(ctx context.Context, userID string) (string, error) {
	id, err := s.client.Get(ctx, userQueueKey(userID)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("queue of user %s: %w", userID, status.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) ConditionalAppendToQueue(ctx context.Context, queueID, userID string, maxUserCount int) (AppendResult, error) {
	keys := []string{queueKey(queueID), queueUsersKey(queueID), queueMembersKey(queueID), userQueueKey(userID)}
	reply, err := s.client.Eval(ctx, conditionalAppendScript, keys, userID, maxUserCount, queueID, queueKeyPrefix).Slice()
	if err != nil {
		return AppendResult{}, err
	}
	if len(reply) != 4 {
		return AppendResult{}, fmt.Errorf("conditional append %s: unexpected reply %v", queueID, reply)
	}

	held, _ := reply[3].(string)
	res := AppendResult{
		QueueID:   held,
		Length:    int(toInt64(reply[1])),
		Fulfilled: toInt64(reply[2]) == 1,
	}
	switch toInt64(reply[0]) {
	case 1:
		res.Outcome = Appended
	case 0:
		res.Outcome = AlreadyPresent
	case -1:
		res.Outcome = Full
	default:
		return AppendResult{}, fmt.Errorf("queue %s: %w", queueID, status.ErrNotFound)
	}
	return res, nil
}

func (s *RedisStore) OpenQueue(ctx context.Context, eventID, newQueueID string) (models.Queue, error) {
	e, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return models.Queue{}, err
	}

	createdAt := s.now()
	keys := []string{eventKey(eventID), eventQueuesKey(eventID), queueKey(newQueueID)}
	reply, err := s.client.Eval(ctx, openQueueScript, keys,
		newQueueID, e.MaxQueueCount, e.QueueMaxUserCount, createdAt.Unix(), eventID, queueKeyPrefix,
	).Slice()
	if err != nil {
		return models.Queue{}, err
	}
	if len(reply) != 2 {
		return models.Queue{}, fmt.Errorf("open queue %s: unexpected reply %v", eventID, reply)
	}

	queueID, _ := reply[1].(string)
	switch toInt64(reply[0]) {
	case 1:
		return models.Queue{
			ID:           queueID,
			EventID:      eventID,
			MaxUserCount: e.QueueMaxUserCount,
			CreatedAt:    time.Unix(createdAt.Unix(), 0),
		}, nil
	case 0:
		return s.GetQueue(ctx, queueID)
	case -1:
		return models.Queue{}, fmt.Errorf("event %s: %w", eventID, status.ErrNoCapacity)
	default:
		return models.Queue{}, fmt.Errorf("event %s: %w", eventID, status.ErrNotFound)
	}
}

func (s *RedisStore) increment(ctx context.Context, key, field string, delta int64) error {
	n, err := s.client.Eval(ctx, incrementScript, []string{key}, field, delta).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, status.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) IncrementCategoryOccupancy(ctx context.Context, categoryID string, delta int64) error {
	return s.increment(ctx, categoryKey(categoryID), "occupancy", delta)
}

func (s *RedisStore) IncrementCategoryTokens(ctx context.Context, categoryID string, delta int64) error {
	return s.increment(ctx, categoryKey(categoryID), "tokens", delta)
}

func (s *RedisStore) IncrementEventOccupancy(ctx context.Context, eventID string, delta int64) error {
	return s.increment(ctx, eventKey(eventID), "occupancy", delta)
}

func (s *RedisStore) LinkUserCategories(ctx context.Context, userID string, categoryIDs []string) error {
	if len(categoryIDs) == 0 {
		return nil
	}
	members := make([]any, len(categoryIDs))
	for i, id := range categoryIDs {
		members[i] = id
	}
	return s.client.SAdd(ctx, userCategoriesKey(userID), members...).Err()
}

// AttachChild rewrites both category documents in one optimistic transaction.
func (s *RedisStore) AttachChild(ctx context.Context, parentID, childID string) error {
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		parent, err := readCategory(ctx, tx, parentID)
		if err != nil {
			return err
		}
		child, err := readCategory(ctx, tx, childID)
		if err != nil {
			return err
		}

		parent.Type = models.CategoryTypeCategory
		if !parent.HasChild(childID) {
			parent.Children = append(parent.Children, childID)
		}
		child.ParentID = parentID

		parentData, err := encodeCategory(parent)
		if err != nil {
			return err
		}
		childData, err := encodeCategory(child)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, categoryKey(parentID), "data", parentData)
			pipe.HSet(ctx, categoryKey(childID), "data", childData)
			return nil
		})
		return err
	}, categoryKey(parentID), categoryKey(childID))
}

func (s *RedisStore) AttachEvent(ctx context.Context, categoryID, eventID string) error {
	exists, err := s.client.Exists(ctx, eventKey(eventID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("event %s: %w", eventID, status.ErrNotFound)
	}

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		c, err := readCategory(ctx, tx, categoryID)
		if err != nil {
			return err
		}

		c.Type = models.CategoryTypeEvent
		if !c.HasEvent(eventID) {
			c.Events = append(c.Events, eventID)
		}
		data, err := encodeCategory(c)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, categoryKey(categoryID), "data", data)
			return nil
		})
		return err
	}, categoryKey(categoryID))
}

func (s *RedisStore) PutCategory(ctx context.Context, c models.Category) error {
	data, err := encodeCategory(c)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, categoryKey(c.ID), map[string]any{
		"data":      data,
		"tokens":    c.Tokens,
		"occupancy": c.Occupancy,
	}).Err()
}

func (s *RedisStore) PutEvent(ctx context.Context, e models.Event) error {
	queues, current, occupancy := e.Queues, e.CurrentQueue, e.Occupancy
	e.Queues, e.CurrentQueue, e.Occupancy = nil, "", 0
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, eventKey(e.ID), map[string]any{
			"data":          string(data),
			"current_queue": current,
			"occupancy":     occupancy,
		})
		pipe.Del(ctx, eventQueuesKey(e.ID))
		if len(queues) > 0 {
			ids := make([]any, len(queues))
			for i, id := range queues {
				ids[i] = id
			}
			pipe.RPush(ctx, eventQueuesKey(e.ID), ids...)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// encodeCategory stores everything except the counters, which live in their
// own hash fields so HINCRBY can update them.
func encodeCategory(c models.Category) (string, error) {
	c.Tokens, c.Occupancy = 0, 0
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseCounter(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
