package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/arkantrust/ikoot-checkin/backend/models"
)

// Every multi-key write runs as a Lua script, which Redis executes without
// interleaving other commands.
var (
	createUserScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return {existing, 0}
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'id', ARGV[1], 'email', ARGV[2], 'name', ARGV[3], 'points', 0, 'created_at', ARGV[4], 'updated_at', ARGV[5])
redis.call('SADD', KEYS[3], ARGV[1])
return {ARGV[1], 1}
`)

	createCheckinScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
  return 1
end
return 0
`)

	applyCreditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, -1}
end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return {tonumber(redis.call('HGET', KEYS[1], 'points')), 0}
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
return {redis.call('HINCRBY', KEYS[1], 'points', ARGV[2]), 1}
`)
)

// RedisStore keeps the ledger in Redis. It has no multi-record transaction
// across the ledger and the balance, so it does not implement
// AtomicCheckinStore; the check-in service repairs balances from the ledger.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, opts.Prefix), nil
}

// NewRedis wraps an existing client. Keys are namespaced by prefix.
func NewRedis(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ikoot:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) emailKey(email string) string { return s.prefix + "user:email:" + email }

func (s *RedisStore) userKey(id string) string { return s.prefix + "user:" + id }

func (s *RedisStore) usersKey() string { return s.prefix + "users" }

func (s *RedisStore) userCheckinsKey(id string) string { return s.prefix + "checkins:" + id }

func (s *RedisStore) creditsKey(id string) string { return s.prefix + "credits:" + id }

// checkinScore orders a user's sorted set. Sorted-set scores are float64, so
// the score stays in microseconds to remain below 2^53.
func checkinScore(t time.Time) int64 { return t.UnixMicro() }

func (s *RedisStore) checkinKey(userID string, eventID int64) string {
	return s.prefix + "checkin:" + userID + ":" + strconv.FormatInt(eventID, 10)
}

// CreateUserIfAbsent claims the email key with SET NX inside a script, so
// only one caller ever writes the user hash.
func (s *RedisStore) CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error) {
	keys := []string{s.emailKey(u.Email), s.userKey(u.ID), s.usersKey()}
	res, err := createUserScript.Run(ctx, s.client, keys,
		u.ID, u.Email, u.Name, formatTime(u.CreatedAt), formatTime(u.UpdatedAt)).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("create user: unexpected script reply %v", res)
	}
	id, _ := res[0].(string)
	created, _ := res[1].(int64)

	stored, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	return stored, created == 1, nil
}

func (s *RedisStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	id, err := s.client.Get(ctx, s.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *RedisStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return userFromHash(fields)
}

func userFromHash(fields map[string]string) (*models.User, error) {
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	u := models.User{ID: fields["id"], Email: fields["email"], Name: fields["name"]}
	var err error
	if u.Points, err = strconv.ParseInt(fields["points"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode points: %w", err)
	}
	if u.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &u, nil
}

func (s *RedisStore) ListUsers(ctx context.Context) ([]models.User, error) {
	ids, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.userKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]models.User, 0, len(ids))
	for _, cmd := range cmds {
		u, err := userFromHash(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, *u)
	}
	return users, nil
}

func (s *RedisStore) HasCheckin(ctx context.Context, userID string, eventID int64) (bool, error) {
	n, err := s.client.Exists(ctx, s.checkinKey(userID, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("has checkin: %w", err)
	}
	return n == 1, nil
}

// CreateCheckinIfAbsent writes the record with SET NX and indexes it in the
// user's sorted set only when this call won.
func (s *RedisStore) CreateCheckinIfAbsent(ctx context.Context, rec *models.CheckinRecord) (*models.CheckinRecord, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("create checkin: %w", err)
	}
	keys := []string{s.checkinKey(rec.UserID, rec.EventID), s.userCheckinsKey(rec.UserID)}
	created, err := createCheckinScript.Run(ctx, s.client, keys,
		data, checkinScore(rec.CheckedInAt), rec.EventID).Int64()
	if err != nil {
		return nil, false, fmt.Errorf("create checkin: %w", err)
	}
	if created == 1 {
		stored := *rec
		return &stored, true, nil
	}
	stored, err := s.GetCheckin(ctx, rec.UserID, rec.EventID)
	if err != nil {
		return nil, false, fmt.Errorf("create checkin: %w", err)
	}
	return stored, false, nil
}

func (s *RedisStore) GetCheckin(ctx context.Context, userID string, eventID int64) (*models.CheckinRecord, error) {
	data, err := s.client.Get(ctx, s.checkinKey(userID, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec models.CheckinRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListCheckins returns the user's records, oldest first.
func (s *RedisStore) ListCheckins(ctx context.Context, userID string) ([]models.CheckinRecord, error) {
	eventIDs, err := s.client.ZRange(ctx, s.userCheckinsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkins: %w", err)
	}
	records := make([]models.CheckinRecord, 0, len(eventIDs))
	if len(eventIDs) == 0 {
		return records, nil
	}

	keys := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		keys[i] = s.prefix + "checkin:" + userID + ":" + id // members are event ids
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkins: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec models.CheckinRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("list checkins: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ApplyCredit adds the check-in id to the user's credit set and increments
// points only if the id was new.
func (s *RedisStore) ApplyCredit(ctx context.Context, c models.Credit) (int64, bool, error) {
	keys := []string{s.userKey(c.UserID), s.creditsKey(c.UserID)}
	res, err := applyCreditScript.Run(ctx, s.client, keys,
		c.CheckinID, c.Amount, formatTime(c.AppliedAt)).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("apply credit: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("apply credit: unexpected script reply %v", res)
	}
	balance, _ := res[0].(int64)
	status, _ := res[1].(int64)
	if status == -1 {
		return 0, false, ErrNotFound
	}
	return balance, status == 1, nil
}

func (s *RedisStore) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := s.client.HGet(ctx, s.userKey(userID), "points").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	return balance, err
}
