package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance so two endpoints in
// different processes can rendezvous.  Signals and requests live in per-session
// hashes; watchers follow a pub/sub channel after a one-time replay of the
// hash, which gives at-least-once delivery.
type RedisStore struct {
	rdb    *redis.Client
	prefix string

	mu      sync.Mutex
	closed  bool
	pubsubs []*redis.PubSub
}

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration

	// KeyPrefix namespaces all keys; defaults to "peercall".
	KeyPrefix string
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	if out.KeyPrefix == "" {
		out.KeyPrefix = "peercall"
	}
	return out
}

// OpenRedis initializes a Redis-backed store and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) sigKey(sessionID string) string {
	return fmt.Sprintf("%s:{%s}:signals", s.prefix, sessionID)
}

func (s *RedisStore) reqKey(sessionID string) string {
	return fmt.Sprintf("%s:{%s}:requests", s.prefix, sessionID)
}

// updateRequestScript transitions a pending request atomically.
// KEYS[1] = request hash, ARGV[1] = request id, ARGV[2] = status,
// ARGV[3] = reason, ARGV[4] = now (epoch ms).
// Returns the updated JSON, or false when the request is missing or terminal.
var updateRequestScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return false
end
local req = cjson.decode(raw)
if req.status ~= 'pending' then
  return false
end
req.status = ARGV[2]
if ARGV[2] == 'approved' then
  req.approvedAt = tonumber(ARGV[4])
elseif ARGV[2] == 'rejected' then
  req.rejectedAt = tonumber(ARGV[4])
  if ARGV[3] ~= '' then
    req.rejectionReason = ARGV[3]
  end
end
local out = cjson.encode(req)
redis.call('HSET', KEYS[1], ARGV[1], out)
redis.call('PUBLISH', KEYS[1] .. ':events', out)
return out
`)

// AppendSignal stores the message in the session hash and publishes it.
func (s *RedisStore) AppendSignal(ctx context.Context, sessionID string, msg *Message) (string, error) {
	cp := *msg
	cp.ID = newOpaqueID("sig")
	raw, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("marshal signal: %w", err)
	}

	key := s.sigKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, cp.ID, raw)
	pipe.Publish(ctx, key+":events", raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("append signal: %w", err)
	}
	return cp.ID, nil
}

// WatchSignals replays the session hash once, then follows pub/sub.
func (s *RedisStore) WatchSignals(sessionID string, fn func(*Message)) (func(), error) {
	key := s.sigKey(sessionID)
	decode := func(raw string) {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			log.Printf("SIGNAL: dropping undecodable redis entry on %s: %v", key, err)
			return
		}
		fn(&m)
	}
	return s.watch(key, decode)
}

// RemoveSignal deletes a signal field; unknown ids are a no-op.
func (s *RedisStore) RemoveSignal(ctx context.Context, sessionID, id string) error {
	return s.rdb.HDel(ctx, s.sigKey(sessionID), id).Err()
}

// PutRequest stores the request and publishes the new state.
func (s *RedisStore) PutRequest(ctx context.Context, sessionID string, req *Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	key := s.reqKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, req.RequestID, raw)
	pipe.Publish(ctx, key+":events", raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put request: %w", err)
	}
	return nil
}

// UpdateRequest applies upd atomically if the request is still pending.
func (s *RedisStore) UpdateRequest(ctx context.Context, sessionID, requestID string, upd RequestUpdate) (bool, error) {
	res, err := updateRequestScript.Run(ctx, s.rdb,
		[]string{s.reqKey(sessionID)},
		requestID, upd.Status, upd.Reason, nowMilli(),
	).Result()
	if err == redis.Nil {
		// Script returned false: missing or already terminal.  Distinguish so
		// a typo'd id surfaces as an error but a lost race stays a no-op.
		exists, exErr := s.rdb.HExists(ctx, s.reqKey(sessionID), requestID).Result()
		if exErr != nil {
			return false, exErr
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update request: %w", err)
	}
	_, ok := res.(string)
	return ok, nil
}

// WatchRequests replays the request hash once, then follows pub/sub.
func (s *RedisStore) WatchRequests(sessionID string, fn func(*Request)) (func(), error) {
	key := s.reqKey(sessionID)
	decode := func(raw string) {
		var r Request
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			log.Printf("SIGNAL: dropping undecodable redis entry on %s: %v", key, err)
			return
		}
		fn(&r)
	}
	return s.watch(key, decode)
}

func (s *RedisStore) watch(key string, deliver func(raw string)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("store closed")
	}
	ps := s.rdb.Subscribe(context.Background(), key+":events")
	// Force the subscription before replaying so no event can fall between
	// replay and follow.  A duplicate from the overlap is fine; consumers
	// deduplicate by id.
	if _, err := ps.Receive(context.Background()); err != nil {
		s.mu.Unlock()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	s.pubsubs = append(s.pubsubs, ps)
	s.mu.Unlock()

	entries, err := s.rdb.HGetAll(context.Background(), key).Result()
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("replay %s: %w", key, err)
	}
	for _, raw := range entries {
		deliver(raw)
	}

	go func() {
		for m := range ps.Channel() {
			deliver(m.Payload)
		}
	}()

	cancel := func() { _ = ps.Close() }
	return cancel, nil
}

// Close terminates all watchers and the client connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	s.closed = true
	pubsubs := s.pubsubs
	s.pubsubs = nil
	s.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	return s.rdb.Close()
}
