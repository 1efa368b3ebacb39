// Package presence maintains cache-resident connection-count presence, backed by Redis/Valkey. A user's visible
// status is online iff connection-count > 0, using their last explicitly set status (default online); it becomes
// offline, and only then, when the connection count drops to zero. The durable users.status/last_seen_at columns
// are advisory and may lag; this package is the sole source of truth for live status.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/contact"
	"github.com/pulsechat/pulsechat-server/internal/user"
)

const (
	// presenceTTL is the lifetime of a presence hash. Heartbeats refresh this TTL; the sweep loop treats an expired
	// key as an ungraceful disconnect (client vanished without a close frame) and forces the user offline.
	presenceTTL = 60 * time.Second

	// setStatusCooldown rate-limits explicit status changes to once per 5 s per user.
	setStatusCooldown = 5 * time.Second

	// mutualContactsTTL caches a user's resolved visible audience (mutual, non-blocked contacts) for broadcastChange.
	mutualContactsTTL = 5 * time.Minute

	// StatusOffline is the implicit status when connection-count is zero. It is never stored as the "status" field
	// of a live presence hash; a hash with count 0 is deleted outright.
	StatusOffline = string(user.StatusOffline)
)

var (
	// ErrInvalidStatus is returned by SetStatus for a status outside {online, away, busy}.
	ErrInvalidStatus = errors.New("status must be one of online, away, busy")
	// ErrRateLimited is returned by SetStatus when called again within setStatusCooldown of the previous call.
	ErrRateLimited = errors.New("status changes are limited to once per 5 seconds")
)

// Record is a snapshot of a user's live presence state.
type Record struct {
	UserID          uuid.UUID
	Status          string
	ConnectionCount int
	LastHeartbeat   time.Time
}

// Online reports whether the record represents a connected user.
func (r Record) Online() bool { return r.ConnectionCount > 0 }

// Store implements the Presence service's connect/disconnect/status/heartbeat/broadcast operations described in
// §4.6, including resolving broadcast audience from the contact graph.
type Store struct {
	rdb      *redis.Client
	users    user.Repository
	contacts contact.Repository
	log      zerolog.Logger
}

// NewStore creates a new presence store.
func NewStore(rdb *redis.Client, users user.Repository, contacts contact.Repository, logger zerolog.Logger) *Store {
	return &Store{rdb: rdb, users: users, contacts: contacts, log: logger}
}

// connectScript atomically increments connection-count, sets status to "online" only on a 0→1 transition (leaving
// an existing explicit status alone for reconnects from a second device), refreshes last-heartbeat, and renews the
// TTL.
//
//	KEYS[1] = presence:{userId}
//	ARGV[1] = unix milli "now"
//	ARGV[2] = TTL seconds
var connectScript = redis.NewScript(`
local count = tonumber(redis.call('HINCRBY', KEYS[1], 'count', 1))
local becameOnline = 0
if count == 1 then
    redis.call('HSET', KEYS[1], 'status', 'online')
    becameOnline = 1
end
redis.call('HSET', KEYS[1], 'heartbeat', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
local status = redis.call('HGET', KEYS[1], 'status')
return {status, becameOnline}
`)

// disconnectScript atomically decrements connection-count, clamped at zero, deleting the hash entirely (implying
// offline) once it reaches zero.
//
//	KEYS[1] = presence:{userId}
var disconnectScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local count = tonumber(redis.call('HINCRBY', KEYS[1], 'count', -1))
if count <= 0 then
    redis.call('DEL', KEYS[1])
    return 0
end
return count
`)

// Connect registers a new connection for userID, returning the resulting visible status and whether this call was
// the 0→1 transition (becameOnline). Subsequent connections from other devices just bump the count and leave the
// existing status alone.
func (s *Store) Connect(ctx context.Context, userID uuid.UUID) (status string, becameOnline bool, err error) {
	result, err := connectScript.Run(ctx, s.rdb,
		[]string{presenceKey(userID)},
		time.Now().UnixMilli(), int(presenceTTL.Seconds()),
	).Slice()
	if err != nil {
		return "", false, fmt.Errorf("connect presence for %s: %w", userID, err)
	}
	if len(result) != 2 {
		return "", false, fmt.Errorf("unexpected connect script result shape: %v", result)
	}
	status, _ = result[0].(string)
	transitioned, _ := result[1].(int64)
	return status, transitioned == 1, nil
}

// Disconnect removes one connection for userID. When the count reaches zero the user is persisted as offline in
// the durable store (TouchLastSeen) and becameOffline reports true so the caller can broadcast presence:update.
func (s *Store) Disconnect(ctx context.Context, userID uuid.UUID) (becameOffline bool, err error) {
	remaining, err := disconnectScript.Run(ctx, s.rdb, []string{presenceKey(userID)}).Int()
	if err != nil {
		return false, fmt.Errorf("disconnect presence for %s: %w", userID, err)
	}
	if remaining > 0 {
		return false, nil
	}
	if err := s.users.TouchLastSeen(ctx, userID, time.Now()); err != nil {
		return true, fmt.Errorf("persist last seen for %s: %w", userID, err)
	}
	return true, nil
}

// setStatusScript enforces the 5-second cooldown and updates status atomically, returning 1 on success or 0 when
// rate-limited.
//
//	KEYS[1] = presence:{userId}
//	ARGV[1] = new status
//	ARGV[2] = unix milli "now"
//	ARGV[3] = cooldown milliseconds
//	ARGV[4] = TTL seconds
var setStatusScript = redis.NewScript(`
local lastChange = tonumber(redis.call('HGET', KEYS[1], 'status_changed_at') or '0')
local now = tonumber(ARGV[2])
if now - lastChange < tonumber(ARGV[3]) then
    return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'status_changed_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// SetStatus validates and applies an explicit status change for a connected user, enforcing the per-user cooldown.
func (s *Store) SetStatus(ctx context.Context, userID uuid.UUID, status string) error {
	if !user.SettableStatuses[user.Status(status)] {
		return ErrInvalidStatus
	}

	ok, err := setStatusScript.Run(ctx, s.rdb,
		[]string{presenceKey(userID)},
		status, time.Now().UnixMilli(), setStatusCooldown.Milliseconds(), int(presenceTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("set status for %s: %w", userID, err)
	}
	if ok == 0 {
		return ErrRateLimited
	}
	return nil
}

// Heartbeat refreshes the TTL of an existing presence hash without altering status or count. Clients send these
// every 25 s; a sweep (see Sweep) forces offline any user whose hash expired without one.
func (s *Store) Heartbeat(ctx context.Context, userID uuid.UUID) error {
	key := presenceKey(userID)
	if err := s.rdb.HSet(ctx, key, "heartbeat", time.Now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("heartbeat for %s: %w", userID, err)
	}
	if err := s.rdb.Expire(ctx, key, presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh heartbeat ttl for %s: %w", userID, err)
	}
	return nil
}

// Get returns the live presence record for a user. A missing hash is reported as offline with zero connections,
// never as an error.
func (s *Store) Get(ctx context.Context, userID uuid.UUID) (Record, error) {
	vals, err := s.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get presence for %s: %w", userID, err)
	}
	if len(vals) == 0 {
		return Record{UserID: userID, Status: StatusOffline}, nil
	}

	record := Record{UserID: userID, Status: vals["status"]}
	if v, ok := vals["count"]; ok {
		fmt.Sscanf(v, "%d", &record.ConnectionCount)
	}
	if v, ok := vals["heartbeat"]; ok {
		var ms int64
		fmt.Sscanf(v, "%d", &ms)
		record.LastHeartbeat = time.UnixMilli(ms)
	}
	return record, nil
}

// GetMany returns live presence records for a batch of users, keyed by userID, omitting users with no active hash
// (they are offline).
func (s *Store) GetMany(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]Record, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make(map[uuid.UUID]*redis.MapStringStringCmd, len(userIDs))
	for _, id := range userIDs {
		cmds[id] = pipe.HGetAll(ctx, presenceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pipeline get many presence: %w", err)
	}

	result := make(map[uuid.UUID]Record, len(userIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		record := Record{UserID: id, Status: vals["status"]}
		if v, ok := vals["count"]; ok {
			fmt.Sscanf(v, "%d", &record.ConnectionCount)
		}
		result[id] = record
	}
	return result, nil
}

// Audience resolves the set of user ids that should receive a presence:update broadcast for userID: their mutual,
// non-blocked contacts. The resolved list is itself cached for mutualContactsTTL to avoid hitting the contact
// store on every status flap.
func (s *Store) Audience(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	key := audienceKey(userID)

	cached, err := s.rdb.SMembers(ctx, key).Result()
	if err == nil && len(cached) > 0 {
		ids := make([]uuid.UUID, 0, len(cached))
		for _, raw := range cached {
			if id, err := uuid.Parse(raw); err == nil {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}

	ids, err := s.contacts.MutualIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve mutual contacts for %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id.String()
	}
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, mutualContactsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Msg("cache mutual contacts audience failed")
	}
	return ids, nil
}

// Sweep force-transitions any presence hash that has expired without a heartbeat refresh, per the server-side
// backstop in §4.6. In practice Redis TTL eviction already removes the hash; Sweep exists to run the matching
// TouchLastSeen + broadcast side effects for users whose keys naturally expired since the last sweep, by accepting
// the list of user ids whose connections the gateway itself believes are still open but whose presence key is gone.
func (s *Store) Sweep(ctx context.Context, suspectUserIDs []uuid.UUID) (wentOffline []uuid.UUID, err error) {
	for _, id := range suspectUserIDs {
		exists, err := s.rdb.Exists(ctx, presenceKey(id)).Result()
		if err != nil {
			return wentOffline, fmt.Errorf("sweep check for %s: %w", id, err)
		}
		if exists == 0 {
			if err := s.users.TouchLastSeen(ctx, id, time.Now()); err != nil {
				s.log.Warn().Err(err).Stringer("user_id", id).Msg("touch last seen during sweep failed")
			}
			wentOffline = append(wentOffline, id)
		}
	}
	return wentOffline, nil
}

func presenceKey(userID uuid.UUID) string {
	return "presence:" + userID.String()
}

func audienceKey(userID uuid.UUID) string {
	return "presence:" + userID.String() + ":audience"
}
