// Package cache implements the cache-aside layer over Redis/Valkey: a bounded ordered set of recent messages per
// conversation, per-conversation and per-user aggregate unread counters, and a per-message delivery-status map. All
// operations are best-effort — a store error here never surfaces to the caller as a user-visible failure, since the
// Postgres store remains the source of truth for everything cached.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultRecentMessagesTTL  = 5 * time.Minute
	defaultUnreadTTL          = time.Hour
	defaultDeliveryTTL        = 24 * time.Hour
	defaultRecentMessagesSize = 50
)

// Valkey key patterns:
//
//	conversation:{id}:messages:recent → ZSET, member = JSON-encoded CachedMessage, score = created_at (unix nano)
//	conversation:{id}:unread:{userId} → STRING counter
//	user:{userId}:unread:total        → STRING counter
//	message:{id}:status                → HASH, field = userId, value = delivery state

func recentMessagesKey(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String() + ":messages:recent"
}

func conversationUnreadKey(conversationID, userID uuid.UUID) string {
	return "conversation:" + conversationID.String() + ":unread:" + userID.String()
}

func userUnreadTotalKey(userID uuid.UUID) string {
	return "user:" + userID.String() + ":unread:total"
}

func deliveryStatusKey(messageID uuid.UUID) string {
	return "message:" + messageID.String() + ":status"
}

// CachedMessage is the subset of message.Message serialized into the recent-messages cache. It is defined locally
// (rather than importing internal/message) so the cache package has no dependency on the domain packages that
// depend on it.
type CachedMessage struct {
	ID                uuid.UUID  `json:"id"`
	ConversationID    uuid.UUID  `json:"conversationId"`
	SenderID          uuid.UUID  `json:"senderId"`
	Content           string     `json:"content"`
	ReplyToID         *uuid.UUID `json:"replyToId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	SenderUsername    string     `json:"senderUsername"`
	SenderDisplayName *string    `json:"senderDisplayName,omitempty"`
	SenderAvatarKey   *string    `json:"senderAvatarKey,omitempty"`
}

// Cache wraps a Redis/Valkey client with the cache-aside operations used by the message and retrieval engines.
type Cache struct {
	rdb *redis.Client
	log zerolog.Logger

	recentMessagesTTL  time.Duration
	unreadTTL          time.Duration
	deliveryTTL        time.Duration
	recentMessagesSize int64
}

// Config holds the TTL/size knobs for Cache. A zero value in any field falls back to this package's default, so
// callers that only care about overriding one knob do not need to restate the rest.
type Config struct {
	RecentMessagesTTL  time.Duration
	UnreadTTL          time.Duration
	DeliveryTTL        time.Duration
	RecentMessagesSize int64
}

// New creates a new Cache backed by the given Redis/Valkey client, using this package's default TTLs and cap.
func New(rdb *redis.Client, logger zerolog.Logger) *Cache {
	return NewWithConfig(rdb, logger, Config{})
}

// NewWithConfig creates a new Cache with explicit TTL/size overrides, letting operators tune cache residency
// (e.g. via the CACHE_* environment variables) without touching this package's defaults.
func NewWithConfig(rdb *redis.Client, logger zerolog.Logger, cfg Config) *Cache {
	c := &Cache{
		rdb:                rdb,
		log:                logger,
		recentMessagesTTL:  cfg.RecentMessagesTTL,
		unreadTTL:          cfg.UnreadTTL,
		deliveryTTL:        cfg.DeliveryTTL,
		recentMessagesSize: cfg.RecentMessagesSize,
	}
	if c.recentMessagesTTL <= 0 {
		c.recentMessagesTTL = defaultRecentMessagesTTL
	}
	if c.unreadTTL <= 0 {
		c.unreadTTL = defaultUnreadTTL
	}
	if c.deliveryTTL <= 0 {
		c.deliveryTTL = defaultDeliveryTTL
	}
	if c.recentMessagesSize <= 0 {
		c.recentMessagesSize = defaultRecentMessagesSize
	}
	return c
}

// PutRecentMessages replaces a conversation's recent-messages cache entry with the given messages (already ordered
// newest-first, at most recentMessagesSize long) and resets the TTL. Called both to populate the cache on a read
// miss and, via PutRecentMessages(ctx, id, nil), is not used for invalidation — see InvalidateRecent.
func (c *Cache) PutRecentMessages(ctx context.Context, conversationID uuid.UUID, messages []CachedMessage) error {
	key := recentMessagesKey(conversationID)

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(messages) > 0 {
		members := make([]redis.Z, 0, len(messages))
		for _, m := range messages {
			encoded, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal cached message: %w", err)
			}
			members = append(members, redis.Z{Score: float64(m.CreatedAt.UnixNano()), Member: encoded})
		}
		pipe.ZAdd(ctx, key, members...)
	}
	pipe.Expire(ctx, key, c.recentMessagesTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put recent messages for %s: %w", conversationID, err)
	}
	return nil
}

// GetRecentMessages returns the cached recent messages for a conversation, newest first, and whether the cache
// entry existed at all (a present-but-empty entry is a legitimate hit for a conversation with no messages, so hit
// is reported via key existence, not slice length).
func (c *Cache) GetRecentMessages(ctx context.Context, conversationID uuid.UUID) (messages []CachedMessage, hit bool, err error) {
	key := recentMessagesKey(conversationID)

	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("check recent messages existence for %s: %w", conversationID, err)
	}
	if exists == 0 {
		return nil, false, nil
	}

	encoded, err := c.rdb.ZRevRange(ctx, key, 0, c.recentMessagesSize-1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get recent messages for %s: %w", conversationID, err)
	}

	messages = make([]CachedMessage, 0, len(encoded))
	for _, raw := range encoded {
		var m CachedMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, false, fmt.Errorf("unmarshal cached message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, true, nil
}

// InvalidateRecent evicts a conversation's recent-messages cache entry entirely; the Message Engine calls this on
// every create/edit/delete rather than attempting a surgical update.
func (c *Cache) InvalidateRecent(ctx context.Context, conversationID uuid.UUID) error {
	if err := c.rdb.Del(ctx, recentMessagesKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("invalidate recent messages for %s: %w", conversationID, err)
	}
	return nil
}

// decrementClampedScript atomically decrements a counter by a given amount without letting it fall below zero.
//
//	KEYS[1] = counter key
//	ARGV[1] = amount to decrement by
var decrementClampedScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local next = current - amount
if next < 0 then next = 0 end
redis.call('SET', KEYS[1], next, 'KEEPTTL')
return next
`)

// IncrementUnread increments both the per-conversation and the per-user aggregate unread counters for a recipient,
// refreshing their TTL. Called once per recipient on message send.
func (c *Cache) IncrementUnread(ctx context.Context, conversationID, userID uuid.UUID) error {
	convKey := conversationUnreadKey(conversationID, userID)
	totalKey := userUnreadTotalKey(userID)

	pipe := c.rdb.Pipeline()
	pipe.Incr(ctx, convKey)
	pipe.Expire(ctx, convKey, c.unreadTTL)
	pipe.Incr(ctx, totalKey)
	pipe.Expire(ctx, totalKey, c.unreadTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment unread for conversation %s user %s: %w", conversationID, userID, err)
	}
	return nil
}

// ResetConversationUnread zeroes a user's unread counter for a conversation (mark-as-read) and decrements the
// user's aggregate total by the same amount, clamped at zero.
func (c *Cache) ResetConversationUnread(ctx context.Context, conversationID, userID uuid.UUID) error {
	convKey := conversationUnreadKey(conversationID, userID)

	previous, err := c.rdb.GetDel(ctx, convKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("reset unread for conversation %s user %s: %w", conversationID, userID, err)
	}
	if previous <= 0 {
		return nil
	}

	if err := decrementClampedScript.Run(ctx, c.rdb, []string{userUnreadTotalKey(userID)}, previous).Err(); err != nil {
		return fmt.Errorf("decrement unread total for user %s: %w", userID, err)
	}
	return nil
}

// GetUnread returns the cached per-conversation unread count for a user, and whether the key existed (a miss
// signals the caller should repair from the store).
func (c *Cache) GetUnread(ctx context.Context, conversationID, userID uuid.UUID) (count int, hit bool, err error) {
	val, err := c.rdb.Get(ctx, conversationUnreadKey(conversationID, userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get unread for conversation %s user %s: %w", conversationID, userID, err)
	}
	return val, true, nil
}

// GetTotalUnread returns the cached aggregate unread count across all of a user's conversations.
func (c *Cache) GetTotalUnread(ctx context.Context, userID uuid.UUID) (count int, hit bool, err error) {
	val, err := c.rdb.Get(ctx, userUnreadTotalKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get unread total for user %s: %w", userID, err)
	}
	return val, true, nil
}

// RepairUnread overwrites the cached counters with authoritative values read from the store, used for lazy repair
// after a cache miss.
func (c *Cache) RepairUnread(ctx context.Context, conversationID, userID uuid.UUID, conversationCount, totalCount int) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, conversationUnreadKey(conversationID, userID), conversationCount, c.unreadTTL)
	pipe.Set(ctx, userUnreadTotalKey(userID), totalCount, c.unreadTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("repair unread for conversation %s user %s: %w", conversationID, userID, err)
	}
	return nil
}

// SetDeliveryStatus records a single user's delivery state for a message.
func (c *Cache) SetDeliveryStatus(ctx context.Context, messageID, userID uuid.UUID, status string) error {
	key := deliveryStatusKey(messageID)
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, userID.String(), status)
	pipe.Expire(ctx, key, c.deliveryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set delivery status for message %s: %w", messageID, err)
	}
	return nil
}

// SetDeliveryStatusBatch records delivery state for multiple users on one message in a single round trip, used for
// bulk transitions such as MarkConversationRead.
func (c *Cache) SetDeliveryStatusBatch(ctx context.Context, messageID uuid.UUID, statuses map[uuid.UUID]string) error {
	if len(statuses) == 0 {
		return nil
	}
	key := deliveryStatusKey(messageID)
	fields := make([]string, 0, len(statuses)*2)
	for userID, status := range statuses {
		fields = append(fields, userID.String(), status)
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.deliveryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch set delivery status for message %s: %w", messageID, err)
	}
	return nil
}

// GetDeliveryStatus returns the per-user delivery-state map for a message, keyed by user id string.
func (c *Cache) GetDeliveryStatus(ctx context.Context, messageID uuid.UUID) (map[string]string, error) {
	result, err := c.rdb.HGetAll(ctx, deliveryStatusKey(messageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get delivery status for message %s: %w", messageID, err)
	}
	return result, nil
}
