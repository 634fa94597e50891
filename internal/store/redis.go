package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fuomag9/linkrelay/internal/models"
)

// Updates the given fields only while the link hash still exists.
var redisUpdateLinkScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call("HSET", key, ARGV[i], ARGV[i + 1])
end
return 1
`)

// RedisStore keeps codes as expiring string keys and links as hashes
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "linkrelay"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) codeKey(code string) string {
	return fmt.Sprintf("%s:code:%s", s.prefix, code)
}

func (s *RedisStore) linkKey(chatID int64) string {
	return fmt.Sprintf("%s:link:%d", s.prefix, chatID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":links"
}

func (s *RedisStore) SaveCode(ctx context.Context, code models.LinkingCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = s.now()
	}
	raw, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to encode code: %w", err)
	}
	// Redis drops the key on its own once it expires; keep at least a millisecond
	// so an already-expired code is still consumed by its first redemption.
	ttl := code.ExpiresAt.Sub(s.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	if err := s.client.Set(ctx, s.codeKey(code.Code), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save code: %w", err)
	}
	return nil
}

func (s *RedisStore) TakeCode(ctx context.Context, code string) (models.LinkingCode, error) {
	raw, err := s.client.GetDel(ctx, s.codeKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.LinkingCode{}, ErrNotFound
	}
	if err != nil {
		return models.LinkingCode{}, fmt.Errorf("failed to take code: %w", err)
	}
	var rec models.LinkingCode
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.LinkingCode{}, fmt.Errorf("failed to decode code: %w", err)
	}
	return rec, nil
}

// DeleteExpiredCodes is a no-op: Redis expires code keys itself
func (s *RedisStore) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) PutLink(ctx context.Context, link models.IdentityLink) error {
	now := s.now()
	key := s.linkKey(link.ChatID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user_id", link.UserID,
			"access_token", link.AccessToken,
			"refresh_token", link.RefreshToken,
			"access_expires_at", formatTime(link.AccessExpiresAt),
			"last_attempt_id", link.LastAttemptID,
			"updated_at", formatTime(now),
		)
		created := link.CreatedAt
		if created.IsZero() {
			created = now
		}
		pipe.HSetNX(ctx, key, "created_at", formatTime(created))
		pipe.SAdd(ctx, s.indexKey(), link.ChatID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save link: %w", err)
	}
	return nil
}

func (s *RedisStore) GetLink(ctx context.Context, chatID int64) (models.IdentityLink, error) {
	fields, err := s.client.HGetAll(ctx, s.linkKey(chatID)).Result()
	if err != nil {
		return models.IdentityLink{}, fmt.Errorf("failed to load link: %w", err)
	}
	if len(fields) == 0 {
		return models.IdentityLink{}, ErrNotFound
	}
	return linkFromHash(chatID, fields), nil
}

func (s *RedisStore) FindLinkByUserID(ctx context.Context, userID string) (models.IdentityLink, error) {
	links, err := s.ListLinks(ctx)
	if err != nil {
		return models.IdentityLink{}, err
	}
	for _, link := range links {
		if link.UserID == userID {
			return link, nil
		}
	}
	return models.IdentityLink{}, ErrNotFound
}

func (s *RedisStore) DeleteLink(ctx context.Context, chatID int64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.linkKey(chatID))
		pipe.SRem(ctx, s.indexKey(), chatID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}

func (s *RedisStore) ListLinks(ctx context.Context) ([]models.IdentityLink, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	out := make([]models.IdentityLink, 0, len(members))
	for _, m := range members {
		chatID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		link, err := s.GetLink(ctx, chatID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *RedisStore) UpdateCredentials(ctx context.Context, chatID int64, creds models.Credentials) error {
	return s.updateLink(ctx, chatID,
		"access_token", creds.AccessToken,
		"refresh_token", creds.RefreshToken,
		"access_expires_at", formatTime(creds.AccessExpiresAt),
		"updated_at", formatTime(s.now()),
	)
}

func (s *RedisStore) SetLastAttempt(ctx context.Context, chatID int64, attemptID string) error {
	return s.updateLink(ctx, chatID,
		"last_attempt_id", attemptID,
		"updated_at", formatTime(s.now()),
	)
}

func (s *RedisStore) updateLink(ctx context.Context, chatID int64, fieldValues ...interface{}) error {
	n, err := redisUpdateLinkScript.Run(ctx, s.client, []string{s.linkKey(chatID)}, fieldValues...).Int()
	if err != nil {
		return fmt.Errorf("failed to update link: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func linkFromHash(chatID int64, fields map[string]string) models.IdentityLink {
	return models.IdentityLink{
		ChatID:          chatID,
		UserID:          fields["user_id"],
		AccessToken:     fields["access_token"],
		RefreshToken:    fields["refresh_token"],
		AccessExpiresAt: parseTime(fields["access_expires_at"]),
		LastAttemptID:   fields["last_attempt_id"],
		CreatedAt:       parseTime(fields["created_at"]),
		UpdatedAt:       parseTime(fields["updated_at"]),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
