package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/synthlab/chatgate/internal/chat"
)

// Cache field names under chat:{user_id}:{room_id}:{field}. The first two are
// JSON strings, the logs are Redis lists of JSON-encoded entries.
const (
	fieldProfile = "profile"
	fieldModel   = "model"
)

func logField(role chat.Role) string {
	return string(role) + "_log"
}

// CreateMode selects the conditional-put behavior for string fields.
type CreateMode int

const (
	OnlyIfAbsent CreateMode = iota
	OnlyIfPresent
)

// ConversationStore persists per-(user, room) contexts in Redis. Operations
// on a single room are serialized by the owning connection; the store itself
// takes no locks.
type ConversationStore struct {
	rdb    redis.UniversalClient
	models *chat.Registry
}

func NewConversationStore(rdb redis.UniversalClient, models *chat.Registry) *ConversationStore {
	return &ConversationStore{rdb: rdb, models: models}
}

func key(userID string, roomID int64, field string) string {
	return fmt.Sprintf("chat:%s:%d:%s", userID, roomID, field)
}

func wrapRedis(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return &ConnectivityError{Service: "redis", Err: err}
}

// Read loads the full context for a room. If any string field is absent the
// room has no durable state yet: a default context is created atomically and
// returned.
func (s *ConversationStore) Read(ctx context.Context, userID string, roomID int64) (*chat.Context, error) {
	pipe := s.rdb.Pipeline()
	profileCmd := pipe.Get(ctx, key(userID, roomID, fieldProfile))
	modelCmd := pipe.Get(ctx, key(userID, roomID, fieldModel))
	logCmds := make(map[chat.Role]*redis.StringSliceCmd, len(chat.Roles))
	for _, role := range chat.Roles {
		logCmds[role] = pipe.LRange(ctx, key(userID, roomID, logField(role)), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapRedis(err)
	}

	if errors.Is(profileCmd.Err(), redis.Nil) || errors.Is(modelCmd.Err(), redis.Nil) {
		def := chat.NewDefault(userID, roomID, s.models.Default())
		if err := s.Create(ctx, def, OnlyIfAbsent); err != nil {
			return nil, err
		}
		return def, nil
	}
	if err := profileCmd.Err(); err != nil {
		return nil, wrapRedis(err)
	}
	if err := modelCmd.Err(); err != nil {
		return nil, wrapRedis(err)
	}

	var profile chat.Profile
	if err := json.Unmarshal([]byte(profileCmd.Val()), &profile); err != nil {
		return nil, fmt.Errorf("decode profile %s/%d: %w", userID, roomID, err)
	}
	var modelName string
	if err := json.Unmarshal([]byte(modelCmd.Val()), &modelName); err != nil {
		return nil, fmt.Errorf("decode model %s/%d: %w", userID, roomID, err)
	}
	model, err := s.models.Lookup(modelName)
	if err != nil {
		// A model removed from config leaves rooms pointing at it; fall back
		// rather than locking the room out.
		slog.Warn("stored model no longer configured, using default",
			"user", userID, "room", roomID, "model", modelName)
		model = s.models.Default()
	}

	c := &chat.Context{Profile: profile, Model: model}
	for _, role := range chat.Roles {
		entries, err := decodeHistories(logCmds[role].Val())
		if err != nil {
			return nil, fmt.Errorf("decode %s log %s/%d: %w", role, userID, roomID, err)
		}
		switch role {
		case chat.RoleUser:
			c.UserLog = entries
		case chat.RoleAssistant:
			c.AssistantLog = entries
		default:
			c.SystemLog = entries
		}
	}
	c.RecountSums()
	return c, nil
}

// ReadAll fetches every listed room concurrently and returns the contexts
// sorted most-recent-first by profile creation time.
func (s *ConversationStore) ReadAll(ctx context.Context, userID string, roomIDs []int64) ([]*chat.Context, error) {
	contexts := make([]*chat.Context, len(roomIDs))
	errs := make([]error, len(roomIDs))
	var wg sync.WaitGroup
	for i, id := range roomIDs {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			contexts[i], errs[i] = s.Read(ctx, userID, id)
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(contexts, func(i, j int) bool {
		return contexts[i].Profile.CreatedAt > contexts[j].Profile.CreatedAt
	})
	return contexts, nil
}

// Create writes the string fields conditionally and replaces the list fields
// wholesale (delete, then push every entry).
func (s *ConversationStore) Create(ctx context.Context, c *chat.Context, mode CreateMode) error {
	profileJSON, err := json.Marshal(c.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	modelJSON, _ := json.Marshal(c.Model.ModelName())

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.putString(ctx, pipe, c, fieldProfile, profileJSON, mode)
		s.putString(ctx, pipe, c, fieldModel, modelJSON, mode)
		for _, role := range chat.Roles {
			k := key(c.UserID(), c.RoomID(), logField(role))
			pipe.Del(ctx, k)
			for _, h := range c.Log(role) {
				raw, err := json.Marshal(h)
				if err != nil {
					return fmt.Errorf("encode %s history: %w", role, err)
				}
				pipe.RPush(ctx, k, raw)
			}
		}
		return nil
	})
	return wrapRedis(err)
}

func (s *ConversationStore) putString(ctx context.Context, pipe redis.Pipeliner, c *chat.Context, field string, value []byte, mode CreateMode) {
	k := key(c.UserID(), c.RoomID(), field)
	if mode == OnlyIfAbsent {
		pipe.SetNX(ctx, k, value, 0)
	} else {
		pipe.SetXX(ctx, k, value, 0)
	}
}

// UpdateProfileAndModel persists only the string fields (profile, model) of
// an existing room.
func (s *ConversationStore) UpdateProfileAndModel(ctx context.Context, c *chat.Context) error {
	profileJSON, err := json.Marshal(c.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	modelJSON, _ := json.Marshal(c.Model.ModelName())

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetXX(ctx, key(c.UserID(), c.RoomID(), fieldProfile), profileJSON, 0)
		pipe.SetXX(ctx, key(c.UserID(), c.RoomID(), fieldModel), modelJSON, 0)
		return nil
	})
	return wrapRedis(err)
}

// AppendHistory right-pushes one entry to a role log.
func (s *ConversationStore) AppendHistory(ctx context.Context, userID string, roomID int64, role chat.Role, h chat.MessageHistory) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return wrapRedis(s.rdb.RPush(ctx, key(userID, roomID, logField(role)), raw).Err())
}

// PopHistory removes n entries from one end of a role log.
func (s *ConversationStore) PopHistory(ctx context.Context, userID string, roomID int64, role chat.Role, fromRight bool, n int) error {
	if n <= 0 {
		n = 1
	}
	k := key(userID, roomID, logField(role))
	var err error
	if fromRight {
		err = s.rdb.RPopCount(ctx, k, n).Err()
	} else {
		err = s.rdb.LPopCount(ctx, k, n).Err()
	}
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return wrapRedis(err)
}

// SetHistory replaces the entry at index (negative indexes from the right).
func (s *ConversationStore) SetHistory(ctx context.Context, userID string, roomID int64, role chat.Role, index int, h chat.MessageHistory) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return wrapRedis(s.rdb.LSet(ctx, key(userID, roomID, logField(role)), int64(index), raw).Err())
}

// ClearHistory deletes a role log.
func (s *ConversationStore) ClearHistory(ctx context.Context, userID string, roomID int64, role chat.Role) error {
	return wrapRedis(s.rdb.Del(ctx, key(userID, roomID, logField(role))).Err())
}

// DeleteRoom removes every key under chat:{user}:{room}:*.
func (s *ConversationStore) DeleteRoom(ctx context.Context, userID string, roomID int64) error {
	pattern := fmt.Sprintf("chat:%s:%d:*", userID, roomID)
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return wrapRedis(err)
	}
	if len(keys) == 0 {
		return nil
	}
	return wrapRedis(s.rdb.Del(ctx, keys...).Err())
}

func decodeHistories(raw []string) ([]chat.MessageHistory, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	entries := make([]chat.MessageHistory, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal([]byte(r), &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}
