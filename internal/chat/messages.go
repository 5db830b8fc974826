package chat

import (
	"context"
	"fmt"
)

// HistoryStore is the durable side of the role logs. Implemented by the Redis
// conversation store; tests plug an in-memory fake.
type HistoryStore interface {
	AppendHistory(ctx context.Context, userID string, roomID int64, role Role, h MessageHistory) error
	PopHistory(ctx context.Context, userID string, roomID int64, role Role, fromRight bool, n int) error
	SetHistory(ctx context.Context, userID string, roomID int64, role Role, index int, h MessageHistory) error
	ClearHistory(ctx context.Context, userID string, roomID int64, role Role) error
}

// Side selects which end of a log a pop removes from.
type Side int

const (
	Left Side = iota
	Right
)

// Messages applies mutations to an in-memory context and writes them through
// to the store within the same logical operation, keeping token sums exact.
type Messages struct {
	store HistoryStore
}

func NewMessages(store HistoryStore) *Messages {
	return &Messages{store: store}
}

// AppendOption tweaks a single append.
type AppendOption func(*appendOptions)

type appendOptions struct {
	modelName string
	tokens    int
	hasTokens bool
}

// WithModelName stamps the produced history with the generating model.
func WithModelName(name string) AppendOption {
	return func(o *appendOptions) { o.modelName = name }
}

// WithTokenCount uses an exact externally-computed count instead of
// re-tokenizing (the local engine reports precise counts).
func WithTokenCount(n int) AppendOption {
	return func(o *appendOptions) {
		o.tokens = n
		o.hasTokens = true
	}
}

// Append tokenizes content, pushes a history entry, and enforces the budget
// invariant. When the append overflows the budget, user and assistant entries
// are evicted from the left in lockstep, in memory and in the store.
func (m *Messages) Append(ctx context.Context, c *Context, role Role, content string, opts ...AppendOption) (MessageHistory, error) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	tokens := o.tokens
	if !o.hasTokens {
		tokens = c.CountTokens(content)
	}

	h := NewHistory(c.Profile.RoleLabel(role), content, tokens, role == RoleUser, o.modelName)
	c.setLog(role, append(c.Log(role), h))
	c.addTokens(role, tokens)

	if evicted := c.EvictOverflow(); evicted > 0 {
		if err := m.PopStored(ctx, c, evicted); err != nil {
			return h, err
		}
	}
	if err := m.store.AppendHistory(ctx, c.UserID(), c.RoomID(), role, h); err != nil {
		return h, fmt.Errorf("append %s history: %w", role, err)
	}
	return h, nil
}

// PopStored drops n user/assistant pairs from the left of the store only;
// the in-memory context has already evicted them.
func (m *Messages) PopStored(ctx context.Context, c *Context, n int) error {
	if err := m.store.PopHistory(ctx, c.UserID(), c.RoomID(), RoleUser, false, n); err != nil {
		return fmt.Errorf("evict user histories: %w", err)
	}
	if err := m.store.PopHistory(ctx, c.UserID(), c.RoomID(), RoleAssistant, false, n); err != nil {
		return fmt.Errorf("evict assistant histories: %w", err)
	}
	return nil
}

// Pop removes n entries from one side of a role log and returns them in
// removal order.
func (m *Messages) Pop(ctx context.Context, c *Context, role Role, side Side, n int) ([]MessageHistory, error) {
	if n <= 0 {
		n = 1
	}
	log := c.Log(role)
	if n > len(log) {
		n = len(log)
	}
	if n == 0 {
		return nil, nil
	}

	var removed []MessageHistory
	if side == Left {
		removed = append(removed, log[:n]...)
		c.setLog(role, log[n:])
	} else {
		for i := 0; i < n; i++ {
			removed = append(removed, log[len(log)-1-i])
		}
		c.setLog(role, log[:len(log)-n])
	}
	for _, h := range removed {
		c.addTokens(role, -h.Tokens)
	}

	if err := m.store.PopHistory(ctx, c.UserID(), c.RoomID(), role, side == Right, n); err != nil {
		return removed, fmt.Errorf("pop %s history: %w", role, err)
	}
	return removed, nil
}

// SetAt replaces the content of the entry at index (negative counts from the
// right), recomputing its token count and adjusting the role sum.
func (m *Messages) SetAt(ctx context.Context, c *Context, role Role, index int, content string) error {
	log := c.Log(role)
	i := index
	if i < 0 {
		i += len(log)
	}
	if i < 0 || i >= len(log) {
		return fmt.Errorf("set %s history: index %d out of range (%d entries)", role, index, len(log))
	}

	tokens := c.CountTokens(content)
	c.addTokens(role, tokens-log[i].Tokens)
	log[i].Content = content
	log[i].Tokens = tokens

	if err := m.store.SetHistory(ctx, c.UserID(), c.RoomID(), role, index, log[i]); err != nil {
		return fmt.Errorf("set %s history: %w", role, err)
	}
	return nil
}

// Clear empties a role log and zeroes its sum.
func (m *Messages) Clear(ctx context.Context, c *Context, role Role) error {
	c.setLog(role, nil)
	c.addTokens(role, -c.TokenSum(role))
	if err := m.store.ClearHistory(ctx, c.UserID(), c.RoomID(), role); err != nil {
		return fmt.Errorf("clear %s history: %w", role, err)
	}
	return nil
}
