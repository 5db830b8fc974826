package chat

// Context is the aggregate conversation state for one (user, room): profile,
// selected model, the three role logs, and their cached token sums. The
// owning connection has exclusive write access for the duration of a turn.
type Context struct {
	Profile Profile
	Model   Model

	UserLog      []MessageHistory
	AssistantLog []MessageHistory
	SystemLog    []MessageHistory

	UserTokens      int
	AssistantTokens int
	SystemTokens    int

	// Continuation marks that the last assistant entry was cut off by a
	// provider length limit and the next generation must extend it.
	Continuation bool
}

// NewDefault builds a fresh context for a room with default profile state.
func NewDefault(userID string, roomID int64, model Model) *Context {
	return &Context{
		Profile: DefaultProfile(userID, roomID),
		Model:   model,
	}
}

// RecountSums recomputes the cached token sums from the logs. Called after
// deserialization so the sum invariant holds regardless of stored state.
func (c *Context) RecountSums() {
	c.UserTokens, c.AssistantTokens, c.SystemTokens = 0, 0, 0
	for _, h := range c.UserLog {
		c.UserTokens += h.Tokens
	}
	for _, h := range c.AssistantLog {
		c.AssistantTokens += h.Tokens
	}
	for _, h := range c.SystemLog {
		c.SystemTokens += h.Tokens
	}
}

// Log returns the slice for a role; mutations must go through Messages so
// the store stays in sync.
func (c *Context) Log(role Role) []MessageHistory {
	switch role {
	case RoleUser:
		return c.UserLog
	case RoleAssistant:
		return c.AssistantLog
	default:
		return c.SystemLog
	}
}

func (c *Context) setLog(role Role, log []MessageHistory) {
	switch role {
	case RoleUser:
		c.UserLog = log
	case RoleAssistant:
		c.AssistantLog = log
	default:
		c.SystemLog = log
	}
}

// TokenSum returns the cached sum for a role.
func (c *Context) TokenSum(role Role) int {
	switch role {
	case RoleUser:
		return c.UserTokens
	case RoleAssistant:
		return c.AssistantTokens
	default:
		return c.SystemTokens
	}
}

func (c *Context) addTokens(role Role, n int) {
	switch role {
	case RoleUser:
		c.UserTokens += n
	case RoleAssistant:
		c.AssistantTokens += n
	default:
		c.SystemTokens += n
	}
}

// TotalTokens is the sum over all three logs.
func (c *Context) TotalTokens() int {
	return c.UserTokens + c.AssistantTokens + c.SystemTokens
}

// LeftTokens is the budget remaining for the next completion:
// max_total - total - margin - preamble.
func (c *Context) LeftTokens() int {
	lim := c.Model.Limits()
	return lim.MaxTotalTokens - c.TotalTokens() - lim.TokenMargin - c.Model.PreambleTokens()
}

// TokensPerRequest is the per-turn ceiling for a single message or completion.
func (c *Context) TokensPerRequest() int {
	return c.Model.Limits().MaxTokensPerRequest
}

// CountTokens counts text under the selected model's tokenizer.
func (c *Context) CountTokens(text string) int {
	return c.Model.Tokenizer().Count(text)
}

// UserID and RoomID identify the owning room.
func (c *Context) UserID() string { return c.Profile.UserID }
func (c *Context) RoomID() int64  { return c.Profile.RoomID }

// EvictOverflow pops user and assistant entries from the left in lockstep
// until the budget invariant holds again. Returns the number of pairs popped.
func (c *Context) EvictOverflow() int {
	evicted := 0
	for len(c.UserLog) > 0 && len(c.AssistantLog) > 0 && c.LeftTokens() < 0 {
		evicted++
		c.UserTokens -= c.UserLog[0].Tokens
		c.AssistantTokens -= c.AssistantLog[0].Tokens
		c.UserLog = c.UserLog[1:]
		c.AssistantLog = c.AssistantLog[1:]
	}
	return evicted
}

// EvictTokens pops pairs from the left until at least n tokens are freed.
// Returns the number of pairs popped.
func (c *Context) EvictTokens(n int) int {
	evicted, removed := 0, 0
	for len(c.UserLog) > 0 && len(c.AssistantLog) > 0 && removed < n {
		evicted++
		removed += c.UserLog[0].Tokens + c.AssistantLog[0].Tokens
		c.UserTokens -= c.UserLog[0].Tokens
		c.AssistantTokens -= c.AssistantLog[0].Tokens
		c.UserLog = c.UserLog[1:]
		c.AssistantLog = c.AssistantLog[1:]
	}
	return evicted
}

// Reset replaces all state with a fresh default, keeping user, room and the
// selected model.
func (c *Context) Reset() {
	fresh := NewDefault(c.Profile.UserID, c.Profile.RoomID, c.Model)
	*c = *fresh
}

// Clone deep-copies the context. The local generation pool works on a clone
// so eviction decisions made mid-completion never touch live state.
func (c *Context) Clone() *Context {
	cp := *c
	cp.UserLog = append([]MessageHistory(nil), c.UserLog...)
	cp.AssistantLog = append([]MessageHistory(nil), c.AssistantLog...)
	cp.SystemLog = append([]MessageHistory(nil), c.SystemLog...)
	return &cp
}
