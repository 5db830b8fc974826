package chat

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MessageHistory is one persisted message in a role log. Tokens is the count
// under the model that was selected when the entry was appended.
type MessageHistory struct {
	Role      string `json:"role"` // role label from the profile, copied by value
	Content   string `json:"content"`
	Tokens    int    `json:"tokens"`
	IsUser    bool   `json:"is_user"`
	Timestamp int64  `json:"timestamp"`
	UUID      string `json:"uuid"`
	ModelName string `json:"model_name,omitempty"`
}

// NewHistory stamps a fresh entry with the current timestamp and a uuid.
func NewHistory(roleLabel, content string, tokens int, isUser bool, modelName string) MessageHistory {
	return MessageHistory{
		Role:      roleLabel,
		Content:   content,
		Tokens:    tokens,
		IsUser:    isUser,
		Timestamp: Timestamp(time.Now().UTC()),
		UUID:      uuid.NewString(),
		ModelName: modelName,
	}
}

// HistoryView is the client-facing projection of a history entry, sent in
// init frames (the uuid stays server-side).
type HistoryView struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Tokens    int    `json:"tokens"`
	IsUser    bool   `json:"is_user"`
	Timestamp int64  `json:"timestamp"`
	ModelName string `json:"model_name,omitempty"`
}

// View projects the entry for the wire.
func (h MessageHistory) View() HistoryView {
	return HistoryView{
		Role:      h.Role,
		Content:   h.Content,
		Tokens:    h.Tokens,
		IsUser:    h.IsUser,
		Timestamp: h.Timestamp,
		ModelName: h.ModelName,
	}
}

// Timestamp encodes a time as a sortable yyyymmddhhmmss integer, the format
// the cache stores and the client displays.
func Timestamp(t time.Time) int64 {
	n, _ := strconv.ParseInt(t.Format("20060102150405"), 10, 64)
	return n
}
