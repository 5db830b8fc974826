// Package generate turns a conversation context into streamed completions,
// from either an OpenAI-compatible endpoint or a local inference engine.
package generate

import (
	"strings"

	"github.com/synthlab/chatgate/internal/chat"
)

// Message is one entry of a chat-completion request body.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContinuationMark is appended to the last assistant message when a
// completion was cut off, so the model picks up where it stopped.
const ContinuationMark = "...[CONTINUATION]"

// BuildMessages flattens a context into API order: system entries first, then
// user and assistant entries interleaved pairwise. When the context is in
// continuation mode the last assistant message gets the continuation mark.
func BuildMessages(c *chat.Context) []Message {
	var msgs []Message
	for _, h := range c.SystemLog {
		msgs = append(msgs, Message{Role: h.Role, Content: h.Content})
	}
	n := len(c.UserLog)
	if len(c.AssistantLog) > n {
		n = len(c.AssistantLog)
	}
	for i := 0; i < n; i++ {
		if i < len(c.UserLog) {
			msgs = append(msgs, Message{Role: c.UserLog[i].Role, Content: c.UserLog[i].Content})
		}
		if i < len(c.AssistantLog) {
			msgs = append(msgs, Message{Role: c.AssistantLog[i].Role, Content: c.AssistantLog[i].Content})
		}
	}
	if c.Continuation {
		assistantLabel := c.Profile.AssistantRole
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == assistantLabel {
				msgs[i].Content += ContinuationMark
				break
			}
		}
	}
	return msgs
}

// BuildPrompt renders the context as a single completion prompt for local
// models: the model's rendered preamble, then one "LABEL: content" line per
// message, ending with a dangling assistant label for the model to complete.
func BuildPrompt(c *chat.Context, m *chat.LocalModel) string {
	var b strings.Builder
	b.WriteString(m.RenderPreamble(c.Profile))

	userLabel := strings.ToUpper(c.Profile.UserRole)
	assistantLabel := strings.ToUpper(c.Profile.AssistantRole)
	systemLabel := strings.ToUpper(c.Profile.SystemRole)

	for _, msg := range BuildMessages(c) {
		switch msg.Role {
		case c.Profile.SystemRole:
			b.WriteString(systemLabel + ": " + msg.Content + "\n")
		case c.Profile.UserRole:
			b.WriteString(userLabel + ": " + strings.TrimSpace(msg.Content) + "\n")
		default:
			b.WriteString(assistantLabel + ": " + strings.TrimSpace(msg.Content) + "\n")
		}
	}
	b.WriteString(assistantLabel + ": ")
	return b.String()
}

// stopCasings returns the four casings a role label can leak into generated
// text with, each used as a stop sequence.
func stopCasings(s string) []string {
	return []string{s, strings.ToUpper(s), strings.ToLower(s), capitalize(s)}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
