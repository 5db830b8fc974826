package generate

import (
	"strings"
	"testing"

	"github.com/synthlab/chatgate/internal/chat"
	"github.com/synthlab/chatgate/internal/token"
)

func promptContext(t *testing.T, m chat.Model) *chat.Context {
	t.Helper()
	return chat.NewDefault("u", 1, m)
}

func addEntry(c *chat.Context, role chat.Role, content string) {
	h := chat.NewHistory(c.Profile.RoleLabel(role), content, 1, role == chat.RoleUser, "")
	switch role {
	case chat.RoleUser:
		c.UserLog = append(c.UserLog, h)
	case chat.RoleAssistant:
		c.AssistantLog = append(c.AssistantLog, h)
	default:
		c.SystemLog = append(c.SystemLog, h)
	}
}

func TestBuildMessagesOrder(t *testing.T) {
	c := promptContext(t, &chat.RemoteModel{Name: "m", Enc: token.Estimator{}})
	addEntry(c, chat.RoleSystem, "be terse")
	addEntry(c, chat.RoleUser, "first question")
	addEntry(c, chat.RoleAssistant, "first answer")
	addEntry(c, chat.RoleUser, "second question")

	msgs := BuildMessages(c)

	want := []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d: %v", len(msgs), len(want), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("msgs[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestBuildMessagesContinuation(t *testing.T) {
	c := promptContext(t, &chat.RemoteModel{Name: "m", Enc: token.Estimator{}})
	addEntry(c, chat.RoleUser, "question")
	addEntry(c, chat.RoleAssistant, "partial answer")
	c.Continuation = true

	msgs := BuildMessages(c)

	last := msgs[len(msgs)-1]
	if last.Role != "assistant" {
		t.Fatalf("last message role = %q", last.Role)
	}
	if last.Content != "partial answer"+ContinuationMark {
		t.Fatalf("last content = %q", last.Content)
	}
	// the stored log itself must not carry the mark
	if c.AssistantLog[0].Content != "partial answer" {
		t.Fatalf("log mutated: %q", c.AssistantLog[0].Content)
	}
}

func TestBuildPrompt(t *testing.T) {
	m := &chat.LocalModel{
		Name:     "local",
		Preamble: "A chat between {user} and {assistant}.\n",
		Enc:      token.Estimator{},
	}
	c := promptContext(t, m)
	addEntry(c, chat.RoleSystem, "be helpful")
	addEntry(c, chat.RoleUser, "  hello  ")
	addEntry(c, chat.RoleAssistant, "hi there")

	got := BuildPrompt(c, m)

	want := "A chat between USER and ASSISTANT.\n" +
		"SYSTEM: be helpful\n" +
		"USER: hello\n" +
		"ASSISTANT: hi there\n" +
		"ASSISTANT: "
	if got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
}

func TestStopCasings(t *testing.T) {
	got := stopCasings("Bob:")
	want := []string{"Bob:", "BOB:", "bob:", "Bob:"}
	if len(got) != 4 {
		t.Fatalf("got %d casings, want 4", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("casing[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !strings.Contains(strings.Join(stopCasings("assistant:"), " "), "ASSISTANT:") {
		t.Error("upper casing missing")
	}
}
