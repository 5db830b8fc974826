package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/synthlab/chatgate/internal/chat"
	"github.com/synthlab/chatgate/internal/store"
)

const codexSystemMessage = `Act as CODEX ("COding DEsign eXpert"), an expert coder with experience in multiple coding languages.
Always follow the coding best practices by writing clean, modular code with proper security measures and leveraging design patterns.
You can break down your code into parts whenever possible to avoid breaching the output character limit. Write code part by part when I send "continue". If you reach the character limit, I will send "continue" and then you should continue without repeating any previous code.
Do not assume anything from your side; please ask me a numbered list of essential questions before starting.
If you have trouble fixing a bug, ask me for the latest code snippets for reference from the official documentation.
Start a conversation as "CODEX: Hi, what are we coding today?"`

const redxSystemMessage = `compress the following text in a way that fits in a tweet (ideally) and such that you can reconstruct the intention of the human who wrote text as close as possible to the original intention. This is for yourself. It does not need to be human readable or understandable. Abuse of language mixing, abbreviations, symbols (unicode and emoji), or any other encodings or internal representations is all permissible, as long as it, if pasted in a new inference cycle, will yield near-identical results as the original text: `

func (r *Registry) registerBuiltins() {
	r.Register(&Command{
		Name: "help",
		Help: "List available commands\n/help",
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			return r.helpText(), SendAndStop, nil
		},
	})

	r.Register(&Command{
		Name: "ping",
		Help: "Ping! Pong!\n/ping",
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			return "pong", SendAndStop, nil
		},
	})

	r.Register(&Command{
		Name: "clear",
		Help: "Clear message histories and report the number of tokens removed\n/clear",
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			c := inv.Ctx
			userTokens := c.UserTokens
			assistantTokens := c.AssistantTokens
			systemTokens := c.SystemTokens
			for _, role := range chat.Roles {
				if err := inv.Deps.Messages.Clear(ctx, c, role); err != nil {
					return "", Nothing, err
				}
			}
			report := fmt.Sprintf(`## Total Token Removed: **%d**
- User: %d
- Assistant: %d
- System: %d`, userTokens+assistantTokens+systemTokens, userTokens, assistantTokens, systemTokens)
			return report, SendAndStop, nil
		},
	})

	r.Register(&Command{
		Name: "reset",
		Help: "Reset the conversation context\n/reset",
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			inv.Ctx.Reset()
			if err := inv.Deps.Conversations.Create(ctx, inv.Ctx, store.OnlyIfPresent); err != nil {
				return "Context reset failed", SendAndStop, nil
			}
			return "Context reset success", SendAndStop, nil
		},
	})

	r.Register(&Command{
		Name: "retry",
		Help: "Retry the last message\n/retry",
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			c := inv.Ctx
			if len(c.UserLog) < 1 || len(c.AssistantLog) < 1 {
				return "There is no message to retry.", SendAndStop, nil
			}
			if _, err := inv.Deps.Messages.Pop(ctx, c, chat.RoleAssistant, chat.Right, 1); err != nil {
				return "", Nothing, err
			}
			return "", HandleGPT, nil
		},
	})

	r.Register(&Command{
		Name: "changemodel",
		Help: "Switch the room's model\n/changemodel <model>",
		Args: []Arg{{Name: "model", Kind: Text}},
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			name := inv.Args[0].Text
			model, err := inv.Deps.Models.Lookup(name)
			if err != nil {
				return fmt.Sprintf("Model must be one of %s",
					strings.Join(inv.Deps.Models.Names(), ", ")), SendAndStop, nil
			}
			inv.Ctx.Model = model
			if err := inv.Deps.Conversations.UpdateProfileAndModel(ctx, inv.Ctx); err != nil {
				return "", Nothing, err
			}
			return fmt.Sprintf("Model changed to %s. Actual model: %s", name, model.ModelName()),
				SendAndStop, nil
		},
	})

	r.Register(&Command{
		Name: "codex",
		Help: "Act as CODEX (\"COding DEsign eXpert\")\n/codex",
		Run:  r.systemModeCommand(codexSystemMessage, "CODEX mode ON"),
	})

	r.Register(&Command{
		Name: "redx",
		Help: "Compress messages as much as possible\n/redx",
		Run:  r.systemModeCommand(redxSystemMessage, "REDX mode ON"),
	})

	r.Register(&Command{
		Name: "codeblock",
		Help: "Send a codeblock\n/codeblock <language> <codes>",
		Args: []Arg{
			{Name: "language", Kind: Text},
			{Name: "codes", Kind: Text, Greedy: true},
		},
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			lang := strings.ToLower(inv.Args[0].Text)
			return "```" + lang + "\n" + inv.Args[1].Text + "\n```", SendAndStop, nil
		},
	})

	r.Register(&Command{
		Name: "embed",
		Help: "Embed the text and save its vectors in the vectorstore\n/embed <text_to_embed>",
		Args: []Arg{{Name: "text_to_embed", Kind: Text, Greedy: true}},
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			if inv.Deps.Vectors == nil {
				return "Vectorstore is not configured.", SendAndStop, nil
			}
			if _, err := inv.Deps.Vectors.AddTexts(ctx, []string{inv.Args[0].Text}, nil); err != nil {
				return "", Nothing, err
			}
			return "Embedding successful!", SendAndStop, nil
		},
	})

	r.Register(&Command{
		Name: "query",
		Help: "Answer a question using the vectorstore\n/query <query>",
		Args: []Arg{{Name: "query", Kind: Text, Greedy: true}},
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			query := inv.Args[0].Text
			if inv.Deps.Vectors != nil {
				docs, err := inv.Deps.Vectors.SimilaritySearch(ctx, query, 3)
				if err != nil {
					return "", Nothing, err
				}
				if len(docs) > 0 {
					snippets := make([]string, len(docs))
					for i, d := range docs {
						snippets[i] = "..." + d.Content + "..."
					}
					query = fmt.Sprintf("please answer my question\nquestion: `%s`\nrelated context from my vectorstore:```%s```\nanswer:",
						query, strings.Join(snippets, "\n\n"))
				}
			}
			// recorded directly: retrieval context may exceed the per-request cap
			if _, err := inv.Deps.Messages.Append(ctx, inv.Ctx, chat.RoleUser, query); err != nil {
				return "", Nothing, err
			}
			return "", HandleGPT, nil
		},
	})

	r.Register(&Command{
		Name: "deleteroom",
		Help: "Delete the current chatroom and all its messages\n/deleteroom",
		Run: func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
			c := inv.Ctx
			buf := inv.Buffer
			if buf.Len() <= 1 {
				return "Cannot delete the last remaining chatroom.", SendAndStop, nil
			}
			if err := inv.Deps.Conversations.DeleteRoom(ctx, c.UserID(), c.RoomID()); err != nil {
				return "", Nothing, err
			}
			if inv.Deps.Rooms != nil {
				if err := inv.Deps.Rooms.DeleteRoom(ctx, c.RoomID(), c.UserID()); err != nil {
					return "", Nothing, err
				}
			}
			buf.Delete(buf.FindIndex(c.RoomID()))
			return fmt.Sprintf("Chatroom %d deleted.", c.RoomID()), SendAndStop, nil
		},
	})
}

// systemModeCommand swaps the system log for a single canned instruction.
func (r *Registry) systemModeCommand(systemMessage, ack string) Handler {
	return func(ctx context.Context, inv *Invocation) (string, ResponseType, error) {
		if err := inv.Deps.Messages.Clear(ctx, inv.Ctx, chat.RoleSystem); err != nil {
			return "", Nothing, err
		}
		if _, err := inv.Deps.Messages.Append(ctx, inv.Ctx, chat.RoleSystem, systemMessage); err != nil {
			return "", Nothing, err
		}
		return ack, SendAndStop, nil
	}
}
