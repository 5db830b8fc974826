package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/synthlab/chatgate/internal/chat"
	"github.com/synthlab/chatgate/internal/command"
	"github.com/synthlab/chatgate/internal/generate"
	"github.com/synthlab/chatgate/internal/store"
	"github.com/synthlab/chatgate/internal/vector"
)

// ContextPrimer seeds a room's retrieval context in the background (the
// research feed). Nil-able.
type ContextPrimer interface {
	EnsureRoomContext(ctx context.Context, roomID int64) error
}

// Gateway wires the per-connection pump to the backing services.
type Gateway struct {
	Rooms         *store.RoomStore
	Conversations *store.ConversationStore
	Messages      *chat.Messages
	Dispatcher    *generate.Dispatcher
	Commands      *command.Registry
	Vectors       vector.Index   // nil disables uploads and /embed//query retrieval
	Research      ContextPrimer  // nil disables feed priming
	Files         FileParser

	// RatePerMinute caps user messages per connection; zero disables.
	RatePerMinute int
	QueueSize     int
}

// canned client-facing lines
const (
	msgInvalidFormat   = "Invalid message. Message is not in the correct format, maybe frontend - backend version mismatch?"
	msgInvalidFileType = "Invalid file type."
	msgGenerateFailed  = "Text generation failure. Please try again."
	msgSomethingWrong  = "Something's wrong. Please try again."
	msgInternalError   = "Internal Server Error"
	msgRoomNotFound    = "Chatroom not found. close the connection."
	msgRateLimited     = "You are sending messages too fast. Please slow down."
)

// ServeConn runs one connection until the client leaves or a terminal error
// occurs. The receiver goroutine feeds the buffer queue; this goroutine is
// the sender and the only one that mutates conversation state.
func (g *Gateway) ServeConn(ctx context.Context, conn Conn, userID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sender := NewSender(conn)

	roomIDs, err := g.Rooms.ListRooms(ctx, userID)
	if err != nil {
		_ = sender.send(MessageToClient{Msg: strptr(msgInternalError), Finish: true})
		return fmt.Errorf("list rooms for %s: %w", userID, err)
	}
	if len(roomIDs) == 0 {
		_ = sender.send(MessageToClient{Msg: strptr(msgRoomNotFound), Finish: true})
		return store.ErrRoomNotFound
	}

	contexts, err := g.Conversations.ReadAll(ctx, userID, roomIDs)
	if err != nil {
		_ = sender.send(MessageToClient{Msg: strptr(msgInternalError), Finish: true})
		return fmt.Errorf("load contexts for %s: %w", userID, err)
	}
	buf := chat.NewBuffer(userID, contexts, g.QueueSize)

	if err := sender.SendInit(buf, true, true); err != nil {
		return err
	}
	g.primeRoom(ctx, buf.CurrentRoomID())

	go g.receive(ctx, cancel, conn, sender, buf)

	for {
		item, err := buf.Take(ctx)
		if err != nil {
			return nil // connection closed or server stopping
		}
		switch it := item.(type) {
		case chat.StatusText:
			if err := sender.SendMessage(string(it), buf.CurrentRoomID()); err != nil {
				return err
			}
		case chat.ClientMessage:
			if err := g.handleClientMessage(ctx, sender, buf, it); err != nil {
				return err
			}
		}
	}
}

func (g *Gateway) primeRoom(ctx context.Context, roomID int64) {
	if g.Research == nil {
		return
	}
	go func() {
		if err := g.Research.EnsureRoomContext(ctx, roomID); err != nil {
			slog.Warn("research context priming failed", "room", roomID, "err", err)
		}
	}()
}

// receive is the read half of the pump. It owns no conversation state: it
// only enqueues work, flips the cancel flag, and remembers upload filenames.
func (g *Gateway) receive(ctx context.Context, cancel context.CancelFunc, conn Conn, sender *Sender, buf *chat.Buffer) {
	defer cancel()
	var limiter *rate.Limiter
	if g.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.RatePerMinute)/60, g.RatePerMinute)
	}
	pendingFilename := ""

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.BinaryMessage {
			g.handleUpload(ctx, sender, buf, data, pendingFilename)
			pendingFilename = ""
			continue
		}

		if strings.TrimSpace(string(data)) == "stop" {
			buf.SignalCancel()
			continue
		}

		var frame struct {
			Filename *string `json:"filename"`
			Msg      *string `json:"msg"`
			RoomID   *int64  `json:"chatroom_id"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = sender.SendMessage(msgInvalidFormat, buf.CurrentRoomID())
			continue
		}
		if frame.Filename != nil {
			pendingFilename = *frame.Filename
			continue
		}
		if frame.Msg == nil || frame.RoomID == nil {
			_ = sender.SendMessage(msgInvalidFormat, buf.CurrentRoomID())
			continue
		}
		if limiter != nil && !limiter.Allow() {
			_ = sender.SendMessage(msgRateLimited, buf.CurrentRoomID())
			continue
		}
		if err := buf.Put(ctx, chat.ClientMessage{Msg: *frame.Msg, RoomID: *frame.RoomID}); err != nil {
			return
		}
	}
}

// handleUpload parses uploaded bytes, embeds them, and reports the result as
// a status line through the queue so ordering with chat turns is preserved.
func (g *Gateway) handleUpload(ctx context.Context, sender *Sender, buf *chat.Buffer, data []byte, filename string) {
	if filename == "" {
		_ = sender.SendMessage(msgInvalidFormat, buf.CurrentRoomID())
		return
	}
	if g.Vectors == nil || g.Files == nil {
		_ = sender.SendMessage("File uploads are not enabled.", buf.CurrentRoomID())
		return
	}
	text, err := g.Files.Parse(data, filename)
	if err != nil {
		slog.Warn("upload rejected", "filename", filename, "err", err)
		_ = sender.SendMessage(msgInvalidFileType, buf.CurrentRoomID())
		return
	}
	if _, err := g.Vectors.AddTexts(ctx, []string{text}, nil); err != nil {
		slog.Error("upload embedding failed", "filename", filename, "err", err)
		_ = sender.SendMessage(msgSomethingWrong, buf.CurrentRoomID())
		return
	}
	preview := []rune(text)
	if len(preview) > 50 {
		preview = preview[:50]
	}
	status := chat.StatusText(fmt.Sprintf(
		"Successfully embedded documents. You uploaded file begins with...\n\n```%s```...", string(preview)))
	_ = buf.Put(ctx, status)
}

func (g *Gateway) handleClientMessage(ctx context.Context, sender *Sender, buf *chat.Buffer, msg chat.ClientMessage) error {
	if msg.RoomID != buf.CurrentRoomID() {
		index := buf.FindIndex(msg.RoomID)
		if index < 0 {
			_ = sender.send(MessageToClient{Msg: strptr(msgRoomNotFound), Finish: true, ChatroomID: msg.RoomID})
			return fmt.Errorf("room %d not loaded for %s: %w", msg.RoomID, buf.UserID, store.ErrRoomNotFound)
		}
		if err := buf.SwitchTo(index); err != nil {
			return err
		}
		if err := sender.SendInit(buf, false, true); err != nil {
			return err
		}
		g.primeRoom(ctx, buf.CurrentRoomID())
		return nil
	}

	if strings.HasPrefix(msg.Msg, "/") {
		return g.handleCommand(ctx, sender, buf, msg.Msg)
	}

	recorded, err := g.handleUser(ctx, sender, buf, msg.Msg)
	if err != nil || !recorded {
		return err
	}
	return g.handleAssistant(ctx, sender, buf)
}

func (g *Gateway) handleCommand(ctx context.Context, sender *Sender, buf *chat.Buffer, line string) error {
	payload, rt, err := g.Commands.Execute(ctx, strings.TrimPrefix(line, "/"), buf.Current(), buf)
	if err != nil {
		slog.Error("command failed", "user", buf.UserID, "line", line, "err", err)
		return sender.SendMessage(msgSomethingWrong, buf.CurrentRoomID())
	}

	switch rt {
	case command.Nothing:
		return nil
	case command.SendAndStop:
		return sender.SendMessage(payload, buf.CurrentRoomID())
	case command.SendAndContinue:
		if err := sender.SendMessage(payload, buf.CurrentRoomID()); err != nil {
			return err
		}
		recorded, err := g.handleUser(ctx, sender, buf, payload)
		if err != nil || !recorded {
			return err
		}
		return g.handleAssistant(ctx, sender, buf)
	case command.HandleUser:
		_, err := g.handleUser(ctx, sender, buf, payload)
		return err
	case command.HandleGPT:
		return g.handleAssistant(ctx, sender, buf)
	case command.HandleBoth:
		recorded, err := g.handleUser(ctx, sender, buf, payload)
		if err != nil || !recorded {
			return err
		}
		return g.handleAssistant(ctx, sender, buf)
	default:
		return nil
	}
}

// handleUser records a user turn, rejecting messages over the per-request
// token cap. Returns whether the message was recorded.
func (g *Gateway) handleUser(ctx context.Context, sender *Sender, buf *chat.Buffer, msg string) (bool, error) {
	c := buf.Current()
	tokens := c.CountTokens(msg)
	if per := c.TokensPerRequest(); tokens > per {
		return false, sender.SendMessage(
			fmt.Sprintf("Message too long. Now %d tokens, but %d tokens allowed.", tokens, per),
			buf.CurrentRoomID())
	}
	if _, err := g.Messages.Append(ctx, c, chat.RoleUser, msg); err != nil {
		if store.IsConnectivity(err) {
			_ = sender.send(MessageToClient{Msg: strptr(msgInternalError), Finish: true, ChatroomID: c.RoomID()})
			return false, err
		}
		slog.Error("append user message failed", "user", buf.UserID, "err", err)
		return false, sender.SendMessage(msgSomethingWrong, buf.CurrentRoomID())
	}
	return true, nil
}

// handleAssistant streams one generated turn. Interruptions and generation
// failures unwind the pending user message so the history stays paired.
func (g *Gateway) handleAssistant(ctx context.Context, sender *Sender, buf *chat.Buffer) error {
	c := buf.Current()
	err := sender.Stream(buf, c.Model.ModelName(), g.Dispatcher.ChunkSize(c.Model),
		func(emit generate.Emitter) error {
			return g.Dispatcher.Generate(ctx, c, emit)
		})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, generate.ErrInterrupted):
		slog.Info("generation interrupted", "user", buf.UserID, "room", c.RoomID())
		_, popErr := g.Messages.Pop(ctx, c, chat.RoleUser, chat.Right, 1)
		return popErr
	case errors.Is(err, generate.ErrTextGeneration):
		slog.Error("generation failed", "user", buf.UserID, "room", c.RoomID(), "err", err)
		if _, popErr := g.Messages.Pop(ctx, c, chat.RoleUser, chat.Right, 1); popErr != nil {
			return popErr
		}
		return sender.SendMessage(msgGenerateFailed, buf.CurrentRoomID())
	default:
		return err
	}
}
