package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/synthlab/chatgate/internal/chat"
	"github.com/synthlab/chatgate/internal/generate"
)

// Conn is the subset of a websocket connection the gateway uses. Satisfied by
// *websocket.Conn from gorilla.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Sender serializes all writes to one connection. The receiver goroutine and
// the sender loop both send frames, so writes go through a mutex.
type Sender struct {
	mu   sync.Mutex
	conn Conn
}

func NewSender(conn Conn) *Sender { return &Sender{conn: conn} }

func (s *Sender) send(m MessageToClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(m)
}

// SendMessage sends one complete server message to a room.
func (s *Sender) SendMessage(msg string, roomID int64) error {
	return s.send(MessageToClient{Msg: &msg, Finish: true, ChatroomID: roomID})
}

// SendInit pushes the room list and/or the current room's history. Slices the
// client should not touch are sent as null.
func (s *Sender) SendInit(buf *chat.Buffer, sendRooms, sendChats bool) error {
	payload := InitPayload{InitCallback: true}
	if sendRooms {
		payload.ChatroomIDs = buf.RoomIDs()
	}
	if sendChats {
		payload.PreviousChats = historyViews(buf.Current())
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode init payload: %w", err)
	}
	msg := string(raw)
	return s.send(MessageToClient{
		Msg:        &msg,
		Finish:     true,
		ChatroomID: buf.CurrentRoomID(),
		Init:       true,
	})
}

// historyViews interleaves the room's messages the way the client renders
// them: system first, then user/assistant pairs.
func historyViews(c *chat.Context) []chat.HistoryView {
	views := make([]chat.HistoryView, 0, len(c.SystemLog)+len(c.UserLog)+len(c.AssistantLog))
	for _, h := range c.SystemLog {
		views = append(views, h.View())
	}
	n := len(c.UserLog)
	if len(c.AssistantLog) > n {
		n = len(c.AssistantLog)
	}
	for i := 0; i < n; i++ {
		if i < len(c.UserLog) {
			views = append(views, c.UserLog[i].View())
		}
		if i < len(c.AssistantLog) {
			views = append(views, c.AssistantLog[i].View())
		}
	}
	return views
}

// Stream relays a generation to the client: an opening frame naming the
// model, coalesced delta frames, and a closing frame with whatever is left in
// the buffer. The cancel flag is consumed between deltas; an interrupted
// stream still gets its closing frame before ErrInterrupted propagates.
func (s *Sender) Stream(buf *chat.Buffer, modelName string, chunkSize int, gen func(emit generate.Emitter) error) error {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	roomID := buf.CurrentRoomID()
	if err := s.send(MessageToClient{ChatroomID: roomID, ModelName: strptr(modelName)}); err != nil {
		return err
	}

	var pending string
	iteration := 0
	emit := func(delta string) error {
		if buf.TestAndClearCancel() {
			return generate.ErrInterrupted
		}
		pending += delta
		iteration++
		if iteration%chunkSize == 0 {
			frame := pending
			pending = ""
			return s.send(MessageToClient{Msg: &frame, ChatroomID: roomID})
		}
		return nil
	}

	genErr := gen(emit)
	if genErr == nil || errors.Is(genErr, generate.ErrInterrupted) {
		if err := s.send(MessageToClient{Msg: &pending, Finish: true, ChatroomID: roomID}); err != nil {
			return err
		}
	}
	return genErr
}
