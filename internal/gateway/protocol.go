// Package gateway is the websocket surface of the chat service: one duplex
// pump per connection, a receiver feeding a bounded queue and a sender that
// owns all writes.
package gateway

import "github.com/synthlab/chatgate/internal/chat"

// MessageToClient is the single server-to-client frame shape. A nil Msg with
// Finish false opens a stream; Finish true closes the current message.
type MessageToClient struct {
	Msg        *string `json:"msg"`
	Finish     bool    `json:"finish"`
	ChatroomID int64   `json:"chatroom_id"`
	IsUser     bool    `json:"is_user"`
	Init       bool    `json:"init"`
	ModelName  *string `json:"model_name"`
}

// InitPayload is serialized into the msg field of an init frame. Nil slices
// are sent as null so the client can tell "unchanged" from "empty".
type InitPayload struct {
	PreviousChats []chat.HistoryView `json:"previous_chats"`
	ChatroomIDs   []int64            `json:"chatroom_ids"`
	InitCallback  bool               `json:"init_callback"`
}

func strptr(s string) *string { return &s }
