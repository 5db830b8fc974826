package chat

import (
	"context"
	"fmt"
	"sync/atomic"
)

// WorkItem is what the connection receiver enqueues for the sender: either a
// decoded client message or a plain status line to relay.
type WorkItem interface{ workItem() }

// ClientMessage is a turn or slash-command addressed to a room.
type ClientMessage struct {
	Msg    string `json:"msg"`
	RoomID int64  `json:"chatroom_id"`
}

// StatusText is a server-generated line (upload results and the like).
type StatusText string

func (ClientMessage) workItem() {}
func (StatusText) workItem()    {}

// Buffer is the per-connection working set: every room context of the user,
// most-recent-first, a cursor, the one-shot cancel flag, and the bounded
// receiver→sender queue. The receiver is the sole producer and the sender the
// sole consumer, so no locking is needed beyond the cancel flag.
type Buffer struct {
	UserID string

	contexts []*Context
	cur      int

	cancel atomic.Bool
	queue  chan WorkItem
}

// NewBuffer takes contexts already sorted most-recent-first.
func NewBuffer(userID string, contexts []*Context, queueSize int) *Buffer {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Buffer{
		UserID:   userID,
		contexts: contexts,
		queue:    make(chan WorkItem, queueSize),
	}
}

// Current returns the context under the cursor.
func (b *Buffer) Current() *Context { return b.contexts[b.cur] }

// CurrentRoomID returns the room id under the cursor.
func (b *Buffer) CurrentRoomID() int64 { return b.Current().RoomID() }

// RoomIDs lists the loaded rooms in buffer order.
func (b *Buffer) RoomIDs() []int64 {
	ids := make([]int64, len(b.contexts))
	for i, c := range b.contexts {
		ids[i] = c.RoomID()
	}
	return ids
}

// FindIndex returns the position of a room, or -1.
func (b *Buffer) FindIndex(roomID int64) int {
	for i, c := range b.contexts {
		if c.RoomID() == roomID {
			return i
		}
	}
	return -1
}

// SwitchTo moves the cursor.
func (b *Buffer) SwitchTo(index int) error {
	if index < 0 || index >= len(b.contexts) {
		return fmt.Errorf("context index %d out of range (%d loaded)", index, len(b.contexts))
	}
	b.cur = index
	return nil
}

// Insert places a context at index, shifting the cursor if needed.
func (b *Buffer) Insert(index int, c *Context) {
	if index < 0 || index > len(b.contexts) {
		index = len(b.contexts)
	}
	b.contexts = append(b.contexts, nil)
	copy(b.contexts[index+1:], b.contexts[index:])
	b.contexts[index] = c
	if b.cur >= index && len(b.contexts) > 1 {
		b.cur++
	}
}

// Delete removes the context at index. Deleting the current context moves the
// cursor to the front.
func (b *Buffer) Delete(index int) {
	if index < 0 || index >= len(b.contexts) {
		return
	}
	b.contexts = append(b.contexts[:index], b.contexts[index+1:]...)
	if b.cur == index {
		b.cur = 0
	} else if b.cur > index {
		b.cur--
	}
}

// Len returns the number of loaded rooms.
func (b *Buffer) Len() int { return len(b.contexts) }

// Put enqueues a work item, blocking while the queue is full.
func (b *Buffer) Put(ctx context.Context, item WorkItem) error {
	select {
	case b.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take dequeues the next work item.
func (b *Buffer) Take(ctx context.Context) (WorkItem, error) {
	select {
	case item := <-b.queue:
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SignalCancel sets the one-shot cancel flag for the in-flight generation.
func (b *Buffer) SignalCancel() { b.cancel.Store(true) }

// TestAndClearCancel consumes the flag if set.
func (b *Buffer) TestAndClearCancel() bool {
	return b.cancel.CompareAndSwap(true, false)
}
