package chat

import (
	"context"
	"testing"
	"time"
)

func testBuffer(t *testing.T, roomIDs ...int64) *Buffer {
	t.Helper()
	m := testModel(100, 50, 0)
	contexts := make([]*Context, len(roomIDs))
	for i, id := range roomIDs {
		contexts[i] = NewDefault("u", id, m)
	}
	return NewBuffer("u", contexts, 4)
}

func TestBufferCursor(t *testing.T) {
	b := testBuffer(t, 7, 11, 13)

	if got := b.CurrentRoomID(); got != 7 {
		t.Fatalf("initial room = %d, want 7", got)
	}
	if got := b.FindIndex(11); got != 1 {
		t.Fatalf("FindIndex(11) = %d, want 1", got)
	}
	if got := b.FindIndex(99); got != -1 {
		t.Fatalf("FindIndex(99) = %d, want -1", got)
	}

	if err := b.SwitchTo(2); err != nil {
		t.Fatalf("SwitchTo(2): %v", err)
	}
	if got := b.CurrentRoomID(); got != 13 {
		t.Fatalf("room after switch = %d, want 13", got)
	}
	if err := b.SwitchTo(3); err == nil {
		t.Fatal("SwitchTo out of range should fail")
	}
}

func TestBufferInsertDelete(t *testing.T) {
	b := testBuffer(t, 7, 11)
	if err := b.SwitchTo(1); err != nil {
		t.Fatal(err)
	}

	// insert before the cursor shifts it, keeping the same current room
	b.Insert(0, NewDefault("u", 3, testModel(100, 50, 0)))
	if got := b.CurrentRoomID(); got != 11 {
		t.Fatalf("room after insert = %d, want 11", got)
	}
	if got := b.RoomIDs(); len(got) != 3 || got[0] != 3 {
		t.Fatalf("RoomIDs after insert = %v", got)
	}

	// deleting the current room resets the cursor to the front
	b.Delete(b.FindIndex(11))
	if got := b.CurrentRoomID(); got != 3 {
		t.Fatalf("room after deleting current = %d, want 3", got)
	}
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
}

func TestBufferCancelIsOneShot(t *testing.T) {
	b := testBuffer(t, 1)

	if b.TestAndClearCancel() {
		t.Fatal("cancel flag set before SignalCancel")
	}
	b.SignalCancel()
	if !b.TestAndClearCancel() {
		t.Fatal("cancel flag not observed")
	}
	if b.TestAndClearCancel() {
		t.Fatal("cancel flag observed twice")
	}
}

func TestBufferQueueOrder(t *testing.T) {
	b := testBuffer(t, 1)
	ctx := context.Background()

	items := []WorkItem{
		ClientMessage{Msg: "first", RoomID: 1},
		StatusText("second"),
		ClientMessage{Msg: "third", RoomID: 1},
	}
	for _, item := range items {
		if err := b.Put(ctx, item); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	for i, want := range items {
		got, err := b.Take(ctx)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if got != want {
			t.Fatalf("item %d = %#v, want %#v", i, got, want)
		}
	}
}

func TestBufferTakeHonorsContext(t *testing.T) {
	b := testBuffer(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := b.Take(ctx); err == nil {
		t.Fatal("Take on empty queue should fail once the context is done")
	}
}
