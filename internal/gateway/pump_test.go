package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/synthlab/chatgate/internal/chat"
	"github.com/synthlab/chatgate/internal/command"
	"github.com/synthlab/chatgate/internal/generate"
	"github.com/synthlab/chatgate/internal/store"
	"github.com/synthlab/chatgate/internal/token"
	"github.com/synthlab/chatgate/internal/vector"
)

type fakeIndex struct {
	added [][]string
}

func (f *fakeIndex) AddTexts(_ context.Context, texts []string, _ map[string]string) (int, error) {
	f.added = append(f.added, texts)
	return len(texts), nil
}

func (f *fakeIndex) SimilaritySearch(context.Context, string, int) ([]vector.Document, error) {
	return nil, nil
}

type memStore struct {
	logs map[chat.Role][]chat.MessageHistory
}

func newMemStore() *memStore {
	return &memStore{logs: make(map[chat.Role][]chat.MessageHistory)}
}

func (s *memStore) AppendHistory(_ context.Context, _ string, _ int64, role chat.Role, h chat.MessageHistory) error {
	s.logs[role] = append(s.logs[role], h)
	return nil
}

func (s *memStore) PopHistory(_ context.Context, _ string, _ int64, role chat.Role, fromRight bool, n int) error {
	log := s.logs[role]
	if n > len(log) {
		n = len(log)
	}
	if fromRight {
		s.logs[role] = log[:len(log)-n]
	} else {
		s.logs[role] = log[n:]
	}
	return nil
}

func (s *memStore) SetHistory(_ context.Context, _ string, _ int64, role chat.Role, index int, h chat.MessageHistory) error {
	log := s.logs[role]
	if index < 0 {
		index += len(log)
	}
	log[index] = h
	return nil
}

func (s *memStore) ClearHistory(_ context.Context, _ string, _ int64, role chat.Role) error {
	delete(s.logs, role)
	return nil
}

// pumpSetup wires a gateway against an SSE endpoint that always answers with
// the given deltas.
func pumpSetup(t *testing.T, deltas ...string) (*Gateway, *Sender, *fakeConn, *chat.Buffer) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			io.WriteString(w, `data: {"choices":[{"delta":{"content":"`+d+`"}}]}`+"\n\n")
		}
		io.WriteString(w, `data: {"choices":[{"finish_reason":"stop","delta":{}}]}`+"\n\n")
	}))
	t.Cleanup(srv.Close)

	model := &chat.RemoteModel{
		Name:   "test-model",
		APIURL: srv.URL,
		Budget: chat.Limits{MaxTotalTokens: 10000, MaxTokensPerRequest: 2048, TokenMargin: 8},
		Enc:    token.Estimator{},
	}
	models := chat.NewRegistry("test-model")
	models.Add(model)

	msgs := chat.NewMessages(newMemStore())
	buf := chat.NewBuffer("u", []*chat.Context{
		chat.NewDefault("u", 7, model),
		chat.NewDefault("u", 11, model),
	}, 4)

	g := &Gateway{
		Messages:   msgs,
		Dispatcher: generate.NewDispatcher(msgs, generate.NewPool(1, 1)),
		Commands:   command.NewRegistry(&command.Deps{Messages: msgs, Models: models}),
	}
	conn := &fakeConn{}
	return g, NewSender(conn), conn, buf
}

func allText(frames []MessageToClient) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Msg != nil {
			b.WriteString(*f.Msg)
		}
	}
	return b.String()
}

func TestPumpFullTurn(t *testing.T) {
	g, sender, conn, buf := pumpSetup(t, "TE", "ST")

	err := g.handleClientMessage(context.Background(), sender, buf,
		chat.ClientMessage{Msg: "say this word: TEST", RoomID: 7})
	if err != nil {
		t.Fatalf("handleClientMessage: %v", err)
	}

	opening := conn.frames[0]
	if opening.Msg != nil || opening.ModelName == nil || *opening.ModelName != "test-model" {
		t.Fatalf("opening frame = %+v", opening)
	}
	last := conn.frames[len(conn.frames)-1]
	if !last.Finish {
		t.Fatalf("no terminal frame: %+v", conn.frames)
	}
	if got := allText(conn.frames); !strings.Contains(got, "TEST") {
		t.Fatalf("streamed text = %q", got)
	}

	c := buf.Current()
	if len(c.UserLog) != 1 || len(c.AssistantLog) != 1 {
		t.Fatalf("logs after turn: %d user, %d assistant", len(c.UserLog), len(c.AssistantLog))
	}
	if c.AssistantLog[0].Content != "TEST" {
		t.Fatalf("assistant content = %q", c.AssistantLog[0].Content)
	}
}

func TestPumpOversizeMessage(t *testing.T) {
	g, sender, conn, buf := pumpSetup(t)
	buf.Current().Model.(*chat.RemoteModel).Budget.MaxTokensPerRequest = 3

	msg := "one two three four five six"
	tokens := buf.Current().CountTokens(msg)
	err := g.handleClientMessage(context.Background(), sender, buf,
		chat.ClientMessage{Msg: msg, RoomID: 7})
	if err != nil {
		t.Fatalf("handleClientMessage: %v", err)
	}

	if len(conn.frames) != 1 {
		t.Fatalf("wrote %d frames, want 1", len(conn.frames))
	}
	got := *conn.frames[0].Msg
	want := fmt.Sprintf("Message too long. Now %d tokens, but 3 tokens allowed.", tokens)
	if got != want {
		t.Fatalf("frame = %q, want %q", got, want)
	}
	if len(buf.Current().UserLog) != 0 {
		t.Fatal("oversize message was recorded")
	}
}

func TestPumpRoomSwitch(t *testing.T) {
	g, sender, conn, buf := pumpSetup(t)

	err := g.handleClientMessage(context.Background(), sender, buf,
		chat.ClientMessage{Msg: "hi", RoomID: 11})
	if err != nil {
		t.Fatalf("handleClientMessage: %v", err)
	}

	if got := buf.CurrentRoomID(); got != 11 {
		t.Fatalf("current room = %d, want 11", got)
	}
	f := conn.frames[0]
	if !f.Init || f.ChatroomID != 11 {
		t.Fatalf("switch frame = %+v", f)
	}
	// the room list is omitted on a switch; only the transcript is resent
	if !strings.Contains(*f.Msg, `"chatroom_ids":null`) {
		t.Fatalf("switch init payload = %s", *f.Msg)
	}
	// the triggering message is a switch, never a turn
	if len(buf.Current().UserLog) != 0 {
		t.Fatal("switch message appended as a turn")
	}
}

func TestPumpUnknownRoom(t *testing.T) {
	g, sender, conn, buf := pumpSetup(t)

	err := g.handleClientMessage(context.Background(), sender, buf,
		chat.ClientMessage{Msg: "hi", RoomID: 99})
	if !errors.Is(err, store.ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
	f := conn.frames[0]
	if f.Msg == nil || *f.Msg != msgRoomNotFound || !f.Finish {
		t.Fatalf("frame = %+v", f)
	}
}

func TestPumpCommandDispatch(t *testing.T) {
	g, sender, conn, buf := pumpSetup(t)

	err := g.handleClientMessage(context.Background(), sender, buf,
		chat.ClientMessage{Msg: "/ping", RoomID: 7})
	if err != nil {
		t.Fatalf("handleClientMessage: %v", err)
	}
	f := conn.frames[0]
	if f.Msg == nil || *f.Msg != "pong" || !f.Finish {
		t.Fatalf("frame = %+v", f)
	}
}

func TestUploadEmbedsAndQueuesStatus(t *testing.T) {
	g, sender, conn, buf := pumpSetup(t)
	idx := &fakeIndex{}
	g.Vectors = idx
	g.Files = &TextFileParser{}

	g.handleUpload(context.Background(), sender, buf, []byte("hello upload"), "notes.txt")

	if len(idx.added) != 1 || len(idx.added[0]) != 1 || idx.added[0][0] != "hello upload" {
		t.Fatalf("embedded = %v", idx.added)
	}
	// the result is queued, not written directly, so it cannot overtake a turn
	if len(conn.frames) != 0 {
		t.Fatalf("wrote %d frames before the queue drained", len(conn.frames))
	}
	item, err := buf.Take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	status, ok := item.(chat.StatusText)
	if !ok {
		t.Fatalf("queued item = %T", item)
	}
	want := "Successfully embedded documents. You uploaded file begins with...\n\n```hello upload```..."
	if string(status) != want {
		t.Fatalf("status = %q, want %q", status, want)
	}
}

func TestUploadRejectsUnsupportedFile(t *testing.T) {
	g, sender, conn, buf := pumpSetup(t)
	idx := &fakeIndex{}
	g.Vectors = idx
	g.Files = &TextFileParser{}

	g.handleUpload(context.Background(), sender, buf, []byte{0x89, 0x50}, "photo.png")

	if len(idx.added) != 0 {
		t.Fatalf("embedded a rejected file: %v", idx.added)
	}
	if len(conn.frames) != 1 || conn.frames[0].Msg == nil || *conn.frames[0].Msg != msgInvalidFileType {
		t.Fatalf("frames = %+v", conn.frames)
	}
}

func TestUploadWithoutVectorstore(t *testing.T) {
	g, sender, conn, buf := pumpSetup(t)
	g.Files = &TextFileParser{}

	g.handleUpload(context.Background(), sender, buf, []byte("hello"), "notes.txt")

	if len(conn.frames) != 1 || *conn.frames[0].Msg != "File uploads are not enabled." {
		t.Fatalf("frames = %+v", conn.frames)
	}
}

func TestPumpCancelUnwindsUserMessage(t *testing.T) {
	g, sender, conn, buf := pumpSetup(t, "will", " be", " cut")
	buf.SignalCancel()

	err := g.handleClientMessage(context.Background(), sender, buf,
		chat.ClientMessage{Msg: "tell me a story", RoomID: 7})
	if err != nil {
		t.Fatalf("handleClientMessage: %v", err)
	}

	last := conn.frames[len(conn.frames)-1]
	if !last.Finish {
		t.Fatalf("no terminal frame after cancel: %+v", conn.frames)
	}
	c := buf.Current()
	if len(c.UserLog) != 0 {
		t.Fatal("pending user message survived the cancel")
	}
	if len(c.AssistantLog) != 0 {
		t.Fatal("assistant history appended for a cancelled turn")
	}
}
