package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/synthlab/chatgate/internal/chat"
)

type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) []int {
	return make([]int, wordTokenizer{}.Count(text))
}

func (wordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

func testStore(t *testing.T) (*ConversationStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	models := chat.NewRegistry("test-model")
	models.Add(&chat.RemoteModel{
		Name:   "test-model",
		Budget: chat.Limits{MaxTotalTokens: 1000, MaxTokensPerRequest: 500},
		Enc:    wordTokenizer{},
	})
	models.Add(&chat.RemoteModel{
		Name:   "other-model",
		Budget: chat.Limits{MaxTotalTokens: 1000, MaxTokensPerRequest: 500},
		Enc:    wordTokenizer{},
	})
	return NewConversationStore(rdb, models), mr
}

func TestReadCreatesDefault(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	c, err := s.Read(ctx, "u", 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if c.UserID() != "u" || c.RoomID() != 1 {
		t.Fatalf("identity = %s/%d", c.UserID(), c.RoomID())
	}
	if c.Model.ModelName() != "test-model" {
		t.Fatalf("model = %q, want registry default", c.Model.ModelName())
	}
	if c.TotalTokens() != 0 || len(c.UserLog) != 0 {
		t.Fatal("default context not empty")
	}
	// the default was persisted, not just returned
	if !mr.Exists("chat:u:1:profile") || !mr.Exists("chat:u:1:model") {
		t.Fatal("string fields not created")
	}
}

func TestCreateReadRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	c := chat.NewDefault("u", 2, s.models.Default())
	msgs := chat.NewMessages(s)
	if _, err := msgs.Append(ctx, c, chat.RoleSystem, "be terse"); err != nil {
		t.Fatal(err)
	}
	if _, err := msgs.Append(ctx, c, chat.RoleUser, "one two three"); err != nil {
		t.Fatal(err)
	}
	if _, err := msgs.Append(ctx, c, chat.RoleAssistant, "four five", chat.WithModelName("test-model")); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, c, OnlyIfAbsent); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Read(ctx, "u", 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Profile != c.Profile {
		t.Fatalf("profile = %+v, want %+v", got.Profile, c.Profile)
	}
	if got.Model.ModelName() != "test-model" {
		t.Fatalf("model = %q", got.Model.ModelName())
	}
	for _, role := range chat.Roles {
		want := c.Log(role)
		have := got.Log(role)
		if len(have) != len(want) {
			t.Fatalf("%s log has %d entries, want %d", role, len(have), len(want))
		}
		for i := range want {
			if have[i] != want[i] {
				t.Fatalf("%s[%d] = %+v, want %+v", role, i, have[i], want[i])
			}
		}
	}
	if got.TotalTokens() != c.TotalTokens() {
		t.Fatalf("total = %d, want %d", got.TotalTokens(), c.TotalTokens())
	}
}

func TestCreateOnlyIfAbsentKeepsExisting(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first := chat.NewDefault("u", 3, s.models.Default())
	first.Profile.Temperature = 0.1
	if err := s.Create(ctx, first, OnlyIfAbsent); err != nil {
		t.Fatal(err)
	}

	second := chat.NewDefault("u", 3, s.models.Default())
	second.Profile.Temperature = 0.7
	if err := s.Create(ctx, second, OnlyIfAbsent); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(ctx, "u", 3)
	if err != nil {
		t.Fatal(err)
	}
	if got.Profile.Temperature != 0.1 {
		t.Fatalf("temperature = %v, first write lost", got.Profile.Temperature)
	}
}

func TestUpdateProfileAndModel(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	c, err := s.Read(ctx, "u", 4)
	if err != nil {
		t.Fatal(err)
	}
	c.Profile.Temperature = 0.3
	c.Model, _ = s.models.Lookup("other-model")
	if err := s.UpdateProfileAndModel(ctx, c); err != nil {
		t.Fatalf("UpdateProfileAndModel: %v", err)
	}

	got, err := s.Read(ctx, "u", 4)
	if err != nil {
		t.Fatal(err)
	}
	if got.Profile.Temperature != 0.3 || got.Model.ModelName() != "other-model" {
		t.Fatalf("after update: temp %v, model %q",
			got.Profile.Temperature, got.Model.ModelName())
	}
}

func TestHistoryOperations(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	// profile/model must exist or Read would reset the room
	if err := s.Create(ctx, chat.NewDefault("u", 5, s.models.Default()), OnlyIfAbsent); err != nil {
		t.Fatal(err)
	}
	for _, content := range []string{"a", "b", "c"} {
		h := chat.NewHistory("user", content, 1, true, "")
		if err := s.AppendHistory(ctx, "u", 5, chat.RoleUser, h); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	if err := s.PopHistory(ctx, "u", 5, chat.RoleUser, false, 1); err != nil {
		t.Fatalf("PopHistory left: %v", err)
	}
	replacement := chat.NewHistory("user", "replaced", 1, true, "")
	if err := s.SetHistory(ctx, "u", 5, chat.RoleUser, -1, replacement); err != nil {
		t.Fatalf("SetHistory: %v", err)
	}

	got, err := s.Read(ctx, "u", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.UserLog) != 2 || got.UserLog[0].Content != "b" || got.UserLog[1].Content != "replaced" {
		t.Fatalf("user log = %+v", got.UserLog)
	}

	// popping an empty list is not an error
	if err := s.PopHistory(ctx, "u", 5, chat.RoleAssistant, true, 2); err != nil {
		t.Fatalf("PopHistory on empty list: %v", err)
	}

	if err := s.ClearHistory(ctx, "u", 5, chat.RoleUser); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	got, err = s.Read(ctx, "u", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.UserLog) != 0 {
		t.Fatalf("user log after clear = %+v", got.UserLog)
	}
}

func TestReadAllSortsMostRecentFirst(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	older := chat.NewDefault("u", 10, s.models.Default())
	older.Profile.CreatedAt = 20240101000000
	newer := chat.NewDefault("u", 11, s.models.Default())
	newer.Profile.CreatedAt = 20250101000000
	for _, c := range []*chat.Context{older, newer} {
		if err := s.Create(ctx, c, OnlyIfAbsent); err != nil {
			t.Fatal(err)
		}
	}

	contexts, err := s.ReadAll(ctx, "u", []int64{10, 11})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(contexts) != 2 || contexts[0].RoomID() != 11 || contexts[1].RoomID() != 10 {
		ids := []int64{contexts[0].RoomID(), contexts[1].RoomID()}
		t.Fatalf("order = %v, want [11 10]", ids)
	}
}

func TestDeleteRoom(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	c, err := s.Read(ctx, "u", 6)
	if err != nil {
		t.Fatal(err)
	}
	msgs := chat.NewMessages(s)
	if _, err := msgs.Append(ctx, c, chat.RoleUser, "hello"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRoom(ctx, "u", 6); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	for _, k := range []string{"chat:u:6:profile", "chat:u:6:model", "chat:u:6:user_log"} {
		if mr.Exists(k) {
			t.Fatalf("key %s survived DeleteRoom", k)
		}
	}
	// other rooms are untouched
	if _, err := s.Read(ctx, "u", 7); err != nil {
		t.Fatal(err)
	}
}

func TestConnectivityError(t *testing.T) {
	s, mr := testStore(t)
	mr.Close()

	_, err := s.Read(context.Background(), "u", 1)
	if err == nil {
		t.Fatal("Read against a dead server succeeded")
	}
	var ce *ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T %v, want ConnectivityError", err, err)
	}
	if !IsConnectivity(err) {
		t.Fatal("IsConnectivity(err) = false")
	}
}
