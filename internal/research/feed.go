// Package research primes chatrooms with literature abstracts from the
// research feed service, embedding them into the vectorstore once per room
// per week.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/synthlab/chatgate/internal/store"
	"github.com/synthlab/chatgate/internal/vector"
)

// embedTTL is how long a room's feed embedding stays fresh.
const embedTTL = 7 * 24 * time.Hour

// Feed fetches abstracts tied to a room's saved search and stores them in
// the vectorstore for /query retrieval.
type Feed struct {
	BaseURL  string
	Email    string
	Password string

	rooms   *store.RoomStore
	vectors vector.Index
	rdb     redis.UniversalClient
	client  *http.Client
}

func NewFeed(baseURL, email, password string, rooms *store.RoomStore, vectors vector.Index, rdb redis.UniversalClient) *Feed {
	return &Feed{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Email:    email,
		Password: password,
		rooms:    rooms,
		vectors:  vectors,
		rdb:      rdb,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Paper is one feed entry. Only the fields rendered into retrieval context
// are decoded.
type Paper struct {
	PMID     string `json:"pmid"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Authors  string `json:"authors"`
}

// EnsureRoomContext embeds the room's feed abstracts unless done within the
// TTL. Rooms without a saved search are skipped.
func (f *Feed) EnsureRoomContext(ctx context.Context, roomID int64) error {
	if f.vectors == nil {
		return nil
	}
	key := fmt.Sprintf("research:%d:embedded", roomID)
	fresh, err := f.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), embedTTL).Result()
	if err != nil {
		return fmt.Errorf("check feed marker: %w", err)
	}
	if !fresh {
		return nil
	}

	room, err := f.rooms.GetRoom(ctx, roomID)
	if err != nil {
		f.rdb.Del(ctx, key)
		return fmt.Errorf("load room %d: %w", roomID, err)
	}
	if !room.SearchID.Valid {
		return nil
	}

	papers, err := f.fetchAbstracts(ctx, room.SearchID.Int64)
	if err != nil {
		f.rdb.Del(ctx, key)
		return err
	}
	if len(papers) == 0 {
		return nil
	}

	n, err := f.vectors.AddTexts(ctx, []string{renderPapers(papers)},
		map[string]string{"search_term": room.Title})
	if err != nil {
		f.rdb.Del(ctx, key)
		return fmt.Errorf("embed feed for room %d: %w", roomID, err)
	}
	slog.Info("research feed embedded", "room", roomID, "papers", len(papers), "chunks", n)
	return nil
}

func (f *Feed) fetchAbstracts(ctx context.Context, searchID int64) ([]Paper, error) {
	token, err := f.login(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/abstracts/%d", f.BaseURL, searchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build abstracts request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch abstracts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("feed returned %d: %s", resp.StatusCode, msg)
	}

	var papers []Paper
	if err := json.NewDecoder(resp.Body).Decode(&papers); err != nil {
		return nil, fmt.Errorf("decode abstracts: %w", err)
	}
	return papers, nil
}

func (f *Feed) login(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": f.Email, "password": f.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("feed login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("feed login returned %d", resp.StatusCode)
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("feed login returned empty token")
	}
	return parsed.Token, nil
}

func renderPapers(papers []Paper) string {
	var b strings.Builder
	for _, p := range papers {
		fmt.Fprintf(&b, "Title: %s ::: %s\n", p.Title, p.PMID)
		fmt.Fprintf(&b, "Abstract: %s\n", p.Abstract)
		fmt.Fprintf(&b, "Authors: %s\n\n", p.Authors)
	}
	return b.String()
}
