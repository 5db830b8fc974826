package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// llamaEngine is a client for one llama.cpp server instance. Engines are
// cached per endpoint so every model served by the same instance shares a
// connection pool.
type llamaEngine struct {
	endpoint string
	client   *http.Client
}

var engines sync.Map // endpoint -> *llamaEngine

func engineFor(endpoint string) *llamaEngine {
	if e, ok := engines.Load(endpoint); ok {
		return e.(*llamaEngine)
	}
	e := &llamaEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		// completions run until the engine stops; no client-side deadline
		client: &http.Client{},
	}
	actual, _ := engines.LoadOrStore(endpoint, e)
	return actual.(*llamaEngine)
}

type llamaRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
	Stream        bool     `json:"stream"`
	CachePrompt   bool     `json:"cache_prompt"`
}

type llamaChunk struct {
	Content      string `json:"content"`
	Stop         bool   `json:"stop"`
	StoppedLimit bool   `json:"stopped_limit"`
}

// Complete streams one completion, invoking onText for every content piece.
// The final record carries the finish reason: "length" when the engine hit
// n_predict, "" otherwise.
func (e *llamaEngine) Complete(ctx context.Context, req llamaRequest, onText func(text, finishReason string) error) error {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/completion", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call inference engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("inference engine returned %d: %s", resp.StatusCode, msg)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var chunk llamaChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		finish := ""
		if chunk.Stop && chunk.StoppedLimit {
			finish = "length"
		}
		if err := onText(chunk.Content, finish); err != nil {
			return err
		}
		if chunk.Stop {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read completion stream: %w", err)
	}
	return nil
}
