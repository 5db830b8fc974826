package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/synthlab/chatgate/internal/chat"
)

// Emitter receives streamed deltas. Returning an error aborts the stream;
// ErrInterrupted means the user cancelled.
type Emitter func(delta string) error

// ErrInterrupted is returned by an Emitter when the client asked the
// in-flight generation to stop.
var ErrInterrupted = errors.New("stream interrupted by user")

// ErrTextGeneration marks a completion that failed after the user message was
// already recorded; the gateway pops it and tells the user to retry.
var ErrTextGeneration = errors.New("text generation failure")

// stream-internal outcomes of a single request attempt
var (
	errLength        = errors.New("incomplete model output due to token limit")
	errContentFilter = errors.New("Omitted content due to a flag from our content filters")
)

// apiError is a non-200 response from the completion endpoint; its message is
// relayed to the client verbatim.
type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }

// RemoteGenerator streams chat completions from OpenAI-compatible endpoints,
// recovering from length cutoffs by continuing in place and from read
// timeouts by reconnecting.
type RemoteGenerator struct {
	msgs          *chat.Messages
	client        *http.Client
	readTimeout   time.Duration
	reconnectWait time.Duration
}

func NewRemoteGenerator(msgs *chat.Messages) *RemoteGenerator {
	return &RemoteGenerator{
		msgs: msgs,
		// no overall timeout: streams run as long as records keep arriving
		client:        &http.Client{},
		readTimeout:   30 * time.Second,
		reconnectWait: 3 * time.Second,
	}
}

type completionRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	N                int       `json:"n"`
	Stream           bool      `json:"stream"`
	PresencePenalty  float64   `json:"presence_penalty"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	MaxTokens        int       `json:"max_tokens"`
	// Stop and LogitBias are part of the wire contract even when unused:
	// stop is always null, logit_bias always an empty object.
	Stop      []string       `json:"stop"`
	LogitBias map[string]int `json:"logit_bias"`
	User      string         `json:"user"`
}

type completionChunk struct {
	Choices []struct {
		FinishReason *string `json:"finish_reason"`
		Delta        struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Generate streams one assistant turn into emit and persists the result.
// Length cutoffs append the partial output and retry with a continuation
// mark; the first retry appends, later ones replace in place. Content-filter
// stops and endpoint errors pop the pending user message and relay the error
// text as the assistant output.
func (g *RemoteGenerator) Generate(ctx context.Context, c *chat.Context, m *chat.RemoteModel, emit Emitter) error {
	var contentBuffer strings.Builder
	appending := false

	for {
		if !c.Continuation {
			contentBuffer.Reset()
		}
		err := g.streamOnce(ctx, c, m, &contentBuffer, emit)
		switch {
		case err == nil:
			// a turn that went through length recovery already has its
			// in-progress entry appended; finish by replacing it
			if appending {
				if err := g.msgs.SetAt(ctx, c, chat.RoleAssistant, -1, contentBuffer.String()); err != nil {
					return err
				}
			} else if _, err := g.msgs.Append(ctx, c, chat.RoleAssistant, contentBuffer.String(),
				chat.WithModelName(m.Name)); err != nil {
				return err
			}
			c.Continuation = false
			return nil

		case errors.Is(err, errLength):
			slog.Warn("completion hit token limit, continuing", "model", m.Name, "room", c.RoomID())
			if appending {
				if err := g.msgs.SetAt(ctx, c, chat.RoleAssistant, -1, contentBuffer.String()); err != nil {
					return err
				}
			} else {
				if _, err := g.msgs.Append(ctx, c, chat.RoleAssistant, contentBuffer.String(),
					chat.WithModelName(m.Name)); err != nil {
					return err
				}
				appending = true
			}
			c.Continuation = true
			continue

		case isTimeout(err):
			slog.Warn("completion stream timed out, reconnecting", "model", m.Name)
			select {
			case <-time.After(g.reconnectWait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue

		case errors.Is(err, ErrInterrupted):
			return err

		case ctx.Err() != nil:
			return ctx.Err()

		default:
			var apiErr *apiError
			relay := "Internal Server Error"
			if errors.As(err, &apiErr) {
				relay = apiErr.msg
			} else if errors.Is(err, errContentFilter) {
				relay = errContentFilter.Error()
			}
			slog.Error("completion failed", "model", m.Name, "room", c.RoomID(), "err", err)
			if _, err := g.msgs.Pop(ctx, c, chat.RoleUser, chat.Right, 1); err != nil {
				return err
			}
			if appending {
				// drop the partial assistant entry from an earlier length event
				if _, err := g.msgs.Pop(ctx, c, chat.RoleAssistant, chat.Right, 1); err != nil {
					return err
				}
			}
			if err := emit(relay); err != nil {
				return err
			}
			return nil
		}
	}
}

// streamOnce performs one request and feeds deltas into buf and emit. A
// watchdog cancels the request when no record arrives within readTimeout.
func (g *RemoteGenerator) streamOnce(ctx context.Context, c *chat.Context, m *chat.RemoteModel, buf *strings.Builder, emit Emitter) error {
	maxTokens := c.LeftTokens()
	if per := c.TokensPerRequest(); per < maxTokens {
		maxTokens = per
	}
	body, err := json.Marshal(completionRequest{
		Model:            m.Name,
		Messages:         BuildMessages(c),
		Temperature:      c.Profile.Temperature,
		TopP:             c.Profile.TopP,
		N:                1,
		Stream:           true,
		PresencePenalty:  c.Profile.PresencePenalty,
		FrequencyPenalty: c.Profile.FrequencyPenalty,
		MaxTokens:        maxTokens,
		LogitBias:        map[string]int{},
		User:             c.UserID(),
	})
	if err != nil {
		return fmt.Errorf("encode completion request: %w", err)
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := time.AfterFunc(g.readTimeout, func() { cancel(errReadTimeout) })
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(context.Cause(reqCtx), errReadTimeout) {
			return errReadTimeout
		}
		return fmt.Errorf("call completion endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		watchdog.Reset(g.readTimeout)
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			switch *choice.FinishReason {
			case "length":
				return errLength
			case "content_filter":
				return errContentFilter
			}
		}
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			buf.WriteString(*choice.Delta.Content)
			if err := emit(*choice.Delta.Content); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(context.Cause(reqCtx), errReadTimeout) {
			return errReadTimeout
		}
		return fmt.Errorf("read completion stream: %w", err)
	}
	return nil
}

var errReadTimeout = errors.New("completion stream read timeout")

func isTimeout(err error) bool {
	return errors.Is(err, errReadTimeout)
}

func parseAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	var parsed struct {
		Error json.RawMessage `json:"error"`
	}
	msg := string(raw)
	if err := json.Unmarshal(raw, &parsed); err == nil && len(parsed.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		var s string
		if err := json.Unmarshal(parsed.Error, &obj); err == nil && obj.Message != "" {
			msg = obj.Message
		} else if err := json.Unmarshal(parsed.Error, &s); err == nil {
			msg = s
		}
	}
	return &apiError{msg: fmt.Sprintf("OpenAI Server Error: %s", msg)}
}
