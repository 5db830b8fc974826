// Package token provides a uniform tokenizer surface over the model families
// the gateway serves. Remote chat models count with their published BPE
// encodings; local quantized models use a byte-level estimator since their
// exact vocabularies live inside the inference engine.
package token

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer converts text to token ids and counts tokens.
type Tokenizer interface {
	Encode(text string) []int
	Count(text string) int
}

// ForRemoteModel returns the BPE tokenizer for an OpenAI-compatible model.
// Unknown models fall back to cl100k_base, which every current chat model uses.
func ForRemoteModel(model string) (Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("tokenizer for %s: %w", model, err)
		}
	}
	return &bpeTokenizer{enc: enc}, nil
}

type bpeTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t *bpeTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *bpeTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Estimator approximates token counts for models whose tokenizer is owned by
// the inference engine. It is deliberately conservative: ASCII runs count one
// token per four bytes, every word break and non-ASCII rune adds one. The
// local generation path replaces the estimate with the engine's exact count
// once a completion finishes.
type Estimator struct{}

func (Estimator) Encode(text string) []int {
	n := Estimator{}.Count(text)
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func (Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	tokens := 0
	run := 0 // length of the current ASCII word run
	flush := func() {
		if run > 0 {
			tokens += 1 + run/4
			run = 0
		}
	}
	for _, r := range text {
		switch {
		case r > unicode.MaxASCII:
			flush()
			tokens++
		case unicode.IsSpace(r):
			flush()
		case strings.ContainsRune(`.,!?;:'"`+"`", r):
			flush()
			tokens++
		default:
			run++
		}
	}
	flush()
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
