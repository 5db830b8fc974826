package chat

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/synthlab/chatgate/internal/token"
)

// Model is the tagged variant over the two model families. The generation
// dispatcher type-switches on the concrete type; adding a family means one
// more case there and one more producer.
type Model interface {
	ModelName() string
	Limits() Limits
	Tokenizer() token.Tokenizer
	// PreambleTokens is the cost of the model's rendered system prefix,
	// zero for models without one.
	PreambleTokens() int
}

// Limits is the token budget a model enforces.
type Limits struct {
	MaxTotalTokens      int
	MaxTokensPerRequest int
	TokenMargin         int
}

// RemoteModel is an OpenAI-compatible chat-completion endpoint.
type RemoteModel struct {
	Name   string
	APIURL string
	APIKey string
	Budget Limits
	Enc    token.Tokenizer
}

func (m *RemoteModel) ModelName() string          { return m.Name }
func (m *RemoteModel) Limits() Limits             { return m.Budget }
func (m *RemoteModel) Tokenizer() token.Tokenizer { return m.Enc }
func (m *RemoteModel) PreambleTokens() int        { return 0 }

// Sampling are the defaults a local model declares; the profile's values
// override temperature and top_p per request.
type Sampling struct {
	Temperature   float64
	TopP          float64
	RepeatPenalty float64
	TopK          int
}

// LocalModel is a quantized model hosted by a local inference engine.
type LocalModel struct {
	Name      string
	ModelPath string
	Endpoint  string // inference engine base URL
	// Preamble is a template with {user}, {assistant} and {system}
	// placeholders, substituted with the profile's upper-cased role labels.
	Preamble string
	Stop     []string
	Defaults Sampling
	Budget   Limits
	Enc      token.Tokenizer

	preambleOnce   sync.Once
	preambleTokens int
}

func (m *LocalModel) ModelName() string          { return m.Name }
func (m *LocalModel) Limits() Limits             { return m.Budget }
func (m *LocalModel) Tokenizer() token.Tokenizer { return m.Enc }

func (m *LocalModel) PreambleTokens() int {
	m.preambleOnce.Do(func() {
		if m.Preamble != "" {
			m.preambleTokens = m.Enc.Count(m.Preamble)
		}
	})
	return m.preambleTokens
}

// RenderPreamble substitutes the profile's role labels into the template.
func (m *LocalModel) RenderPreamble(p Profile) string {
	r := strings.NewReplacer(
		"{user}", strings.ToUpper(p.UserRole),
		"{assistant}", strings.ToUpper(p.AssistantRole),
		"{system}", strings.ToUpper(p.SystemRole),
	)
	return r.Replace(m.Preamble)
}

// Registry holds the configured models by name.
type Registry struct {
	models      map[string]Model
	defaultName string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{models: make(map[string]Model), defaultName: defaultName}
}

func (r *Registry) Add(m Model) { r.models[m.ModelName()] = m }

func (r *Registry) Lookup(name string) (Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("unknown model: %q", name)
	}
	return m, nil
}

func (r *Registry) Default() Model {
	if m, ok := r.models[r.defaultName]; ok {
		return m
	}
	// config validation guarantees the default exists; this is a test escape
	for _, m := range r.models {
		return m
	}
	return nil
}

// Names returns all model names sorted, for the changemodel error message.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
