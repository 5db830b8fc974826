package config

import (
	"fmt"

	"github.com/synthlab/chatgate/internal/chat"
	"github.com/synthlab/chatgate/internal/token"
)

// BuildRegistry constructs the model registry from configuration. Remote
// models get the BPE tokenizer matching their name; local models use the
// estimator, since their engine reports exact counts after each completion.
func BuildRegistry(cfg ModelsConfig) (*chat.Registry, error) {
	registry := chat.NewRegistry(cfg.Default)

	for _, m := range cfg.Remote {
		enc, err := token.ForRemoteModel(m.Name)
		if err != nil {
			return nil, fmt.Errorf("tokenizer for %q: %w", m.Name, err)
		}
		registry.Add(&chat.RemoteModel{
			Name:   m.Name,
			APIURL: m.APIURL,
			APIKey: m.APIKey,
			Budget: chat.Limits{
				MaxTotalTokens:      m.MaxTotalTokens,
				MaxTokensPerRequest: m.MaxTokensPerRequest,
				TokenMargin:         m.TokenMargin,
			},
			Enc: enc,
		})
	}

	for _, m := range cfg.Local {
		lm := &chat.LocalModel{
			Name:      m.Name,
			ModelPath: m.ModelPath,
			Endpoint:  m.Endpoint,
			Preamble:  m.Preamble,
			Stop:      m.Stop,
			Defaults: chat.Sampling{
				Temperature:   m.Temperature,
				TopP:          m.TopP,
				RepeatPenalty: m.RepeatPenalty,
				TopK:          m.TopK,
			},
			Budget: chat.Limits{
				MaxTotalTokens:      m.MaxTotalTokens,
				MaxTokensPerRequest: m.MaxTokensPerRequest,
				TokenMargin:         m.TokenMargin,
			},
			Enc: token.Estimator{},
		}
		applyLocalDefaults(lm)
		registry.Add(lm)
	}

	return registry, nil
}

func applyLocalDefaults(m *chat.LocalModel) {
	if m.Defaults.Temperature == 0 {
		m.Defaults.Temperature = 0.8
	}
	if m.Defaults.TopP == 0 {
		m.Defaults.TopP = 0.95
	}
	if m.Defaults.RepeatPenalty == 0 {
		m.Defaults.RepeatPenalty = 1.1
	}
	if m.Defaults.TopK == 0 {
		m.Defaults.TopK = 40
	}
	if len(m.Stop) == 0 {
		m.Stop = []string{"​"} // zero-width space padding
	}
}
