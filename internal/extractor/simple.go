package extractor

import (
	"encoding/json"
	"errors"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
)

// ScoreFilterConfig configures score_filter.
type ScoreFilterConfig struct {
	Threshold float64 `json:"threshold"`
}

// ScoreFilter drops the preceding config's candidates scoring below the
// threshold. It produces nothing on its own.
type ScoreFilter struct{}

var _ Filter = (*ScoreFilter)(nil)

// Name implements Strategy.
func (*ScoreFilter) Name() string { return "score_filter" }

// Decode implements Strategy.
func (*ScoreFilter) Decode(raw json.RawMessage) (any, error) {
	var cfg ScoreFilterConfig
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, errors.New("threshold must be within [0, 1]")
	}
	return &cfg, nil
}

// Extract implements Strategy.
func (*ScoreFilter) Extract(*Input) ([]answer.AnswerResult, error) { return nil, nil }

// Apply implements Filter.
func (s *ScoreFilter) Apply(in *Input, candidates []answer.AnswerResult) []answer.AnswerResult {
	cfg, err := options[*ScoreFilterConfig](in, s)
	if err != nil {
		return candidates
	}
	var out []answer.AnswerResult
	for _, c := range candidates {
		if c.Score >= cfg.Threshold {
			out = append(out, c)
		}
	}
	return out
}

// DefaultConfig configures default.
type DefaultConfig struct {
	Text string `json:"text"`
}

// Default yields a fixed text that is anchored to nothing. It is meant as the
// last entry of a chain.
type Default struct{}

var _ Strategy = (*Default)(nil)

// Name implements Strategy.
func (*Default) Name() string { return "default" }

// Decode implements Strategy.
func (*Default) Decode(raw json.RawMessage) (any, error) {
	var cfg DefaultConfig
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Text == "" {
		return nil, errors.New("default needs text")
	}
	return &cfg, nil
}

// Extract implements Strategy.
func (d *Default) Extract(in *Input) ([]answer.AnswerResult, error) {
	cfg, err := options[*DefaultConfig](in, d)
	if err != nil {
		return nil, err
	}
	r := answer.NewResult(cfg.Text)
	r.Source = d.Name()
	return []answer.AnswerResult{r}, nil
}
