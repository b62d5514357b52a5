// Package tokens provides token counting for prompt budgeting.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

// Estimator counts tokens for OpenAI-compatible models using tiktoken, with a
// character-ratio fallback for models tiktoken does not know.
type Estimator struct {
	// charsPerToken is the fallback ratio for unknown models
	charsPerToken float64

	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		charsPerToken: 4.0,
		codecCache:    make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// getCodec returns the tokenizer codec for a model.
func (e *Estimator) getCodec(model string) (tokenizer.Codec, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err == nil {
		return codec, nil
	}

	// Fall back to encoding based on model prefix
	encoding := modelToEncoding(model)

	e.cacheMu.RLock()
	if cached, ok := e.codecCache[encoding]; ok {
		e.cacheMu.RUnlock()
		return cached, nil
	}
	e.cacheMu.RUnlock()

	codec, err = tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	e.cacheMu.Lock()
	e.codecCache[encoding] = codec
	e.cacheMu.Unlock()

	return codec, nil
}

// modelToEncoding maps model names to encoding names for fallback.
//
// Encoding reference:
// - O200kBase: GPT-4.1, GPT-4o, o-series and newer models
// - Cl100kBase: GPT-4, GPT-3.5-turbo
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-41"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4o"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountText counts tokens for a plain text string. Unknown models fall back to
// a character-ratio estimate rather than failing.
func (e *Estimator) CountText(model, text string) int {
	codec, err := e.getCodec(model)
	if err != nil {
		return int(float64(len(text)) / e.charsPerToken)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return int(float64(len(text)) / e.charsPerToken)
	}
	return len(ids)
}

// CountMessages counts tokens across a system prompt and message list,
// including the per-message overhead chat models charge.
func (e *Estimator) CountMessages(model, systemPrompt string, messages []domain.Message) int {
	// 3 tokens per message + 1 for role, plus 3 for assistant priming,
	// per OpenAI's chat format accounting.
	const tokensPerMessage = 3
	const tokensPerRole = 1

	total := 3 // assistant priming
	if systemPrompt != "" {
		total += tokensPerMessage + tokensPerRole
		total += e.CountText(model, systemPrompt)
	}
	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		total += e.CountText(model, msg.PlainText())
	}
	return total
}
