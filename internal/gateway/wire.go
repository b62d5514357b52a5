package gateway

import (
	"encoding/base64"
	"fmt"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

// Wire types for the OpenAI-compatible /chat/completions endpoint.

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// chatMessage carries either a plain string or a part list in Content,
// matching the two content shapes the wire format accepts.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatChunk is one streamed SSE fragment.
type chatChunk struct {
	ID      string        `json:"id"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content"`
}

// encodeMessages translates the provider-agnostic message list into the wire
// format, prepending the system prompt. This is a pure function with no side
// effects so the multimodal translation stays unit-testable without network
// I/O.
func encodeMessages(systemPrompt string, messages []domain.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, chatMessage{Role: string(domain.RoleSystem), Content: systemPrompt})
	}
	for _, msg := range messages {
		out = append(out, encodeMessage(msg))
	}
	return out
}

func encodeMessage(msg domain.Message) chatMessage {
	// The common case is a single text part, which the wire format carries
	// as a plain string.
	if len(msg.Parts) == 1 && msg.Parts[0].Type == domain.ContentTypeText {
		return chatMessage{Role: string(msg.Role), Content: msg.Parts[0].Text}
	}

	parts := make([]wirePart, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case domain.ContentTypeText:
			parts = append(parts, wirePart{Type: "text", Text: p.Text})
		case domain.ContentTypeImage:
			parts = append(parts, wirePart{
				Type:     "image_url",
				ImageURL: &wireImageURL{URL: dataURL(p.Data, p.MediaType)},
			})
		}
	}
	return chatMessage{Role: string(msg.Role), Content: parts}
}

// dataURL embeds inline binary as a base64 data URL, the form the gateway
// expects for image content.
func dataURL(data []byte, mediaType string) string {
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
}
