package domain

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType identifies the kind of a content part.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// ContentPart is one element of a multimodal message: either text or inline
// binary image data. Provider-specific wire encoding happens in the gateway
// package.
type ContentPart struct {
	Type ContentType

	// Text is set when Type is ContentTypeText.
	Text string

	// Data and MediaType are set when Type is ContentTypeImage. Data is the
	// raw (not yet base64-encoded) image bytes.
	Data      []byte
	MediaType string
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentTypeText, Text: text}
}

// ImagePart builds an inline image content part.
func ImagePart(data []byte, mediaType string) ContentPart {
	return ContentPart{Type: ContentTypeImage, Data: data, MediaType: mediaType}
}

// Message is one entry of a chat history sent to the gateway.
type Message struct {
	Role  Role
	Parts []ContentPart
}

// TextMessage builds a plain-text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []ContentPart{TextPart(text)}}
}

// PlainText concatenates the message's text parts. Image parts are skipped.
func (m Message) PlainText() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == ContentTypeText {
			out += p.Text
		}
	}
	return out
}
