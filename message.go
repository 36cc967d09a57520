// Package acp defines the wire-level types of the Agent Communication
// Protocol (ACP): messages exchanged with agents, the run lifecycle state
// machine, await payloads, and the stream event envelope shared by server
// and client.
package acp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// ContentTypeText is the default MIME type for message parts.
	ContentTypeText = "text/plain"

	// EncodingPlain indicates Content holds the literal part content.
	EncodingPlain = "plain"
	// EncodingBase64 indicates Content holds base64-encoded binary data.
	EncodingBase64 = "base64"
)

type (
	// MessagePart is the atomic unit of agent input and output. A part
	// carries either inline content or a URL pointing at external content,
	// never both. Named parts are artifacts: standalone results (files,
	// images, structured documents) that clients can surface individually.
	MessagePart struct {
		// Name identifies an artifact part. Empty for regular content parts.
		Name string `json:"name,omitempty"`
		// ContentType is the MIME type of the content. Defaults to text/plain.
		ContentType string `json:"content_type"`
		// Content holds the inline part content. Encoded per ContentEncoding.
		Content string `json:"content,omitempty"`
		// ContentEncoding is "plain" or "base64". Defaults to plain.
		ContentEncoding string `json:"content_encoding,omitempty"`
		// ContentURL points at externally hosted content. Mutually exclusive
		// with Content.
		ContentURL string `json:"content_url,omitempty"`
	}

	// Message is an ordered collection of parts. Agents receive messages as
	// input and yield messages as output; sessions accumulate both.
	Message struct {
		Parts []MessagePart `json:"parts"`
	}
)

// TextPart returns a plain-text message part.
func TextPart(content string) MessagePart {
	return MessagePart{ContentType: ContentTypeText, Content: content}
}

// Artifact returns a named message part. Artifacts are standalone run
// results that clients can address by name.
func Artifact(name, contentType, content string) MessagePart {
	return MessagePart{Name: name, ContentType: contentType, Content: content}
}

// Text returns a message holding a single plain-text part.
func Text(content string) Message {
	return Message{Parts: []MessagePart{TextPart(content)}}
}

// Validate checks the part invariants: exactly one of Content and ContentURL
// is set, the encoding is known, and base64 content decodes.
func (p MessagePart) Validate() error {
	if p.Content != "" && p.ContentURL != "" {
		return errors.New("message part sets both content and content_url")
	}
	if p.Content == "" && p.ContentURL == "" {
		return errors.New("message part sets neither content nor content_url")
	}
	switch p.ContentEncoding {
	case "", EncodingPlain:
	case EncodingBase64:
		if _, err := base64.StdEncoding.DecodeString(p.Content); err != nil {
			return fmt.Errorf("invalid base64 content: %w", err)
		}
	default:
		return fmt.Errorf("unknown content encoding %q", p.ContentEncoding)
	}
	return nil
}

// Bytes returns the decoded part content. Plain parts return the content
// verbatim; base64 parts are decoded. Parts referencing external content
// return an error, fetching is the caller's responsibility.
func (p MessagePart) Bytes() ([]byte, error) {
	if p.ContentURL != "" {
		return nil, errors.New("part content is external")
	}
	if p.ContentEncoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(p.Content)
	}
	return []byte(p.Content), nil
}

// IsArtifact reports whether the part is a named artifact.
func (p MessagePart) IsArtifact() bool { return p.Name != "" }

// Validate checks that the message has at least one part and that every
// part is itself valid.
func (m Message) Validate() error {
	if len(m.Parts) == 0 {
		return errors.New("message has no parts")
	}
	for i, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// Text concatenates the content of all inline plain-text parts. Parts with
// other content types, base64 encoding, or external URLs are skipped.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.ContentURL != "" || p.ContentEncoding == EncodingBase64 {
			continue
		}
		if p.ContentType == "" || p.ContentType == ContentTypeText {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

// Merge returns a message holding the parts of m followed by the parts of
// other. Neither input is modified.
func (m Message) Merge(other Message) Message {
	parts := make([]MessagePart, 0, len(m.Parts)+len(other.Parts))
	parts = append(parts, m.Parts...)
	parts = append(parts, other.Parts...)
	return Message{Parts: parts}
}

// Artifacts returns the named parts of the message.
func (m Message) Artifacts() []MessagePart {
	var out []MessagePart
	for _, p := range m.Parts {
		if p.IsArtifact() {
			out = append(out, p)
		}
	}
	return out
}
