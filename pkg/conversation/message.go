package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is one element of a multi-part message body.
type Part interface {
	partType() string
}

type TextPart struct {
	Text string
}

type ImagePart struct {
	URL string
}

func (TextPart) partType() string { return "text" }
func (ImagePart) partType() string { return "image_url" }

// Content is either plain text or an ordered list of parts.
type Content struct {
	text  string
	parts []Part
}

func Text(s string) Content { return Content{text: s} }

func Parts(parts ...Part) Content {
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return Content{parts: cp}
}

// UserContent builds a user body from typed text and attached image URLs.
func UserContent(text string, imageURLs ...string) Content {
	if len(imageURLs) == 0 {
		return Text(text)
	}
	parts := make([]Part, 0, len(imageURLs)+1)
	if text != "" {
		parts = append(parts, TextPart{Text: text})
	}
	for _, u := range imageURLs {
		parts = append(parts, ImagePart{URL: u})
	}
	return Content{parts: parts}
}

func (c Content) IsParts() bool { return c.parts != nil }

func (c Content) Parts() []Part {
	cp := make([]Part, len(c.parts))
	copy(cp, c.parts)
	return cp
}

// String returns the text of the content. Text parts are joined with a space.
func (c Content) String() string {
	if c.parts == nil {
		return c.text
	}
	var texts []string
	for _, p := range c.parts {
		if tp, ok := p.(TextPart); ok {
			texts = append(texts, tp.Text)
		}
	}
	return strings.Join(texts, " ")
}

func (c Content) IsEmpty() bool {
	return c.parts == nil && c.text == ""
}

type wirePart struct {
	Type     string   `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL *wireURL `json:"image_url,omitempty"`
}

type wireURL struct {
	URL string `json:"url"`
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.parts == nil {
		return json.Marshal(c.text)
	}
	out := make([]wirePart, 0, len(c.parts))
	for _, p := range c.parts {
		switch v := p.(type) {
		case TextPart:
			out = append(out, wirePart{Type: "text", Text: v.Text})
		case ImagePart:
			out = append(out, wirePart{Type: "image_url", ImageURL: &wireURL{URL: v.URL}})
		}
	}
	return json.Marshal(out)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	}
	var wire []wirePart
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parts := make([]Part, 0, len(wire))
	for _, w := range wire {
		switch w.Type {
		case "text":
			parts = append(parts, TextPart{Text: w.Text})
		case "image_url":
			if w.ImageURL == nil {
				return errors.New("conversation: image_url part without url")
			}
			parts = append(parts, ImagePart{URL: w.ImageURL.URL})
		default:
			return errors.New("conversation: unknown content part " + w.Type)
		}
	}
	*c = Content{parts: parts}
	return nil
}

type ChatMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}
