package valueobject

import (
	"encoding/json"
	"strings"
)

// MessageContent 消息内容值对象：纯文本或类型化分段序列
//
// OpenAI chat messages carry either a plain string or an array of typed
// parts. The two shapes are kept as a tagged variant so callers never have
// to type-switch on interface{}.
type MessageContent struct {
	text  string
	parts []ContentPart
	multi bool
}

// ContentPart 消息分段
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
	Image    string        `json:"image,omitempty"`
}

// ImageURLPart wraps the url field of an image_url part.
type ImageURLPart struct {
	URL string `json:"url"`
}

const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
	PartTypeImage    = "image"
)

// NewTextContent 创建纯文本内容
func NewTextContent(text string) MessageContent {
	return MessageContent{text: text}
}

// NewPartsContent 创建分段内容
func NewPartsContent(parts []ContentPart) MessageContent {
	ps := make([]ContentPart, len(parts))
	copy(ps, parts)
	return MessageContent{parts: ps, multi: true}
}

// UnmarshalJSON accepts either a JSON string or an array of parts.
func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*mc = MessageContent{text: s}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*mc = MessageContent{parts: parts, multi: true}
	return nil
}

// MarshalJSON re-emits the original shape.
func (mc MessageContent) MarshalJSON() ([]byte, error) {
	if mc.multi {
		return json.Marshal(mc.parts)
	}
	return json.Marshal(mc.text)
}

// IsParts 是否为分段内容
func (mc MessageContent) IsParts() bool {
	return mc.multi
}

// Parts 返回分段列表（副本）
func (mc MessageContent) Parts() []ContentPart {
	ps := make([]ContentPart, len(mc.parts))
	copy(ps, mc.parts)
	return ps
}

// Text returns the plain string, or all text parts joined with single spaces.
func (mc MessageContent) Text() string {
	if !mc.multi {
		return mc.text
	}
	var texts []string
	for _, p := range mc.parts {
		if p.Type == PartTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// ImageURLs returns image references from image_url and inline image parts,
// in part order. Plain-string content never carries images here; Markdown
// images inside text are the translator's concern.
func (mc MessageContent) ImageURLs() []string {
	if !mc.multi {
		return nil
	}
	var urls []string
	for _, p := range mc.parts {
		switch p.Type {
		case PartTypeImageURL:
			if p.ImageURL != nil && p.ImageURL.URL != "" {
				urls = append(urls, p.ImageURL.URL)
			}
		case PartTypeImage:
			if p.Image != "" {
				urls = append(urls, p.Image)
			}
		}
	}
	return urls
}

// HasImages 是否包含图片分段
func (mc MessageContent) HasImages() bool {
	return len(mc.ImageURLs()) > 0
}
