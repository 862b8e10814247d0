package qwen

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qwenbridge/gateway/internal/domain/entity"
	"github.com/qwenbridge/gateway/internal/infrastructure/openai"
)

// --- Upstream wire types ---
// The upstream is a session-scoped web chat: chats are created out-of-band
// via /api/v2/chats/new, then messages are posted against the chat id.

// NewChatRequest creates an upstream chat.
type NewChatRequest struct {
	Title     string   `json:"title"`
	Models    []string `json:"models"`
	ChatMode  string   `json:"chat_mode"`
	ChatType  string   `json:"chat_type"`
	Timestamp int64    `json:"timestamp"` // milliseconds
}

type NewChatResponse struct {
	Success bool `json:"success"`
	Data    struct {
		ID string `json:"id"`
	} `json:"data"`
}

// CompletionRequest is the message envelope posted against a chat id.
type CompletionRequest struct {
	Stream            bool      `json:"stream"`
	IncrementalOutput bool      `json:"incremental_output"`
	ChatID            string    `json:"chat_id"`
	ChatMode          string    `json:"chat_mode"`
	Model             string    `json:"model"`
	ParentID          *string   `json:"parent_id"`
	Size              string    `json:"size,omitempty"` // aspect ratio, e.g. "16:9"
	Messages          []Message `json:"messages"`
	Timestamp         int64     `json:"timestamp"` // unix seconds
}

// Message is one turn inside the envelope. All messages of one envelope
// share the same timestamp, computed once per request.
type Message struct {
	FID         string           `json:"fid"`
	ParentID    *string          `json:"parentId"`
	ChildrenIDs []string         `json:"childrenIds"`
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	UserAction  string           `json:"user_action,omitempty"` // "chat" for user messages only
	Files       []FileDescriptor `json:"files"`
	Timestamp   int64            `json:"timestamp"`
	Models      []string         `json:"models"`
	ChatType    string           `json:"chat_type"`
	SubChatType string           `json:"sub_chat_type"`
	FeatureConfig FeatureConfig  `json:"feature_config"`
	Extra         MessageExtra   `json:"extra"`
}

type FeatureConfig struct {
	ThinkingEnabled bool   `json:"thinking_enabled"`
	OutputSchema    string `json:"output_schema"`
}

type MessageExtra struct {
	Meta MessageMeta `json:"meta"`
}

type MessageMeta struct {
	SubChatType string `json:"subChatType"`
}

// FileDescriptor describes an image attached by URL. Attachments are passed
// through, never re-uploaded, so size is 0 and no hash is set.
type FileDescriptor struct {
	Type         string `json:"type"`
	File         FileInner `json:"file"`
	ID           string `json:"id"`
	URL          string `json:"url"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	FileType     string `json:"file_type"`
	ShowType     string `json:"showType"`
	FileClass    string `json:"file_class"`
	UploadTaskID string `json:"uploadTaskId"`
	ItemID       string `json:"itemId"`
	Status       string `json:"status"`
}

type FileInner struct {
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Status    string `json:"status"`
}

// NewFileDescriptor synthesizes a pass-through image descriptor for a URL.
// Content type is guessed from the data-URL MIME or the URL extension.
func NewFileDescriptor(url string) FileDescriptor {
	now := time.Now()
	name := fmt.Sprintf("image_%d.png", now.UnixMilli())
	return FileDescriptor{
		Type: "image",
		File: FileInner{
			CreatedAt: now.UnixMilli(),
			Filename:  name,
			Size:      0,
			Status:    "uploaded",
		},
		ID:           uuid.NewString(),
		URL:          url,
		Name:         name,
		Size:         0,
		FileType:     GuessImageMIME(url),
		ShowType:     "image",
		FileClass:    "vision",
		UploadTaskID: uuid.NewString(),
		ItemID:       uuid.NewString(),
		Status:       "uploaded",
	}
}

// GuessImageMIME guesses the content type of an image reference.
func GuessImageMIME(url string) string {
	if strings.HasPrefix(url, "data:") {
		if i := strings.Index(url, ";"); i > len("data:") {
			return url[len("data:"):i]
		}
		return "image/png"
	}
	// Strip query string before looking at the extension.
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	switch strings.ToLower(path.Ext(url)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".svg":
		return "image/svg+xml"
	default:
		return "image/png"
	}
}

// --- Upstream SSE event payload ---

// StreamEvent is one data frame of the upstream completion stream. The delta
// carries a phase marker ("thinking", "answer", "tool_use", ...) alongside
// the content fragment.
type StreamEvent struct {
	Choices []StreamEventChoice `json:"choices"`
	Usage   *StreamUsage        `json:"usage,omitempty"`
}

type StreamEventChoice struct {
	Delta        StreamEventDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type StreamEventDelta struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Status    string            `json:"status,omitempty"`
	ToolCalls []openai.ToolCall `json:"tool_calls,omitempty"`
}

type StreamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// --- Model catalogue ---

type ModelInfo struct {
	ID   string        `json:"id"`
	Name string        `json:"name"`
	Info ModelInfoMeta `json:"info"`
}

type ModelInfoMeta struct {
	Meta ModelMeta `json:"meta"`
}

type ModelMeta struct {
	Capabilities ModelCapabilities `json:"capabilities"`
	ChatType     []string          `json:"chat_type"`
}

type ModelCapabilities struct {
	Thinking bool `json:"thinking"`
	Vision   bool `json:"vision"`
}

type modelsResponse struct {
	Data []ModelInfo `json:"data"`
}

// --- Chat housekeeping ---

type ChatSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updated_at"`
}

type chatsResponse struct {
	Data []ChatSummary `json:"data"`
}

// --- Token refresh ---

type authResponse struct {
	Token string `json:"token"`
}

// EnvelopeChatType converts the domain chat type for the wire.
func EnvelopeChatType(ct entity.ChatType) string { return string(ct) }
