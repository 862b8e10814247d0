package openai

import (
	"time"

	"github.com/google/uuid"

	"github.com/qwenbridge/gateway/internal/domain/valueobject"
)

// --- OpenAI Chat Completions API Types (downstream surface) ---
// These types represent the OpenAI chat completions API format as clients
// send it to us and as we answer.

type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	// Stream defaults to true; only an explicit false disables streaming.
	Stream *bool  `json:"stream,omitempty"`
	Size   string `json:"size,omitempty"` // image generation, "WxH"
	User   string `json:"user,omitempty"`
}

// WantsStream reports the effective streaming choice.
func (r *ChatCompletionRequest) WantsStream() bool {
	return r.Stream == nil || *r.Stream
}

type ChatMessage struct {
	Role    string                     `json:"role"`
	Content valueobject.MessageContent `json:"content"`
}

type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Streaming chunk types ---

type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type StreamDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"` // JSON string, accumulated across chunks
}

// --- Models listing ---

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// NewCompletionID mints a fresh "chatcmpl-"-prefixed id.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// NewChunk builds a single-choice chunk skeleton with the given delta.
func NewChunk(id, model string, created int64, delta StreamDelta, finish *string) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// Now is the chunk timestamp source, swappable in tests.
var Now = func() int64 { return time.Now().Unix() }
