package stream

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/infrastructure/openai"
	"github.com/qwenbridge/gateway/internal/infrastructure/qwen"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Translator converts the upstream's phase-tagged stream into OpenAI chunk
// deltas. Thinking-phase text is wrapped in <think>…</think> on the outgoing
// stream; unknown phases are treated as answer text. One Translator serves
// one response and is not safe for concurrent use.
type Translator struct {
	id      string
	model   string
	created int64

	roleSent     bool
	thinkingOpen bool
	finishReason string
	logger       *zap.Logger
}

// NewTranslator starts a fresh response translation for the given
// client-facing model name.
func NewTranslator(model string, logger *zap.Logger) *Translator {
	return &Translator{
		id:      openai.NewCompletionID(),
		model:   model,
		created: openai.Now(),
		logger:  logger,
	}
}

// ID returns the chatcmpl id used for every chunk of this response.
func (t *Translator) ID() string { return t.id }

// TranslateData parses one SSE payload and translates it. Malformed frames
// are logged and skipped; the stream never aborts on a bad frame.
func (t *Translator) TranslateData(data string) []openai.StreamChunk {
	var ev qwen.StreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.logger.Debug("Skip unparseable SSE frame", zap.Error(err))
		return nil
	}
	return t.Translate(ev)
}

// Translate converts one upstream event into zero or more OpenAI chunks.
// The initial role delta is emitted once, before any content delta.
func (t *Translator) Translate(ev qwen.StreamEvent) []openai.StreamChunk {
	if len(ev.Choices) == 0 {
		return nil
	}
	delta := ev.Choices[0].Delta

	if fr := ev.Choices[0].FinishReason; fr != nil && *fr != "" {
		t.finishReason = *fr
	}
	if delta.Status == "length_exceeded" || delta.Status == "truncated" {
		t.finishReason = "length"
	}

	var chunks []openai.StreamChunk
	hasPayload := delta.Content != "" || len(delta.ToolCalls) > 0
	if hasPayload && !t.roleSent {
		t.roleSent = true
		chunks = append(chunks, t.chunk(openai.StreamDelta{Role: "assistant"}, nil))
	}

	if delta.Content != "" {
		content := delta.Content
		switch delta.Phase {
		case "thinking":
			if !t.thinkingOpen {
				t.thinkingOpen = true
				content = thinkOpen + content
			}
		default:
			// answer, tool_use, and anything the upstream invents later.
			if t.thinkingOpen {
				t.thinkingOpen = false
				content = thinkClose + content
			}
		}
		chunks = append(chunks, t.chunk(openai.StreamDelta{Content: content}, nil))
	} else if delta.Phase != "" && delta.Phase != "thinking" && t.thinkingOpen {
		// Phase transition with no content still closes the think block.
		t.thinkingOpen = false
		chunks = append(chunks, t.chunk(openai.StreamDelta{Content: thinkClose}, nil))
	}

	if len(delta.ToolCalls) > 0 {
		chunks = append(chunks, t.chunk(openai.StreamDelta{ToolCalls: delta.ToolCalls}, nil))
	}

	return chunks
}

// Finish emits the terminal chunks: a dangling think block is closed, then a
// finish_reason chunk. Safe to call once per response; the caller's Finisher
// guards against double completion.
func (t *Translator) Finish() []openai.StreamChunk {
	var chunks []openai.StreamChunk
	if t.thinkingOpen {
		t.thinkingOpen = false
		chunks = append(chunks, t.chunk(openai.StreamDelta{Content: thinkClose}, nil))
	}
	reason := t.FinishReason()
	chunks = append(chunks, t.chunk(openai.StreamDelta{}, &reason))
	return chunks
}

// SyntheticError builds the single error chunk used when the upstream fails
// after response headers already went out: the message rides in
// delta.content with finish_reason "stop", keeping the SSE well-formed.
func (t *Translator) SyntheticError(message string) []openai.StreamChunk {
	var chunks []openai.StreamChunk
	if !t.roleSent {
		t.roleSent = true
		chunks = append(chunks, t.chunk(openai.StreamDelta{Role: "assistant"}, nil))
	}
	if t.thinkingOpen {
		t.thinkingOpen = false
		chunks = append(chunks, t.chunk(openai.StreamDelta{Content: thinkClose}, nil))
	}
	stop := "stop"
	chunks = append(chunks, t.chunk(openai.StreamDelta{Content: message}, nil))
	chunks = append(chunks, t.chunk(openai.StreamDelta{}, &stop))
	return chunks
}

// FinishReason normalizes the upstream's terminal signal: "length" on
// truncation, "stop" otherwise.
func (t *Translator) FinishReason() string {
	if t.finishReason == "length" {
		return "length"
	}
	return "stop"
}

func (t *Translator) chunk(delta openai.StreamDelta, finish *string) openai.StreamChunk {
	return openai.NewChunk(t.id, t.model, t.created, delta, finish)
}
