package stream

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/infrastructure/openai"
	"github.com/qwenbridge/gateway/internal/infrastructure/qwen"
)

func event(content, phase string) qwen.StreamEvent {
	return qwen.StreamEvent{Choices: []qwen.StreamEventChoice{{
		Delta: qwen.StreamEventDelta{Content: content, Phase: phase},
	}}}
}

func collectContent(chunks []openai.StreamChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if len(c.Choices) > 0 {
			b.WriteString(c.Choices[0].Delta.Content)
		}
	}
	return b.String()
}

func TestTranslatorRoleFirst(t *testing.T) {
	tr := NewTranslator("m", zap.NewNop())

	chunks := tr.Translate(event("hello", "answer"))
	if len(chunks) != 2 {
		t.Fatalf("expected role chunk then content chunk, got %d", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" || chunks[0].Choices[0].Delta.Content != "" {
		t.Fatalf("first chunk must be a bare role delta: %+v", chunks[0])
	}
	if chunks[1].Choices[0].Delta.Content != "hello" {
		t.Fatalf("second chunk must carry content: %+v", chunks[1])
	}

	// Role is emitted once per response.
	chunks = tr.Translate(event("world", "answer"))
	if len(chunks) != 1 || chunks[0].Choices[0].Delta.Role != "" {
		t.Fatalf("role must not repeat: %+v", chunks)
	}
}

func TestTranslatorThinkWrapping(t *testing.T) {
	tr := NewTranslator("m", zap.NewNop())

	var all []openai.StreamChunk
	all = append(all, tr.Translate(event("pondering", "thinking"))...)
	all = append(all, tr.Translate(event(" more", "thinking"))...)
	all = append(all, tr.Translate(event("the answer", "answer"))...)
	all = append(all, tr.Finish()...)

	got := collectContent(all)
	want := "<think>pondering more</think>the answer"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTranslatorDanglingThinkClosedOnFinish(t *testing.T) {
	tr := NewTranslator("m", zap.NewNop())

	var all []openai.StreamChunk
	all = append(all, tr.Translate(event("only thoughts", "thinking"))...)
	all = append(all, tr.Finish()...)

	got := collectContent(all)
	if got != "<think>only thoughts</think>" {
		t.Fatalf("dangling think block must be closed, got %q", got)
	}

	last := all[len(all)-1]
	fr := last.Choices[0].FinishReason
	if fr == nil || *fr != "stop" {
		t.Fatalf("final chunk must carry finish_reason stop: %+v", last)
	}
}

func TestTranslatorUnknownPhaseIsAnswer(t *testing.T) {
	tr := NewTranslator("m", zap.NewNop())

	var all []openai.StreamChunk
	all = append(all, tr.Translate(event("think", "thinking"))...)
	all = append(all, tr.Translate(event("output", "some_future_phase"))...)

	got := collectContent(all)
	if got != "<think>think</think>output" {
		t.Fatalf("unknown phase must close think and pass through, got %q", got)
	}
}

func TestTranslatorLengthFinish(t *testing.T) {
	tr := NewTranslator("m", zap.NewNop())

	ev := qwen.StreamEvent{Choices: []qwen.StreamEventChoice{{
		Delta: qwen.StreamEventDelta{Content: "truncated out", Status: "length_exceeded"},
	}}}
	tr.Translate(ev)

	chunks := tr.Finish()
	fr := chunks[len(chunks)-1].Choices[0].FinishReason
	if fr == nil || *fr != "length" {
		t.Fatalf("expected finish_reason length, got %v", fr)
	}
}

func TestTranslatorMalformedFrameSkipped(t *testing.T) {
	tr := NewTranslator("m", zap.NewNop())
	if chunks := tr.TranslateData("{not json"); chunks != nil {
		t.Fatalf("malformed frame must yield nothing, got %+v", chunks)
	}
	// The stream continues afterwards.
	if chunks := tr.TranslateData(`{"choices":[{"delta":{"content":"ok","phase":"answer"}}]}`); collectContent(chunks) != "ok" {
		t.Fatalf("stream must survive a bad frame: %+v", chunks)
	}
}

func TestTranslatorSyntheticError(t *testing.T) {
	tr := NewTranslator("m", zap.NewNop())
	tr.Translate(event("partial", "thinking"))

	chunks := tr.SyntheticError("boom")
	got := collectContent(chunks)
	if !strings.Contains(got, "</think>") || !strings.Contains(got, "boom") {
		t.Fatalf("synthetic error must close think and carry the message: %q", got)
	}
	fr := chunks[len(chunks)-1].Choices[0].FinishReason
	if fr == nil || *fr != "stop" {
		t.Fatalf("synthetic error must end with finish_reason stop: %v", fr)
	}
}

func TestTranslatorStableChunkIdentity(t *testing.T) {
	tr := NewTranslator("my-model", zap.NewNop())
	chunks := tr.Translate(event("x", "answer"))
	for _, c := range chunks {
		if c.ID != tr.ID() || c.Model != "my-model" || c.Object != "chat.completion.chunk" {
			t.Fatalf("chunk identity fields wrong: %+v", c)
		}
	}
}
