package stream

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestAggregateContentAndFinish(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"a\",\"phase\":\"answer\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\",\"phase\":\"answer\"}}]}\n\n" +
		"data: [DONE]\n\n"

	agg, err := Aggregate(context.Background(), strings.NewReader(body), "m", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.Content != "ab" || agg.FinishReason != "stop" {
		t.Fatalf("unexpected aggregation: %+v", agg)
	}
}

func TestAggregateMatchesStreamingTranslation(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hm\",\"phase\":\"thinking\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"done\",\"phase\":\"answer\"}}]}\n\n" +
		"data: [DONE]\n\n"

	agg, err := Aggregate(context.Background(), strings.NewReader(body), "m", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same translator as the streaming path, so the wrapping is identical.
	tr := NewTranslator("m", zap.NewNop())
	var streamed strings.Builder
	for _, data := range []string{
		`{"choices":[{"delta":{"content":"hm","phase":"thinking"}}]}`,
		`{"choices":[{"delta":{"content":"done","phase":"answer"}}]}`,
	} {
		streamed.WriteString(collectContent(tr.TranslateData(data)))
	}
	streamed.WriteString(collectContent(tr.Finish()))

	if agg.Content != streamed.String() {
		t.Fatalf("aggregate %q != streamed %q", agg.Content, streamed.String())
	}
}

func TestAggregateMergesToolCalls(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"phase\":\"tool_use\",\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"type\":\"function\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"{\\\"ci\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"phase\":\"tool_use\",\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"ty\\\":\\\"SH\\\"}\"}}]}}]}\n\n" +
		"data: [DONE]\n\n"

	agg, err := Aggregate(context.Background(), strings.NewReader(body), "m", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agg.ToolCalls) != 1 {
		t.Fatalf("expected one merged call, got %d", len(agg.ToolCalls))
	}
	tc := agg.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "get_weather" {
		t.Fatalf("call identity lost: %+v", tc)
	}
	if tc.Function.Arguments != `{"city":"SH"}` {
		t.Fatalf("arguments must concatenate across chunks: %q", tc.Function.Arguments)
	}
}

func TestAggregatePartialOnBrokenStream(t *testing.T) {
	// No [DONE], reader just ends: partial content is still returned.
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\",\"phase\":\"answer\"}}]}\n\n"
	agg, err := Aggregate(context.Background(), strings.NewReader(body), "m", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.Content != "partial" {
		t.Fatalf("partial content lost: %+v", agg)
	}
}
