package stream

import (
	"context"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/infrastructure/openai"
)

// Aggregation is the collapsed form of one upstream stream, used for
// non-streaming completions.
type Aggregation struct {
	Content      string
	ToolCalls    []openai.ToolCall
	FinishReason string
}

// toolCallAccumulator merges tool-call fragments across chunks per OpenAI's
// accumulation rules: fragments group by index, arguments concatenate.
type toolCallAccumulator struct {
	id   string
	name string
	typ  string
	args strings.Builder
}

// Aggregate drains an upstream SSE body through the same translator the
// streaming path uses, so both paths produce identical final content. A
// dropped connection yields whatever was collected with finish_reason "stop".
func Aggregate(ctx context.Context, r io.Reader, model string, logger *zap.Logger) (*Aggregation, error) {
	tr := NewTranslator(model, logger)
	sc := NewScanner(r)

	var content strings.Builder
	calls := make(map[int]*toolCallAccumulator)

	collect := func(chunks []openai.StreamChunk) {
		for _, ch := range chunks {
			if len(ch.Choices) == 0 {
				continue
			}
			delta := ch.Choices[0].Delta
			content.WriteString(delta.Content)
			for _, tc := range delta.ToolCalls {
				acc, ok := calls[tc.Index]
				if !ok {
					acc = &toolCallAccumulator{}
					calls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Type != "" {
					acc.typ = tc.Type
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if sc.Data() == DoneSentinel {
			break
		}
		collect(tr.TranslateData(sc.Data()))
	}
	if err := sc.Err(); err != nil {
		logger.Warn("Upstream stream ended abnormally, returning partial aggregation",
			zap.Error(err))
	}
	collect(tr.Finish())

	agg := &Aggregation{
		Content:      content.String(),
		FinishReason: tr.FinishReason(),
	}

	indices := make([]int, 0, len(calls))
	for idx := range calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		acc := calls[idx]
		typ := acc.typ
		if typ == "" {
			typ = "function"
		}
		agg.ToolCalls = append(agg.ToolCalls, openai.ToolCall{
			Index:    idx,
			ID:       acc.id,
			Type:     typ,
			Function: openai.ToolCallFunc{Name: acc.name, Arguments: acc.args.String()},
		})
	}
	return agg, nil
}
