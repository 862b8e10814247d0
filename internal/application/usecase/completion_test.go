package usecase

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/domain/entity"
	"github.com/qwenbridge/gateway/internal/infrastructure/openai"
	"github.com/qwenbridge/gateway/internal/infrastructure/qwen"
	"github.com/qwenbridge/gateway/internal/infrastructure/translate"
	apperrors "github.com/qwenbridge/gateway/pkg/errors"
)

// mockPool hands out identities round-robin and records marks.
type mockPool struct {
	identities []*entity.Identity
	next       int
	successes  []string
	failures   []string
}

func (m *mockPool) Acquire() *entity.Identity {
	if len(m.identities) == 0 {
		return nil
	}
	ident := m.identities[m.next%len(m.identities)]
	m.next++
	snap := *ident
	return &snap
}

func (m *mockPool) MarkSuccess(id string)            { m.successes = append(m.successes, id) }
func (m *mockPool) MarkFailure(id string, err error) { m.failures = append(m.failures, id) }

// mockUpstream replays a scripted sequence of responses or errors.
type mockUpstream struct {
	script []func() (*http.Response, error)
	calls  int
}

func (m *mockUpstream) Completions(ctx context.Context, ident *entity.Identity, chatID string, env *qwen.CompletionRequest, fallbackUsed bool) (*http.Response, error) {
	if m.calls >= len(m.script) {
		panic("unexpected upstream call")
	}
	step := m.script[m.calls]
	m.calls++
	return step()
}

type mockTranslator struct {
	err   error
	calls int
}

func (m *mockTranslator) Translate(ctx context.Context, req *openai.ChatCompletionRequest, ident *entity.Identity) (*translate.Result, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &translate.Result{
		Envelope: &qwen.CompletionRequest{ChatID: "chat-1"},
		ChatID:   "chat-1",
		Model:    "qwen3-max",
	}, nil
}

func sseResponse(body string) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

// brokenBody fails after yielding its prefix, like a dropped connection.
type brokenBody struct {
	r    io.Reader
	done bool
}

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF && !b.done {
		b.done = true
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *brokenBody) Close() error { return nil }

func upstreamError(status int) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		return nil, apperrors.NewUpstreamError(status, "upstream said no")
	}
}

func poolOf(ids ...string) *mockPool {
	p := &mockPool{}
	for _, id := range ids {
		p.identities = append(p.identities, entity.NewIdentity(id, "tok", ""))
	}
	return p
}

func streamRequest() *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{Model: "qwen3-max"}
}

func drain(t *testing.T, ch <-chan openai.StreamChunk) []openai.StreamChunk {
	t.Helper()
	var out []openai.StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

const happyStream = "data: {\"choices\":[{\"delta\":{\"content\":\"hel\",\"phase\":\"answer\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo\",\"phase\":\"answer\"}}]}\n\n" +
	"data: [DONE]\n\n"

func TestStreamHappyPath(t *testing.T) {
	pool := poolOf("a")
	uc := NewCompletionUsecase(pool, &mockUpstream{script: []func() (*http.Response, error){sseResponse(happyStream)}}, &mockTranslator{}, zap.NewNop())

	ch, err := uc.Stream(context.Background(), streamRequest(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := drain(t, ch)

	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Fatalf("first chunk must carry the role: %+v", chunks[0])
	}
	var content strings.Builder
	for _, c := range chunks {
		content.WriteString(c.Choices[0].Delta.Content)
	}
	if content.String() != "hello" {
		t.Fatalf("content = %q", content.String())
	}
	last := chunks[len(chunks)-1]
	if fr := last.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Fatalf("missing terminal finish_reason: %+v", last)
	}
	if len(pool.successes) != 1 || pool.successes[0] != "a" {
		t.Fatalf("clean completion must mark success: %+v", pool.successes)
	}
}

func TestStreamFailover(t *testing.T) {
	pool := poolOf("a", "b")
	up := &mockUpstream{script: []func() (*http.Response, error){
		upstreamError(http.StatusInternalServerError),
		sseResponse(happyStream),
	}}
	uc := NewCompletionUsecase(pool, up, &mockTranslator{}, zap.NewNop())

	ch, err := uc.Stream(context.Background(), streamRequest(), nil)
	if err != nil {
		t.Fatalf("failover should have succeeded: %v", err)
	}
	drain(t, ch)

	if len(pool.failures) != 1 || pool.failures[0] != "a" {
		t.Fatalf("first identity must be marked failed: %+v", pool.failures)
	}
	if len(pool.successes) != 1 || pool.successes[0] != "b" {
		t.Fatalf("second identity must be marked successful: %+v", pool.successes)
	}
}

func TestStreamRetryBudgetExhausted(t *testing.T) {
	pool := poolOf("a", "b", "c", "d")
	up := &mockUpstream{script: []func() (*http.Response, error){
		upstreamError(500), upstreamError(500), upstreamError(500),
	}}
	uc := NewCompletionUsecase(pool, up, &mockTranslator{}, zap.NewNop())

	_, err := uc.Stream(context.Background(), streamRequest(), nil)
	if err == nil {
		t.Fatal("expected failure after retry budget")
	}
	// First attempt plus two retries.
	if up.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", up.calls)
	}
	if len(pool.failures) != 3 {
		t.Fatalf("every attempt must mark a failure: %+v", pool.failures)
	}
}

func TestStreamBadRequestNoRetry(t *testing.T) {
	pool := poolOf("a", "b")
	tr := &mockTranslator{err: apperrors.NewBadRequestError("no messages")}
	uc := NewCompletionUsecase(pool, &mockUpstream{}, tr, zap.NewNop())

	_, err := uc.Stream(context.Background(), streamRequest(), nil)
	if !apperrors.IsBadRequest(err) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if tr.calls != 1 {
		t.Fatalf("bad input must not burn retries, got %d attempts", tr.calls)
	}
	if len(pool.failures) != 0 {
		t.Fatalf("bad input must not mark identities: %+v", pool.failures)
	}
}

func TestStreamMidStreamFailureSynthesizesError(t *testing.T) {
	pool := poolOf("a")
	partial := "data: {\"choices\":[{\"delta\":{\"content\":\"par\",\"phase\":\"answer\"}}]}\n\n"
	up := &mockUpstream{script: []func() (*http.Response, error){
		func() (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       &brokenBody{r: strings.NewReader(partial)},
			}, nil
		},
	}}
	uc := NewCompletionUsecase(pool, up, &mockTranslator{}, zap.NewNop())

	ch, err := uc.Stream(context.Background(), streamRequest(), nil)
	if err != nil {
		t.Fatalf("headers were fine, stream must start: %v", err)
	}
	chunks := drain(t, ch)

	last := chunks[len(chunks)-1]
	if fr := last.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Fatalf("synthetic error must end with finish_reason stop: %+v", last)
	}
	found := false
	for _, c := range chunks {
		if strings.Contains(c.Choices[0].Delta.Content, "error") {
			found = true
		}
	}
	if !found {
		t.Fatal("error message must ride in delta.content")
	}
	if len(pool.failures) != 1 {
		t.Fatalf("mid-stream failure must mark the identity: %+v", pool.failures)
	}
	if len(pool.successes) != 0 {
		t.Fatalf("broken stream must not mark success: %+v", pool.successes)
	}
}

func TestStreamEmptyPool(t *testing.T) {
	uc := NewCompletionUsecase(&mockPool{}, &mockUpstream{}, &mockTranslator{}, zap.NewNop())
	_, err := uc.Stream(context.Background(), streamRequest(), nil)
	appErr := apperrors.As(err)
	if appErr.Code != apperrors.CodeUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got %v", err)
	}
}

func TestStreamProvidedIdentityNoPool(t *testing.T) {
	pool := poolOf("a")
	up := &mockUpstream{script: []func() (*http.Response, error){sseResponse(happyStream)}}
	uc := NewCompletionUsecase(pool, up, &mockTranslator{}, zap.NewNop())

	ident := entity.NewIdentity("client", "tok", "")
	ch, err := uc.Stream(context.Background(), streamRequest(), ident)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(t, ch)

	if pool.next != 0 {
		t.Fatal("client-provided identity must bypass the pool")
	}
	if len(pool.successes) != 0 && len(pool.failures) != 0 {
		t.Fatal("client-provided identity must not touch pool bookkeeping")
	}
}

func TestStreamProvidedIdentitySingleAttempt(t *testing.T) {
	up := &mockUpstream{script: []func() (*http.Response, error){upstreamError(500)}}
	uc := NewCompletionUsecase(poolOf("a"), up, &mockTranslator{}, zap.NewNop())

	_, err := uc.Stream(context.Background(), streamRequest(), entity.NewIdentity("client", "tok", ""))
	if err == nil {
		t.Fatal("expected error")
	}
	if up.calls != 1 {
		t.Fatalf("client mode has no failover, got %d attempts", up.calls)
	}
}

func TestExecuteAggregates(t *testing.T) {
	pool := poolOf("a")
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"think\",\"phase\":\"thinking\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"final answer\",\"phase\":\"answer\"}}]}\n\n" +
		"data: [DONE]\n\n"
	up := &mockUpstream{script: []func() (*http.Response, error){sseResponse(body)}}
	uc := NewCompletionUsecase(pool, up, &mockTranslator{}, zap.NewNop())

	resp, err := uc.Execute(context.Background(), streamRequest(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
	// Aggregation runs through the same translator as streaming, so the
	// think wrapping appears here too.
	want := "<think>think</think>final answer"
	if resp.Choices[0].Message.Content != want {
		t.Fatalf("content = %q, want %q", resp.Choices[0].Message.Content, want)
	}
	if resp.Object != "chat.completion" || resp.Model != "qwen3-max" {
		t.Fatalf("response header wrong: %+v", resp)
	}
	if len(pool.successes) != 1 {
		t.Fatalf("clean aggregation must mark success: %+v", pool.successes)
	}
}
