package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/application/usecase"
	"github.com/qwenbridge/gateway/internal/domain/entity"
	"github.com/qwenbridge/gateway/internal/infrastructure/openai"
	"github.com/qwenbridge/gateway/internal/infrastructure/qwen"
	"github.com/qwenbridge/gateway/internal/infrastructure/translate"
)

type mockCatalogue struct {
	infos []qwen.ModelInfo
	err   error
}

func (m *mockCatalogue) Models(ctx context.Context, ident *entity.Identity) ([]qwen.ModelInfo, error) {
	return m.infos, m.err
}

type mockIdentities struct{ ident *entity.Identity }

func (m *mockIdentities) Acquire() *entity.Identity        { return m.ident }
func (m *mockIdentities) MarkSuccess(id string)            {}
func (m *mockIdentities) MarkFailure(id string, err error) {}

type mockUpstream struct{ body string }

func (m *mockUpstream) Completions(ctx context.Context, ident *entity.Identity, chatID string, env *qwen.CompletionRequest, fallbackUsed bool) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(m.body)),
	}, nil
}

type mockTranslator struct{}

func (m *mockTranslator) Translate(ctx context.Context, req *openai.ChatCompletionRequest, ident *entity.Identity) (*translate.Result, error) {
	return &translate.Result{
		Envelope: &qwen.CompletionRequest{ChatID: "chat-1"},
		ChatID:   "chat-1",
		Model:    "qwen3-max",
	}, nil
}

func modelInfo(id string, thinking bool, chatTypes ...string) qwen.ModelInfo {
	mi := qwen.ModelInfo{ID: id}
	mi.Info.Meta.Capabilities.Thinking = thinking
	mi.Info.Meta.ChatType = chatTypes
	return mi
}

func TestSynthesizeModels(t *testing.T) {
	out := synthesizeModels([]qwen.ModelInfo{
		modelInfo("qwen3-max", true, "t2t", "search"),
		modelInfo("qwen3-image", false, "t2i"),
		modelInfo("qwen3-edit", false, "image_edit"),
	})

	ids := make(map[string]bool)
	for _, m := range out {
		ids[m.ID] = true
	}
	for _, want := range []string{
		"qwen3-max", "qwen3-max-thinking", "qwen3-max-search",
		"qwen3-image", "qwen3-image-image", "qwen3-image-image_edit",
		"qwen3-edit", "qwen3-edit-image_edit",
	} {
		if !ids[want] {
			t.Fatalf("missing %s in %v", want, ids)
		}
	}
	if ids["qwen3-max-image"] {
		t.Fatal("t2t model must not grow an -image variant")
	}
	// image_edit added once even though both branches could emit it.
	count := 0
	for _, m := range out {
		if m.ID == "qwen3-image-image_edit" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("duplicate -image_edit entries: %d", count)
	}
}

func modelsRouter(h *OpenAIHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/models", h.ListModels)
	r.POST("/v1/chat/completions", h.ChatCompletions)
	return r
}

func TestListModelsFallbackOnError(t *testing.T) {
	h := NewOpenAIHandler(nil,
		&mockCatalogue{err: errors.New("down")},
		&mockIdentities{ident: entity.NewIdentity("a", "t", "")},
		zap.NewNop())

	w := httptest.NewRecorder()
	modelsRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "qwen3-max") {
		t.Fatalf("static fallback missing: %s", body)
	}
}

func TestListModelsEmptyCatalogueFallsBack(t *testing.T) {
	h := NewOpenAIHandler(nil,
		&mockCatalogue{},
		&mockIdentities{ident: entity.NewIdentity("a", "t", "")},
		zap.NewNop())

	w := httptest.NewRecorder()
	modelsRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if !strings.Contains(w.Body.String(), "qwen3-vl-plus") {
		t.Fatalf("empty catalogue must yield static list: %s", w.Body.String())
	}
}

const happySSE = "data: {\"choices\":[{\"delta\":{\"content\":\"hi\",\"phase\":\"answer\"}}]}\n\ndata: [DONE]\n\n"

func newStreamingHandler() *OpenAIHandler {
	uc := usecase.NewCompletionUsecase(
		&mockIdentities{ident: entity.NewIdentity("a", "t", "")},
		&mockUpstream{body: happySSE},
		&mockTranslator{},
		zap.NewNop(),
	)
	return NewOpenAIHandler(uc, &mockCatalogue{}, &mockIdentities{}, zap.NewNop())
}

func TestChatCompletionsStreaming(t *testing.T) {
	h := newStreamingHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"qwen3-max","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	modelsRouter(h).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("wrong content type: %s", ct)
	}

	body := w.Body.String()
	if strings.Count(body, "data: [DONE]") != 1 {
		t.Fatalf("exactly one [DONE] expected:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Fatalf("[DONE] must be the final frame:\n%s", body)
	}
	roleIdx := strings.Index(body, `"role":"assistant"`)
	contentIdx := strings.Index(body, `"content":"hi"`)
	if roleIdx < 0 || contentIdx < 0 || roleIdx > contentIdx {
		t.Fatalf("role chunk must precede content:\n%s", body)
	}
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	h := newStreamingHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"qwen3-max","messages":[{"role":"user","content":"hi"}],"stream":false}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	modelsRouter(h).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"object":"chat.completion"`) || !strings.Contains(body, `"content":"hi"`) {
		t.Fatalf("unexpected completion body: %s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Fatalf("JSON mode must not emit SSE frames: %s", body)
	}
}

func TestChatCompletionsBadJSON(t *testing.T) {
	h := newStreamingHandler()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{nope"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	modelsRouter(h).ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d", w.Code)
	}
}
