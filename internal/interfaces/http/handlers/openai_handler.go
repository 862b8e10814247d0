package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/application/usecase"
	"github.com/qwenbridge/gateway/internal/domain/entity"
	"github.com/qwenbridge/gateway/internal/infrastructure/openai"
	"github.com/qwenbridge/gateway/internal/infrastructure/qwen"
	"github.com/qwenbridge/gateway/internal/infrastructure/stream"
	"github.com/qwenbridge/gateway/internal/interfaces/http/middleware"
	apperrors "github.com/qwenbridge/gateway/pkg/errors"
)

const (
	// maxBodyBytes bounds the request body; vision requests carry inline
	// data URLs, so the limit is generous.
	maxBodyBytes = 50 << 20

	// keepAliveInterval is how long the downstream SSE may sit idle before a
	// comment frame is sent to hold the connection open.
	keepAliveInterval = 15 * time.Second

	modelCacheTTL = 5 * time.Minute
)

// staticModels keeps /v1/models usable when the upstream catalogue is
// unreachable or empty.
var staticModels = []string{
	"qwen3-max",
	"qwen3-coder-plus",
	"qwen3-vl-plus",
	"qwen-max-latest",
	"qwen-plus",
}

// ModelSource fetches the upstream model catalogue.
type ModelSource interface {
	Models(ctx context.Context, ident *entity.Identity) ([]qwen.ModelInfo, error)
}

// IdentitySource yields an identity for catalogue calls in server mode.
type IdentitySource interface {
	Acquire() *entity.Identity
}

// OpenAIHandler implements the OpenAI-compatible surface: chat completions
// and the models listing.
type OpenAIHandler struct {
	completions *usecase.CompletionUsecase
	catalogue   ModelSource
	identities  IdentitySource
	logger      *zap.Logger

	mu       sync.Mutex
	cached   []openai.Model
	cachedAt time.Time
}

func NewOpenAIHandler(completions *usecase.CompletionUsecase, catalogue ModelSource, identities IdentitySource, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{
		completions: completions,
		catalogue:   catalogue,
		identities:  identities,
		logger:      logger.With(zap.String("component", "openai-handler")),
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewBadRequestError("invalid request body: "+err.Error()))
		return
	}

	ident := middleware.RequestIdentity(c)

	if req.WantsStream() {
		h.handleStream(c, &req, ident)
		return
	}

	resp, err := h.completions.Execute(c.Request.Context(), &req, ident)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleStream pipes translated chunks to the client as SSE. Headers go out
// only after the upstream dialogue is established, so pre-stream failures
// still produce a JSON error with a real status code.
func (h *OpenAIHandler) handleStream(c *gin.Context, req *openai.ChatCompletionRequest, ident *entity.Identity) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	chunks, err := h.completions.Stream(ctx, req, ident)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	fin := stream.NewFinisher()
	writeDone := func() {
		io.WriteString(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	}
	defer fin.Do(writeDone)

	keepAlive := time.NewTimer(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			h.writeChunk(c, chunk)
			if !keepAlive.Stop() {
				select {
				case <-keepAlive.C:
				default:
				}
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			// Comment frame, invisible to SSE consumers.
			io.WriteString(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
			keepAlive.Reset(keepAliveInterval)
		case <-ctx.Done():
			// Client hung up; cancel tears down the upstream read.
			return
		}
	}
}

func (h *OpenAIHandler) writeChunk(c *gin.Context, chunk openai.StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		h.logger.Error("Failed to marshal SSE chunk", zap.Error(err))
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

// ListModels handles GET /v1/models: the upstream catalogue, expanded with
// one synthetic entry per feature suffix the model supports.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	if models := h.cachedModels(); models != nil {
		c.JSON(http.StatusOK, openai.ModelsResponse{Object: "list", Data: models})
		return
	}

	ident := middleware.RequestIdentity(c)
	if ident == nil {
		ident = h.identities.Acquire()
	}

	var models []openai.Model
	if ident != nil {
		infos, err := h.catalogue.Models(c.Request.Context(), ident)
		if err != nil {
			h.logger.Warn("Model catalogue fetch failed, using static list", zap.Error(err))
		}
		models = synthesizeModels(infos)
	}
	if len(models) == 0 {
		models = fallbackModels()
	} else {
		h.storeModels(models)
	}

	c.JSON(http.StatusOK, openai.ModelsResponse{Object: "list", Data: models})
}

func (h *OpenAIHandler) cachedModels() []openai.Model {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cached != nil && time.Since(h.cachedAt) < modelCacheTTL {
		return h.cached
	}
	return nil
}

func (h *OpenAIHandler) storeModels(models []openai.Model) {
	h.mu.Lock()
	h.cached = models
	h.cachedAt = time.Now()
	h.mu.Unlock()
}

// synthesizeModels expands each catalogue entry with the suffixed variants
// its capabilities allow.
func synthesizeModels(infos []qwen.ModelInfo) []openai.Model {
	now := openai.Now()
	var out []openai.Model
	add := func(id string) {
		out = append(out, openai.Model{ID: id, Object: "model", Created: now, OwnedBy: "qwen"})
	}

	for _, m := range infos {
		if m.ID == "" {
			continue
		}
		add(m.ID)
		if m.Info.Meta.Capabilities.Thinking {
			add(m.ID + "-thinking")
		}
		types := m.Info.Meta.ChatType
		if containsString(types, "search") {
			add(m.ID + "-search")
		}
		editAdded := false
		if containsString(types, "t2i") {
			add(m.ID + "-image")
			add(m.ID + "-image_edit")
			editAdded = true
		}
		if containsString(types, "image_edit") && !editAdded {
			add(m.ID + "-image_edit")
		}
	}
	return out
}

func fallbackModels() []openai.Model {
	now := openai.Now()
	out := make([]openai.Model, 0, len(staticModels))
	for _, id := range staticModels {
		out = append(out, openai.Model{ID: id, Object: "model", Created: now, OwnedBy: "qwen"})
	}
	return out
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// writeError answers with the taxonomy-mapped status and the standard error
// body shape.
func writeError(c *gin.Context, err error) {
	appErr := apperrors.As(err)
	c.JSON(appErr.HTTPStatus(), gin.H{
		"error":     appErr.Message,
		"details":   string(appErr.Code),
		"requestId": uuid.NewString(),
	})
}
