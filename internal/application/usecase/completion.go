package usecase

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/domain/entity"
	"github.com/qwenbridge/gateway/internal/infrastructure/openai"
	"github.com/qwenbridge/gateway/internal/infrastructure/qwen"
	"github.com/qwenbridge/gateway/internal/infrastructure/stream"
	"github.com/qwenbridge/gateway/internal/infrastructure/translate"
	apperrors "github.com/qwenbridge/gateway/pkg/errors"
	"github.com/qwenbridge/gateway/pkg/safego"
)

// maxRetries is the number of extra attempts after the first, each against a
// freshly acquired identity and a freshly created upstream chat. Retries only
// happen while nothing has been emitted downstream.
const maxRetries = 2

// IdentitySource is the pool surface the orchestrator needs.
type IdentitySource interface {
	Acquire() *entity.Identity
	MarkSuccess(id string)
	MarkFailure(id string, err error)
}

// Upstream dispatches a built envelope and returns the raw SSE response.
type Upstream interface {
	Completions(ctx context.Context, ident *entity.Identity, chatID string, env *qwen.CompletionRequest, fallbackUsed bool) (*http.Response, error)
}

// RequestTranslator builds the upstream envelope for one request.
type RequestTranslator interface {
	Translate(ctx context.Context, req *openai.ChatCompletionRequest, ident *entity.Identity) (*translate.Result, error)
}

// CompletionUsecase orchestrates one chat completion: identity selection,
// translation, dispatch, failover, and response shaping. The HTTP layer owns
// the wire; this layer owns the attempt loop and the health bookkeeping.
type CompletionUsecase struct {
	identities IdentitySource
	upstream   Upstream
	translator RequestTranslator
	logger     *zap.Logger
}

func NewCompletionUsecase(identities IdentitySource, upstream Upstream, translator RequestTranslator, logger *zap.Logger) *CompletionUsecase {
	return &CompletionUsecase{
		identities: identities,
		upstream:   upstream,
		translator: translator,
		logger:     logger.With(zap.String("component", "completion-usecase")),
	}
}

// Stream runs a streaming completion. On success the returned channel
// delivers translated chunks and is closed after the terminal finish_reason
// chunk; an upstream failure mid-stream ends the channel with a synthetic
// error chunk instead of an abort. A non-nil error means nothing was sent
// and the caller should answer with a JSON error body.
//
// provided is the per-request identity in client auth mode; nil selects from
// the pool with failover.
func (u *CompletionUsecase) Stream(ctx context.Context, req *openai.ChatCompletionRequest, provided *entity.Identity) (<-chan openai.StreamChunk, error) {
	resp, result, identID, err := u.dispatch(ctx, req, provided)
	if err != nil {
		return nil, err
	}

	ch := make(chan openai.StreamChunk, 16)
	tr := stream.NewTranslator(req.Model, u.logger)
	sc := stream.NewScanner(resp.Body)

	safego.Go(u.logger, "completion-stream-pump", func() {
		defer close(ch)
		defer resp.Body.Close()

		emit := func(chunks []openai.StreamChunk) bool {
			for _, c := range chunks {
				select {
				case ch <- c:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for sc.Scan() {
			if sc.Data() == stream.DoneSentinel {
				break
			}
			if !emit(tr.TranslateData(sc.Data())) {
				// Client went away. Not the identity's fault, no mark either way.
				return
			}
		}

		if err := sc.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			u.logger.Warn("Upstream stream broke mid-response",
				zap.String("chat_id", result.ChatID), zap.Error(err))
			if identID != "" {
				u.identities.MarkFailure(identID, apperrors.NewUpstreamUnavailableError("stream interrupted: "+err.Error()))
			}
			emit(tr.SyntheticError("\n\n[error: upstream connection lost before the response completed]"))
			return
		}

		emit(tr.Finish())
		if identID != "" {
			u.identities.MarkSuccess(identID)
		}
	})

	return ch, nil
}

// Execute runs a non-streaming completion by aggregating the upstream stream
// through the same translation the streaming path uses.
func (u *CompletionUsecase) Execute(ctx context.Context, req *openai.ChatCompletionRequest, provided *entity.Identity) (*openai.ChatCompletionResponse, error) {
	resp, _, identID, err := u.dispatch(ctx, req, provided)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	agg, err := stream.Aggregate(ctx, resp.Body, req.Model, u.logger)
	if err != nil {
		return nil, err
	}
	if identID != "" {
		u.identities.MarkSuccess(identID)
	}

	return &openai.ChatCompletionResponse{
		ID:      openai.NewCompletionID(),
		Object:  "chat.completion",
		Created: openai.Now(),
		Model:   req.Model,
		Choices: []openai.ChatChoice{{
			Index: 0,
			Message: openai.ResponseMessage{
				Role:      "assistant",
				Content:   agg.Content,
				ToolCalls: agg.ToolCalls,
			},
			FinishReason: agg.FinishReason,
		}},
	}, nil
}

// dispatch runs the attempt loop: acquire, translate, post. Retryable
// failures burn one attempt each and rotate to the next identity; bad input
// and non-retryable errors return immediately. With a provided identity
// there is exactly one attempt and no pool bookkeeping.
func (u *CompletionUsecase) dispatch(ctx context.Context, req *openai.ChatCompletionRequest, provided *entity.Identity) (*http.Response, *translate.Result, string, error) {
	attempts := 1 + maxRetries
	if provided != nil {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, "", ctx.Err()
		}

		ident := provided
		identID := ""
		if provided == nil {
			ident = u.identities.Acquire()
			if ident == nil {
				if lastErr != nil {
					return nil, nil, "", lastErr
				}
				return nil, nil, "", apperrors.NewUpstreamUnavailableError("no usable identity in pool")
			}
			identID = ident.ID
		}

		result, err := u.translator.Translate(ctx, req, ident)
		if err != nil {
			if apperrors.IsBadRequest(err) {
				return nil, nil, "", err
			}
			lastErr = err
			if !u.noteFailure(identID, err, attempt, attempts) {
				return nil, nil, "", err
			}
			continue
		}

		resp, err := u.upstream.Completions(ctx, ident, result.ChatID, result.Envelope, result.UsedFallback)
		if err != nil {
			lastErr = err
			if !u.noteFailure(identID, err, attempt, attempts) {
				return nil, nil, "", err
			}
			continue
		}
		return resp, result, identID, nil
	}
	return nil, nil, "", lastErr
}

// noteFailure records the failure against the pool and reports whether the
// loop should try again.
func (u *CompletionUsecase) noteFailure(identID string, err error, attempt, attempts int) bool {
	retryable := apperrors.As(err).Retryable()
	if identID != "" && (retryable || apperrors.IsAuthError(err)) {
		u.identities.MarkFailure(identID, err)
	}
	if !retryable || attempt == attempts-1 {
		return false
	}
	u.logger.Warn("Attempt failed, rotating identity",
		zap.Int("attempt", attempt+1), zap.Error(err))
	return true
}
