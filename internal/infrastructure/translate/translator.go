package translate

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/domain/entity"
	"github.com/qwenbridge/gateway/internal/infrastructure/openai"
	"github.com/qwenbridge/gateway/internal/infrastructure/qwen"
	apperrors "github.com/qwenbridge/gateway/pkg/errors"
)

// Chinese protocol strings the upstream web UI uses. The upstream is a
// single-session chat, so multi-turn history is compressed into one
// transcript-shaped user message.
const (
	transcriptHeader = "对话历史：\n"
	userPrefix       = "用户: "
	assistantPrefix  = "助手: "
	questionPrefix   = "\n当前问题："
	resetMarker      = "这是一个全新的对话，请忽略之前的任何上下文。"

	imageGenPlaceholder  = "生成一张图片"
	imageEditPlaceholder = "编辑这张图片"

	// How many reference images an edit request may carry.
	maxEditImages = 3
)

// ChatCreator is the slice of the upstream client the translator needs.
type ChatCreator interface {
	NewChat(ctx context.Context, ident *entity.Identity, model string, chatType entity.ChatType) (string, error)
}

// Result is a fully built upstream request, ready to dispatch.
type Result struct {
	Envelope *qwen.CompletionRequest
	ChatID   string
	// Model is the upstream model actually used (after suffix stripping and
	// a possible vision fallback).
	Model        string
	Features     entity.ModelFeatures
	UsedFallback bool
}

// Translator converts an OpenAI chat completion request into the upstream
// chat envelope: it resolves the model suffix, creates the upstream chat,
// and builds the single synthesized message the session-scoped upstream
// expects.
type Translator struct {
	chats ChatCreator
	// fallbackModel returns the vision-capable model to switch to when a
	// text-modality request carries images, or "" when fallback is disabled.
	fallbackModel func() string
	logger        *zap.Logger
}

func NewTranslator(chats ChatCreator, fallbackModel func() string, logger *zap.Logger) *Translator {
	return &Translator{
		chats:         chats,
		fallbackModel: fallbackModel,
		logger:        logger.With(zap.String("component", "translator")),
	}
}

// Translate validates the request, creates the upstream chat, and builds the
// completion envelope. Invalid input yields a bad-request error before any
// upstream traffic happens.
func (t *Translator) Translate(ctx context.Context, req *openai.ChatCompletionRequest, ident *entity.Identity) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, apperrors.NewBadRequestError("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return nil, apperrors.NewBadRequestError("invalid role in messages[" + strconv.Itoa(i) + "]: " + m.Role)
		}
	}

	features := entity.ResolveModel(req.Model)
	model := features.UpstreamModel
	usedFallback := false

	// Images on a text-modality request route to the vision fallback model.
	// The chat type stays t2t; only the model changes.
	if features.ChatType == entity.ChatTypeText && hasImages(req.Messages) {
		if fb := t.fallbackModel(); fb != "" && fb != model {
			t.logger.Info("Vision fallback engaged",
				zap.String("requested", model), zap.String("fallback", fb))
			model = fb
			usedFallback = true
		}
	}

	chatType := features.ChatType
	chatID, err := t.chats.NewChat(ctx, ident, model, chatType)
	if err != nil {
		return nil, err
	}

	ts := time.Now().Unix()
	var msg qwen.Message
	size := ""

	switch chatType {
	case entity.ChatTypeImage, entity.ChatTypeVideo:
		msg, err = t.buildGeneration(req, features, chatType, model, ts)
		size = AspectRatio(req.Size)
	case entity.ChatTypeImageEdit:
		msg, chatType, err = t.buildImageEdit(req, features, model, ts)
		if chatType == entity.ChatTypeImage {
			size = AspectRatio(req.Size)
		}
	default:
		msg, err = t.buildText(req, features, model, ts)
	}
	if err != nil {
		return nil, err
	}

	env := &qwen.CompletionRequest{
		// The upstream only speaks SSE; non-streaming callers aggregate.
		Stream:            true,
		IncrementalOutput: true,
		ChatID:            chatID,
		ChatMode:          "normal",
		Model:             model,
		ParentID:          nil,
		Size:              size,
		Messages:          []qwen.Message{msg},
		Timestamp:         ts,
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	return &Result{
		Envelope:     env,
		ChatID:       chatID,
		Model:        model,
		Features:     features,
		UsedFallback: usedFallback,
	}, nil
}

// buildText compresses the conversation into one user message. Prior turns
// become a transcript block; a lone first turn gets a reset marker instead so
// the upstream session carries no stale context.
func (t *Translator) buildText(req *openai.ChatCompletionRequest, features entity.ModelFeatures, model string, ts int64) (qwen.Message, error) {
	lastIdx := lastUserIndex(req.Messages)
	if lastIdx < 0 {
		return qwen.Message{}, apperrors.NewBadRequestError("at least one user message is required")
	}
	last := req.Messages[lastIdx]
	question := last.Content.Text()

	var system []string
	var history []string
	for i, m := range req.Messages {
		if i == lastIdx {
			break
		}
		text := m.Content.Text()
		if text == "" {
			continue
		}
		switch m.Role {
		case "system":
			system = append(system, text)
		case "user":
			history = append(history, userPrefix+text)
		case "assistant":
			history = append(history, assistantPrefix+text)
		}
	}

	var b strings.Builder
	if len(history) == 0 {
		b.WriteString(resetMarker)
		b.WriteString("\n")
		if len(system) > 0 {
			b.WriteString(strings.Join(system, "\n"))
			b.WriteString("\n\n")
		}
		b.WriteString(question)
	} else {
		if len(system) > 0 {
			b.WriteString(strings.Join(system, "\n"))
			b.WriteString("\n\n")
		}
		b.WriteString(transcriptHeader)
		b.WriteString(strings.Join(history, "\n"))
		b.WriteString("\n")
		b.WriteString(questionPrefix)
		b.WriteString(question)
	}

	msg := t.newMessage("user", b.String(), features, entity.ChatTypeText, model, ts)
	for _, url := range last.Content.ImageURLs() {
		msg.Files = append(msg.Files, qwen.NewFileDescriptor(url))
	}
	return msg, nil
}

// buildGeneration handles t2i and t2v: only the last user turn's text
// matters, images are never attached.
func (t *Translator) buildGeneration(req *openai.ChatCompletionRequest, features entity.ModelFeatures, chatType entity.ChatType, model string, ts int64) (qwen.Message, error) {
	lastIdx := lastUserIndex(req.Messages)
	if lastIdx < 0 {
		return qwen.Message{}, apperrors.NewBadRequestError("at least one user message is required")
	}
	prompt := req.Messages[lastIdx].Content.Text()
	if prompt == "" {
		prompt = imageGenPlaceholder
	}
	return t.newMessage("user", prompt, features, chatType, model, ts), nil
}

// buildImageEdit gathers reference images from the request: the current
// message first, then earlier turns newest-up. Assistant turns contribute
// Markdown-embedded images, user turns contribute both parts and Markdown.
// With no image anywhere the request degrades to plain generation.
func (t *Translator) buildImageEdit(req *openai.ChatCompletionRequest, features entity.ModelFeatures, model string, ts int64) (qwen.Message, entity.ChatType, error) {
	lastIdx := lastUserIndex(req.Messages)
	if lastIdx < 0 {
		return qwen.Message{}, "", apperrors.NewBadRequestError("at least one user message is required")
	}
	last := req.Messages[lastIdx]

	images := collectImages(last)
	for i := lastIdx - 1; i >= 0; i-- {
		images = append(images, collectImages(req.Messages[i])...)
	}
	if len(images) > maxEditImages {
		images = images[len(images)-maxEditImages:]
	}

	prompt := last.Content.Text()

	if len(images) == 0 {
		t.logger.Warn("Image edit requested without any reference image, degrading to generation",
			zap.String("model", model))
		if prompt == "" {
			prompt = imageGenPlaceholder
		}
		return t.newMessage("user", prompt, features, entity.ChatTypeImage, model, ts), entity.ChatTypeImage, nil
	}

	if prompt == "" {
		prompt = imageEditPlaceholder
	}
	msg := t.newMessage("user", prompt, features, entity.ChatTypeImageEdit, model, ts)
	msg.Files = append(msg.Files, qwen.NewFileDescriptor(images[len(images)-1]))
	return msg, entity.ChatTypeImageEdit, nil
}

// collectImages extracts image references from one message: typed parts
// first, then Markdown images inside its text.
func collectImages(m openai.ChatMessage) []string {
	var urls []string
	if m.Role != "system" {
		urls = append(urls, m.Content.ImageURLs()...)
		urls = append(urls, markdownImages(m.Content.Text())...)
	}
	return urls
}

// newMessage builds one envelope message with the shared invariants: fresh
// fid, nil parent, empty children, shared timestamp, model binding, and the
// phase output schema the stream translator depends on.
func (t *Translator) newMessage(role, content string, features entity.ModelFeatures, chatType entity.ChatType, model string, ts int64) qwen.Message {
	msg := qwen.Message{
		FID:         uuid.NewString(),
		ParentID:    nil,
		ChildrenIDs: []string{},
		Role:        role,
		Content:     content,
		Files:       []qwen.FileDescriptor{},
		Timestamp:   ts,
		Models:      []string{model},
		ChatType:    qwen.EnvelopeChatType(chatType),
		SubChatType: qwen.EnvelopeChatType(chatType),
		FeatureConfig: qwen.FeatureConfig{
			ThinkingEnabled: chatType == entity.ChatTypeText && features.Thinking,
			OutputSchema:    "phase",
		},
		Extra: qwen.MessageExtra{Meta: qwen.MessageMeta{SubChatType: qwen.EnvelopeChatType(chatType)}},
	}
	if role == "user" {
		msg.UserAction = "chat"
	}
	return msg
}

// validateEnvelope is the final gate before dispatch. A hole here is a bug
// in the builders, so it surfaces as a translation error, not a bad request.
func validateEnvelope(env *qwen.CompletionRequest) error {
	if env.ChatID == "" {
		return apperrors.NewTranslationError("envelope missing chat id")
	}
	if len(env.Messages) == 0 {
		return apperrors.NewTranslationError("envelope has no messages")
	}
	for _, m := range env.Messages {
		if m.FID == "" || m.Role == "" || m.Content == "" {
			return apperrors.NewTranslationError("envelope message missing fid, role or content")
		}
		if m.Role == "user" {
			if m.UserAction == "" || m.Timestamp == 0 || len(m.Models) == 0 {
				return apperrors.NewTranslationError("user message missing action, timestamp or model binding")
			}
		}
	}
	return nil
}

func hasImages(messages []openai.ChatMessage) bool {
	for _, m := range messages {
		if m.Content.HasImages() {
			return true
		}
	}
	return false
}

func lastUserIndex(messages []openai.ChatMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return i
		}
	}
	return -1
}
