package entity

import "strings"

// ChatType 上游会话模态
type ChatType string

const (
	ChatTypeText      ChatType = "t2t"
	ChatTypeImage     ChatType = "t2i"
	ChatTypeImageEdit ChatType = "image_edit"
	ChatTypeVideo     ChatType = "t2v"
)

// ModelFeatures is the result of stripping a feature suffix off a requested
// model name. The suffix drives the chat type; image parts in the request do
// not by themselves switch the modality.
type ModelFeatures struct {
	UpstreamModel string
	ChatType      ChatType
	Thinking      bool
	Search        bool
}

// modelSuffixes in match order. "-image_edit" must be tested before "-image".
var modelSuffixes = []struct {
	suffix   string
	chatType ChatType
	thinking bool
	search   bool
}{
	{"-image_edit", ChatTypeImageEdit, false, false},
	{"-image", ChatTypeImage, false, false},
	{"-video", ChatTypeVideo, false, false},
	{"-thinking", ChatTypeText, true, false},
	{"-search", ChatTypeText, false, true},
}

// ResolveModel strips any feature suffix from the requested model name and
// derives the chat type. A plain model name resolves to t2t.
func ResolveModel(model string) ModelFeatures {
	for _, s := range modelSuffixes {
		if strings.HasSuffix(model, s.suffix) {
			return ModelFeatures{
				UpstreamModel: strings.TrimSuffix(model, s.suffix),
				ChatType:      s.chatType,
				Thinking:      s.thinking,
				Search:        s.search,
			}
		}
	}
	return ModelFeatures{UpstreamModel: model, ChatType: ChatTypeText}
}
