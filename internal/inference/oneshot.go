package inference

import (
	"context"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"

	"github.com/glee/core/internal/glerr"
)

const oneShotTimeout = 180 * time.Second

// GenerateOnce runs a non-streamed completion used by the memory
// extractor and summarizer — short-lived, deterministic-ish tasks that
// don't need token-by-token delivery.
func (s *Supervisor) GenerateOnce(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error) {
	client, _, err := s.openaiClient()
	if err != nil {
		return "", err
	}

	msgParams := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgParams = append(msgParams, openai.SystemMessage(m.Content))
		case "assistant":
			msgParams = append(msgParams, openai.AssistantMessage(m.Content))
		default:
			msgParams = append(msgParams, openai.UserMessage(m.Content))
		}
	}

	reqParams := openai.ChatCompletionNewParams{
		Model:       "local",
		Messages:    msgParams,
		Temperature: openai.Float(params.Temperature),
		TopP:        openai.Float(params.TopP),
	}
	if params.MaxTokens > 0 {
		reqParams.MaxCompletionTokens = openai.Int(int64(params.MaxTokens))
	}

	callCtx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()

	resp, err := client.Chat.Completions.New(callCtx, reqParams)
	if err != nil {
		return "", glerr.LLM("one-shot generation failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", glerr.LLM("one-shot generation returned no choices", nil)
	}
	content := resp.Choices[0].Message.Content
	if cut, stopped := cutAtStop(content, params.Stop); stopped {
		content = cut
	}
	return strings.TrimSpace(content), nil
}
