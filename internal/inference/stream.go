package inference

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"

	"github.com/glee/core/internal/glerr"
)

// ChatMessage is the minimal wire shape the context builder hands to
// the supervisor; it intentionally does not depend on internal/entities
// so inference stays a leaf package.
type ChatMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// GenerationParams controls one streamed completion.
type GenerationParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// Event is one item on the streaming channel. Exactly one of Token,
// Done or Err is meaningful, discriminated by Kind.
type EventKind int

const (
	EventToken EventKind = iota
	EventDone
	EventError
)

type Event struct {
	Kind  EventKind
	Token string
	Err   error
}

const stallTimeout = 15 * time.Second

// cutAtStop returns the prefix of token up to the earliest occurrence
// of any stop sequence, and whether one was found.
func cutAtStop(token string, stops []string) (string, bool) {
	earliest := -1
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if idx := strings.Index(token, stop); idx >= 0 && (earliest == -1 || idx < earliest) {
			earliest = idx
		}
	}
	if earliest == -1 {
		return token, false
	}
	return token[:earliest], true
}

// Generate streams a completion over a bounded channel (capacity 256
// per §4.3/§9) guarded by a 15s inter-token stall watchdog: if no
// token/completion arrives within the window the stream is aborted and
// an EventError is emitted. The channel is always closed exactly once,
// terminated by either EventDone or EventError.
func (s *Supervisor) Generate(ctx context.Context, messages []ChatMessage, params GenerationParams) (<-chan Event, error) {
	client, _, err := s.openaiClient()
	if err != nil {
		return nil, err
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

	genCtx, cancel := context.WithCancel(ctx)
	stream := client.Chat.Completions.NewStreaming(genCtx, reqParams)

	out := make(chan Event, 256)
	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()

		watchdog := time.NewTimer(stallTimeout)
		defer watchdog.Stop()
		reset := make(chan struct{}, 1)

		nextDone := make(chan bool, 1)
		nextErr := make(chan error, 1)
		go func() {
			// Stop sequences are enforced here only: neither the spawn
			// flags nor the request carry them to the sidecar. Each chunk
			// is cut at the first stop sequence it contains; a stop
			// sequence split across two chunks is not detected.
			emitted := false
			for stream.Next() {
				select {
				case reset <- struct{}{}:
				default:
				}
				chunk := stream.Current()
				for _, choice := range chunk.Choices {
					token := choice.Delta.Content
					if token == "" {
						continue
					}
					if cut, stopped := cutAtStop(token, params.Stop); stopped {
						if cut != "" {
							select {
							case out <- Event{Kind: EventToken, Token: cut}:
							case <-genCtx.Done():
							}
						}
						nextDone <- true
						return
					}
					select {
					case out <- Event{Kind: EventToken, Token: token}:
						emitted = true
					case <-genCtx.Done():
						nextDone <- true
						return
					}
				}
			}
			if err := stream.Err(); err != nil {
				// A decode error arriving after content has already been
				// streamed is reclassified as a clean completion — the
				// sidecar's SSE framing sometimes emits a malformed final
				// chunk once generation is actually finished.
				if emitted && genCtx.Err() == nil && !errors.Is(err, context.Canceled) {
					nextDone <- true
					return
				}
				nextErr <- err
				return
			}
			nextDone <- true
		}()

		for {
			select {
			case <-nextDone:
				out <- Event{Kind: EventDone}
				return
			case err := <-nextErr:
				out <- Event{Kind: EventError, Err: err}
				return
			case <-reset:
				if !watchdog.Stop() {
					select {
					case <-watchdog.C:
					default:
					}
				}
				watchdog.Reset(stallTimeout)
			case <-watchdog.C:
				cancel()
				out <- Event{Kind: EventError, Err: glerr.LLM("generation stalled: no tokens for 15s", nil)}
				return
			case <-ctx.Done():
				cancel()
				out <- Event{Kind: EventError, Err: ctx.Err()}
				return
			}
		}
	}()

	return out, nil
}
