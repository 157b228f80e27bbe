// Package summarizer implements the Summarizer (C10, §4.9): a
// threshold-triggered rolling summary of a conversation's older
// history, so the ContextBuilder's history window doesn't have to
// carry every message back to the start of a long-running chat.
package summarizer

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/inference"
	"github.com/glee/core/internal/repo"
)

const (
	messageCountThreshold = 20
	tokenCountThreshold   = 4000
	recentReserve         = 5 // most recent messages kept out of the summarized range
)

// Generator is the narrow slice of InferenceSupervisor the summarizer
// needs: one one-shot completion for the summary prompt itself.
type Generator interface {
	GenerateOnce(ctx context.Context, messages []inference.ChatMessage, params inference.GenerationParams) (string, error)
}

type Summarizer struct {
	log           zerolog.Logger
	inference     Generator
	conversations *repo.ConversationRepo
	messages      *repo.MessageRepo
	summaries     *repo.SummaryRepo
}

func New(log zerolog.Logger, inf Generator, conversations *repo.ConversationRepo, messages *repo.MessageRepo, summaries *repo.SummaryRepo) *Summarizer {
	return &Summarizer{
		log:           log.With().Str("component", "summarizer").Logger(),
		inference:     inf,
		conversations: conversations,
		messages:      messages,
		summaries:     summaries,
	}
}

// MaybeSummarize checks the threshold conditions for conversationID
// and, if crossed, runs the one-shot summary and persists a new
// ConversationSummary. It is a no-op, not an error, when thresholds
// aren't met — callers (the scheduler) invoke this unconditionally
// after every completed turn.
func (s *Summarizer) MaybeSummarize(ctx context.Context, conversationID string) error {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.ActiveMessage == nil {
		return nil
	}

	chain, err := s.messages.ActiveChain(ctx, conversationID, *conv.ActiveMessage)
	if err != nil {
		return err
	}

	unsummarized, err := unsummarizedTail(ctx, s.summaries, conversationID, chain)
	if err != nil {
		return err
	}

	if !crossesThreshold(unsummarized) {
		return nil
	}
	if len(unsummarized) <= recentReserve {
		return nil // nothing beyond the reserved recent-context window
	}

	target := unsummarized[:len(unsummarized)-recentReserve]
	return s.summarizeRange(ctx, conversationID, target)
}

// unsummarizedTail returns the suffix of chain after the last
// summary's range_end, or the whole chain if there is no prior summary.
func unsummarizedTail(ctx context.Context, summaries *repo.SummaryRepo, conversationID string, chain []entities.Message) ([]entities.Message, error) {
	latest, has, err := summaries.Latest(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !has {
		return chain, nil
	}
	for i, m := range chain {
		if m.ID == latest.RangeEndMsgID {
			return chain[i+1:], nil
		}
	}
	return chain, nil // the prior range_end fell off the active chain (branch switch); summarize everything visible
}

func crossesThreshold(unsummarized []entities.Message) bool {
	if len(unsummarized) >= messageCountThreshold {
		return true
	}
	total := 0
	for _, m := range unsummarized {
		total += m.TokenCount
	}
	return total >= tokenCountThreshold
}

func (s *Summarizer) summarizeRange(ctx context.Context, conversationID string, target []entities.Message) error {
	prompt := buildSummaryPrompt(target)
	content, err := s.inference.GenerateOnce(ctx, []inference.ChatMessage{
		{Role: "user", Content: prompt},
	}, inference.GenerationParams{Temperature: 0.3, MaxTokens: 200})
	if err != nil {
		return err
	}

	tokenCount := 0
	for _, m := range target {
		tokenCount += m.TokenCount
	}

	_, err = s.summaries.Create(ctx, conversationID, strings.TrimSpace(content),
		target[0].ID, target[len(target)-1].ID, len(target), tokenCount)
	return err
}

func buildSummaryPrompt(messages []entities.Message) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation history in 2-3 sentences, capturing the key events and facts established:\n\n")
	for _, m := range messages {
		b.WriteString(string(m.AuthorType))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
