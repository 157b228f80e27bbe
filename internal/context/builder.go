// Package context implements the ContextBuilder (C5): deterministic
// assembly of a system prompt plus a token-budgeted message history for
// one generation turn.
package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/repo"
	"github.com/glee/core/internal/tokenest"
)

// recentTextWindow is how many trailing active-chain messages feed the
// lorebook haystack.
const recentTextWindow = 10

// Result is what one generation turn needs from the context builder.
type Result struct {
	SystemPrompt   string
	History        []entities.Message // chronological, oldest first
	CharacterName  string
	PersonaName    string
	TotalTokens    int
}

// Builder wires the repositories the algorithm reads from. It holds no
// state of its own between calls.
type Builder struct {
	conversations  *repo.ConversationRepo
	characters     *repo.CharacterRepo
	personas       *repo.PersonaRepo
	messages       *repo.MessageRepo
	lorebooks      *repo.LorebookRepo
	lorebookEntries *repo.LorebookEntryRepo
	settings       *repo.SettingsRepo
}

func NewBuilder(
	conversations *repo.ConversationRepo,
	characters *repo.CharacterRepo,
	personas *repo.PersonaRepo,
	messages *repo.MessageRepo,
	lorebooks *repo.LorebookRepo,
	lorebookEntries *repo.LorebookEntryRepo,
	settings *repo.SettingsRepo,
) *Builder {
	return &Builder{
		conversations: conversations, characters: characters, personas: personas,
		messages: messages, lorebooks: lorebooks, lorebookEntries: lorebookEntries,
		settings: settings,
	}
}

// Build runs the full §4.4 algorithm for conversationID against budget
// b (the settings context window, minus whatever the caller has
// already reserved elsewhere).
func (b *Builder) Build(ctx context.Context, conversationID string, budget int) (Result, error) {
	conv, characters, err := b.conversations.GetHydrated(ctx, conversationID, b.characters)
	if err != nil {
		return Result{}, err
	}
	if len(conv.CharacterIDs) == 0 {
		return Result{}, glerr.Validation("conversation has no linked character to generate as")
	}
	target, ok := characters[conv.CharacterIDs[0]]
	if !ok {
		return Result{}, glerr.Validation("target character not found")
	}

	var persona entities.Persona
	if conv.PersonaID != nil {
		persona, err = b.personas.Get(ctx, *conv.PersonaID)
		if err != nil {
			return Result{}, err
		}
	} else if p, found, err := b.personas.GetDefault(ctx); err != nil {
		return Result{}, err
	} else if found {
		persona = p
	}

	settings, err := b.settings.GetAll(ctx)
	if err != nil {
		return Result{}, err
	}

	var activeChain []entities.Message
	if conv.ActiveMessage != nil {
		activeChain, err = b.messages.ActiveChain(ctx, conversationID, *conv.ActiveMessage)
		if err != nil {
			return Result{}, err
		}
	}

	beforeSystem, afterSystem, err := b.matchLorebook(ctx, conv, activeChain, settings.LorebookBudget)
	if err != nil {
		return Result{}, err
	}

	identity := identityBlock(target)
	personaBlock := ""
	if persona.Description != "" {
		personaBlock = "User persona: " + persona.Description
	}

	var sections []string
	sections = append(sections, beforeSystem...)
	sections = append(sections, identity)
	if personaBlock != "" {
		sections = append(sections, personaBlock)
	}
	sections = append(sections, afterSystem...)
	if target.ExampleDialogues != "" {
		sections = append(sections, "Examples:\n"+target.ExampleDialogues)
	}
	systemPrompt := strings.Join(sections, "\n\n")

	responseReserve := settings.ResponseReserve
	available := budget - tokenest.Estimate(systemPrompt) - responseReserve
	selected := selectHistory(activeChain, available)

	total := tokenest.Estimate(systemPrompt)
	for _, m := range selected {
		total += tokenest.Estimate(m.Content)
	}

	return Result{
		SystemPrompt:  systemPrompt,
		History:       selected,
		CharacterName: target.Name,
		PersonaName:   persona.Name,
		TotalTokens:   total,
	}, nil
}

func identityBlock(c entities.Character) string {
	if c.SystemPrompt != "" {
		return c.SystemPrompt
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("You are %s.", c.Name))
	if c.Description != "" {
		parts = append(parts, c.Description)
	}
	if c.Personality != "" {
		parts = append(parts, c.Personality)
	}
	return strings.Join(parts, "\n\n")
}

// selectHistory walks messages newest→oldest accumulating whole
// messages until the next would exceed available, then reverses to
// chronological order. Never splits a message.
func selectHistory(messages []entities.Message, available int) []entities.Message {
	if available <= 0 {
		return nil
	}
	var selected []entities.Message
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		cost := tokenest.Estimate(m.Content)
		if used+cost > available {
			break
		}
		selected = append(selected, m)
		used += cost
	}
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected
}

// matchLorebook builds the recent-text haystack, resolves candidate
// entries, matches keywords, and partitions admitted entries by
// insertion position while respecting lorebookBudget.
func (b *Builder) matchLorebook(ctx context.Context, conv entities.Conversation, activeChain []entities.Message, lorebookBudget int) (before, after []string, err error) {
	start := 0
	if len(activeChain) > recentTextWindow {
		start = len(activeChain) - recentTextWindow
	}
	recent := activeChain[start:]
	texts := make([]string, len(recent))
	for i, m := range recent {
		texts[i] = m.Content
	}
	haystack := strings.Join(texts, " ")

	globalBooks, err := b.lorebooks.EnabledGlobal(ctx)
	if err != nil {
		return nil, nil, err
	}
	convBooks, err := b.lorebooks.EnabledForConversation(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	ids := make(map[string]bool)
	var lorebookIDs []string
	for _, lb := range append(globalBooks, convBooks...) {
		if !ids[lb.ID] {
			ids[lb.ID] = true
			lorebookIDs = append(lorebookIDs, lb.ID)
		}
	}
	if len(lorebookIDs) == 0 {
		return nil, nil, nil
	}

	entries, err := b.lorebookEntries.EnabledForLorebooks(ctx, lorebookIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, nil, nil
	}

	m, err := buildMatcher(entries)
	if err != nil {
		return nil, nil, err
	}
	matched := m.matchedEntries(haystack)

	sortByPriorityDesc(matched)

	used := 0
	for _, e := range matched {
		cost := tokenest.Estimate(e.Content)
		if e.TokenBudget != nil && cost > *e.TokenBudget {
			continue
		}
		if used+cost > lorebookBudget {
			continue
		}
		used += cost
		if e.InsertionPosition == entities.BeforeSystem {
			before = append(before, e.Content)
		} else {
			after = append(after, e.Content)
		}
	}
	return before, after, nil
}

func sortByPriorityDesc(entries []entities.LorebookEntry) {
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && entries[j-1].Priority < entries[j].Priority {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
}
