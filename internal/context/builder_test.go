package context

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/repo"
	"github.com/glee/core/internal/store"
	"github.com/glee/core/internal/tokenest"
)

type testDeps struct {
	st              *store.Store
	conversations   *repo.ConversationRepo
	characters      *repo.CharacterRepo
	personas        *repo.PersonaRepo
	messages        *repo.MessageRepo
	lorebooks       *repo.LorebookRepo
	lorebookEntries *repo.LorebookEntryRepo
	settings        *repo.SettingsRepo
	builder         *Builder
}

func newTestDeps(t *testing.T) testDeps {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Path: ":memory:", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d := testDeps{
		st:              st,
		conversations:   repo.NewConversationRepo(st),
		characters:      repo.NewCharacterRepo(st),
		personas:        repo.NewPersonaRepo(st),
		messages:        repo.NewMessageRepo(st),
		lorebooks:       repo.NewLorebookRepo(st),
		lorebookEntries: repo.NewLorebookEntryRepo(st),
		settings:        repo.NewSettingsRepo(st),
	}
	d.builder = NewBuilder(d.conversations, d.characters, d.personas, d.messages, d.lorebooks, d.lorebookEntries, d.settings)
	return d
}

func mustCreateCharacter(t *testing.T, d testDeps, name string) entities.Character {
	t.Helper()
	c, err := d.characters.Create(context.Background(), repo.CharacterInput{Name: name, Description: "A curious wanderer.", Personality: "Cheerful and bold."})
	require.NoError(t, err)
	return c
}

func TestBuild_IdentityAndPersonaBlocks(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	char := mustCreateCharacter(t, d, "Aria")
	persona, err := d.personas.Create(ctx, "Sam", "A tired traveler.", true)
	require.NoError(t, err)

	conv, err := d.conversations.Create(ctx, "chat", &persona.ID, []string{char.ID})
	require.NoError(t, err)

	result, err := d.builder.Build(ctx, conv.ID, 1024)
	require.NoError(t, err)

	require.Contains(t, result.SystemPrompt, "You are Aria.")
	require.Contains(t, result.SystemPrompt, "A curious wanderer.")
	require.Contains(t, result.SystemPrompt, "User persona: A tired traveler.")
	require.Equal(t, "Aria", result.CharacterName)
	require.Equal(t, "Sam", result.PersonaName)
}

func TestBuild_UsesExplicitSystemPromptVerbatim(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	char, err := d.characters.Create(ctx, repo.CharacterInput{Name: "Vex", SystemPrompt: "You are Vex, a sardonic AI."})
	require.NoError(t, err)
	conv, err := d.conversations.Create(ctx, "chat", nil, []string{char.ID})
	require.NoError(t, err)

	result, err := d.builder.Build(ctx, conv.ID, 1024)
	require.NoError(t, err)
	require.Contains(t, result.SystemPrompt, "You are Vex, a sardonic AI.")
	require.NotContains(t, result.SystemPrompt, "You are Vex.")
}

func TestBuild_RejectsZeroLinkedCharacters(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	conv, err := d.conversations.Create(ctx, "empty", nil, nil)
	require.NoError(t, err)

	_, err = d.builder.Build(ctx, conv.ID, 1024)
	require.Error(t, err)
}

func TestBuild_ExampleDialoguesAppended(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	char, err := d.characters.Create(ctx, repo.CharacterInput{Name: "Mira", ExampleDialogues: "User: Hi\nMira: Hello there!"})
	require.NoError(t, err)
	conv, err := d.conversations.Create(ctx, "chat", nil, []string{char.ID})
	require.NoError(t, err)

	result, err := d.builder.Build(ctx, conv.ID, 1024)
	require.NoError(t, err)
	require.Contains(t, result.SystemPrompt, "Examples:\nUser: Hi\nMira: Hello there!")
}

func TestBuild_LorebookKeywordMatchAndPartition(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	char := mustCreateCharacter(t, d, "Aria")
	conv, err := d.conversations.Create(ctx, "chat", nil, []string{char.ID})
	require.NoError(t, err)

	lb, err := d.lorebooks.Create(ctx, "world", true)
	require.NoError(t, err)
	_, err = d.lorebookEntries.Create(ctx, lb.ID, repo.LorebookEntryInput{
		Keywords: []string{"dragon"}, Content: "Dragons once ruled these mountains.",
		Priority: 10, WholeWord: true, InsertionPosition: entities.BeforeSystem,
	})
	require.NoError(t, err)
	_, err = d.lorebookEntries.Create(ctx, lb.ID, repo.LorebookEntryInput{
		Keywords: []string{"castle"}, Content: "The castle has stood for a thousand years.",
		Priority: 5, WholeWord: true, InsertionPosition: entities.AfterSystem,
	})
	require.NoError(t, err)

	msg, err := d.messages.Create(ctx, repo.CreateMessageInput{
		ConversationID: conv.ID, AuthorType: entities.AuthorUser, Content: "Tell me about the dragon in the castle.",
		IsActiveBranch: true,
	})
	require.NoError(t, err)
	require.NoError(t, d.conversations.SetActiveMessage(ctx, conv.ID, &msg.ID))

	result, err := d.builder.Build(ctx, conv.ID, 1024)
	require.NoError(t, err)
	require.Contains(t, result.SystemPrompt, "Dragons once ruled these mountains.")
	require.Contains(t, result.SystemPrompt, "The castle has stood for a thousand years.")
}

func TestBuild_LorebookKeywordNoMatchExcluded(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	char := mustCreateCharacter(t, d, "Aria")
	conv, err := d.conversations.Create(ctx, "chat", nil, []string{char.ID})
	require.NoError(t, err)

	lb, err := d.lorebooks.Create(ctx, "world", true)
	require.NoError(t, err)
	_, err = d.lorebookEntries.Create(ctx, lb.ID, repo.LorebookEntryInput{
		Keywords: []string{"dragon"}, Content: "Dragons once ruled these mountains.",
		Priority: 10, WholeWord: true, InsertionPosition: entities.BeforeSystem,
	})
	require.NoError(t, err)

	result, err := d.builder.Build(ctx, conv.ID, 1024)
	require.NoError(t, err)
	require.NotContains(t, result.SystemPrompt, "Dragons once ruled")
}

func TestSelectHistory_NeverSplitsAndRespectsBudget(t *testing.T) {
	messages := []entities.Message{
		{Content: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}, // ~29 tokens
		{Content: "short one"},
		{Content: "another short message here"},
	}
	selected := selectHistory(messages, 10)
	require.LessOrEqual(t, len(selected), len(messages))
	// No message is selected twice.
	for i := 1; i < len(selected); i++ {
		require.NotEqual(t, selected[i-1].Content, selected[i].Content)
	}
	// Newest-first fill: "another short message here" (8 tokens) fits,
	// "short one" (3 more) would exceed 10, so only the newest message is
	// kept; the selection is a suffix of history in oldest-to-newest order.
	used := 0
	for _, m := range selected {
		used += tokenest.Estimate(m.Content)
	}
	require.LessOrEqual(t, used, 10)
	require.Len(t, selected, 1)
	require.Equal(t, messages[len(messages)-len(selected):], selected)
}

func TestSelectHistory_ZeroBudgetSelectsNothing(t *testing.T) {
	messages := []entities.Message{{Content: "hello"}}
	require.Empty(t, selectHistory(messages, 0))
}

func TestIdentityBlock_SynthesizedWhenNoSystemPrompt(t *testing.T) {
	c := entities.Character{Name: "Nyx", Description: "A shadow weaver.", Personality: "Quiet and watchful."}
	block := identityBlock(c)
	require.Contains(t, block, "You are Nyx.")
	require.Contains(t, block, "A shadow weaver.")
	require.Contains(t, block, "Quiet and watchful.")
}
