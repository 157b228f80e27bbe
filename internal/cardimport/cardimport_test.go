package cardimport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glee/core/internal/entities"
)

func TestParseCard_V2NestedShape(t *testing.T) {
	raw := []byte(`{
		"spec": "chara_card_v2",
		"spec_version": "2.0",
		"data": {
			"name": "Aria",
			"description": "A curious explorer.",
			"scenario": "Lost in an old library.",
			"personality": "Inquisitive and warm.",
			"first_mes": "Hello there!",
			"mes_example": "<START>\n{{user}}: Hi\n{{char}}: Hello!",
			"system_prompt": "You are Aria.",
			"tags": ["fantasy", "explorer"],
		},
	}`) // trailing commas: exactly what json5 is for

	in, err := ParseCard(raw)
	require.NoError(t, err)
	require.Equal(t, "Aria", in.Name)
	require.Equal(t, "A curious explorer.\n\nScenario: Lost in an old library.", in.Description)
	require.Equal(t, "Inquisitive and warm.", in.Personality)
	require.Equal(t, "Hello there!", in.FirstMessage)
	require.ElementsMatch(t, []string{"fantasy", "explorer"}, in.Tags)
}

func TestParseCard_V1FlatShapeWithAliasKeys(t *testing.T) {
	raw := []byte(`{
		"char_name": "Rook",
		"char_persona": "A stoic guard.",
		"char_personality": "Quiet, dutiful.",
		"char_greeting": "...",
		"example_dialogue": "Rook: ..."
	}`)

	in, err := ParseCard(raw)
	require.NoError(t, err)
	require.Equal(t, "Rook", in.Name)
	require.Equal(t, "A stoic guard.", in.Description)
	require.Equal(t, "Quiet, dutiful.", in.Personality)
}

func TestParseCard_V1PrefersCanonicalKeyOverAlias(t *testing.T) {
	raw := []byte(`{"name": "Canonical", "char_name": "Alias"}`)
	in, err := ParseCard(raw)
	require.NoError(t, err)
	require.Equal(t, "Canonical", in.Name)
}

func TestCharacterExportRoundTrip(t *testing.T) {
	original := entities.Character{
		Name: "Aria", Description: "A curious explorer.", Personality: "Inquisitive.",
		FirstMessage: "Hello there!", ExampleDialogues: "Rook: ...",
		Tags: []string{"fantasy"},
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	env := BuildCharacterExport(original, now)
	require.Equal(t, ExportVersion, env.GleeExportVersion)
	require.Equal(t, ExportCharacter, env.ExportType)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	parsedEnv, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, ExportCharacter, parsedEnv.ExportType)

	payload, err := json.Marshal(parsedEnv.Payload)
	require.NoError(t, err)

	in, err := ParseCard(payload)
	require.NoError(t, err)
	require.Equal(t, original.Name, in.Name)
	require.Equal(t, original.Description, in.Description)
	require.Equal(t, original.Personality, in.Personality)
	require.Equal(t, original.FirstMessage, in.FirstMessage)
	require.Equal(t, original.ExampleDialogues, in.ExampleDialogues)
	require.ElementsMatch(t, original.Tags, in.Tags)
}

func TestParseEnvelope_RejectsMissingVersion(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"exportType": "character"}`))
	require.Error(t, err)
}
