// Package cardimport parses character cards from the wild (V1 flat
// and V2 nested shapes) into CharacterInput, and builds/reads the
// export envelope used for character, conversation, and full-backup
// exports (§6 of the boundary format).
package cardimport

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/repo"
)

const ExportVersion = "1.0"

type ExportType string

const (
	ExportCharacter    ExportType = "character"
	ExportConversation ExportType = "conversation"
	ExportFullBackup   ExportType = "full_backup"
)

// Envelope is the common wrapper every export carries; Payload's shape
// depends on ExportType, so it is held as interface{} (when decoded
// from JSON it holds generic maps and slices).
type Envelope struct {
	GleeExportVersion string          `json:"gleeExportVersion"`
	ExportType        ExportType      `json:"exportType"`
	ExportedAt        string          `json:"exportedAt"`
	Payload           interface{}     `json:"payload,omitempty"`
}

func NewEnvelope(typ ExportType, payload interface{}, now time.Time) Envelope {
	return Envelope{
		GleeExportVersion: ExportVersion,
		ExportType:        typ,
		ExportedAt:        now.UTC().Format(time.RFC3339),
		Payload:           payload,
	}
}

// ParseCard detects the card's shape (V2 nested under "data", or V1
// flat with alias keys) and normalizes it into a CharacterInput.
// Character cards in the wild routinely carry trailing commas and
// comments (common in hand-edited JSON), so parsing goes through
// json5 rather than encoding/json.
func ParseCard(raw []byte) (repo.CharacterInput, error) {
	var generic map[string]interface{}
	if err := json5.Unmarshal(raw, &generic); err != nil {
		return repo.CharacterInput{}, glerr.Import("card is not valid json5", err)
	}
	// json5 tolerates comments and trailing commas that encoding/json
	// won't; re-marshaling through the standard library gives gjson a
	// canonical document to sniff the shape of.
	normalized, err := json.Marshal(generic)
	if err != nil {
		return repo.CharacterInput{}, glerr.Import("re-encoding normalized card", err)
	}

	root := gjson.ParseBytes(normalized)
	if root.Get("spec").Exists() && root.Get("data").Exists() {
		return parseV2(root)
	}
	return parseV1(root), nil
}

func parseV2(root gjson.Result) (repo.CharacterInput, error) {
	data := root.Get("data")
	if !data.Exists() {
		return repo.CharacterInput{}, glerr.Import("v2 card missing data block", nil)
	}

	description := data.Get("description").String()
	if scenario := data.Get("scenario").String(); scenario != "" {
		description = description + "\n\nScenario: " + scenario
	}

	return repo.CharacterInput{
		Name:             data.Get("name").String(),
		Description:      description,
		Personality:      data.Get("personality").String(),
		SystemPrompt:      data.Get("system_prompt").String(),
		FirstMessage:     data.Get("first_mes").String(),
		ExampleDialogues: data.Get("mes_example").String(),
		Tags:             stringArray(data.Get("tags")),
	}, nil
}

func parseV1(root gjson.Result) repo.CharacterInput {
	return repo.CharacterInput{
		Name:             firstNonEmpty(root, "name", "char_name"),
		Description:      firstNonEmpty(root, "description", "char_persona"),
		Personality:      firstNonEmpty(root, "personality", "char_personality"),
		FirstMessage:     firstNonEmpty(root, "first_mes", "char_greeting"),
		ExampleDialogues: firstNonEmpty(root, "mes_example", "example_dialogue"),
	}
}

func firstNonEmpty(root gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := root.Get(k).String(); v != "" {
			return v
		}
	}
	return ""
}

// characterCardV2 is the V2 payload shape, used as Envelope.Payload
// when exporting a character so the file reads the same on the way
// back in as any other card found in the wild.
type characterCardV2 struct {
	Spec        string          `json:"spec"`
	SpecVersion string          `json:"spec_version"`
	Data        characterCardV2Data `json:"data"`
}

type characterCardV2Data struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Personality      string   `json:"personality"`
	FirstMes         string   `json:"first_mes"`
	MesExample       string   `json:"mes_example"`
	SystemPrompt     string   `json:"system_prompt"`
	Tags             []string `json:"tags"`
}

// BuildCharacterExport wraps a character as a V2 card inside the
// export envelope.
func BuildCharacterExport(c entities.Character, now time.Time) Envelope {
	card := characterCardV2{
		Spec:        "chara_card_v2",
		SpecVersion: "2.0",
		Data: characterCardV2Data{
			Name:         c.Name,
			Description:  c.Description,
			Personality:  c.Personality,
			FirstMes:     c.FirstMessage,
			MesExample:   c.ExampleDialogues,
			SystemPrompt: c.SystemPrompt,
			Tags:         c.Tags,
		},
	}
	return NewEnvelope(ExportCharacter, card, now)
}

// ParseEnvelope reads the common wrapper fields so a caller can
// dispatch on ExportType before committing to a shape; the payload is
// decoded only generically, into maps and slices.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, glerr.Import("malformed export envelope", err)
	}
	if env.GleeExportVersion == "" {
		return Envelope{}, glerr.Import("missing gleeExportVersion", nil)
	}
	return env, nil
}

func stringArray(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}
