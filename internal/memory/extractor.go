// Package memory implements the MemoryExtractor (C9, §4.8) and the
// embedding-based retrieval it and the ContextBuilder share (§4.10).
package memory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/inference"
	"github.com/glee/core/internal/repo"
)

const (
	minContentBytes = 15 // shorter turns carry nothing worth extracting
	minFactBytes    = 5
	candidatePoolN  = 50 // top-N existing memories checked for dedup/contradiction
)

const extractionPrompt = `Read the exchange below and extract any new, durable facts worth remembering about the user or the world. Reply with a JSON array of strings only — no prose, no markdown. Each string must be prefixed with exactly one category label: "User:", "World:", "Relationship:", or "Emotional:". If nothing is worth keeping, reply with [].

Exchange:
%s`

// Generator is the narrow slice of InferenceSupervisor the extractor
// needs: a one-shot completion for the extraction prompt itself, and
// an embedding call for each newly inserted fact.
type Generator interface {
	GenerateOnce(ctx context.Context, messages []inference.ChatMessage, params inference.GenerationParams) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extractor runs the one-shot extraction prompt and folds the result
// into a character's durable memory, deduplicating and resolving
// contradictions against what is already stored.
type Extractor struct {
	log        zerolog.Logger
	inference  Generator
	memories   *repo.MemoryRepo
	embeddings *repo.EmbeddingRepo
	sf         singleflight.Group
}

func NewExtractor(log zerolog.Logger, inf Generator, memories *repo.MemoryRepo, embeddings *repo.EmbeddingRepo) *Extractor {
	return &Extractor{
		log:        log.With().Str("component", "memory_extractor").Logger(),
		inference:  inf,
		memories:   memories,
		embeddings: embeddings,
	}
}

// Extract is called once per side of a completed turn (the user's
// message and the new character message). Errors are expected to be
// logged and swallowed by the caller (§7: extraction never fails a
// turn) — Extract itself still returns the error so callers can choose
// to log it with their own context.
//
// Concurrent calls for the same (characterID, conversationID) are
// coalesced via singleflight: the scheduler detaches extraction
// fire-and-forget per turn, and a slow inference round trip must not
// let two turns for the same conversation race each other's dedup
// reads against the memory table.
func (e *Extractor) Extract(ctx context.Context, characterID string, conversationID *string, content string, sourceMessageIDs []string) error {
	if len(content) < minContentBytes {
		return nil
	}

	key := characterID + "|" + derefOr(conversationID, "")
	_, err, _ := e.sf.Do(key, func() (any, error) {
		return nil, e.extract(ctx, characterID, conversationID, content, sourceMessageIDs)
	})
	return err
}

func (e *Extractor) extract(ctx context.Context, characterID string, conversationID *string, content string, sourceMessageIDs []string) error {
	raw, err := e.inference.GenerateOnce(ctx, []inference.ChatMessage{
		{Role: "user", Content: sprintfPrompt(content)},
	}, inference.GenerationParams{Temperature: 0.1, MaxTokens: 256})
	if err != nil {
		return err
	}

	facts := parseFacts(raw)
	if len(facts) == 0 {
		return nil
	}

	existing, err := e.memories.TopForCharacter(ctx, characterID, candidatePoolN)
	if err != nil {
		return err
	}

	for _, fact := range facts {
		category, body := splitCategory(fact)
		if len(body) < minFactBytes {
			continue
		}
		e.foldFact(ctx, characterID, conversationID, sourceMessageIDs, category, body, existing)
	}
	return nil
}

func (e *Extractor) foldFact(ctx context.Context, characterID string, conversationID *string, sourceMessageIDs []string, category, body string, existing []entities.MemoryEntry) {
	lowerBody := strings.ToLower(body)

	for _, m := range existing {
		lowerExisting := strings.ToLower(m.Content)
		if strings.Contains(lowerExisting, lowerBody) || strings.Contains(lowerBody, lowerExisting) {
			return // duplicate, nothing to do
		}
	}

	for i, m := range existing {
		mCategory, mBody := splitCategory(m.Content)
		if mCategory != category {
			continue
		}
		if contradicts(mBody, body) {
			full := category + ": " + body
			if err := e.memories.UpdateContent(ctx, m.ID, full); err != nil {
				e.log.Warn().Err(err).Str("memory_id", m.ID).Msg("failed to update contradicted memory")
				return
			}
			existing[i].Content = full
			return
		}
	}

	full := category + ": " + body
	inserted, err := e.memories.Insert(ctx, characterID, conversationID, full, defaultImportance, sourceMessageIDs)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to insert memory")
		return
	}

	vec, embedErr := e.inference.Embed(ctx, full)
	if embedErr != nil {
		vec, embedErr = e.inference.Embed(ctx, full) // one retry
	}
	if embedErr != nil {
		e.log.Warn().Err(embedErr).Str("memory_id", inserted.ID).Msg("embedding failed twice, storing memory without one")
		return
	}
	if err := e.embeddings.Upsert(ctx, "memory", inserted.ID, vec); err != nil {
		e.log.Warn().Err(err).Str("memory_id", inserted.ID).Msg("failed to store memory embedding")
	}
}

const defaultImportance = 0.5

func sprintfPrompt(content string) string {
	return strings.Replace(extractionPrompt, "%s", content, 1)
}

func splitCategory(fact string) (category, body string) {
	idx := strings.Index(fact, ":")
	if idx < 0 {
		return "", strings.TrimSpace(fact)
	}
	return strings.TrimSpace(fact[:idx]), strings.TrimSpace(fact[idx+1:])
}

// contradictionSubjects pairs a category-agnostic list of phrasings
// that, when both the new and existing fact match the same entry,
// mark the two as describing the same changeable subject rather than
// two independent facts (§4.8 step 4).
var contradictionSubjects = [][]string{
	{"years old", "year old", "aged", "is age"},
	{"name is"},
	{"is from", "lives in", "located in", "from the"},
	{"works as", "job is", "profession is", "works at", "employed as"},
	{"married", "single", "dating", "in a relationship", "engaged"},
}

func contradicts(existingBody, newBody string) bool {
	el, nl := strings.ToLower(existingBody), strings.ToLower(newBody)
	for _, patterns := range contradictionSubjects {
		if matchesAny(el, patterns) && matchesAny(nl, patterns) {
			return true
		}
	}
	return false
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// parseFacts robustly decodes the extraction prompt's response: a
// direct JSON array, else a "[...]" substring embedded in surrounding
// prose, else a bullet-point list as a last resort (§4.8 step 3).
func parseFacts(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var facts []string
	if err := json.Unmarshal([]byte(raw), &facts); err == nil {
		return facts
	}

	if start := strings.Index(raw, "["); start >= 0 {
		if end := strings.LastIndex(raw, "]"); end > start {
			if err := json.Unmarshal([]byte(raw[start:end+1]), &facts); err == nil {
				return facts
			}
		}
	}

	return parseBulletPoints(raw)
}

func parseBulletPoints(raw string) []string {
	var facts []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "-")
		line = strings.TrimPrefix(line, "*")
		line = strings.TrimSpace(line)
		if line != "" {
			facts = append(facts, line)
		}
	}
	return facts
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
