package repo

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/store"
)

// SettingsRepo surfaces the flat dotted-key/value table as a typed
// record (invariant S1: keys are dotted identifiers, updates atomic
// per-key or per-batch).
type SettingsRepo struct {
	db *store.Store
}

func NewSettingsRepo(db *store.Store) *SettingsRepo { return &SettingsRepo{db: db} }

const (
	keyTemperature           = "generation.temperature"
	keyTopP                  = "generation.top_p"
	keyMaxResponseTokens     = "generation.max_response_tokens"
	keyContextWindow         = "generation.context_window"
	keyLorebookBudget        = "generation.lorebook_budget"
	keyResponseReserve       = "generation.response_reserve"
	keyExampleDialogueBudget = "generation.example_dialogue_budget"
	keyStopSequences         = "generation.stop_sequences"
	keyModelPath             = "model.path"
	keyAccelerationLayers    = "model.acceleration_layers"
)

func defaultSettings() entities.Settings {
	return entities.Settings{
		Temperature:           0.8,
		TopP:                  0.95,
		MaxResponseTokens:     512,
		ContextWindow:         4096,
		LorebookBudget:        512,
		ResponseReserve:       256,
		ExampleDialogueBudget: 512,
		ModelPath:             "",
		AccelerationLayers:    0,
		Flags:                 map[string]bool{},
	}
}

// GetAll reads every key, applying defaults for anything absent.
func (r *SettingsRepo) GetAll(ctx context.Context) (entities.Settings, error) {
	rows, err := store.QueryAll(ctx, r.db, `SELECT key, value FROM settings`,
		func(row store.Scanner) (kv, error) {
			var k, v string
			err := row.Scan(&k, &v)
			return kv{k, v}, err
		})
	if err != nil {
		return entities.Settings{}, err
	}
	s := defaultSettings()
	for _, p := range rows {
		applySetting(&s, p.key, p.value)
	}
	return s, nil
}

type kv struct{ key, value string }

func applySetting(s *entities.Settings, key, value string) {
	switch key {
	case keyTemperature:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			s.Temperature = f
		}
	case keyTopP:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			s.TopP = f
		}
	case keyMaxResponseTokens:
		if n, err := strconv.Atoi(value); err == nil {
			s.MaxResponseTokens = n
		}
	case keyContextWindow:
		if n, err := strconv.Atoi(value); err == nil {
			s.ContextWindow = n
		}
	case keyLorebookBudget:
		if n, err := strconv.Atoi(value); err == nil {
			s.LorebookBudget = n
		}
	case keyResponseReserve:
		if n, err := strconv.Atoi(value); err == nil {
			s.ResponseReserve = n
		}
	case keyExampleDialogueBudget:
		if n, err := strconv.Atoi(value); err == nil {
			s.ExampleDialogueBudget = n
		}
	case keyStopSequences:
		var seqs []string
		if json.Unmarshal([]byte(value), &seqs) == nil {
			s.StopSequences = seqs
		}
	case keyModelPath:
		s.ModelPath = value
	case keyAccelerationLayers:
		if n, err := strconv.Atoi(value); err == nil {
			s.AccelerationLayers = n
		}
	default:
		if strings.HasPrefix(key, "flags.") {
			if s.Flags == nil {
				s.Flags = map[string]bool{}
			}
			s.Flags[strings.TrimPrefix(key, "flags.")] = value == "true"
		}
	}
}

// Set atomically updates one dotted key.
func (r *SettingsRepo) Set(ctx context.Context, key, value string) error {
	if !isDottedKey(key) {
		return glerr.Validation("settings key must be dotted: " + key)
	}
	_, err := r.db.Execute(ctx,
		`INSERT INTO settings (key, value) VALUES ($1,$2)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// SetBatch atomically updates many keys in one transaction.
func (r *SettingsRepo) SetBatch(ctx context.Context, updates map[string]string) error {
	for k := range updates {
		if !isDottedKey(k) {
			return glerr.Validation("settings key must be dotted: " + k)
		}
	}
	return r.db.Transaction(ctx, func(txCtx context.Context) error {
		for k, v := range updates {
			if _, err := r.db.Execute(txCtx,
				`INSERT INTO settings (key, value) VALUES ($1,$2)
				 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func isDottedKey(key string) bool {
	return strings.Contains(key, ".") && !strings.HasPrefix(key, ".") && !strings.HasSuffix(key, ".")
}
