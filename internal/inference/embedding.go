package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/glee/core/internal/glerr"
)

const embeddingTimeout = 30 * time.Second

// Embed calls the sidecar's /embedding endpoint directly: llama.cpp's
// embedding response shape predates and diverges from the OpenAI
// embeddings API, so this is a hand-rolled request rather than a
// openai-go call (grounded on the teacher's local-embedding client).
func (s *Supervisor) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	baseURL := s.baseURL
	ready := s.state == Ready
	s.mu.Unlock()
	if !ready {
		return nil, glerr.Sidecar("inference process not ready", nil)
	}

	body, err := json.Marshal(map[string]any{"content": text})
	if err != nil {
		return nil, glerr.JSON("failed to encode embedding request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, embeddingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, baseURL+"/embedding", bytes.NewReader(body))
	if err != nil {
		return nil, glerr.HTTP("failed to build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: embeddingTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, glerr.HTTP("embedding request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, glerr.HTTP("failed to read embedding response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, glerr.HTTP("embedding request returned non-200", nil)
	}

	// The server returns either a bare array, or (batch mode) an array
	// of {embedding: [...]} objects; handle both by probing shape.
	parsed := gjson.ParseBytes(raw)
	var vecResult gjson.Result
	if parsed.IsArray() {
		arr := parsed.Array()
		if len(arr) == 0 {
			return nil, glerr.LLM("embedding response was empty", nil)
		}
		first := arr[0]
		if first.Get("embedding").Exists() {
			vecResult = first.Get("embedding")
		} else {
			vecResult = parsed
		}
	} else {
		vecResult = parsed.Get("embedding")
	}
	if !vecResult.Exists() || !vecResult.IsArray() {
		return nil, glerr.LLM("embedding response had unexpected shape", nil)
	}

	items := vecResult.Array()
	// Some builds nest one extra level ([[...]]) for per-token pooling;
	// unwrap down to the flat float leaf array.
	for len(items) == 1 && items[0].IsArray() {
		items = items[0].Array()
	}
	vec := make([]float32, len(items))
	for i, v := range items {
		vec[i] = float32(v.Float())
	}
	return vec, nil
}
