package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseChunk(w http.ResponseWriter, content string, finish *string) {
	finishJSON := "null"
	if finish != nil {
		finishJSON = `"` + *finish + `"`
	}
	fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"local\","+
		"\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":%s}]}\n\n", content, finishJSON)
}

func TestGenerate_StreamsTokensThenDone(t *testing.T) {
	stop := "stop"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		sseChunk(w, "Hello", nil)
		flusher.Flush()
		sseChunk(w, " world", nil)
		flusher.Flush()
		sseChunk(w, "", &stop)
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.mu.Lock()
	s.baseURL = srv.URL
	s.client = newTestClient(srv.URL)
	s.hasClient = true
	s.state = Ready
	s.mu.Unlock()

	events, err := s.Generate(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, GenerationParams{Temperature: 0.8, TopP: 0.9})
	require.NoError(t, err)

	var tokens []string
	var gotDone bool
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				assert.Equal(t, []string{"Hello", " world"}, tokens)
				assert.True(t, gotDone)
				return
			}
			switch ev.Kind {
			case EventToken:
				tokens = append(tokens, ev.Token)
			case EventDone:
				gotDone = true
			case EventError:
				t.Fatalf("unexpected error event: %v", ev.Err)
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestGenerate_NotReady(t *testing.T) {
	s := New(zerolog.Nop())
	_, err := s.Generate(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, GenerationParams{})
	assert.Error(t, err)
}

func TestGenerate_ContextCancelAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		sseChunk(w, "partial", nil)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.mu.Lock()
	s.baseURL = srv.URL
	s.client = newTestClient(srv.URL)
	s.hasClient = true
	s.state = Ready
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := s.Generate(ctx, []ChatMessage{{Role: "user", Content: "hi"}}, GenerationParams{})
	require.NoError(t, err)

	var gotToken, gotErr bool
	for ev := range events {
		switch ev.Kind {
		case EventToken:
			gotToken = true
		case EventError:
			gotErr = true
		}
	}
	assert.True(t, gotToken)
	assert.True(t, gotErr)
}
