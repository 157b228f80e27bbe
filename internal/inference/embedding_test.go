package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbed_BareArrayShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embedding", r.URL.Path)
		w.Write([]byte(`[0.1, 0.2, 0.3]`))
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.mu.Lock()
	s.baseURL = srv.URL
	s.state = Ready
	s.mu.Unlock()

	vec, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 3)
	assert.InDelta(t, 0.1, vec[0], 1e-6)
}

func TestEmbed_BatchObjectShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"embedding": [0.4, 0.5]}]`))
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.mu.Lock()
	s.baseURL = srv.URL
	s.state = Ready
	s.mu.Unlock()

	vec, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 2)
	assert.InDelta(t, 0.4, vec[0], 1e-6)
}

func TestEmbed_NestedPoolingShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embedding": [[0.7, 0.8, 0.9]]}`))
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.mu.Lock()
	s.baseURL = srv.URL
	s.state = Ready
	s.mu.Unlock()

	vec, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 3)
}

func TestEmbed_NotReady(t *testing.T) {
	s := New(zerolog.Nop())
	_, err := s.Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestEmbed_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.mu.Lock()
	s.baseURL = srv.URL
	s.state = Ready
	s.mu.Unlock()

	_, err := s.Embed(context.Background(), "hello")
	assert.Error(t, err)
}
