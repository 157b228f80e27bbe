package inference

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickPort_PreferredFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	preferred := addr.Port
	ln.Close()

	port, err := pickPort("127.0.0.1", preferred)
	require.NoError(t, err)
	assert.Equal(t, preferred, port)
}

func TestPickPort_PreferredBusyFallsBack(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	port, err := pickPort("127.0.0.1", busy)
	require.NoError(t, err)
	assert.NotEqual(t, busy, port)
	assert.NotZero(t, port)
}

func TestResolveBinary_SearchList(t *testing.T) {
	_, err := resolveBinary([]string{"", "/nonexistent/path/to/binary"})
	assert.Error(t, err)

	path, err := resolveBinary([]string{"/bin/sh", "/nonexistent"})
	if err == nil {
		assert.NotEmpty(t, path)
	}
}

func TestHealthCheck_SucceedsOnOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	// waitForHealth needs a real child process, so this test covers the
	// single /health probe that HealthCheck makes against a fake server.
	s.mu.Lock()
	s.baseURL = srv.URL
	s.state = Ready
	s.mu.Unlock()

	err := s.HealthCheck(context.Background())
	require.NoError(t, err)
}

func TestHealthCheck_NotReady(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.HealthCheck(context.Background())
	assert.Error(t, err)
}

func TestHealthCheck_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.mu.Lock()
	s.baseURL = srv.URL
	s.state = Ready
	s.mu.Unlock()

	err := s.HealthCheck(context.Background())
	assert.Error(t, err)
}

func TestProbeProps_ParsesDetectedStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"default_generation_settings":{"stop":["<|eot|>","</s>"]}}`))
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.probeProps(context.Background(), srv.URL)

	assert.Equal(t, []string{"<|eot|>", "</s>"}, s.DetectedStop())
}

func TestProbeProps_MissingStopIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := New(zerolog.Nop())
	s.probeProps(context.Background(), srv.URL)
	assert.Empty(t, s.DetectedStop())
}

func TestStatus_ReportsMissingModelAndBinary(t *testing.T) {
	st := Status(Config{ModelPath: "/nonexistent/model.gguf", BinaryPaths: []string{"/nonexistent/bin"}})
	assert.False(t, st.ModelFilePresent)
	assert.False(t, st.BinaryFound)
}

func TestSupervisorState_String(t *testing.T) {
	assert.Equal(t, "not_found", Absent.String())
	assert.Equal(t, "loading", Spawning.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "loading", ShuttingDown.String())
}

func TestStop_IdempotentWhenAbsent(t *testing.T) {
	s := New(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx) // must not panic or block
	assert.Equal(t, Absent, s.State())
}

func TestDemote_NoopWhenAlreadyAbsent(t *testing.T) {
	s := New(zerolog.Nop())
	s.Demote(context.Background())
	assert.Equal(t, Absent, s.State())
}
