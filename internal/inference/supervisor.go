// Package inference owns the local inference child process (C4): its
// lifecycle, health, streaming/one-shot generation, and embeddings.
package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/glee/core/internal/glerr"
)

// State is the supervisor's lifecycle state machine (§4.3). Only
// Ready accepts generate/embedding calls.
type State int

const (
	Absent State = iota
	Spawning
	Ready
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Absent:
		return "not_found"
	case Spawning:
		return "loading"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "loading"
	default:
		return "error"
	}
}

// Config configures one spawn attempt. AccelerationTag is threaded
// unmodified into the child's environment (SPEC_FULL.md §3
// supplement) — no GPU probing lives in this package.
type Config struct {
	BinaryPaths     []string // prioritized search list
	ModelPath       string
	Host            string // defaults to 127.0.0.1
	PreferredPort   int    // 0 => always pick a free port
	ContextWindow   int
	GPULayers       int
	KVCacheQuant    bool
	AccelerationTag string
}

// SetupStatus is the plain-struct status query (SPEC_FULL.md §3) an
// outer shell polls instead of reaching into supervisor internals.
type SetupStatus struct {
	ModelFilePresent bool
	BinaryFound      bool
	Recommended      string
}

// Supervisor owns at most one child process at a time. Its identity is
// shared (reference-counted via this struct's own mutex-guarded
// fields) with the scheduler.
type Supervisor struct {
	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	cancel context.CancelFunc

	baseURL string
	client  openai.Client
	hasClient bool

	detectedStop []string
	log          zerolog.Logger
}

func New(log zerolog.Logger) *Supervisor {
	return &Supervisor{state: Absent, log: log.With().Str("component", "inference").Logger()}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status answers the setup/health query without requiring a spawn
// attempt.
func Status(cfg Config) SetupStatus {
	st := SetupStatus{Recommended: cfg.AccelerationTag}
	if cfg.ModelPath != "" {
		if _, err := os.Stat(cfg.ModelPath); err == nil {
			st.ModelFilePresent = true
		}
	}
	if _, err := resolveBinary(cfg.BinaryPaths); err == nil {
		st.BinaryFound = true
	}
	return st
}

func resolveBinary(paths []string) (string, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
		if resolved, err := exec.LookPath(p); err == nil {
			return resolved, nil
		}
	}
	return "", errors.New("no sidecar binary found in search list")
}

func pickPort(host string, preferred int) (int, error) {
	if preferred > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(preferred)))
		if err == nil {
			ln.Close()
			return preferred, nil
		}
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok || tcp.Port == 0 {
		return 0, errors.New("failed to allocate a free port")
	}
	return tcp.Port, nil
}

// Start resolves the binary, picks a port, spawns the child, and polls
// /health with a 1s cadence up to 300s, emitting progress every 10s
// via onProgress. On first success it probes /props for detected stop
// sequences.
func (s *Supervisor) Start(ctx context.Context, cfg Config, onProgress func(attempt, maxAttempts int)) error {
	s.mu.Lock()
	if s.state != Absent {
		s.mu.Unlock()
		return glerr.Sidecar("inference process already active", nil)
	}
	s.state = Spawning
	s.mu.Unlock()

	binPath, err := resolveBinary(cfg.BinaryPaths)
	if err != nil {
		s.setState(Absent)
		return glerr.Sidecar("sidecar binary not found", err)
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := pickPort(host, cfg.PreferredPort)
	if err != nil {
		s.setState(Absent)
		return glerr.Sidecar("failed to allocate port", err)
	}

	srvCtx, cancel := context.WithCancel(context.Background())
	args := buildArgs(cfg, host, port)
	cmd := exec.CommandContext(srvCtx, binPath, args...)
	cmd.Env = append(os.Environ(), "GLEE_ACCEL="+cfg.AccelerationTag)
	cmd.Stdout = newLineClassifyingWriter(s.log, "stdout")
	cmd.Stderr = newLineClassifyingWriter(s.log, "stderr")

	if err := cmd.Start(); err != nil {
		cancel()
		s.setState(Absent)
		return glerr.Sidecar("failed to start sidecar process", err)
	}

	baseURL := fmt.Sprintf("http://%s:%d", host, port)
	client := openai.NewClient(option.WithAPIKey("local"), option.WithBaseURL(baseURL+"/"))

	s.mu.Lock()
	s.cmd = cmd
	s.cancel = cancel
	s.baseURL = baseURL
	s.client = client
	s.hasClient = true
	s.mu.Unlock()

	if err := s.waitForHealth(srvCtx, cmd, baseURL, onProgress); err != nil {
		s.stopLocked(true)
		s.setState(Absent)
		return err
	}

	s.probeProps(ctx, baseURL)
	s.setState(Ready)
	return nil
}

func buildArgs(cfg Config, host string, port int) []string {
	args := []string{
		"--model", cfg.ModelPath,
		"--host", host,
		"--port", strconv.Itoa(port),
		"--ctx-size", strconv.Itoa(cfg.ContextWindow),
		"--n-gpu-layers", strconv.Itoa(cfg.GPULayers),
		"--parallel", "1",
	}
	if cfg.KVCacheQuant {
		args = append(args, "--cache-type-k", "q8_0", "--cache-type-v", "q8_0")
	}
	return args
}

func (s *Supervisor) waitForHealth(ctx context.Context, cmd *exec.Cmd, baseURL string, onProgress func(attempt, maxAttempts int)) error {
	const maxAttempts = 300
	httpClient := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastProgress := time.Now()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case err := <-exited:
			return glerr.Sidecar("sidecar process exited during startup", err)
		default:
		}

		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if onProgress != nil && time.Since(lastProgress) >= 10*time.Second {
			onProgress(attempt, maxAttempts)
			lastProgress = time.Now()
		}

		select {
		case <-ctx.Done():
			return glerr.Sidecar("startup cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
	return glerr.Sidecar("sidecar did not become healthy within 300s", nil)
}

func (s *Supervisor) probeProps(ctx context.Context, baseURL string) {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/props", nil)
	resp, err := httpClient.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Msg("props probe failed, no detected stop sequences")
		return
	}
	defer resp.Body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	stopArr := gjson.GetBytes(buf, "default_generation_settings.stop")
	if !stopArr.Exists() || !stopArr.IsArray() {
		return
	}
	var stops []string
	for _, v := range stopArr.Array() {
		if v.String() != "" {
			stops = append(stops, v.String())
		}
	}
	s.mu.Lock()
	s.detectedStop = stops
	s.mu.Unlock()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Stop attempts a best-effort POST /quit, then cancels the child's
// context, which kills a still-running process right away
// (exec.CommandContext), and waits up to 500ms for it to be reaped
// before an explicit kill. No grace period separates the /quit from
// the cancel. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.state == Absent {
		s.mu.Unlock()
		return
	}
	s.state = ShuttingDown
	s.mu.Unlock()
	s.stopLocked(false)
	s.setState(Absent)
}

func (s *Supervisor) stopLocked(skipQuit bool) {
	s.mu.Lock()
	cancel := s.cancel
	cmd := s.cmd
	baseURL := s.baseURL
	s.cancel = nil
	s.cmd = nil
	s.hasClient = false
	s.mu.Unlock()

	if !skipQuit && baseURL != "" {
		quitCtx, quitCancel := context.WithTimeout(context.Background(), 2*time.Second)
		req, _ := http.NewRequestWithContext(quitCtx, http.MethodPost, baseURL+"/quit", nil)
		if req != nil {
			httpClient := &http.Client{Timeout: 2 * time.Second}
			if resp, err := httpClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}
		quitCancel()
	}
	if cancel != nil {
		cancel()
	}
	if cmd == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
}

// HealthCheck polls /health once; on failure the caller should demote
// the supervisor (see scheduler step 1).
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	baseURL := s.baseURL
	ready := s.state == Ready
	s.mu.Unlock()
	if !ready {
		return glerr.Sidecar("inference process not ready", nil)
	}
	httpClient := &http.Client{Timeout: 3 * time.Second}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	resp, err := httpClient.Do(req)
	if err != nil {
		return glerr.Sidecar("health check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return glerr.Sidecar(fmt.Sprintf("health check returned %d", resp.StatusCode), nil)
	}
	return nil
}

// Demote forces the supervisor back to Absent without a graceful
// /quit, used after a stall/timeout to clear a zombie state (§4.6
// step 11).
func (s *Supervisor) Demote(ctx context.Context) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == Absent {
		return
	}
	s.stopLocked(true)
	s.setState(Absent)
}

// DetectedStop returns the stop-token set discovered via /props, if any.
func (s *Supervisor) DetectedStop() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectedStop
}

func (s *Supervisor) openaiClient() (openai.Client, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready || !s.hasClient {
		return openai.Client{}, "", glerr.Sidecar("inference process not ready", nil)
	}
	return s.client, s.baseURL, nil
}

func defaultBinarySearchPaths(exeDir string) []string {
	names := []string{"llama-server", "llama-server.exe"}
	var paths []string
	for _, n := range names {
		paths = append(paths, filepath.Join(exeDir, n), filepath.Join(exeDir, "resources", n), n)
	}
	return paths
}
