// Package download implements a reference DownloadSupervisor (C11):
// resumable model-file fetches over HTTP, with checksum verification
// and progress events. The protocol it speaks is an external
// collaborator per the core's module boundary, but nothing stops the
// core from shipping a working implementation of it.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/events"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/repo"
)

const (
	heartbeatInterval  = 5 * time.Second
	progressDBInterval = 2 * time.Second
	progressEvtInterval = 200 * time.Millisecond
	staleAfter         = 30 * time.Second
	chunkSize          = 64 * 1024
)

// errPaused and errCancelled are sentinels returned by the transfer
// goroutine to tell process() which terminal branch to take; they
// never escape the package.
var (
	errPaused    = errors.New("download paused")
	errCancelled = errors.New("download cancelled")
)

// Supervisor drives downloads to completion over plain HTTP, one
// goroutine pair (transfer + heartbeat) per active download.
type Supervisor struct {
	log       zerolog.Logger
	downloads *repo.DownloadRepo
	settings  *repo.SettingsRepo
	events    events.Sink
	client    *http.Client

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(log zerolog.Logger, downloads *repo.DownloadRepo, settings *repo.SettingsRepo, sink events.Sink) *Supervisor {
	return &Supervisor{
		log:       log.With().Str("component", "download").Logger(),
		downloads: downloads,
		settings:  settings,
		events:    sink,
		client:    &http.Client{},
		active:    make(map[string]context.CancelFunc),
	}
}

// RecoverStale resets any download left in status=downloading from a
// prior process that died without flipping its status — the
// heartbeat that would otherwise keep it fresh stopped along with it.
func (s *Supervisor) RecoverStale(ctx context.Context) error {
	stale, err := s.downloads.StaleDownloading(ctx, staleAfter)
	if err != nil {
		return err
	}
	for _, d := range stale {
		s.log.Warn().Str("download_id", d.ID).Msg("resetting stale download to pending")
		if err := s.downloads.SetStatus(ctx, d.ID, entities.DownloadPending); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue creates a new download row, pending start.
func (s *Supervisor) Enqueue(ctx context.Context, url, destination string, checksum *string) (entities.Download, error) {
	return s.downloads.Create(ctx, url, destination, checksum)
}

// Start begins (or resumes) a download in the background. It returns
// once the download is registered as active; the transfer itself
// runs detached from ctx's caller so a request handler returning
// doesn't cancel an in-flight fetch.
func (s *Supervisor) Start(id string) error {
	s.mu.Lock()
	if _, running := s.active[id]; running {
		s.mu.Unlock()
		return glerr.Download("download already active: "+id, nil)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.active[id] = cancel
	s.mu.Unlock()

	go s.process(runCtx, id)
	return nil
}

// Pause marks the download paused and cancels its transfer; the
// partial file and downloaded_bytes are left intact for a later
// Start to resume from.
func (s *Supervisor) Pause(ctx context.Context, id string) error {
	if err := s.downloads.SetStatus(ctx, id, entities.DownloadPaused); err != nil {
		return err
	}
	s.cancelActive(id)
	return nil
}

// Cancel marks the download cancelled and cancels its transfer; the
// partial file is deleted once the transfer goroutine unwinds.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	if err := s.downloads.SetStatus(ctx, id, entities.DownloadCancelled); err != nil {
		return err
	}
	s.cancelActive(id)
	return nil
}

func (s *Supervisor) cancelActive(id string) {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Supervisor) unregister(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// process runs one download's transfer+heartbeat pair and applies the
// terminal outcome (completed/paused/cancelled/failed) to the row.
func (s *Supervisor) process(ctx context.Context, id string) {
	defer s.unregister(id)

	d, err := s.downloads.Get(ctx, id)
	if err != nil {
		s.log.Error().Err(err).Str("download_id", id).Msg("download row vanished before start")
		return
	}
	if err := s.downloads.SetStatus(ctx, id, entities.DownloadDownloading); err != nil {
		s.log.Error().Err(err).Str("download_id", id).Msg("failed to mark downloading")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.heartbeat(gctx, id) })
	g.Go(func() error { return s.transfer(gctx, d) })

	err = g.Wait()

	switch {
	case err == nil:
		s.finishCompleted(ctx, d)
	case errors.Is(err, errPaused):
		s.log.Info().Str("download_id", id).Msg("download paused")
	case errors.Is(err, errCancelled):
		s.finishCancelled(ctx, d)
	default:
		s.finishFailed(ctx, d, err)
	}
}

// heartbeat keeps updated_at fresh while the transfer goroutine may be
// blocked on a slow read between progress writes, so RecoverStale
// never mistakes a live, slow connection for a dead one.
func (s *Supervisor) heartbeat(ctx context.Context, id string) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.downloads.Touch(ctx, id); err != nil {
				s.log.Warn().Err(err).Str("download_id", id).Msg("heartbeat touch failed")
			}
		}
	}
}

// transfer performs the resumable ranged fetch. It returns errPaused
// or errCancelled (sentinels, not real failures) when ctx is
// cancelled by Pause/Cancel, a real error on any I/O or verification
// failure, or nil on success.
func (s *Supervisor) transfer(ctx context.Context, d entities.Download) error {
	if err := os.MkdirAll(filepath.Dir(d.Destination), 0o755); err != nil {
		return glerr.IO("creating destination directory", err)
	}

	resumeFrom := int64(0)
	if fi, err := os.Stat(d.Destination); err == nil {
		resumeFrom = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return glerr.Download("building request", err)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return s.terminationReason(ctx, d.ID)
		}
		return glerr.Download("request failed", err)
	}
	defer resp.Body.Close()

	var out *os.File
	switch resp.StatusCode {
	case http.StatusOK:
		resumeFrom = 0
		out, err = os.Create(d.Destination)
	case http.StatusPartialContent:
		out, err = os.OpenFile(d.Destination, os.O_WRONLY|os.O_APPEND, 0o644)
	case http.StatusRequestedRangeNotSatisfiable:
		// Already fully downloaded per the server; treat as complete.
		return nil
	default:
		return glerr.Download(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	if err != nil {
		return glerr.IO("opening destination file", err)
	}
	defer out.Close()

	total := resumeFrom + resp.ContentLength
	if resp.ContentLength < 0 {
		total = parseContentRangeTotal(resp.Header.Get("Content-Range"), total)
	}

	err = s.stream(ctx, d.ID, out, resp.Body, resumeFrom, total)
	if err != nil && ctx.Err() != nil {
		return s.terminationReason(ctx, d.ID)
	}
	return err
}

func parseContentRangeTotal(header string, fallback int64) int64 {
	// Expected shape: "bytes 100-999/1000".
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return fallback
	}
	n, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Supervisor) stream(ctx context.Context, id string, out *os.File, body io.Reader, startAt, total int64) error {
	hasher := sha256.New()
	if startAt > 0 {
		if _, err := hashExistingPrefix(out.Name(), startAt, hasher); err != nil {
			return glerr.IO("hashing resumed prefix", err)
		}
	}

	downloaded := startAt
	buf := make([]byte, chunkSize)
	lastDBWrite := time.Time{}
	lastEvtEmit := time.Time{}
	periodStart := time.Now()
	periodBytes := int64(0)

	for {
		select {
		case <-ctx.Done():
			return s.terminationReason(ctx, id)
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return glerr.IO("writing to destination", err)
			}
			hasher.Write(buf[:n])
			downloaded += int64(n)
			periodBytes += int64(n)

			now := time.Now()
			if now.Sub(lastDBWrite) >= progressDBInterval {
				if err := s.downloads.UpdateProgress(ctx, id, downloaded, total); err != nil {
					s.log.Warn().Err(err).Str("download_id", id).Msg("progress write failed")
				}
				lastDBWrite = now
			}
			if now.Sub(lastEvtEmit) >= progressEvtInterval {
				elapsed := now.Sub(periodStart).Seconds()
				speed := float64(0)
				if elapsed > 0 {
					speed = float64(periodBytes) / elapsed
				}
				s.events.Emit("download:progress", map[string]any{
					"downloadId": id, "downloaded": downloaded, "total": total, "bytesPerSec": speed,
				})
				lastEvtEmit = now
				periodStart = now
				periodBytes = 0
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return glerr.IO("reading response body", readErr)
		}
	}

	if err := s.downloads.UpdateProgress(ctx, id, downloaded, total); err != nil {
		s.log.Warn().Err(err).Str("download_id", id).Msg("final progress write failed")
	}

	return s.verifyChecksum(ctx, id, out.Name())
}

// terminationReason distinguishes a pause from a cancel by re-reading
// the row's current status: whichever command handler won the race
// already wrote the intended terminal status before cancelling ctx.
func (s *Supervisor) terminationReason(ctx context.Context, id string) error {
	d, err := s.downloads.Get(context.Background(), id)
	if err != nil {
		return errCancelled
	}
	if d.Status == entities.DownloadPaused {
		return errPaused
	}
	return errCancelled
}

func (s *Supervisor) verifyChecksum(ctx context.Context, id, path string) error {
	d, err := s.downloads.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Checksum == nil || *d.Checksum == "" {
		return nil
	}
	s.events.Emit("download:verifying", map[string]any{"downloadId": id})

	f, err := os.Open(path)
	if err != nil {
		return glerr.IO("reopening file for checksum", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return glerr.IO("hashing downloaded file", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != *d.Checksum {
		os.Remove(path)
		return glerr.Download(fmt.Sprintf("checksum mismatch: got %s want %s", sum, *d.Checksum), nil)
	}
	return nil
}

func hashExistingPrefix(path string, n int64, hasher io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.CopyN(hasher, f, n)
}

func (s *Supervisor) finishCompleted(ctx context.Context, d entities.Download) {
	if err := s.downloads.SetStatus(ctx, d.ID, entities.DownloadCompleted); err != nil {
		s.log.Error().Err(err).Str("download_id", d.ID).Msg("failed to mark completed")
		return
	}

	if strings.HasSuffix(d.Destination, ".zip") {
		if err := extractZip(d.Destination); err != nil {
			s.log.Error().Err(err).Str("download_id", d.ID).Msg("zip extraction failed")
		}
	}
	if strings.HasSuffix(d.Destination, ".gguf") {
		if err := s.settings.Set(ctx, "model.path", d.Destination); err != nil {
			s.log.Error().Err(err).Str("download_id", d.ID).Msg("failed to update model.path")
		} else {
			s.events.Emit("model:status", map[string]any{"status": "ready"})
		}
	}

	s.events.Emit("download:complete", map[string]any{"downloadId": d.ID, "destination": d.Destination})
}

func (s *Supervisor) finishCancelled(ctx context.Context, d entities.Download) {
	os.Remove(d.Destination)
	s.log.Info().Str("download_id", d.ID).Msg("download cancelled, partial file removed")
}

func (s *Supervisor) finishFailed(ctx context.Context, d entities.Download, cause error) {
	s.log.Error().Err(cause).Str("download_id", d.ID).Msg("download failed")
	if err := s.downloads.Fail(ctx, d.ID); err != nil {
		s.log.Error().Err(err).Str("download_id", d.ID).Msg("failed to mark failed")
	}
	s.events.Emit("download:error", map[string]any{"downloadId": d.ID, "error": cause.Error()})
}
