// Package scheduler implements the GenerationScheduler (C7, §4.6): the
// long-lived worker loop that turns pending Queue tasks into streamed
// generations, enforcing the at-most-one-active-generation invariant
// (G1) and driving the OutputFilter, MemoryExtractor and Summarizer
// around each completed turn.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	gctx "github.com/glee/core/internal/context"
	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/events"
	"github.com/glee/core/internal/inference"
	"github.com/glee/core/internal/memory"
	"github.com/glee/core/internal/outputfilter"
	"github.com/glee/core/internal/queue"
	"github.com/glee/core/internal/repo"
	"github.com/glee/core/internal/summarizer"
	"github.com/glee/core/internal/tokenest"
)

const (
	tickInterval   = 2 * time.Second
	watchdogTimeout = 300 * time.Second
	stopDrainDeadline = 500 * time.Millisecond
)

// InferenceClient is the narrow slice of InferenceSupervisor the
// scheduler drives a generation through: lifecycle state, health, the
// streaming call itself, and the zombie-clearing demote used after a
// stall. Accepting this instead of the concrete supervisor type keeps
// the scheduler testable with a fake stream.
type InferenceClient interface {
	State() inference.State
	HealthCheck(ctx context.Context) error
	Generate(ctx context.Context, messages []inference.ChatMessage, params inference.GenerationParams) (<-chan inference.Event, error)
	Demote(ctx context.Context)
}

// slot is the G1 generation reservation: at most one may be occupied
// across the whole process.
type slot struct {
	occupied       bool
	messageID      string
	conversationID string
	cancel         context.CancelFunc
	startedAt      time.Time
}

// Scheduler owns the single background worker loop. All repositories
// and collaborators it touches are already safe for concurrent use on
// their own; the scheduler's own mutex guards the generation slot and
// the generating flag.
type Scheduler struct {
	log zerolog.Logger

	inference InferenceClient
	queue     *queue.Queue
	builder   *gctx.Builder
	events    events.Sink

	conversations *repo.ConversationRepo
	messages      *repo.MessageRepo
	characters    *repo.CharacterRepo
	settings      *repo.SettingsRepo

	extractor  *memory.Extractor
	summarizer *summarizer.Summarizer

	mu   sync.Mutex
	slot slot

	generating bool // true iff a task is currently being driven through step 7-12

	enqueueNotify chan struct{}
	shutdown      chan struct{}
	stopped       chan struct{}
}

func New(
	log zerolog.Logger,
	inf InferenceClient,
	q *queue.Queue,
	builder *gctx.Builder,
	sink events.Sink,
	conversations *repo.ConversationRepo,
	messages *repo.MessageRepo,
	characters *repo.CharacterRepo,
	settings *repo.SettingsRepo,
	extractor *memory.Extractor,
	summ *summarizer.Summarizer,
) *Scheduler {
	return &Scheduler{
		log:           log.With().Str("component", "scheduler").Logger(),
		inference:     inf,
		queue:         q,
		builder:       builder,
		events:        sink,
		conversations: conversations,
		messages:      messages,
		characters:    characters,
		settings:      settings,
		extractor:     extractor,
		summarizer:    summ,
		enqueueNotify: make(chan struct{}, 1),
		shutdown:      make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Notify wakes the loop after a new task is enqueued. Non-blocking: a
// pending notification already in the channel is enough, since the
// loop always re-checks NextPending on every wake regardless of cause.
func (s *Scheduler) Notify() {
	select {
	case s.enqueueNotify <- struct{}{}:
	default:
	}
}

// Run drives the worker loop until ctx is cancelled or Stop is called.
// It is meant to be launched with `go s.Run(ctx)`.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelActive()
			return
		case <-s.shutdown:
			s.cancelActive()
			return
		case <-ticker.C:
			s.checkWatchdog()
			s.runIteration(ctx)
		case <-s.enqueueNotify:
			s.runIteration(ctx)
		}
	}
}

// Stop signals shutdown and waits briefly for the loop to exit.
// Idempotent: calling Stop twice is harmless.
func (s *Scheduler) Stop() {
	select {
	case <-s.shutdown:
		// already closed
	default:
		close(s.shutdown)
	}
	select {
	case <-s.stopped:
	case <-time.After(stopDrainDeadline):
	}
}

func (s *Scheduler) cancelActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.occupied && s.slot.cancel != nil {
		s.slot.cancel()
	}
}

func (s *Scheduler) checkWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.occupied && time.Since(s.slot.startedAt) > watchdogTimeout {
		s.log.Warn().Str("conversation_id", s.slot.conversationID).Msg("generation exceeded watchdog timeout, cancelling")
		if s.slot.cancel != nil {
			s.slot.cancel()
		}
		s.releaseSlotLocked()
	}
}

// runIteration runs one pass of the §4.6 per-iteration protocol.
// Returning early at any step is the normal, expected outcome of most
// passes (no work to do, or a brief busy window).
func (s *Scheduler) runIteration(ctx context.Context) {
	if s.inference.State() == inference.Absent {
		return
	}

	s.mu.Lock()
	active := s.generating
	s.mu.Unlock()
	if active {
		return
	}
	if s.inference.State() != inference.Ready {
		if err := s.inference.HealthCheck(ctx); err != nil {
			s.log.Warn().Err(err).Msg("inference health check failed")
			s.events.Emit("model:status", map[string]any{"status": "error", "message": err.Error()})
			return
		}
	}

	task, ok, err := s.queue.NextPending(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to fetch next pending task")
		return
	}
	if !ok {
		return
	}

	if err := s.queue.MarkProcessing(ctx, task.ID); err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("task was no longer pending, skipping")
		return
	}

	s.mu.Lock()
	s.generating = true
	s.mu.Unlock()

	// drive streams the generation to completion, which can take much
	// longer than one tick interval. It runs detached from the loop
	// goroutine so the ticker keeps firing and the watchdog in
	// checkWatchdog can still observe and cancel a stalled slot.
	go func() {
		defer func() {
			s.mu.Lock()
			s.generating = false
			s.mu.Unlock()
		}()
		if err := s.drive(ctx, task); err != nil {
			s.log.Error().Err(err).Str("task_id", task.ID).Msg("generation iteration failed")
		}
	}()
}

// drive resolves the target character, builds context, reserves the
// generation slot and runs the stream to completion, handling all
// terminal outcomes (steps 3-13 of §4.6).
func (s *Scheduler) drive(ctx context.Context, task entities.QueueTask) error {
	target := task.TargetCharacter
	if target == nil {
		conv, err := s.conversations.Get(ctx, task.ConversationID)
		if err != nil || len(conv.CharacterIDs) == 0 {
			return s.failTask(ctx, task, "no target character resolvable")
		}
		target = &conv.CharacterIDs[0]
	}
	if _, err := s.characters.Get(ctx, *target); err != nil {
		return s.failTask(ctx, task, "target character not found")
	}

	settings, err := s.settings.GetAll(ctx)
	if err != nil {
		return s.failTask(ctx, task, "failed to load settings")
	}

	built, err := s.builder.Build(ctx, task.ConversationID, settings.ContextWindow)
	if err != nil {
		return s.failTask(ctx, task, "context build failed: "+err.Error())
	}

	branchIndex, err := s.messages.GetNextBranchIndex(ctx, task.ConversationID, task.ParentMessageID)
	if err != nil {
		return s.failTask(ctx, task, "failed to compute branch index")
	}
	placeholder, err := s.messages.Create(ctx, repo.CreateMessageInput{
		ConversationID: task.ConversationID, ParentID: task.ParentMessageID,
		AuthorType: entities.AuthorCharacter, AuthorID: target, Content: "",
		IsActiveBranch: true, BranchIndex: &branchIndex,
	})
	if err != nil {
		return s.failTask(ctx, task, "failed to create placeholder message")
	}
	if err := s.conversations.SetActiveMessage(ctx, task.ConversationID, &placeholder.ID); err != nil {
		return s.failTask(ctx, task, "failed to set active message")
	}

	genCtx, cancel := context.WithCancel(ctx)
	if !s.reserveSlot(placeholder.ID, task.ConversationID, cancel) {
		cancel()
		s.messages.Delete(ctx, placeholder.ID)
		s.conversations.SetActiveMessage(ctx, task.ConversationID, task.ParentMessageID)
		s.queue.MarkPending(ctx, task.ID)
		return nil // slot was occupied by a racing reservation; retried on the next wake
	}
	defer s.releaseSlot()

	promptMessages := buildPromptMessages(built)
	stream, err := s.inference.Generate(genCtx, promptMessages, inference.GenerationParams{
		Temperature: settings.Temperature, TopP: settings.TopP,
		MaxTokens: settings.MaxResponseTokens, Stop: settings.StopSequences,
	})
	if err != nil {
		s.messages.Delete(ctx, placeholder.ID)
		s.conversations.SetActiveMessage(ctx, task.ConversationID, task.ParentMessageID)
		s.queue.MarkFailed(ctx, task.ID, err.Error())
		s.events.Emit("chat:error", map[string]any{"conversationId": task.ConversationID, "messageId": placeholder.ID, "error": err.Error()})
		return err
	}

	filter := outputfilter.New(s.log, built.CharacterName)
	var assembled strings.Builder

	for ev := range stream {
		switch ev.Kind {
		case inference.EventToken:
			visible := filter.Feed(ev.Token)
			if visible != "" {
				assembled.WriteString(visible)
				s.events.Emit("chat:token", map[string]any{"conversationId": task.ConversationID, "messageId": placeholder.ID, "token": visible})
			}
		case inference.EventDone:
			if residual := filter.Flush(); residual != "" {
				assembled.WriteString(residual)
				s.events.Emit("chat:token", map[string]any{"conversationId": task.ConversationID, "messageId": placeholder.ID, "token": residual})
			}
			return s.completeTask(ctx, task, placeholder, assembled.String())
		case inference.EventError:
			if errors.Is(ev.Err, context.Canceled) {
				return s.cancelTask(ctx, task, placeholder)
			}
			return s.errorTask(ctx, task, placeholder, ev.Err)
		}
	}
	return nil
}

func buildPromptMessages(built gctx.Result) []inference.ChatMessage {
	msgs := make([]inference.ChatMessage, 0, len(built.History)+1)
	msgs = append(msgs, inference.ChatMessage{Role: "system", Content: built.SystemPrompt})
	for _, m := range built.History {
		role := "user"
		if m.AuthorType == entities.AuthorCharacter {
			role = "assistant"
		}
		msgs = append(msgs, inference.ChatMessage{Role: role, Content: m.Content})
	}
	return msgs
}

func (s *Scheduler) completeTask(ctx context.Context, task entities.QueueTask, placeholder entities.Message, content string) error {
	tokenCount := tokenest.Estimate(content)
	if err := s.messages.UpdateContent(ctx, placeholder.ID, content, tokenCount); err != nil {
		return err
	}
	if err := s.queue.MarkCompleted(ctx, task.ID); err != nil {
		return err
	}
	placeholder.Content = content
	placeholder.TokenCount = tokenCount
	s.events.Emit("chat:complete", map[string]any{"conversationId": task.ConversationID, "message": placeholder})

	if s.extractor != nil {
		go func() {
			bg := context.Background()
			if task.ParentMessageID != nil {
				if parent, err := s.messages.Get(bg, *task.ParentMessageID); err == nil {
					if err := s.extractor.Extract(bg, *placeholder.AuthorID, &task.ConversationID, parent.Content, []string{parent.ID}); err != nil {
						s.log.Warn().Err(err).Msg("memory extraction failed for parent message")
					}
				}
			}
			if err := s.extractor.Extract(bg, *placeholder.AuthorID, &task.ConversationID, content, []string{placeholder.ID}); err != nil {
				s.log.Warn().Err(err).Msg("memory extraction failed for character message")
			}
		}()
	}
	if s.summarizer != nil {
		go func() {
			if err := s.summarizer.MaybeSummarize(context.Background(), task.ConversationID); err != nil {
				s.log.Warn().Err(err).Msg("summarization pass failed")
			}
		}()
	}
	return nil
}

func (s *Scheduler) cancelTask(ctx context.Context, task entities.QueueTask, placeholder entities.Message) error {
	s.messages.Delete(ctx, placeholder.ID)
	s.conversations.SetActiveMessage(ctx, task.ConversationID, task.ParentMessageID)
	return s.queue.MarkCancelled(ctx, task.ID)
}

func (s *Scheduler) errorTask(ctx context.Context, task entities.QueueTask, placeholder entities.Message, genErr error) error {
	msg := genErr.Error()
	if strings.Contains(msg, "stalled") || strings.Contains(msg, "timeout") {
		s.inference.Demote(ctx)
	}
	s.messages.Delete(ctx, placeholder.ID)
	s.conversations.SetActiveMessage(ctx, task.ConversationID, task.ParentMessageID)
	if err := s.queue.MarkFailed(ctx, task.ID, msg); err != nil {
		return err
	}
	s.events.Emit("chat:error", map[string]any{"conversationId": task.ConversationID, "messageId": placeholder.ID, "error": msg})
	return genErr
}

func (s *Scheduler) failTask(ctx context.Context, task entities.QueueTask, reason string) error {
	if err := s.queue.MarkFailed(ctx, task.ID, reason); err != nil {
		return err
	}
	s.events.Emit("chat:error", map[string]any{"conversationId": task.ConversationID, "error": reason})
	return errors.New(reason)
}

// reserveSlot implements the G1 compare-and-set: it succeeds only if no
// other generation currently occupies the slot.
func (s *Scheduler) reserveSlot(messageID, conversationID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.occupied {
		return false
	}
	s.slot = slot{occupied: true, messageID: messageID, conversationID: conversationID, cancel: cancel, startedAt: time.Now()}
	return true
}

func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseSlotLocked()
}

func (s *Scheduler) releaseSlotLocked() {
	s.slot = slot{}
}
