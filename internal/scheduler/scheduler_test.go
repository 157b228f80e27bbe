package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	gctx "github.com/glee/core/internal/context"
	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/inference"
	"github.com/glee/core/internal/queue"
	"github.com/glee/core/internal/repo"
	"github.com/glee/core/internal/store"
)

// fakeInference drives a scripted, canned stream so the scheduler can
// be exercised without a real child process.
type fakeInference struct {
	state      inference.State
	tokens     []string
	genErr     error
	streamErr  error // delivered as the terminal EventError instead of EventDone
	healthErr  error
	demoted    bool
	generateCalls int
}

func (f *fakeInference) State() inference.State { return f.state }
func (f *fakeInference) HealthCheck(ctx context.Context) error { return f.healthErr }
func (f *fakeInference) Demote(ctx context.Context)            { f.demoted = true }

func (f *fakeInference) Generate(ctx context.Context, messages []inference.ChatMessage, params inference.GenerationParams) (<-chan inference.Event, error) {
	f.generateCalls++
	if f.genErr != nil {
		return nil, f.genErr
	}
	out := make(chan inference.Event, len(f.tokens)+1)
	go func() {
		defer close(out)
		for _, tok := range f.tokens {
			select {
			case out <- inference.Event{Kind: inference.EventToken, Token: tok}:
			case <-ctx.Done():
				out <- inference.Event{Kind: inference.EventError, Err: ctx.Err()}
				return
			}
		}
		if f.streamErr != nil {
			out <- inference.Event{Kind: inference.EventError, Err: f.streamErr}
			return
		}
		out <- inference.Event{Kind: inference.EventDone}
	}()
	return out, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func newRecordingSink() *recordingSink { return &recordingSink{} }

func (r *recordingSink) Emit(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recordingSink) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == name {
			return true
		}
	}
	return false
}

type harness struct {
	sched         *Scheduler
	inf           *fakeInference
	sink          *recordingSink
	queue         *queue.Queue
	conversations *repo.ConversationRepo
	characters    *repo.CharacterRepo
	messages      *repo.MessageRepo
}

func newHarness(t *testing.T, inf *fakeInference) harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Path: ":memory:", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	conversations := repo.NewConversationRepo(st)
	characters := repo.NewCharacterRepo(st)
	personas := repo.NewPersonaRepo(st)
	messages := repo.NewMessageRepo(st)
	lorebooks := repo.NewLorebookRepo(st)
	lorebookEntries := repo.NewLorebookEntryRepo(st)
	settings := repo.NewSettingsRepo(st)
	tasks := repo.NewQueueTaskRepo(st)

	q := queue.New(tasks)
	builder := gctx.NewBuilder(conversations, characters, personas, messages, lorebooks, lorebookEntries, settings)
	sink := newRecordingSink()

	sched := New(zerolog.Nop(), inf, q, builder, sink, conversations, messages, characters, settings, nil, nil)

	return harness{sched: sched, inf: inf, sink: sink, queue: q, conversations: conversations, characters: characters, messages: messages}
}

func (h harness) seedConversation(t *testing.T) (entities.Character, entities.Conversation) {
	t.Helper()
	ctx := context.Background()
	char, err := h.characters.Create(ctx, repo.CharacterInput{Name: "Aria", SystemPrompt: "You are Aria."})
	require.NoError(t, err)
	conv, err := h.conversations.Create(ctx, "chat", nil, []string{char.ID})
	require.NoError(t, err)
	return char, conv
}

func TestRunIteration_HappyPathCompletesTaskAndEmitsEvents(t *testing.T) {
	inf := &fakeInference{state: inference.Ready, tokens: []string{"<RESPONSE>Hello", " there!</RESPONSE>"}}
	h := newHarness(t, inf)
	_, conv := h.seedConversation(t)
	ctx := context.Background()

	task, err := h.queue.Enqueue(ctx, conv.ID, nil, nil, 0)
	require.NoError(t, err)

	h.sched.runIteration(ctx)
	require.Eventually(t, func() bool {
		return h.sink.has("chat:complete")
	}, time.Second, 5*time.Millisecond)

	got, err := h.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, entities.QueueCompleted, got.Status)
	require.True(t, h.sink.has("chat:token"))
}

func TestRunIteration_NoopWhenInferenceAbsent(t *testing.T) {
	inf := &fakeInference{state: inference.Absent}
	h := newHarness(t, inf)
	_, conv := h.seedConversation(t)
	ctx := context.Background()

	task, err := h.queue.Enqueue(ctx, conv.ID, nil, nil, 0)
	require.NoError(t, err)

	h.sched.runIteration(ctx)
	time.Sleep(20 * time.Millisecond)

	got, err := h.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, entities.QueuePending, got.Status)
	require.Equal(t, 0, inf.generateCalls)
}

func TestRunIteration_StalledErrorDemotesInferenceAndMarksFailed(t *testing.T) {
	inf := &fakeInference{state: inference.Ready, streamErr: errStalled{}}
	h := newHarness(t, inf)
	_, conv := h.seedConversation(t)
	ctx := context.Background()

	task, err := h.queue.Enqueue(ctx, conv.ID, nil, nil, 0)
	require.NoError(t, err)

	h.sched.runIteration(ctx)
	require.Eventually(t, func() bool {
		got, err := h.queue.Get(ctx, task.ID)
		return err == nil && got.Status == entities.QueueFailed
	}, time.Second, 5*time.Millisecond)

	require.True(t, inf.demoted)
	require.True(t, h.sink.has("chat:error"))
}

func TestRunIteration_SecondCallWhileGeneratingIsNoop(t *testing.T) {
	inf := &fakeInference{state: inference.Ready, tokens: []string{"<RESPONSE>slow</RESPONSE>"}}
	h := newHarness(t, inf)
	_, conv := h.seedConversation(t)
	ctx := context.Background()

	first, err := h.queue.Enqueue(ctx, conv.ID, nil, nil, 0)
	require.NoError(t, err)
	second, err := h.queue.Enqueue(ctx, conv.ID, nil, nil, 0)
	require.NoError(t, err)

	h.sched.runIteration(ctx) // picks up the first task, marks generating
	h.sched.runIteration(ctx) // should be a no-op: a generation is already active

	got, err := h.queue.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, entities.QueuePending, got.Status)

	require.Eventually(t, func() bool {
		got, err := h.queue.Get(ctx, first.ID)
		return err == nil && got.Status == entities.QueueCompleted
	}, time.Second, 5*time.Millisecond)
}

type errStalled struct{}

func (errStalled) Error() string { return "generation stalled: no tokens for 15s" }
