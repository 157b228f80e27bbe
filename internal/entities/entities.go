// Package entities defines the domain records the core persists and
// passes across component boundaries. These are plain structs: the
// invariants named in the data model are enforced by the repositories
// that write them, not by the types themselves.
package entities

import "time"

// AuthorType identifies who produced a Message.
type AuthorType string

const (
	AuthorUser      AuthorType = "user"
	AuthorCharacter AuthorType = "character"
	AuthorSystem    AuthorType = "system"
)

// QueueStatus is the lifecycle state of a QueueTask.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// InsertionPosition controls where a matched lorebook entry lands
// relative to the synthesized identity block.
type InsertionPosition string

const (
	BeforeSystem InsertionPosition = "before_system"
	AfterSystem  InsertionPosition = "after_system"
)

// DownloadStatus is the lifecycle state of a Download.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadPaused      DownloadStatus = "paused"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
	DownloadCancelled   DownloadStatus = "cancelled"
)

// Persona is the identity the human adopts. At most one has IsDefault
// set at any time (invariant P1), enforced by PersonaRepo.
type Persona struct {
	ID          string
	Name        string
	Description string
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Character is a simulated interlocutor.
type Character struct {
	ID               string
	Name             string
	Description      string
	Personality      string
	SystemPrompt     string
	FirstMessage     string
	ExampleDialogues string
	Avatar           string
	Tags             []string
	IsBundled        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// Conversation is a scoped interaction between a persona and one or
// more characters. IsGroup is true iff len(CharacterIDs) > 1
// (invariant C1); ActiveMessage is the deepest-active leaf
// (invariant C2).
type Conversation struct {
	ID            string
	Title         string
	PersonaID     *string
	IsGroup       bool
	ActiveMessage *string
	CharacterIDs  []string // ordered by join_order
	LorebookIDs   []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Message is a node in a per-conversation DAG. AuthorID is required
// iff AuthorType == AuthorCharacter (invariant M1).
type Message struct {
	ID             string
	ConversationID string
	ParentID       *string
	AuthorType     AuthorType
	AuthorID       *string
	Content        string
	IsActiveBranch bool
	BranchIndex    int
	TokenCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lorebook is an optional world/lore corpus, either global or attached
// per-conversation.
type Lorebook struct {
	ID        string
	Name      string
	IsGlobal  bool
	IsEnabled bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// LorebookEntry is a keyword-triggered injection of contextual text.
type LorebookEntry struct {
	ID                string
	LorebookID        string
	Keywords          []string
	Content           string
	Priority          int
	CaseSensitive     bool
	WholeWord         bool
	InsertionPosition InsertionPosition
	IsEnabled         bool
	TokenBudget       *int
}

// Settings is the typed view over the flat dotted-key/value table
// (invariant S1: keys are dotted identifiers).
type Settings struct {
	Temperature           float64
	TopP                  float64
	MaxResponseTokens     int
	ContextWindow         int
	LorebookBudget        int
	ResponseReserve       int
	ExampleDialogueBudget int
	StopSequences         []string
	ModelPath             string
	AccelerationLayers    int
	Flags                 map[string]bool
}

// QueueTask is a generation work item.
type QueueTask struct {
	ID              string
	ConversationID  string
	ParentMessageID *string
	TargetCharacter *string
	Status          QueueStatus
	Priority        int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    *string
}

// MemoryEntry is a durable extracted fact about a character.
type MemoryEntry struct {
	ID              string
	CharacterID     string
	ConversationID  *string
	Content         string
	Importance      float64
	SourceMessages  []string
	CreatedAt       time.Time
}

// Embedding pairs an entity with a fixed-length float vector.
type Embedding struct {
	EntityType string
	EntityID   string
	Vector     []float32
	Dimensions int
}

// ConversationSummary is a rolled-up prior history window.
type ConversationSummary struct {
	ID               string
	ConversationID   string
	Content          string
	RangeStartMsgID  string
	RangeEndMsgID    string
	MessageCount     int
	TokenCount       int
	CreatedAt        time.Time
}

// Download is the external collaborator's resumable-fetch record.
type Download struct {
	ID              string
	URL             string
	Destination     string
	TotalBytes      int64
	DownloadedBytes int64
	Status          DownloadStatus
	Checksum        *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
