package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would violate a uniqueness invariant.
var ErrConflict = errors.New("conflict")

// TaskStatus is the lifecycle state of an orchestrated task.
type TaskStatus string

const (
	StatusPendingOwner TaskStatus = "PENDING_OWNER"
	StatusOwned        TaskStatus = "OWNED"
	StatusCompleted    TaskStatus = "COMPLETED"
	StatusEscalated    TaskStatus = "ESCALATED"
)

// Terminal reports whether no automatic transition leaves s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusEscalated
}

// ConversationState is the per-user conversation state machine.
type ConversationState string

const (
	StateIdle                ConversationState = "IDLE"
	StateAwaitingProposition ConversationState = "AWAITING_PROPOSITION_RESPONSE"
	StateAwaitingFollowUp    ConversationState = "AWAITING_FOLLOW_UP_RESPONSE"
	StateInConversation      ConversationState = "IN_CONVERSATION"
)

// FollowUpType distinguishes the two scheduled check-ins.
type FollowUpType string

const (
	FollowUpHalfTime     FollowUpType = "half_time"
	FollowUpNearDeadline FollowUpType = "near_deadline"
)

type Tenant struct {
	ID                 string
	Name               string
	ChatWorkspaceID    string
	TrackerWorkspaceID string
	TrackerBotUserID   string
	AdminChatUserID    string
	SheetID            string
	SheetRange         string

	// Opaque secret references, resolved by the tenant registry.
	ChatTokenRef         string
	ChatSigningSecretRef string
	TrackerTokenRef      string
	SheetTokenRef        string

	// WebhookSecret is the tracker handshake secret captured on webhook creation.
	WebhookSecret string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// KeyPoint is one timestamped entry in a task's accumulated context.
type KeyPoint struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// TaskContext is the cumulative, never-pruned memory of what was discussed
// about a task.
type TaskContext struct {
	KeyPoints            []KeyPoint `json:"key_points"`
	CurrentUnderstanding string     `json:"current_understanding"`
	OpenQuestions        []string   `json:"open_questions"`
	Commitments          []string   `json:"commitments"`
}

type Task struct {
	ID          string
	TenantID    string
	ExternalID  string
	ExternalURL string
	Name        string
	Status      TaskStatus

	// Owner identities are both set or both empty once Status is OWNED.
	OwnerChatID    string
	OwnerTrackerID string

	DueDate   *time.Time
	ClaimedAt *time.Time

	PropositionChannel string
	PropositionTS      string
	PropositionSentAt  *time.Time

	Context   *TaskContext
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskFilter narrows ListTasks. Zero-value fields are ignored.
type TaskFilter struct {
	TenantID    string
	Status      TaskStatus
	OwnerChatID string
	Limit       int
}

type Conversation struct {
	ID                       string
	TenantID                 string
	UserID                   string
	ChannelID                string
	State                    ConversationState
	ActiveTaskID             string
	PendingPropositionTaskID string
	PendingFollowUpID        string
	LastInteractionAt        time.Time
	CreatedAt                time.Time
}

type ConversationMessage struct {
	ID             string
	ConversationID string
	Role           string // "user" or "assistant"
	Text           string
	Intent         string
	Confidence     *float64
	ExtractedData  map[string]any
	ChatMessageID  string
	CreatedAt      time.Time
}

type FollowUp struct {
	ID               string
	TaskID           string
	Type             FollowUpType
	ScheduledAt      time.Time
	SentAt           *time.Time
	ResponseReceived bool
	ResponseText     string
	ResponseIntent   string
	ResponseData     map[string]any
	RespondedAt      *time.Time
	CreatedAt        time.Time
}

type Job struct {
	ID             string
	Type           string
	PayloadJSON    string
	Status         string // "pending", "running", "completed", "failed"
	Attempts       int
	MaxAttempts    int
	RunAfter       time.Time
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastError      string
}
