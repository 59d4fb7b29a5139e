package intent

import (
	"time"

	"github.com/kalambet/taskowner/internal/storage"
)

// Intent is what an inbound chat message is trying to do.
type Intent string

const (
	AcceptTask       Intent = "accept_task"
	DeclineTask      Intent = "decline_task"
	StatusUpdate     Intent = "status_update"
	ReportBlocker    Intent = "report_blocker"
	ReportCompletion Intent = "report_completion"
	RequestHelp      Intent = "request_help"
	RequestExtension Intent = "request_extension"
	AskQuestion      Intent = "ask_question"
	RequestMoreInfo  Intent = "request_more_info"
	Greeting         Intent = "greeting"
	Unknown          Intent = "unknown"
)

// All lists every intent in the order the classifier prompt presents them.
var All = []Intent{
	AcceptTask, DeclineTask, StatusUpdate, ReportBlocker, ReportCompletion,
	RequestHelp, RequestExtension, AskQuestion, RequestMoreInfo, Greeting, Unknown,
}

func (i Intent) Valid() bool {
	for _, v := range All {
		if i == v {
			return true
		}
	}
	return false
}

// ResolvesProposition reports whether i answers a task offer.
func (i Intent) ResolvesProposition() bool {
	return i == AcceptTask || i == DeclineTask
}

// ResolvesFollowUp reports whether i answers a check-in.
func (i Intent) ResolvesFollowUp() bool {
	switch i {
	case StatusUpdate, ReportBlocker, ReportCompletion, RequestHelp, RequestExtension:
		return true
	}
	return false
}

// IsQuestion reports whether i opens or continues a Q&A about a task.
func (i Intent) IsQuestion() bool {
	return i == AskQuestion || i == RequestMoreInfo
}

// Classification is the classifier's verdict on one message.
type Classification struct {
	Intent        Intent         `json:"intent"`
	Confidence    float64        `json:"confidence"`
	ExtractedData map[string]any `json:"extracted_data"`
	Reasoning     string         `json:"reasoning"`
}

// Fallback is the verdict used when the classifier output cannot be parsed.
func Fallback() Classification {
	return Classification{Intent: Unknown, Confidence: 0.5}
}

// ActionType names an operation the response loop can execute.
type ActionType string

const (
	ActionClaim        ActionType = "claim_task"
	ActionDecline      ActionType = "decline_task"
	ActionNotifyAdmin  ActionType = "notify_admin"
	ActionUpdateStatus ActionType = "update_status"
	ActionEscalate     ActionType = "escalate"
)

// Action is one suggested operation against a task.
type Action struct {
	Type   ActionType
	TaskID string
	Params map[string]string
}

// ActionsFor maps a classification to the actions it implies for taskID.
// Intents without an action, or a message with no task, yield nil.
func ActionsFor(c Classification, taskID string) []Action {
	if taskID == "" {
		return nil
	}
	switch c.Intent {
	case AcceptTask:
		return []Action{{Type: ActionClaim, TaskID: taskID}}
	case DeclineTask:
		return []Action{{Type: ActionDecline, TaskID: taskID, Params: map[string]string{"reason": extractedString(c, "reason")}}}
	case ReportBlocker:
		return []Action{{Type: ActionNotifyAdmin, TaskID: taskID, Params: map[string]string{"blocker": extractedString(c, "blocker")}}}
	case ReportCompletion:
		return []Action{{Type: ActionUpdateStatus, TaskID: taskID, Params: map[string]string{"status": string(storage.StatusCompleted)}}}
	case RequestHelp:
		return []Action{{Type: ActionEscalate, TaskID: taskID, Params: map[string]string{"reason": extractedString(c, "help_needed")}}}
	}
	return nil
}

func extractedString(c Classification, key string) string {
	if v, ok := c.ExtractedData[key].(string); ok {
		return v
	}
	return ""
}

// Response is the generated reply to a classified message.
type Response struct {
	Reply            string        `json:"reply"`
	SuggestedActions []string      `json:"suggested_actions"`
	UpdatedContext   ContextUpdate `json:"updated_context"`
}

// ContextUpdate is the generator's view of the accumulated task context after
// this turn. Key points are new entries only; the other fields replace.
type ContextUpdate struct {
	NewKeyPoints         []string `json:"new_key_points"`
	CurrentUnderstanding string   `json:"current_understanding"`
	OpenQuestions        []string `json:"open_questions"`
	Commitments          []string `json:"commitments"`
}

// Merge folds an update into the previous context. Key points are appended
// and stamped with at; they are never removed.
func Merge(prev *storage.TaskContext, u ContextUpdate, at time.Time) storage.TaskContext {
	var out storage.TaskContext
	if prev != nil {
		out.KeyPoints = append(out.KeyPoints, prev.KeyPoints...)
		out.CurrentUnderstanding = prev.CurrentUnderstanding
	}
	for _, kp := range u.NewKeyPoints {
		if kp != "" {
			out.KeyPoints = append(out.KeyPoints, storage.KeyPoint{At: at, Text: kp})
		}
	}
	if u.CurrentUnderstanding != "" {
		out.CurrentUnderstanding = u.CurrentUnderstanding
	}
	out.OpenQuestions = u.OpenQuestions
	out.Commitments = u.Commitments
	return out
}
