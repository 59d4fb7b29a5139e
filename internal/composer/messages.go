package composer

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/storage"
)

// Action ids carried by interactive buttons.
const (
	ActionClaim   = "claim_task"
	ActionDecline = "decline_task"
)

// Apology is the single reply sent when a turn fails.
const Apology = "Sorry, something went wrong on my side while handling that. Please try again in a moment."

// DueDatePhrase renders due relative to now in whole calendar days (UTC).
func DueDatePhrase(due *time.Time, now time.Time) string {
	if due == nil {
		return "no due date"
	}
	days := calendarDays(now, *due)
	switch {
	case days < -1:
		return fmt.Sprintf("overdue by %d days", -days)
	case days == -1:
		return "overdue by 1 day"
	case days == 0:
		return "due today"
	case days == 1:
		return "due tomorrow"
	default:
		return fmt.Sprintf("due in %d days", days)
	}
}

func calendarDays(from, to time.Time) int {
	y1, m1, d1 := from.UTC().Date()
	y2, m2, d2 := to.UTC().Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.UTC().Format("Mon Jan 2, 2006")
}

// Proposition offers a task to its designated owner, with Claim and Decline
// buttons whose value is the internal task id.
func Proposition(taskID, name, url string, due *time.Time, now time.Time) chat.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Hi! You've been named as the owner of *%s* (%s", name, DueDatePhrase(due, now))
	if due != nil {
		fmt.Fprintf(&sb, ", %s", formatDate(due))
	}
	sb.WriteString(").")
	if url != "" {
		fmt.Fprintf(&sb, "\n<%s|Open in tracker>", url)
	}
	sb.WriteString("\nWill you take it? Reply in your own words or use the buttons.")
	text := sb.String()

	return chat.Message{
		Text: text,
		Blocks: []chat.Block{
			section(text),
			{
				"type":     "actions",
				"block_id": "proposition:" + taskID,
				"elements": []any{
					button("Claim", ActionClaim, taskID, "primary"),
					button("Decline", ActionDecline, taskID, "danger"),
				},
			},
		},
	}
}

// FollowUp is the scheduled check-in for an owned task.
func FollowUp(task storage.Task, typ storage.FollowUpType, now time.Time) chat.Message {
	var lead string
	switch typ {
	case storage.FollowUpNearDeadline:
		lead = fmt.Sprintf("Heads up: *%s* is %s (%s).", task.Name, DueDatePhrase(task.DueDate, now), formatDate(task.DueDate))
	default:
		lead = fmt.Sprintf("Halfway check-in on *%s*, %s (%s).", task.Name, DueDatePhrase(task.DueDate, now), formatDate(task.DueDate))
	}
	text := lead + "\nHow is it going? Any blockers, or do you need more time?"
	if task.ExternalURL != "" {
		text += fmt.Sprintf("\n<%s|Open in tracker>", task.ExternalURL)
	}

	blocks := []chat.Block{section(text)}
	if task.ExternalURL != "" {
		blocks = append(blocks, chat.Block{
			"type":     "actions",
			"block_id": "followup:" + task.ID,
			"elements": []any{map[string]any{
				"type": "button",
				"text": map[string]any{"type": "plain_text", "text": "Open in tracker"},
				"url":  task.ExternalURL,
			}},
		})
	}
	return chat.Message{Text: text, Blocks: blocks}
}

// Escalation is the administrator notice for a task that needs a human.
func Escalation(name, url, reason string) chat.Message {
	var sb strings.Builder
	sb.WriteString(":rotating_light: *Task needs attention*\n")
	fmt.Fprintf(&sb, "*Task:* %s\n", name)
	fmt.Fprintf(&sb, "*Reason:* %s", reason)
	if url != "" {
		fmt.Fprintf(&sb, "\n*Link:* %s", url)
	}
	text := sb.String()
	return chat.Message{Text: text, Blocks: []chat.Block{section(text)}}
}

// CompletionAck congratulates the owner once the tracker reports the item done.
func CompletionAck(name string) chat.Message {
	return chat.Message{Text: fmt.Sprintf(":tada: *%s* is marked complete. Thanks for seeing it through!", name)}
}

// Clarification asks the user to rephrase, worded by what we were waiting for.
func Clarification(state storage.ConversationState) string {
	switch state {
	case storage.StateAwaitingProposition:
		return "Sorry, I'm not sure I understood. Will you take this task? A simple yes or no works, and you can add a reason if you're declining."
	case storage.StateAwaitingFollowUp:
		return "Sorry, I didn't quite catch that. How is the task going? You can share progress, mention a blocker, tell me it's done, or ask for more time."
	default:
		return "Sorry, I'm not sure what you mean. Could you rephrase, or tell me which task you're asking about?"
	}
}

func section(text string) chat.Block {
	return chat.Block{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func button(label, actionID, value, style string) map[string]any {
	return map[string]any{
		"type":      "button",
		"text":      map[string]any{"type": "plain_text", "text": label},
		"action_id": actionID,
		"value":     value,
		"style":     style,
	}
}
