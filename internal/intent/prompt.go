package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/taskowner/internal/llm"
	"github.com/kalambet/taskowner/internal/storage"
)

// HistoryWindow is how many recent turns the classifier sees.
const HistoryWindow = 5

const classifySystemPrompt = `You classify chat messages sent to a task-assignment assistant. The assistant offers tasks to people, checks in on their progress and answers questions about the tasks. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Intents:
- "accept_task": agrees to take the offered task
- "decline_task": refuses the offered task; put any reason in extracted_data.reason
- "status_update": reports progress; put it in extracted_data.progress
- "report_blocker": something prevents progress; put it in extracted_data.blocker
- "report_completion": says the task is done
- "request_help": asks for a human to step in; put what is needed in extracted_data.help_needed
- "request_extension": asks for more time; put any proposed date in extracted_data.new_due_date
- "ask_question": asks something about the task
- "request_more_info": asks for details before deciding
- "greeting": small talk with no task content
- "unknown": none of the above

Rules:
- The conversation state tells you what the assistant is waiting for. A bare "yes" while awaiting a proposition response is accept_task; the same word while awaiting a follow-up response is a status_update.
- Confidence is a number from 0 to 1. Use low values when the message is ambiguous.`

const responseSystemPrompt = `You write the assistant's reply in a chat about an assigned task. Be brief, friendly and concrete. Never promise actions that the outcome does not report. Your output must be ONLY a single valid JSON object that conforms to the provided schema.

Also maintain the accumulated task context: list only facts learned in this turn as new key points, restate where the task stands as the current understanding, and return the full current lists of open questions and commitments.`

// BuildClassifyPrompt constructs the chat messages for intent classification.
func BuildClassifyPrompt(req Request) []llm.Message {
	var sb strings.Builder
	sb.WriteString(classifySystemPrompt)
	fmt.Fprintf(&sb, "\n\n[Conversation state]\n%s", stateLabel(req.State))
	if req.TaskDetail != "" {
		fmt.Fprintf(&sb, "\n\n%s", strings.TrimSpace(req.TaskDetail))
	} else {
		sb.WriteString("\n\n[Task]\nNo task could be associated with this message.")
	}

	messages := []llm.Message{{Role: "system", Content: sb.String()}}
	messages = append(messages, historyMessages(req.History, HistoryWindow)...)
	messages = append(messages, llm.Message{Role: "user", Content: req.Text})
	return messages
}

// BuildResponsePrompt constructs the chat messages for reply generation.
func BuildResponsePrompt(req ResponseRequest) []llm.Message {
	var sb strings.Builder
	sb.WriteString(responseSystemPrompt)
	fmt.Fprintf(&sb, "\n\n[Conversation state]\n%s", stateLabel(req.State))
	fmt.Fprintf(&sb, "\n\n[Classified intent]\n%s", req.Intent)
	if req.Outcome != "" {
		fmt.Fprintf(&sb, "\n\n[Outcome]\n%s", req.Outcome)
	}
	if req.TaskDetail != "" {
		fmt.Fprintf(&sb, "\n\n%s", strings.TrimSpace(req.TaskDetail))
	}

	messages := []llm.Message{{Role: "system", Content: sb.String()}}
	messages = append(messages, historyMessages(req.History, HistoryWindow)...)
	messages = append(messages, llm.Message{Role: "user", Content: req.Text})
	return messages
}

// historyMessages converts the last n stored turns to chat messages.
func historyMessages(history []storage.ConversationMessage, n int) []llm.Message {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}

func stateLabel(s storage.ConversationState) string {
	switch s {
	case storage.StateAwaitingProposition:
		return "Awaiting the user's answer to a task offer."
	case storage.StateAwaitingFollowUp:
		return "Awaiting the user's answer to a progress check-in."
	case storage.StateInConversation:
		return "In a free-form conversation about the active task."
	default:
		return "Idle: nothing pending."
	}
}
