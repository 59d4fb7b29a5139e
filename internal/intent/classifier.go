// Package intent classifies inbound chat messages and generates the replies
// to them through an LLM.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/taskowner/internal/llm"
	"github.com/kalambet/taskowner/internal/metrics"
	"github.com/kalambet/taskowner/internal/storage"
)

const (
	attemptTimeout     = 20 * time.Second
	defaultMaxAttempts = 3
)

// Chatter is the chat-completion call the classifier is built on.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error)
}

// Request is everything the classifier sees about one inbound message.
type Request struct {
	Text       string
	State      storage.ConversationState
	TaskDetail string
	History    []storage.ConversationMessage
}

// ResponseRequest is everything the generator sees when writing a reply.
type ResponseRequest struct {
	Text       string
	Intent     Intent
	State      storage.ConversationState
	TaskDetail string
	Outcome    string
	History    []storage.ConversationMessage
}

// Classifier wraps an LLM with the classification and reply prompts.
type Classifier struct {
	client      Chatter
	model       string
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
}

// NewClassifier creates a Classifier. If maxAttempts <= 0, 3 is used.
func NewClassifier(client Chatter, model string, maxAttempts int) *Classifier {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Classifier{
		client:      client,
		model:       model,
		maxAttempts: maxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		logger: slog.Default(),
	}
}

// Classify returns the intent of req.Text. Provider errors are retried with
// exponential backoff and returned once attempts run out; output that cannot
// be parsed degrades to Fallback without an error.
func (c *Classifier) Classify(ctx context.Context, req Request) (Classification, error) {
	start := time.Now()
	raw, err := c.chat(ctx, BuildClassifyPrompt(req), classificationSchema())
	if err != nil {
		return Classification{}, fmt.Errorf("classifying message: %w", err)
	}

	result, err := parseClassification(raw)
	if err != nil {
		c.logger.Warn("unparseable classification, using fallback", "error", err, "response", raw)
		result = Fallback()
	}
	metrics.RecordClassification(string(result.Intent), time.Since(start).Seconds())
	return result, nil
}

func parseClassification(raw string) (Classification, error) {
	var out Classification
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return Classification{}, err
	}
	if !out.Intent.Valid() {
		return Classification{}, fmt.Errorf("unknown intent %q", out.Intent)
	}
	switch {
	case out.Confidence < 0:
		out.Confidence = 0
	case out.Confidence > 1:
		out.Confidence = 1
	}
	return out, nil
}

// GenerateResponse writes the user-facing reply for a classified message and
// the generator's update to the accumulated task context.
func (c *Classifier) GenerateResponse(ctx context.Context, req ResponseRequest) (Response, error) {
	raw, err := c.chat(ctx, BuildResponsePrompt(req), responseSchema())
	if err != nil {
		return Response{}, fmt.Errorf("generating response: %w", err)
	}
	var out Response
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return Response{}, fmt.Errorf("parsing generated response: %w", err)
	}
	if strings.TrimSpace(out.Reply) == "" {
		return Response{}, errors.New("generated response has no reply")
	}
	return out, nil
}

// chat calls the provider, retrying failed calls until maxAttempts is spent
// or ctx ends.
func (c *Classifier) chat(ctx context.Context, messages []llm.Message, schema *llm.Schema) (string, error) {
	var raw string
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		out, err := c.client.Chat(actx, c.model, messages, schema)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		raw = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("llm call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", err
	}
	return raw, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func classificationSchema() *llm.Schema {
	intents := make([]string, len(All))
	for i, v := range All {
		intents[i] = string(v)
	}
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"intent":         {Type: "string", Enum: intents, Description: "The single best intent"},
			"confidence":     {Type: "number", Description: "Confidence from 0 to 1"},
			"extracted_data": {Type: "object", Description: "Structured details such as reason, blocker, help_needed, new_due_date, progress"},
			"reasoning":      {Type: "string", Description: "One sentence on why"},
		},
		Required: []string{"intent", "confidence", "extracted_data", "reasoning"},
	}
}

func responseSchema() *llm.Schema {
	list := func(desc string) llm.SchemaProperty {
		return llm.SchemaProperty{Type: "array", Description: desc, Items: &llm.SchemaProperty{Type: "string"}}
	}
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"reply":             {Type: "string", Description: "The message to send to the user"},
			"suggested_actions": list("Short hints for what the user could do next"),
			"updated_context": {
				Type: "object",
				Properties: map[string]llm.SchemaProperty{
					"new_key_points":        list("New facts learned in this turn only"),
					"current_understanding": {Type: "string", Description: "Where the task stands now"},
					"open_questions":        list("Questions still unanswered"),
					"commitments":           list("Promises made by the owner"),
				},
				Required: []string{"new_key_points", "current_understanding", "open_questions", "commitments"},
			},
		},
		Required: []string{"reply", "suggested_actions", "updated_context"},
	}
}
