// Package composer renders chat messages and the task-detail context handed
// to the classifier.
package composer

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tracker"
)

const defaultMaxContextTokens = 2000

// Composer assembles the task-detail blob given to the classifier and the
// response generator, keeping it under a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for task detail.
// If maxContextTokens <= 0, the default (2000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// TaskDetail formats live tracker detail plus the accumulated task context.
// The header always fits; the description is truncated and key points are
// dropped oldest first once the budget runs out.
func (c *Composer) TaskDetail(item tracker.Task, status storage.TaskStatus, tc *storage.TaskContext, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("[Task]\n")
	fmt.Fprintf(&sb, "Name: %s\n", item.Name)
	if status != "" {
		fmt.Fprintf(&sb, "Status: %s\n", status)
	}
	fmt.Fprintf(&sb, "Due: %s (%s)\n", formatDate(item.DueDate), DueDatePhrase(item.DueDate, now))
	if item.Completed {
		sb.WriteString("Tracker: marked complete\n")
	}
	if item.Assignee != nil {
		fmt.Fprintf(&sb, "Assignee: %s\n", item.Assignee.Name)
	}
	if item.CreatorName != "" {
		fmt.Fprintf(&sb, "Requested by: %s\n", item.CreatorName)
	}
	if len(item.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(item.Tags, ", "))
	}
	if len(item.CustomFields) > 0 {
		keys := make([]string, 0, len(item.CustomFields))
		for k := range item.CustomFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, item.CustomFields[k])
		}
	}
	if item.URL != "" {
		fmt.Fprintf(&sb, "Link: %s\n", item.URL)
	}

	remaining := c.MaxContextTokens - EstimateTokens(sb.String())

	if tc != nil {
		summary := formatSummary(tc)
		if t := EstimateTokens(summary); t <= remaining {
			sb.WriteString(summary)
			remaining -= t
		}

		header := "\n[Key points so far]\n"
		remaining -= EstimateTokens(header)
		var selected []string
		for i := len(tc.KeyPoints) - 1; i >= 0; i-- {
			kp := tc.KeyPoints[i]
			entry := fmt.Sprintf("- %s: %s\n", kp.At.UTC().Format("2006-01-02"), kp.Text)
			t := EstimateTokens(entry)
			if t > remaining {
				break
			}
			selected = append(selected, entry)
			remaining -= t
		}
		if len(selected) > 0 {
			sb.WriteString(header)
			for i := len(selected) - 1; i >= 0; i-- {
				sb.WriteString(selected[i])
			}
		}
	}

	if desc := strings.TrimSpace(item.Description); desc != "" && remaining > 0 {
		header := "\n[Description]\n"
		budget := (remaining - EstimateTokens(header)) * 4
		if budget > 0 {
			if len(desc) > budget {
				desc = truncate(desc, budget)
			}
			sb.WriteString(header)
			sb.WriteString(desc)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatSummary(tc *storage.TaskContext) string {
	var sb strings.Builder
	if tc.CurrentUnderstanding != "" {
		fmt.Fprintf(&sb, "\n[Current understanding]\n%s\n", tc.CurrentUnderstanding)
	}
	if len(tc.OpenQuestions) > 0 {
		sb.WriteString("\n[Open questions]\n")
		for _, q := range tc.OpenQuestions {
			fmt.Fprintf(&sb, "- %s\n", q)
		}
	}
	if len(tc.Commitments) > 0 {
		sb.WriteString("\n[Commitments]\n")
		for _, cm := range tc.Commitments {
			fmt.Fprintf(&sb, "- %s\n", cm)
		}
	}
	return sb.String()
}

// truncate cuts s to at most n bytes on a rune boundary and marks the cut.
func truncate(s string, n int) string {
	const marker = "…"
	if n <= len(marker) {
		return ""
	}
	cut := n - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
