package composer

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tracker"
)

var now = time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)

func dayOffset(d int) *time.Time {
	t := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
	return &t
}

func TestDueDatePhrase(t *testing.T) {
	cases := []struct {
		due  *time.Time
		want string
	}{
		{nil, "no due date"},
		{dayOffset(-3), "overdue by 3 days"},
		{dayOffset(-1), "overdue by 1 day"},
		{dayOffset(0), "due today"},
		{dayOffset(1), "due tomorrow"},
		{dayOffset(7), "due in 7 days"},
	}
	for _, tc := range cases {
		if got := DueDatePhrase(tc.due, now); got != tc.want {
			t.Errorf("DueDatePhrase(%v) = %q, want %q", tc.due, got, tc.want)
		}
	}
}

func TestDueDatePhrase_ExactTimestamp(t *testing.T) {
	due := now.Add(7 * 24 * time.Hour)
	if got := DueDatePhrase(&due, now); got != "due in 7 days" {
		t.Errorf("got %q", got)
	}
}

func TestTaskDetail_Header(t *testing.T) {
	c := New(0)
	item := tracker.Task{
		Name:         "Review Q4 report",
		URL:          "https://tracker.example/t/1",
		DueDate:      dayOffset(7),
		Assignee:     &tracker.User{Name: "Task Bot"},
		Tags:         []string{"finance", "q4"},
		CustomFields: map[string]string{"Priority": "High", "Area": "Ops"},
		Description:  "Check the numbers.",
	}
	out := c.TaskDetail(item, storage.StatusOwned, nil, now)

	for _, want := range []string{
		"Name: Review Q4 report",
		"Status: OWNED",
		"due in 7 days",
		"Assignee: Task Bot",
		"Tags: finance, q4",
		"Link: https://tracker.example/t/1",
		"[Description]\nCheck the numbers.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "Area: Ops") > strings.Index(out, "Priority: High") {
		t.Error("custom fields not sorted")
	}
}

func TestTaskDetail_AccumulatedContext(t *testing.T) {
	c := New(0)
	tc := &storage.TaskContext{
		KeyPoints: []storage.KeyPoint{
			{At: now.Add(-48 * time.Hour), Text: "Owner accepted"},
			{At: now.Add(-time.Hour), Text: "Waiting on finance data"},
		},
		CurrentUnderstanding: "Blocked on finance",
		OpenQuestions:        []string{"When does finance deliver?"},
		Commitments:          []string{"Draft by Friday"},
	}
	out := c.TaskDetail(tracker.Task{Name: "X"}, "", tc, now)

	for _, want := range []string{
		"[Current understanding]\nBlocked on finance",
		"- When does finance deliver?",
		"- Draft by Friday",
		"Owner accepted",
		"Waiting on finance data",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "Owner accepted") > strings.Index(out, "Waiting on finance data") {
		t.Error("key points should stay in chronological order")
	}
}

func TestTaskDetail_BudgetDropsOldestKeyPoints(t *testing.T) {
	var points []storage.KeyPoint
	for i := 0; i < 50; i++ {
		points = append(points, storage.KeyPoint{At: now, Text: fmt.Sprintf("point %02d %s", i, strings.Repeat("x", 60))})
	}
	c := New(200)
	out := c.TaskDetail(tracker.Task{Name: "X"}, "", &storage.TaskContext{KeyPoints: points}, now)

	if !strings.Contains(out, "point 49") {
		t.Error("newest key point dropped")
	}
	if strings.Contains(out, "point 00") {
		t.Error("oldest key point kept despite budget")
	}
	if EstimateTokens(out) > 200 {
		t.Errorf("detail uses %d tokens, budget 200", EstimateTokens(out))
	}
}

func TestTaskDetail_TruncatesDescription(t *testing.T) {
	c := New(100)
	item := tracker.Task{Name: "X", Description: strings.Repeat("é", 1000)}
	out := c.TaskDetail(item, "", nil, now)

	if !strings.Contains(out, "[Description]") {
		t.Fatal("description dropped entirely")
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "…") {
		t.Error("truncation marker missing")
	}
	if !utf8.ValidString(out) {
		t.Error("truncation split a rune")
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}
