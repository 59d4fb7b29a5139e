package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/conversation"
	"github.com/kalambet/taskowner/internal/events"
	"github.com/kalambet/taskowner/internal/followup"
	"github.com/kalambet/taskowner/internal/identity"
	"github.com/kalambet/taskowner/internal/jobs"
	"github.com/kalambet/taskowner/internal/sheet"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
	"github.com/kalambet/taskowner/internal/tenant/tenanttest"
	"github.com/kalambet/taskowner/internal/tracker"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TaskTransition
}

func (p *recordingPublisher) PublishTransition(_ context.Context, ev events.TaskTransition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) transitions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.From+">"+ev.To)
	}
	return out
}

type fixture struct {
	store   *storage.Store
	orch    *Orchestrator
	chat    *tenanttest.Chat
	tracker *tenanttest.Tracker
	sheet   *tenanttest.Sheet
	convs   *conversation.Manager
	pub     *recordingPublisher
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	due := now.Add(7 * 24 * time.Hour)
	f := &fixture{
		store: store,
		chat: &tenanttest.Chat{Users: map[string]chat.User{
			"U1":     {ID: "U1", Name: "bob", RealName: "Bob Smith", Email: "bob@acme.io"},
			"U2":     {ID: "U2", Name: "alice", RealName: "Alice Jones", Email: "alice@acme.io"},
			"U3":     {ID: "U3", Name: "zed", RealName: "Zed Unknown"},
			"UADMIN": {ID: "UADMIN", Name: "admin", RealName: "Ada Admin"},
		}},
		tracker: &tenanttest.Tracker{
			Tasks: map[string]tracker.Task{
				"ext-1": {ID: "ext-1", Name: "Review Q4 report", URL: "https://tracker.example/ext-1", DueDate: &due},
			},
			Members: []tracker.User{
				{ID: "T-U1", Name: "Bob Smith", Email: "bob@acme.io"},
				{ID: "T-U2", Name: "Alice Jones", Email: "alice@acme.io"},
			},
		},
		sheet: &tenanttest.Sheet{Rows: map[string]*sheet.Row{
			"review q4 report": {ItemName: "Review Q4 report", Assignee: "Bob Smith"},
		}},
		pub: &recordingPublisher{},
		now: now,
	}
	clock := func() time.Time { return f.now }
	store.SetClock(clock)

	reg := tenanttest.Registry(t, store, tenanttest.Tenant(), tenant.Clients{Chat: f.chat, Tracker: f.tracker, Sheet: f.sheet})
	f.convs = conversation.NewManager(store)
	f.convs.SetClock(clock)
	sched := followup.New(store, reg, f.convs, true)
	sched.SetClock(clock)

	f.orch = New(store, reg, identity.NewMatcher(reg), f.convs, sched, f.pub, Config{Conversational: true})
	f.orch.SetClock(clock)
	return f
}

func (f *fixture) seek(t *testing.T) storage.Task {
	t.Helper()
	if err := f.orch.SeekOwnership(context.Background(), "acme", "ext-1"); err != nil {
		t.Fatalf("SeekOwnership: %v", err)
	}
	task, err := f.store.GetTaskByExternalID("acme", "ext-1")
	if err != nil {
		t.Fatalf("GetTaskByExternalID: %v", err)
	}
	return task
}

func (f *fixture) task(t *testing.T, id string) storage.Task {
	t.Helper()
	task, err := f.store.GetTask(id)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestSeekOwnership_SendsProposition(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)

	if task.Status != storage.StatusPendingOwner {
		t.Errorf("status = %s, want PENDING_OWNER", task.Status)
	}
	if task.DueDate == nil || !task.DueDate.Equal(f.now.Add(7*24*time.Hour)) {
		t.Errorf("due date = %v, want copied from item", task.DueDate)
	}

	sent := f.chat.SentTo("U1")
	if len(sent) != 1 {
		t.Fatalf("DMs to U1 = %d, want 1", len(sent))
	}
	for _, want := range []string{"Review Q4 report", "due in 7 days"} {
		if !strings.Contains(sent[0].Text, want) {
			t.Errorf("proposition %q missing %q", sent[0].Text, want)
		}
	}
	if task.PropositionChannel != "D-U1" || task.PropositionSentAt == nil {
		t.Errorf("proposition not recorded: channel=%q sent=%v", task.PropositionChannel, task.PropositionSentAt)
	}

	c, err := f.convs.Lookup("acme", "U1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Conversation.State != storage.StateAwaitingProposition || c.Conversation.PendingPropositionTaskID != task.ID {
		t.Errorf("conversation = %+v", c.Conversation)
	}

	var runAfter, key string
	err = f.store.DB().QueryRow(`SELECT run_after, idempotency_key FROM jobs WHERE type = ?`, JobClaimTimeout).Scan(&runAfter, &key)
	if err != nil {
		t.Fatalf("claim timeout job: %v", err)
	}
	if want := f.now.Add(24 * time.Hour).Format(time.RFC3339); runAfter != want {
		t.Errorf("run_after = %s, want %s", runAfter, want)
	}
	if key != "claim_timeout:"+task.ID {
		t.Errorf("idempotency key = %q", key)
	}
}

func TestSeekOwnership_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.seek(t)
	f.seek(t)

	tasks, err := f.store.ListTasks(storage.TaskFilter{TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
	if n := len(f.chat.SentTo("U1")); n != 1 {
		t.Errorf("propositions = %d, want 1", n)
	}
	if n, _ := f.store.CountJobs("pending"); n != 1 {
		t.Errorf("pending jobs = %d, want 1", n)
	}
}

func TestSeekOwnership_SheetMiss(t *testing.T) {
	f := newFixture(t)
	f.sheet.Rows = nil
	task := f.seek(t)

	if task.Status != storage.StatusEscalated {
		t.Errorf("status = %s, want ESCALATED", task.Status)
	}
	admin := f.chat.SentTo("UADMIN")
	if len(admin) != 1 {
		t.Fatalf("admin DMs = %d, want 1", len(admin))
	}
	for _, want := range []string{"Task not found in Google Sheet", "https://tracker.example/ext-1", "Review Q4 report"} {
		if !strings.Contains(admin[0].Text, want) {
			t.Errorf("escalation %q missing %q", admin[0].Text, want)
		}
	}
	if n, _ := f.store.CountJobs("pending"); n != 0 {
		t.Errorf("pending jobs = %d, want 0", n)
	}
	if diff := cmp.Diff([]string{"PENDING_OWNER>ESCALATED"}, f.pub.transitions()); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}

	// An escalated task ignores further signals.
	f.seek(t)
	if n := len(f.chat.SentTo("UADMIN")); n != 1 {
		t.Errorf("admin DMs after repeat = %d, want 1", n)
	}
}

func TestSeekOwnership_OtherEscalations(t *testing.T) {
	cases := []struct {
		name     string
		assignee string
		want     string
	}{
		{"no match sentinel", "N/A", "lists no owner"},
		{"unknown chat user", "Carol Danvers", `"Carol Danvers"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.sheet.Rows["review q4 report"].Assignee = tc.assignee
			task := f.seek(t)
			if task.Status != storage.StatusEscalated {
				t.Errorf("status = %s, want ESCALATED", task.Status)
			}
			admin := f.chat.SentTo("UADMIN")
			if len(admin) != 1 || !strings.Contains(admin[0].Text, tc.want) {
				t.Errorf("admin DMs = %+v, want one containing %q", admin, tc.want)
			}
		})
	}
}

func TestSeekOwnership_SheetErrorRetriable(t *testing.T) {
	f := newFixture(t)
	f.sheet.Err = errors.New("quota exceeded")
	if err := f.orch.SeekOwnership(context.Background(), "acme", "ext-1"); err == nil {
		t.Fatal("expected error")
	}
	if len(f.chat.Sent) != 0 {
		t.Errorf("sent %d messages on failure", len(f.chat.Sent))
	}

	f.sheet.Err = nil
	task := f.seek(t)
	if task.Status != storage.StatusPendingOwner || len(f.chat.SentTo("U1")) != 1 {
		t.Errorf("retry did not send the proposition: %+v", task)
	}
}

func TestClaimTask(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)

	got := f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme")
	if got.Kind != OutcomeOK {
		t.Fatalf("ClaimTask = %+v", got)
	}
	owned := f.task(t, task.ID)
	if owned.Status != storage.StatusOwned || owned.OwnerChatID != "U1" || owned.OwnerTrackerID != "T-U1" {
		t.Errorf("task = %+v", owned)
	}
	if owned.ClaimedAt == nil || !owned.ClaimedAt.Equal(f.now) {
		t.Errorf("ClaimedAt = %v", owned.ClaimedAt)
	}
	if diff := cmp.Diff([]tenanttest.Assignment{{TaskID: "ext-1", UserID: "T-U1"}}, f.tracker.Assigned); diff != "" {
		t.Errorf("assignments (-want +got):\n%s", diff)
	}
	if len(f.tracker.Comments) != 1 || !strings.Contains(f.tracker.Comments[0].Text, "Bob Smith") {
		t.Errorf("comments = %+v", f.tracker.Comments)
	}
	fus, _ := f.store.ListFollowUps(task.ID)
	if len(fus) != 2 {
		t.Errorf("follow-ups = %d, want 2", len(fus))
	}
	if diff := cmp.Diff([]string{"PENDING_OWNER>OWNED"}, f.pub.transitions()); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}

	// Same user again: success, no second tracker call.
	again := f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme")
	if again.Kind != OutcomeOK {
		t.Errorf("repeat claim = %+v", again)
	}
	if len(f.tracker.Assigned) != 1 || len(f.tracker.Comments) != 1 {
		t.Errorf("repeat claim touched tracker: assigned=%d comments=%d", len(f.tracker.Assigned), len(f.tracker.Comments))
	}

	// Another user: told who holds it, owner unchanged.
	other := f.orch.ClaimTask(context.Background(), task.ID, "U2", "acme")
	if other.Kind != OutcomeAlreadyOwned || other.OwnerChatID != "U1" {
		t.Errorf("competing claim = %+v", other)
	}
	if cur := f.task(t, task.ID); cur.OwnerChatID != "U1" || cur.OwnerTrackerID != "T-U1" {
		t.Errorf("owner changed to %s/%s", cur.OwnerChatID, cur.OwnerTrackerID)
	}
}

func TestClaimTask_DefaultDueDate(t *testing.T) {
	f := newFixture(t)
	item := f.tracker.Tasks["ext-1"]
	item.DueDate = nil
	f.tracker.Tasks["ext-1"] = item
	task := f.seek(t)

	if got := f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme"); !got.OK() {
		t.Fatalf("ClaimTask = %+v", got)
	}
	owned := f.task(t, task.ID)
	if want := f.now.AddDate(0, 0, 14); owned.DueDate == nil || !owned.DueDate.Equal(want) {
		t.Errorf("due = %v, want %v", owned.DueDate, want)
	}
}

func TestClaimTask_IdentityUnmatched(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)

	got := f.orch.ClaimTask(context.Background(), task.ID, "U3", "acme")
	if got.Kind != OutcomeIdentityUnmatched {
		t.Fatalf("ClaimTask = %+v", got)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusPendingOwner || cur.OwnerChatID != "" {
		t.Errorf("task mutated: %+v", cur)
	}
	if len(f.tracker.Assigned) != 0 {
		t.Error("tracker reassigned on unmatched identity")
	}
	admin := f.chat.SentTo("UADMIN")
	if len(admin) != 1 || !strings.Contains(admin[0].Text, "Zed Unknown") {
		t.Errorf("admin alert = %+v", admin)
	}
}

func TestClaimTask_NotFoundAndInvalidState(t *testing.T) {
	f := newFixture(t)
	if got := f.orch.ClaimTask(context.Background(), "missing", "U1", "acme"); got.Kind != OutcomeNotFound {
		t.Errorf("missing task = %+v", got)
	}
	task := f.seek(t)
	if got := f.orch.ClaimTask(context.Background(), task.ID, "U1", "other-tenant"); got.Kind != OutcomeNotFound {
		t.Errorf("foreign tenant = %+v", got)
	}
	f.store.SetTaskStatus(task.ID, storage.StatusEscalated)
	if got := f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme"); got.Kind != OutcomeInvalidState {
		t.Errorf("escalated task = %+v", got)
	}
}

func TestDeclineTask(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)

	got := f.orch.DeclineTask(context.Background(), task.ID, "U1", "acme", "on leave")
	if !got.OK() {
		t.Fatalf("DeclineTask = %+v", got)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusEscalated {
		t.Errorf("status = %s, want ESCALATED", cur.Status)
	}
	admin := f.chat.SentTo("UADMIN")
	if len(admin) != 1 || !strings.Contains(admin[0].Text, "Declined by <@U1>: on leave") {
		t.Errorf("admin DMs = %+v", admin)
	}
	if got := f.orch.DeclineTask(context.Background(), task.ID, "U1", "acme", ""); got.Kind != OutcomeInvalidState {
		t.Errorf("second decline = %+v", got)
	}
}

func TestDeclineTask_OwnedByOther(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)
	f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme")

	got := f.orch.DeclineTask(context.Background(), task.ID, "U2", "acme", "")
	if got.Kind != OutcomeAlreadyOwned || got.OwnerChatID != "U1" {
		t.Errorf("DeclineTask = %+v", got)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusOwned {
		t.Errorf("status = %s, want OWNED", cur.Status)
	}

	// The owner backing out escalates.
	if got := f.orch.DeclineTask(context.Background(), task.ID, "U1", "acme", "too busy"); !got.OK() {
		t.Errorf("owner decline = %+v", got)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusEscalated {
		t.Errorf("status = %s, want ESCALATED", cur.Status)
	}
}

func TestClaimTimeout_ThroughWorker(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)
	w := jobs.NewWorker(f.store, f.orch.JobHandlers(), 0)

	if didWork, _ := w.RunOnce(context.Background()); didWork {
		t.Fatal("claim timeout fired early")
	}

	f.now = f.now.Add(25 * time.Hour)
	didWork, err := w.RunOnce(context.Background())
	if err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v", didWork, err)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusEscalated {
		t.Errorf("status = %s, want ESCALATED", cur.Status)
	}
	admin := f.chat.SentTo("UADMIN")
	if len(admin) != 1 || !strings.Contains(admin[0].Text, "Unclaimed within timeout (24h)") {
		t.Errorf("admin DMs = %+v", admin)
	}
}

func TestSeekOwnership_UndeliveredOfferStillTimesOut(t *testing.T) {
	f := newFixture(t)
	f.chat.SendDMFunc = func(_ context.Context, userID string, _ chat.Message) (chat.MessageRef, error) {
		if userID == "U1" {
			return chat.MessageRef{}, errors.New("channel_not_found")
		}
		return chat.MessageRef{}, nil
	}

	// Each redelivery of the seek job fails the same way.
	for i := 0; i < 2; i++ {
		if err := f.orch.SeekOwnership(context.Background(), "acme", "ext-1"); err == nil {
			t.Fatal("SeekOwnership succeeded with an undeliverable offer")
		}
	}
	task, err := f.store.GetTaskByExternalID("acme", "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != storage.StatusPendingOwner || task.PropositionSentAt != nil {
		t.Fatalf("task = %s sent=%v", task.Status, task.PropositionSentAt)
	}

	var n int
	if err := f.store.DB().QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = ? AND idempotency_key = ?`,
		JobClaimTimeout, "claim_timeout:"+task.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("claim timeout jobs = %d, want 1", n)
	}

	if err := f.orch.HandleClaimTimeout(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusEscalated {
		t.Errorf("status = %s, want ESCALATED", cur.Status)
	}
	admin := f.chat.SentTo("UADMIN")
	if len(admin) != 1 || !strings.Contains(admin[0].Text, ReasonUndelivered.Text) {
		t.Errorf("admin DMs = %+v", admin)
	}
}

func TestClaimTimeout_NoOpOnceClaimed(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)
	f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme")

	if err := f.orch.HandleClaimTimeout(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusOwned {
		t.Errorf("status = %s, want OWNED", cur.Status)
	}
	if n := len(f.chat.SentTo("UADMIN")); n != 0 {
		t.Errorf("admin DMs = %d, want 0", n)
	}
}

func TestCheckCompletions_CongratulatesOnce(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)
	f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme")

	n, err := f.orch.CheckCompletions(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("CheckCompletions before done = %d, %v", n, err)
	}

	f.tracker.SetCompleted("ext-1", true)
	n, err = f.orch.CheckCompletions(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("CheckCompletions = %d, %v, want 1", n, err)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", cur.Status)
	}

	// A second poll and a late webhook must not congratulate again.
	f.orch.CheckCompletions(context.Background())
	if err := f.orch.HandleTaskCompleted(context.Background(), "acme", "ext-1"); err != nil {
		t.Fatal(err)
	}
	var acks int
	for _, m := range f.chat.SentTo("U1") {
		if strings.Contains(m.Text, ":tada:") {
			acks++
		}
	}
	if acks != 1 {
		t.Errorf("acknowledgements = %d, want 1", acks)
	}
}

func TestHandleTaskCompleted_UnknownItem(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.HandleTaskCompleted(context.Background(), "acme", "never-seen"); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestCompleteByOwner(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)
	f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme")

	if got := f.orch.CompleteByOwner(context.Background(), task.ID, "U2", "acme"); got.Kind != OutcomeAlreadyOwned {
		t.Errorf("non-owner completion = %+v", got)
	}
	if got := f.orch.CompleteByOwner(context.Background(), task.ID, "U1", "acme"); !got.OK() {
		t.Fatalf("CompleteByOwner = %+v", got)
	}
	if diff := cmp.Diff([]string{"ext-1"}, f.tracker.Completed); diff != "" {
		t.Errorf("tracker completions (-want +got):\n%s", diff)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", cur.Status)
	}
	for _, m := range f.chat.SentTo("U1") {
		if strings.Contains(m.Text, ":tada:") {
			t.Error("acknowledgement sent for an owner-reported completion")
		}
	}
}

func TestNotifyAdmin_KeepsStatus(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)
	f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme")

	if got := f.orch.NotifyAdmin(context.Background(), task.ID, "U1", "acme", "no data access"); !got.OK() {
		t.Fatalf("NotifyAdmin = %+v", got)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusOwned {
		t.Errorf("status = %s, want OWNED", cur.Status)
	}
	admin := f.chat.SentTo("UADMIN")
	if len(admin) != 1 || !strings.Contains(admin[0].Text, "no data access") {
		t.Errorf("admin DMs = %+v", admin)
	}
}

func TestEscalate_ResendsNotice(t *testing.T) {
	f := newFixture(t)
	task := f.seek(t)
	for i := 0; i < 2; i++ {
		if got := f.orch.Escalate(context.Background(), task.ID, "acme", ReasonManual("")); !got.OK() {
			t.Fatalf("Escalate = %+v", got)
		}
	}
	if n := len(f.chat.SentTo("UADMIN")); n != 2 {
		t.Errorf("admin DMs = %d, want 2", n)
	}
	if diff := cmp.Diff([]string{"PENDING_OWNER>ESCALATED"}, f.pub.transitions()); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
}

func TestSeekAndCompleteJobs(t *testing.T) {
	f := newFixture(t)
	w := jobs.NewWorker(f.store, f.orch.JobHandlers(), 0)

	if err := f.orch.EnqueueSeekOwnership("acme", "ext-1"); err != nil {
		t.Fatal(err)
	}
	if didWork, err := w.RunOnce(context.Background()); err != nil || !didWork {
		t.Fatalf("seek job: %v, %v", didWork, err)
	}
	task, err := f.store.GetTaskByExternalID("acme", "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	f.orch.ClaimTask(context.Background(), task.ID, "U1", "acme")

	// A completion signal for an item the tracker still reports open is ignored.
	if err := f.orch.EnqueueTaskCompleted("acme", "ext-1"); err != nil {
		t.Fatal(err)
	}
	if didWork, err := w.RunOnce(context.Background()); err != nil || !didWork {
		t.Fatalf("completion job: %v, %v", didWork, err)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusOwned {
		t.Errorf("status = %s, want OWNED", cur.Status)
	}

	f.tracker.SetCompleted("ext-1", true)
	if err := f.orch.EnqueueTaskCompleted("acme", "ext-1"); err != nil {
		t.Fatal(err)
	}
	if didWork, err := w.RunOnce(context.Background()); err != nil || !didWork {
		t.Fatalf("completion job: %v, %v", didWork, err)
	}
	if cur := f.task(t, task.ID); cur.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", cur.Status)
	}
}

func TestRunCompletionPoller_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.orch.RunCompletionPoller(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
