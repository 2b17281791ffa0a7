package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/events"
)

func TestCreateDefaultsToBacklogAuto(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.tasks.Create(ctx, CreateParams{ProjectID: "proj-1", Title: "build the thing"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != core.TaskStatusBacklog {
		t.Errorf("new task status %s", task.Status)
	}
	if task.TaskType != core.TaskTypeAuto {
		t.Errorf("new task type %s", task.TaskType)
	}
	if task.Priority != core.PriorityMedium {
		t.Errorf("new task priority %s", task.Priority)
	}
	if !strings.HasPrefix(task.ID, "TASK-") {
		t.Errorf("unexpected id %s", task.ID)
	}
}

func TestCreateRequiresProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.tasks.Create(context.Background(), CreateParams{ProjectID: "missing", Title: "x"})
	if core.CodeOf(err) != core.CodeProjectNotFound {
		t.Errorf("expected PROJECT_NOT_FOUND, got %v", err)
	}
}

func TestUpdateFieldsRejectsUnknownFieldAndWrongType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, f.tasks, "proj-1", "t")

	if _, err := f.tasks.UpdateFields(ctx, task.ID, map[string]any{"nope": "x"}); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("unknown field: expected INVALID_PARAMS, got %v", err)
	}
	if _, err := f.tasks.UpdateFields(ctx, task.ID, map[string]any{"title": 42}); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("wrong type: expected INVALID_PARAMS, got %v", err)
	}
	if _, err := f.tasks.UpdateFields(ctx, task.ID, map[string]any{"status": "SIDEWAYS"}); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("bad status: expected INVALID_PARAMS, got %v", err)
	}
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, f.tasks, "proj-1", "t")

	prev := task.UpdatedAt
	for i := 0; i < 5; i++ {
		updated, err := f.tasks.UpdateFields(ctx, task.ID, map[string]any{"description": "round"})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if !updated.UpdatedAt.After(prev) {
			t.Fatalf("updated_at did not advance: %v -> %v", prev, updated.UpdatedAt)
		}
		prev = updated.UpdatedAt
	}
}

func TestMovePublishesTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, f.tasks, "proj-1", "t")

	ch := f.bus.Subscribe(events.TypeTaskChanged)
	defer f.bus.Unsubscribe(ch)

	moved, err := f.tasks.Move(ctx, task.ID, core.TaskStatusInProgress)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Status != core.TaskStatusInProgress {
		t.Errorf("status %s", moved.Status)
	}

	select {
	case ev := <-ch:
		changed := ev.(events.TaskChangedEvent)
		if changed.PreviousStatus != core.TaskStatusBacklog || changed.CurrentStatus != core.TaskStatusInProgress {
			t.Errorf("unexpected transition %s -> %s", changed.PreviousStatus, changed.CurrentStatus)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no TaskChanged event")
	}
}

func TestScratchpadAppendAndLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, f.tasks, "proj-1", "t")

	if _, err := f.tasks.AppendScratchpad(ctx, task.ID, "first note"); err != nil {
		t.Fatalf("append: %v", err)
	}
	updated, err := f.tasks.AppendScratchpad(ctx, task.ID, "see @TASK-ABC and @TASK-ABC again")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if updated.Scratchpad != "first note\nsee @TASK-ABC and @TASK-ABC again" {
		t.Errorf("scratchpad %q", updated.Scratchpad)
	}

	links, err := f.tasks.Links(ctx, task.ID)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 1 || links[0] != "TASK-ABC" {
		t.Errorf("links %v", links)
	}
}

func TestSyncStatusFromAgentComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, f.tasks, "proj-1", "t")

	// Failure or wrong column: no movement.
	if got, _ := f.tasks.SyncStatusFromAgentComplete(ctx, task.ID, true); got.Status != core.TaskStatusBacklog {
		t.Errorf("backlog task moved to %s", got.Status)
	}
	if _, err := f.tasks.Move(ctx, task.ID, core.TaskStatusInProgress); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.tasks.SyncStatusFromAgentComplete(ctx, task.ID, false); got.Status != core.TaskStatusInProgress {
		t.Errorf("failed run moved task to %s", got.Status)
	}
	got, err := f.tasks.SyncStatusFromAgentComplete(ctx, task.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.TaskStatusReview {
		t.Errorf("successful run left task at %s", got.Status)
	}
}

func TestSyncStatusFromReviewReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, f.tasks, "proj-1", "t")
	if _, err := f.tasks.Move(ctx, task.ID, core.TaskStatusReview); err != nil {
		t.Fatal(err)
	}

	got, err := f.tasks.SyncStatusFromReviewReject(ctx, task.ID, "missing tests")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.TaskStatusInProgress {
		t.Errorf("rejected task at %s", got.Status)
	}
	if !strings.Contains(got.Description, "Review rejected: missing tests") {
		t.Errorf("description %q lacks rejection note", got.Description)
	}
}

func TestTaskEventTrailRecordsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, f.tasks, "proj-1", "t")

	if _, err := f.tasks.Move(ctx, task.ID, core.TaskStatusInProgress); err != nil {
		t.Fatal(err)
	}
	// Non-status updates leave the trail alone.
	if _, err := f.tasks.UpdateFields(ctx, task.ID, map[string]any{"description": "d"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tasks.AppendEvent(ctx, task.ID, "", "agent picked up the task"); err != nil {
		t.Fatal(err)
	}

	evs, err := f.tasks.Events(ctx, task.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("trail %+v", evs)
	}
	if evs[0].EventType != core.TaskEventCreated {
		t.Errorf("first event %+v", evs[0])
	}
	if evs[1].EventType != core.TaskEventStatusChange ||
		!strings.Contains(evs[1].Message, "BACKLOG -> IN_PROGRESS") {
		t.Errorf("transition event %+v", evs[1])
	}
	if evs[2].EventType != core.TaskEventNote || evs[2].Message != "agent picked up the task" {
		t.Errorf("note event %+v", evs[2])
	}
	for i, ev := range evs {
		if ev.Seq != i+1 {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestTaskEventTrailOnReviewReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, f.tasks, "proj-1", "t")
	if _, err := f.tasks.Move(ctx, task.ID, core.TaskStatusReview); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tasks.SyncStatusFromReviewReject(ctx, task.ID, "missing tests"); err != nil {
		t.Fatal(err)
	}

	evs, err := f.tasks.Events(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := evs[len(evs)-1]
	if last.EventType != core.TaskEventStatusChange ||
		!strings.Contains(last.Message, "review rejected") {
		t.Errorf("rejection not on the trail: %+v", last)
	}
}

func TestAppendEventRequiresTask(t *testing.T) {
	f := newFixture(t)
	if _, err := f.tasks.AppendEvent(context.Background(), "TASK-NOPE", "note", "x"); core.CodeOf(err) != core.CodeTaskNotFound {
		t.Errorf("expected TASK_NOT_FOUND, got %v", err)
	}
	if _, err := f.tasks.Events(context.Background(), "TASK-NOPE"); core.CodeOf(err) != core.CodeTaskNotFound {
		t.Errorf("expected TASK_NOT_FOUND, got %v", err)
	}
}

func TestDeletePublishesTaskDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, f.tasks, "proj-1", "t")

	ch := f.bus.Subscribe(events.TypeTaskDeleted)
	defer f.bus.Unsubscribe(ch)

	if err := f.tasks.Delete(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.tasks.Get(ctx, task.ID); core.CodeOf(err) != core.CodeTaskNotFound {
		t.Errorf("expected TASK_NOT_FOUND, got %v", err)
	}

	select {
	case ev := <-ch:
		if ev.(events.TaskDeletedEvent).TaskID != task.ID {
			t.Error("deleted event names the wrong task")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no TaskDeleted event")
	}
}
