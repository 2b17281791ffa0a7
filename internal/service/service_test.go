package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/events"
	"github.com/kagan-dev/kagan/internal/state"
)

// newStore opens an in-memory store for one test.
func newStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.OpenMemory(nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newHandle builds a config handle over the defaults, backed by a temp file
// so settings.update can persist.
func newHandle(t *testing.T) *config.Handle {
	t.Helper()
	return config.NewHandle(config.Default(), filepath.Join(t.TempDir(), "config.yaml"))
}

// seedProject inserts a project row so task creation passes its FK check.
func seedProject(t *testing.T, store *state.Store, id string) {
	t.Helper()
	if err := store.CreateProject(context.Background(), &core.Project{ID: id, Name: id}); err != nil {
		t.Fatalf("seeding project: %v", err)
	}
}

// seedTask creates a task through the service so events and defaults apply.
func seedTask(t *testing.T, tasks *TaskService, projectID, title string) *core.Task {
	t.Helper()
	task, err := tasks.Create(context.Background(), CreateParams{ProjectID: projectID, Title: title})
	if err != nil {
		t.Fatalf("seeding task: %v", err)
	}
	return task
}

// fixture bundles the common task-service test wiring.
type fixture struct {
	store *state.Store
	bus   *events.Bus
	tasks *TaskService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newStore(t)
	bus := events.New(64)
	t.Cleanup(bus.Close)
	seedProject(t, store, "proj-1")
	return &fixture{store: store, bus: bus, tasks: NewTaskService(store, bus, nil)}
}
