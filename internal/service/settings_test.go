package service

import (
	"os"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/core"
)

func TestSettingsUpdateMergesAndPersists(t *testing.T) {
	handle := newHandle(t)
	settings := NewSettingsService(handle, nil)

	updated, err := settings.Update(map[string]any{
		"general": map[string]any{"max_concurrent_agents": 7},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.General.MaxConcurrentAgents != 7 {
		t.Errorf("patched value %d", updated.General.MaxConcurrentAgents)
	}
	// Untouched siblings survive the merge.
	if updated.General.MaxIterations != config.Default().General.MaxIterations {
		t.Errorf("sibling clobbered: %d", updated.General.MaxIterations)
	}
	// The live pointer moved.
	if settings.Get().General.MaxConcurrentAgents != 7 {
		t.Error("live config not swapped")
	}

	// And the file was written.
	data, err := os.ReadFile(handle.Path())
	if err != nil {
		t.Fatalf("reading config file: %v", err)
	}
	var onDisk config.Config
	if err := yaml.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("parsing config file: %v", err)
	}
	if onDisk.General.MaxConcurrentAgents != 7 {
		t.Errorf("on-disk value %d", onDisk.General.MaxConcurrentAgents)
	}
}

func TestSettingsUpdateRejectsInvalidConfig(t *testing.T) {
	handle := newHandle(t)
	settings := NewSettingsService(handle, nil)
	before := settings.Get()

	_, err := settings.Update(map[string]any{
		"general": map[string]any{"max_concurrent_agents": -1},
	})
	if err == nil {
		t.Fatal("invalid patch accepted")
	}
	if settings.Get() != before {
		t.Error("live config swapped despite validation failure")
	}
	if _, statErr := os.Stat(handle.Path()); statErr == nil {
		t.Error("invalid config persisted")
	}
}

func TestSettingsUpdateRejectsShapeMismatch(t *testing.T) {
	handle := newHandle(t)
	settings := NewSettingsService(handle, nil)

	_, err := settings.Update(map[string]any{
		"general": map[string]any{"max_concurrent_agents": "many"},
	})
	if core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("expected INVALID_PARAMS, got %v", err)
	}
}
