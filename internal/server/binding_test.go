package server

import (
	"testing"

	"github.com/kagan-dev/kagan/internal/core"
)

func TestBindingDefaultsToLegacyMaintainer(t *testing.T) {
	b := NewBindings()
	sess, err := b.Resolve("sess-1", "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sess.Binding.Origin != core.OriginLegacy {
		t.Errorf("origin %s", sess.Binding.Origin)
	}
	if sess.Binding.Profile != core.ProfileMaintainer {
		t.Errorf("profile %s", sess.Binding.Profile)
	}
	if sess.Binding.Namespace != core.NamespaceDefault {
		t.Errorf("namespace %s", sess.Binding.Namespace)
	}
}

func TestBindingClampsToOriginCeiling(t *testing.T) {
	b := NewBindings()
	sess, err := b.Resolve("sess-1", "maintainer", "kagan")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sess.Binding.Profile != core.ProfilePairWorker {
		t.Errorf("profile %s not clamped to the kagan ceiling", sess.Binding.Profile)
	}
}

func TestBindingParsesTaskNamespace(t *testing.T) {
	b := NewBindings()

	sess, err := b.Resolve("task:TASK-AB12", "pair_worker", "kagan")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sess.Binding.Namespace != core.NamespaceTask || sess.Binding.ScopeID != "TASK-AB12" {
		t.Errorf("binding %+v", sess.Binding)
	}

	// The legacy bare-ID form is a task session too.
	sess, err = b.Resolve("TASK-123", "", "")
	if err != nil {
		t.Fatalf("resolve legacy form: %v", err)
	}
	if sess.Binding.Namespace != core.NamespaceTask || sess.Binding.ScopeID != "TASK-123" {
		t.Errorf("legacy binding %+v", sess.Binding)
	}
}

func TestBindingFreezesOnFirstUse(t *testing.T) {
	b := NewBindings()
	first, err := b.Resolve("sess-1", "operator", "legacy")
	if err != nil {
		t.Fatal(err)
	}

	// Same identity resolves to the same state.
	again, err := b.Resolve("sess-1", "operator", "legacy")
	if err != nil || again != first {
		t.Errorf("rebind with same identity: %v %p vs %p", err, again, first)
	}

	// A different origin is a mismatch.
	if _, err := b.Resolve("sess-1", "operator", "kagan"); core.CodeOf(err) != core.CodeSessionOriginMismatch {
		t.Errorf("origin switch: %v", err)
	}
	// A different profile on the same origin is rejected too.
	if _, err := b.Resolve("sess-1", "viewer", "legacy"); core.CodeOf(err) != core.CodeInvalidProfile {
		t.Errorf("profile switch: %v", err)
	}
	if b.Count() != 1 {
		t.Errorf("bound sessions %d", b.Count())
	}
}

func TestBindingRejectsUnknownIdentity(t *testing.T) {
	b := NewBindings()
	if _, err := b.Resolve("sess-1", "", "teleport"); core.CodeOf(err) != core.CodeInvalidOrigin {
		t.Errorf("unknown origin: %v", err)
	}
	if _, err := b.Resolve("sess-1", "root", "legacy"); core.CodeOf(err) != core.CodeInvalidProfile {
		t.Errorf("unknown profile: %v", err)
	}
}

func TestBindingNamespaceDenied(t *testing.T) {
	b := NewBindings()

	// kagan_admin only binds the ext namespace.
	if _, err := b.Resolve("task:TASK-1", "", "kagan_admin"); core.CodeOf(err) != core.CodeSessionNamespaceDenied {
		t.Errorf("admin binding task namespace: %v", err)
	}
	if _, err := b.Resolve("ext:metrics", "", "kagan_admin"); err != nil {
		t.Errorf("admin binding ext namespace: %v", err)
	}

	// kagan clients never bind ext.
	if _, err := b.Resolve("ext:metrics2", "", "kagan"); core.CodeOf(err) != core.CodeSessionNamespaceDenied {
		t.Errorf("kagan binding ext namespace: %v", err)
	}
}
