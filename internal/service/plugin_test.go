package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kagan-dev/kagan/internal/core"
)

func noopHandler(context.Context, map[string]any) (map[string]any, error) {
	return nil, nil
}

func manifest(id string) PluginManifest {
	return PluginManifest{ID: id, Name: "Example", Version: "0.1.0"}
}

func TestManifestValidation(t *testing.T) {
	cases := []struct {
		name string
		m    PluginManifest
		ok   bool
	}{
		{"valid", PluginManifest{ID: "git-hooks", Name: "Git Hooks", Version: "1.0.0"}, true},
		{"dots and underscores", PluginManifest{ID: "org.example_ext", Name: "n", Version: "1"}, true},
		{"too short", PluginManifest{ID: "ab", Name: "n", Version: "1"}, false},
		{"uppercase", PluginManifest{ID: "GitHooks", Name: "n", Version: "1"}, false},
		{"leading digit", PluginManifest{ID: "1hooks", Name: "n", Version: "1"}, false},
		{"missing name", PluginManifest{ID: "git-hooks", Version: "1"}, false},
		{"missing version", PluginManifest{ID: "git-hooks", Name: "n"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.Validate()
			if tc.ok && err != nil {
				t.Errorf("rejected: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("accepted")
			}
		})
	}
}

func TestLoadManifestFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugin.yaml")
	body := "id: git-hooks\nname: Git Hooks\nversion: 1.2.0\nentrypoint: ./hooks.so\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.ID != "git-hooks" || m.Version != "1.2.0" || m.Entrypoint != "./hooks.so" {
		t.Errorf("manifest %+v", m)
	}

	if err := os.WriteFile(path, []byte("id: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("malformed yaml: %v", err)
	}
}

func TestRegisterCommitsOperations(t *testing.T) {
	reg := NewPluginRegistry(nil)
	err := reg.Register(manifest("git-hooks"), func(r *PluginRegistration) error {
		return r.AddOperation(PluginOperation{
			Capability:     "hooks",
			Method:         "run",
			Handler:        noopHandler,
			MinimumProfile: core.ProfileOperator,
			Mutating:       true,
		})
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	op, ok := reg.Lookup("hooks", "run")
	if !ok {
		t.Fatal("operation not routable")
	}
	if op.PluginID != "git-hooks" || op.MinimumProfile != core.ProfileOperator {
		t.Errorf("op %+v", op)
	}
	if len(reg.Plugins()) != 1 {
		t.Errorf("manifests %v", reg.Plugins())
	}
}

func TestRegisterIsTransactional(t *testing.T) {
	reg := NewPluginRegistry(nil)

	// A registration error commits nothing, even after staging an op.
	err := reg.Register(manifest("git-hooks"), func(r *PluginRegistration) error {
		if err := r.AddOperation(PluginOperation{
			Capability: "hooks", Method: "run",
			Handler: noopHandler, MinimumProfile: core.ProfileViewer,
		}); err != nil {
			return err
		}
		return errors.New("entrypoint failed to load")
	})
	if err == nil {
		t.Fatal("failed registration accepted")
	}
	if _, ok := reg.Lookup("hooks", "run"); ok {
		t.Error("staged op committed despite failure")
	}
	if len(reg.Plugins()) != 0 {
		t.Error("manifest committed despite failure")
	}

	// Zero staged operations is also a failure.
	err = reg.Register(manifest("git-hooks"), func(*PluginRegistration) error { return nil })
	if core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("empty registration: %v", err)
	}

	// A clean retry under the same ID works.
	err = reg.Register(manifest("git-hooks"), func(r *PluginRegistration) error {
		return r.AddOperation(PluginOperation{
			Capability: "hooks", Method: "run",
			Handler: noopHandler, MinimumProfile: core.ProfileViewer,
		})
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestRegisterRejectsDuplicateRoutes(t *testing.T) {
	reg := NewPluginRegistry(nil)
	add := func(r *PluginRegistration) error {
		return r.AddOperation(PluginOperation{
			Capability: "hooks", Method: "run",
			Handler: noopHandler, MinimumProfile: core.ProfileViewer,
		})
	}
	if err := reg.Register(manifest("git-hooks"), add); err != nil {
		t.Fatal(err)
	}

	// Same route from another plugin.
	if err := reg.Register(manifest("other-hooks"), add); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("cross-plugin duplicate: %v", err)
	}
	if len(reg.Plugins()) != 1 {
		t.Errorf("manifests %v", reg.Plugins())
	}

	// Same plugin ID twice.
	if err := reg.Register(manifest("git-hooks"), add); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("duplicate plugin id: %v", err)
	}

	// Duplicate within one batch.
	err := reg.Register(manifest("batch-dup"), func(r *PluginRegistration) error {
		if err := add(r); err != nil {
			return err
		}
		return r.AddOperation(PluginOperation{
			Capability: "hooks", Method: "list",
			Handler: noopHandler, MinimumProfile: core.ProfileViewer,
		})
	})
	// "hooks.run" collides with git-hooks even though "hooks.list" is free.
	if core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("batch duplicate: %v", err)
	}
	if _, ok := reg.Lookup("hooks", "list"); ok {
		t.Error("partial batch committed")
	}
}

func TestAddOperationValidation(t *testing.T) {
	reg := NewPluginRegistry(nil)
	err := reg.Register(manifest("git-hooks"), func(r *PluginRegistration) error {
		return r.AddOperation(PluginOperation{
			Capability: "hooks", Method: "run",
			Handler:        noopHandler,
			MinimumProfile: core.CapabilityProfile("root"),
		})
	})
	if core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("unknown profile: %v", err)
	}

	err = reg.Register(manifest("git-hooks"), func(r *PluginRegistration) error {
		return r.AddOperation(PluginOperation{
			Capability: "hooks", Method: "run",
			MinimumProfile: core.ProfileViewer,
		})
	})
	if core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("missing handler: %v", err)
	}
}

func TestAuthorizePolicyHooks(t *testing.T) {
	reg := NewPluginRegistry(nil)
	binding := core.SessionBinding{Profile: core.ProfileOperator}

	allow := func(context.Context, core.SessionBinding, map[string]any) (bool, string, error) {
		return true, "", nil
	}
	deny := func(context.Context, core.SessionBinding, map[string]any) (bool, string, error) {
		return false, "read-only window", nil
	}
	broken := func(context.Context, core.SessionBinding, map[string]any) (bool, string, error) {
		return true, "", errors.New("policy backend unreachable")
	}

	op := &PluginOperation{Capability: "hooks", Method: "run", PolicyHooks: []PolicyHook{allow}}
	if err := reg.Authorize(context.Background(), op, binding, nil); err != nil {
		t.Errorf("allowed op denied: %v", err)
	}

	op.PolicyHooks = []PolicyHook{allow, deny}
	err := reg.Authorize(context.Background(), op, binding, nil)
	if core.CodeOf(err) != core.CodeAuthorizationDenied {
		t.Errorf("denial code: %v", err)
	}

	// A hook error is a denial with its own code, never a silent allow.
	op.PolicyHooks = []PolicyHook{broken}
	err = reg.Authorize(context.Background(), op, binding, nil)
	if core.CodeOf(err) != core.CodePluginPolicyError {
		t.Errorf("hook error code: %v", err)
	}

	// No hooks means the static profile check already decided.
	op.PolicyHooks = nil
	if err := reg.Authorize(context.Background(), op, binding, nil); err != nil {
		t.Errorf("hookless op denied: %v", err)
	}
}
