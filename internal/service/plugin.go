package service

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/logging"
)

// pluginIDRe constrains plugin IDs to a filesystem- and wire-safe alphabet.
var pluginIDRe = regexp.MustCompile(`^[a-z][a-z0-9_.-]{2,63}$`)

// PluginManifest identifies a plugin. Manifests are immutable once
// registered.
type PluginManifest struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	Version    string `yaml:"version" json:"version"`
	Entrypoint string `yaml:"entrypoint" json:"entrypoint"`
}

// Validate checks manifest invariants.
func (m PluginManifest) Validate() error {
	if !pluginIDRe.MatchString(m.ID) {
		return core.ErrPlugin(core.CodeInvalidParams,
			fmt.Sprintf("plugin id %q must match %s", m.ID, pluginIDRe.String()))
	}
	if m.Name == "" {
		return core.ErrPlugin(core.CodeInvalidParams, "plugin name cannot be empty")
	}
	if m.Version == "" {
		return core.ErrPlugin(core.CodeInvalidParams, "plugin version cannot be empty")
	}
	return nil
}

// LoadManifest reads a YAML manifest from disk.
func LoadManifest(path string) (PluginManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PluginManifest{}, err
	}
	var m PluginManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return PluginManifest{}, core.ErrPlugin(core.CodeInvalidParams,
			"parsing plugin manifest: "+err.Error())
	}
	return m, m.Validate()
}

// PluginHandler executes one plugin operation.
type PluginHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// PolicyHook decides per-request whether an operation may run. Hooks are
// consulted after the static profile check.
type PolicyHook func(ctx context.Context, binding core.SessionBinding, params map[string]any) (allowed bool, reason string, err error)

// PluginOperation is one method a plugin contributes to the dispatch
// surface.
type PluginOperation struct {
	PluginID       string
	Capability     string
	Method         string
	Handler        PluginHandler
	MinimumProfile core.CapabilityProfile
	Mutating       bool
	Description    string
	PolicyHooks    []PolicyHook
}

type routeKey struct {
	capability string
	method     string
}

// PluginRegistry holds registered plugins and routes their operations.
type PluginRegistry struct {
	log *logging.Logger

	mu      sync.RWMutex
	plugins map[string]PluginManifest
	ops     map[routeKey]*PluginOperation
}

// NewPluginRegistry creates an empty registry.
func NewPluginRegistry(log *logging.Logger) *PluginRegistry {
	if log == nil {
		log = logging.NewNop()
	}
	return &PluginRegistry{
		log:     log.WithComponent("plugins"),
		plugins: make(map[string]PluginManifest),
		ops:     make(map[routeKey]*PluginOperation),
	}
}

// PluginRegistration accumulates a plugin's operations during Register.
type PluginRegistration struct {
	manifest PluginManifest
	ops      []*PluginOperation
}

// AddOperation stages one operation for the plugin being registered.
func (r *PluginRegistration) AddOperation(op PluginOperation) error {
	if op.Capability == "" || op.Method == "" {
		return core.ErrPlugin(core.CodeInvalidParams,
			"plugin operation needs capability and method")
	}
	if op.Handler == nil {
		return core.ErrPlugin(core.CodeInvalidParams,
			fmt.Sprintf("operation %s.%s has no handler", op.Capability, op.Method))
	}
	if !op.MinimumProfile.Valid() {
		return core.ErrPlugin(core.CodeInvalidProfile,
			"unknown minimum profile: "+string(op.MinimumProfile))
	}
	op.PluginID = r.manifest.ID
	r.ops = append(r.ops, &op)
	return nil
}

// Register runs the plugin's registration function transactionally: if it
// returns an error or stages zero operations, nothing is committed.
func (p *PluginRegistry) Register(manifest PluginManifest, register func(*PluginRegistration) error) error {
	if err := manifest.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.plugins[manifest.ID]; exists {
		return core.ErrPlugin(core.CodeInvalidParams,
			"plugin already registered: "+manifest.ID)
	}

	reg := &PluginRegistration{manifest: manifest}
	if err := register(reg); err != nil {
		return core.ErrPlugin(core.CodeInvalidParams,
			fmt.Sprintf("plugin %s registration failed: %v", manifest.ID, err))
	}
	if len(reg.ops) == 0 {
		return core.ErrPlugin(core.CodeInvalidParams,
			"plugin "+manifest.ID+" registered zero operations")
	}

	// Reject duplicates across the registry and within the batch before
	// committing anything.
	staged := make(map[routeKey]bool, len(reg.ops))
	for _, op := range reg.ops {
		key := routeKey{op.Capability, op.Method}
		if _, taken := p.ops[key]; taken || staged[key] {
			return core.ErrPlugin(core.CodeInvalidParams,
				fmt.Sprintf("operation %s.%s is already registered", op.Capability, op.Method))
		}
		staged[key] = true
	}

	p.plugins[manifest.ID] = manifest
	for _, op := range reg.ops {
		p.ops[routeKey{op.Capability, op.Method}] = op
	}
	p.log.Info("plugin registered", "plugin_id", manifest.ID,
		"version", manifest.Version, "operations", len(reg.ops))
	return nil
}

// Lookup resolves a plugin operation for a capability/method pair.
func (p *PluginRegistry) Lookup(capability, method string) (*PluginOperation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	op, ok := p.ops[routeKey{capability, method}]
	return op, ok
}

// Plugins returns the registered manifests.
func (p *PluginRegistry) Plugins() []PluginManifest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PluginManifest, 0, len(p.plugins))
	for _, m := range p.plugins {
		out = append(out, m)
	}
	return out
}

// Authorize runs the operation's policy hooks. The static profile check has
// already passed when this is called. A hook error is a denial, never a
// silent allow.
func (p *PluginRegistry) Authorize(ctx context.Context, op *PluginOperation, binding core.SessionBinding, params map[string]any) error {
	for _, hook := range op.PolicyHooks {
		allowed, reason, err := hook(ctx, binding, params)
		if err != nil {
			return core.ErrPlugin(core.CodePluginPolicyError,
				fmt.Sprintf("policy hook for %s.%s failed: %v", op.Capability, op.Method, err))
		}
		if !allowed {
			if reason == "" {
				reason = "denied by plugin policy"
			}
			return core.ErrAuth(core.CodeAuthorizationDenied, reason)
		}
	}
	return nil
}
