package service

import (
	"gopkg.in/yaml.v3"

	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/logging"
)

// SettingsService exposes the live configuration over settings.get and
// settings.update.
type SettingsService struct {
	cfg *config.Handle
	log *logging.Logger
}

// NewSettingsService creates a settings service.
func NewSettingsService(cfg *config.Handle, log *logging.Logger) *SettingsService {
	if log == nil {
		log = logging.NewNop()
	}
	return &SettingsService{cfg: cfg, log: log.WithComponent("settings")}
}

// Get returns the current configuration.
func (s *SettingsService) Get() *config.Config {
	return s.cfg.Current()
}

// Update deep-merges the patch into the current configuration, validates,
// persists, and swaps the live pointer. Readers observe either the old or
// the new configuration, never a partial one.
func (s *SettingsService) Update(patch map[string]any) (*config.Config, error) {
	current, err := configToMap(s.cfg.Current())
	if err != nil {
		return nil, err
	}
	merged := deepMerge(current, patch)

	next, err := mapToConfig(merged)
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidParams,
			"settings patch does not fit the configuration shape: "+err.Error())
	}
	if err := s.cfg.Update(next); err != nil {
		return nil, err
	}
	s.log.Info("settings updated")
	return next, nil
}

// configToMap and mapToConfig round-trip through YAML so patches address the
// same keys the config file uses.
func configToMap(cfg *config.Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func mapToConfig(m map[string]any) (*config.Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMerge overlays patch onto base, descending into nested maps.
func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if pv, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(bv, pv)
				continue
			}
		}
		out[k] = v
	}
	return out
}
