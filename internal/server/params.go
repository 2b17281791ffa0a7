package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kagan-dev/kagan/internal/core"
)

// Parameter extraction. JSON booleans where numbers or strings are expected
// are rejected explicitly: a YAML-ish client sending true for a timeout must
// see INVALID_TIMEOUT, not a coerced value.

func stringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", core.ErrValidation(core.CodeInvalidParams,
			fmt.Sprintf("param %s expects string, got %T", name, v))
	}
	return s, nil
}

func requiredString(params map[string]any, name string) (string, error) {
	s, err := stringParam(params, name)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", core.ErrValidation(core.CodeInvalidParams, "missing required param: "+name)
	}
	return s, nil
}

func boolParam(params map[string]any, name string, def bool) (bool, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, core.ErrValidation(core.CodeInvalidParams,
			fmt.Sprintf("param %s expects bool, got %T", name, v))
	}
	return b, nil
}

func intParam(params map[string]any, name string, def int) (int, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, core.ErrValidation(core.CodeInvalidParams,
				fmt.Sprintf("param %s expects integer: %v", name, err))
		}
		return int(i), nil
	default:
		return 0, core.ErrValidation(core.CodeInvalidParams,
			fmt.Sprintf("param %s expects integer, got %T", name, v))
	}
}

// timeoutParam parses timeout_seconds. Booleans are INVALID_TIMEOUT per the
// wait contract; absent means nil (server default applies).
func timeoutParam(params map[string]any, name string) (*float64, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	switch n := v.(type) {
	case bool:
		return nil, core.ErrValidation(core.CodeInvalidTimeout,
			"param "+name+" expects a number, got bool")
	case float64:
		return &n, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, core.ErrValidation(core.CodeInvalidTimeout,
				fmt.Sprintf("param %s expects a number: %v", name, err))
		}
		return &f, nil
	case string:
		return nil, core.ErrValidation(core.CodeInvalidTimeout,
			"param "+name+" expects a number, got string")
	default:
		return nil, core.ErrValidation(core.CodeInvalidTimeout,
			fmt.Sprintf("param %s expects a number, got %T", name, v))
	}
}

// statusListParam parses wait_for_status: a JSON list, a comma-separated
// string, or a JSON-list string. Booleans and other shapes are
// INVALID_PARAMS.
func statusListParam(params map[string]any, name string) ([]core.TaskStatus, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}

	var names []string
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, core.ErrValidation(core.CodeInvalidParams,
					fmt.Sprintf("param %s expects status names, got %T", name, item))
			}
			names = append(names, s)
		}
	case string:
		trimmed := strings.TrimSpace(list)
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal([]byte(trimmed), &names); err != nil {
				return nil, core.ErrValidation(core.CodeInvalidParams,
					"param "+name+" is not a valid JSON list: "+err.Error())
			}
		} else {
			names = strings.Split(trimmed, ",")
		}
	default:
		return nil, core.ErrValidation(core.CodeInvalidParams,
			fmt.Sprintf("param %s expects a list or string, got %T", name, v))
	}

	var statuses []core.TaskStatus
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !core.ValidTaskStatus(n) {
			return nil, core.ErrValidation(core.CodeInvalidParams, "unknown status: "+n)
		}
		statuses = append(statuses, core.TaskStatus(n))
	}
	return statuses, nil
}

// cursorParam parses from_updated_at as an ISO-8601 timestamp.
func cursorParam(params map[string]any, name string) (*time.Time, error) {
	s, err := stringParam(params, name)
	if err != nil || s == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidParams,
			"param "+name+" is not an ISO-8601 timestamp: "+err.Error())
	}
	return &t, nil
}

func mapParam(params map[string]any, name string) (map[string]any, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, core.ErrValidation(core.CodeInvalidParams,
			fmt.Sprintf("param %s expects an object, got %T", name, v))
	}
	return m, nil
}

func listParam(params map[string]any, name string) ([]any, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, core.ErrValidation(core.CodeInvalidParams,
			fmt.Sprintf("param %s expects a list, got %T", name, v))
	}
	return l, nil
}

func stringListParam(params map[string]any, name string) ([]string, error) {
	items, err := listParam(params, name)
	if err != nil || items == nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, core.ErrValidation(core.CodeInvalidParams,
				fmt.Sprintf("param %s expects strings, got %T", name, item))
		}
		out = append(out, s)
	}
	return out, nil
}
