package server

import (
	"testing"
	"time"

	"github.com/kagan-dev/kagan/internal/core"
)

func TestTimeoutParamShapes(t *testing.T) {
	if v, err := timeoutParam(map[string]any{}, "timeout_seconds"); err != nil || v != nil {
		t.Errorf("absent timeout: %v %v", v, err)
	}
	v, err := timeoutParam(map[string]any{"timeout_seconds": 2.5}, "timeout_seconds")
	if err != nil || v == nil || *v != 2.5 {
		t.Errorf("number timeout: %v %v", v, err)
	}

	// Booleans and strings are the documented INVALID_TIMEOUT cases.
	for _, bad := range []any{true, false, "30", []any{1}} {
		_, err := timeoutParam(map[string]any{"timeout_seconds": bad}, "timeout_seconds")
		if core.CodeOf(err) != core.CodeInvalidTimeout {
			t.Errorf("timeout %v (%T): expected INVALID_TIMEOUT, got %v", bad, bad, err)
		}
	}
}

func TestStatusListParamForms(t *testing.T) {
	check := func(v any, want int) {
		t.Helper()
		statuses, err := statusListParam(map[string]any{"wait_for_status": v}, "wait_for_status")
		if err != nil {
			t.Errorf("%v: %v", v, err)
			return
		}
		if len(statuses) != want {
			t.Errorf("%v parsed to %v", v, statuses)
		}
	}

	check([]any{"REVIEW", "DONE"}, 2)
	check("REVIEW,DONE", 2)
	check(`["REVIEW","DONE"]`, 2)
	check(" REVIEW , DONE ", 2)
	check(nil, 0)

	for _, bad := range []any{true, 3.0, []any{true}, "SIDEWAYS", `["SIDEWAYS"]`} {
		_, err := statusListParam(map[string]any{"wait_for_status": bad}, "wait_for_status")
		if core.CodeOf(err) != core.CodeInvalidParams {
			t.Errorf("status list %v (%T): expected INVALID_PARAMS, got %v", bad, bad, err)
		}
	}
}

func TestCursorParam(t *testing.T) {
	stamp := "2026-08-24T10:30:00.5Z"
	got, err := cursorParam(map[string]any{"from_updated_at": stamp}, "from_updated_at")
	if err != nil || got == nil {
		t.Fatalf("cursor: %v %v", got, err)
	}
	want, _ := time.Parse(time.RFC3339Nano, stamp)
	if !got.Equal(want) {
		t.Errorf("cursor %v", got)
	}

	if _, err := cursorParam(map[string]any{"from_updated_at": "yesterday"}, "from_updated_at"); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("garbage cursor: %v", err)
	}
	if got, err := cursorParam(map[string]any{}, "from_updated_at"); err != nil || got != nil {
		t.Errorf("absent cursor: %v %v", got, err)
	}
}

func TestScalarParams(t *testing.T) {
	params := map[string]any{
		"name":  "x",
		"count": 3.0,
		"flag":  true,
		"obj":   map[string]any{"a": 1.0},
		"list":  []any{"a", "b"},
	}

	if s, err := requiredString(params, "name"); err != nil || s != "x" {
		t.Errorf("requiredString: %v %v", s, err)
	}
	if _, err := requiredString(params, "missing"); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("missing required: %v", err)
	}
	if _, err := stringParam(params, "count"); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("number as string: %v", err)
	}
	if n, err := intParam(params, "count", 0); err != nil || n != 3 {
		t.Errorf("intParam: %v %v", n, err)
	}
	if _, err := intParam(params, "flag", 0); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("bool as int: %v", err)
	}
	if b, err := boolParam(params, "flag", false); err != nil || !b {
		t.Errorf("boolParam: %v %v", b, err)
	}
	if m, err := mapParam(params, "obj"); err != nil || m["a"] != 1.0 {
		t.Errorf("mapParam: %v %v", m, err)
	}
	if l, err := stringListParam(params, "list"); err != nil || len(l) != 2 {
		t.Errorf("stringListParam: %v %v", l, err)
	}
	if _, err := stringListParam(params, "obj"); core.CodeOf(err) != core.CodeInvalidParams {
		t.Errorf("object as list: %v", err)
	}
}
