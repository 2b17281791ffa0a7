package server

import (
	"testing"

	"github.com/kagan-dev/kagan/internal/core"
)

func TestAuthorizeProfileLadder(t *testing.T) {
	cases := []struct {
		profile core.CapabilityProfile
		route   routeKey
		allowed bool
	}{
		{core.ProfileViewer, routeKey{"tasks", "list"}, true},
		{core.ProfileViewer, routeKey{"tasks", "wait"}, true},
		{core.ProfileViewer, routeKey{"plan", "propose"}, false},
		{core.ProfileViewer, routeKey{"tasks", "create"}, false},

		{core.ProfilePlanner, routeKey{"plan", "propose"}, true},
		{core.ProfilePlanner, routeKey{"jobs", "submit"}, false},

		{core.ProfilePairWorker, routeKey{"jobs", "submit"}, true},
		{core.ProfilePairWorker, routeKey{"tasks", "update_scratchpad"}, true},
		{core.ProfilePairWorker, routeKey{"tasks", "list"}, true},
		{core.ProfilePairWorker, routeKey{"tasks", "create"}, false},
		{core.ProfilePairWorker, routeKey{"review", "merge"}, false},

		{core.ProfileOperator, routeKey{"tasks", "create"}, true},
		{core.ProfileOperator, routeKey{"review", "approve"}, true},
		{core.ProfileOperator, routeKey{"review", "merge"}, false},
		{core.ProfileOperator, routeKey{"settings", "update"}, false},

		{core.ProfileMaintainer, routeKey{"review", "merge"}, true},
		{core.ProfileMaintainer, routeKey{"settings", "update"}, true},
		{core.ProfileMaintainer, routeKey{"tasks", "delete"}, true},
	}

	for _, tc := range cases {
		binding := core.SessionBinding{Profile: tc.profile}
		err := authorize(binding, tc.route)
		if tc.allowed && err != nil {
			t.Errorf("%s on %s denied: %v", tc.profile, tc.route, err)
		}
		if !tc.allowed {
			if core.CodeOf(err) != core.CodeAuthorizationDenied {
				t.Errorf("%s on %s: expected AUTHORIZATION_DENIED, got %v", tc.profile, tc.route, err)
			}
		}
	}
}

func TestAuthorizeUnknownMethod(t *testing.T) {
	binding := core.SessionBinding{Profile: core.ProfileOperator}
	err := authorize(binding, routeKey{"tasks", "explode"})
	if core.CodeOf(err) != core.CodeUnknownMethod {
		t.Errorf("expected UNKNOWN_METHOD, got %v", err)
	}
}

func TestEveryMutatingRouteHasAProfile(t *testing.T) {
	for key := range mutatingRoutes {
		if _, ok := minProfileByRoute[key]; !ok {
			t.Errorf("mutating route %s missing from the authorization table", key)
		}
	}
	for key := range taskScopedRoutes {
		if _, ok := minProfileByRoute[key]; !ok {
			t.Errorf("task-scoped route %s missing from the authorization table", key)
		}
	}
}
