package server

import (
	"github.com/kagan-dev/kagan/internal/core"
)

// routeKey addresses one method on the dispatch surface.
type routeKey struct {
	capability string
	method     string
}

func (k routeKey) String() string { return k.capability + "." + k.method }

// minProfileByRoute is the authorization table. Each route names the lowest
// profile that may invoke it; higher profiles are supersets. maintainer is
// unrestricted and short-circuits the lookup.
var minProfileByRoute = map[routeKey]core.CapabilityProfile{
	// viewer: read-only queries.
	{"tasks", "list"}:    core.ProfileViewer,
	{"tasks", "get"}:     core.ProfileViewer,
	{"tasks", "wait"}:    core.ProfileViewer,
	{"projects", "list"}: core.ProfileViewer,
	{"projects", "get"}:  core.ProfileViewer,
	{"audit", "list"}:    core.ProfileViewer,

	// planner: proposing new work.
	{"plan", "propose"}: core.ProfilePlanner,

	// pair_worker: interactive collaboration on an assigned task.
	{"tasks", "update_scratchpad"}: core.ProfilePairWorker,
	{"jobs", "submit"}:             core.ProfilePairWorker,
	{"jobs", "get"}:                core.ProfilePairWorker,
	{"jobs", "wait"}:               core.ProfilePairWorker,
	{"jobs", "events"}:             core.ProfilePairWorker,
	{"jobs", "cancel"}:             core.ProfilePairWorker,
	{"review", "request"}:          core.ProfilePairWorker,
	{"sessions", "create"}:         core.ProfilePairWorker,
	{"sessions", "attach"}:         core.ProfilePairWorker,
	{"sessions", "exists"}:         core.ProfilePairWorker,
	{"sessions", "kill"}:           core.ProfilePairWorker,

	// operator: board control.
	{"tasks", "create"}:   core.ProfileOperator,
	{"tasks", "update"}:   core.ProfileOperator,
	{"tasks", "move"}:     core.ProfileOperator,
	{"review", "approve"}: core.ProfileOperator,
	{"review", "reject"}:  core.ProfileOperator,

	// maintainer: destructive and administrative surface.
	{"tasks", "delete"}:         core.ProfileMaintainer,
	{"review", "merge"}:         core.ProfileMaintainer,
	{"review", "rebase"}:        core.ProfileMaintainer,
	{"projects", "create"}:      core.ProfileMaintainer,
	{"projects", "open"}:        core.ProfileMaintainer,
	{"diagnostics", "snapshot"}: core.ProfileMaintainer,
	{"settings", "get"}:         core.ProfileMaintainer,
	{"settings", "update"}:      core.ProfileMaintainer,
}

// mutatingRoutes marks the methods eligible for idempotent replay. Reads
// ignore idempotency keys.
var mutatingRoutes = map[routeKey]bool{
	{"tasks", "create"}:            true,
	{"tasks", "update"}:            true,
	{"tasks", "move"}:              true,
	{"tasks", "delete"}:            true,
	{"tasks", "update_scratchpad"}: true,
	{"projects", "create"}:         true,
	{"projects", "open"}:           true,
	{"plan", "propose"}:            true,
	{"jobs", "submit"}:             true,
	{"jobs", "cancel"}:             true,
	{"review", "request"}:          true,
	{"review", "approve"}:          true,
	{"review", "reject"}:           true,
	{"review", "merge"}:            true,
	{"review", "rebase"}:           true,
	{"sessions", "create"}:         true,
	{"sessions", "kill"}:           true,
	{"settings", "update"}:         true,
}

// taskScopedRoutes are the task-mutating methods a task-namespace session may
// only invoke against its own task.
var taskScopedRoutes = map[routeKey]bool{
	{"jobs", "submit"}:             true,
	{"jobs", "get"}:                true,
	{"jobs", "wait"}:               true,
	{"jobs", "events"}:             true,
	{"jobs", "cancel"}:             true,
	{"tasks", "update_scratchpad"}: true,
	{"tasks", "delete"}:            true,
	{"review", "request"}:          true,
}

// authorize runs the static profile check for a built-in route. Plugin
// routes carry their own minimum profile and are checked by the dispatcher.
func authorize(binding core.SessionBinding, key routeKey) error {
	if binding.Profile == core.ProfileMaintainer {
		return nil
	}
	min, known := minProfileByRoute[key]
	if !known {
		return core.ErrProtocol(core.CodeUnknownMethod, "unknown method: "+key.String())
	}
	if !binding.Profile.AtLeast(min) {
		return core.ErrAuth(core.CodeAuthorizationDenied,
			"profile "+string(binding.Profile)+" may not invoke "+key.String())
	}
	return nil
}
