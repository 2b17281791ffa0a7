package core

import (
	"regexp"
	"strings"
)

// CapabilityProfile is an ordered authorization tier. Comparisons use the
// rank table, never the names.
type CapabilityProfile string

const (
	ProfileViewer     CapabilityProfile = "viewer"
	ProfilePlanner    CapabilityProfile = "planner"
	ProfilePairWorker CapabilityProfile = "pair_worker"
	ProfileOperator   CapabilityProfile = "operator"
	ProfileMaintainer CapabilityProfile = "maintainer"
)

var profileRank = map[CapabilityProfile]int{
	ProfileViewer:     0,
	ProfilePlanner:    1,
	ProfilePairWorker: 2,
	ProfileOperator:   3,
	ProfileMaintainer: 4,
}

// Rank returns the profile's position in the ordering, or -1 when unknown.
func (p CapabilityProfile) Rank() int {
	r, ok := profileRank[p]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether p names a known profile.
func (p CapabilityProfile) Valid() bool {
	_, ok := profileRank[p]
	return ok
}

// AtLeast reports whether p grants everything min grants.
func (p CapabilityProfile) AtLeast(min CapabilityProfile) bool {
	return p.Valid() && min.Valid() && p.Rank() >= min.Rank()
}

// Clamp returns p limited to ceiling.
func (p CapabilityProfile) Clamp(ceiling CapabilityProfile) CapabilityProfile {
	if p.Rank() > ceiling.Rank() {
		return ceiling
	}
	return p
}

// SessionOrigin identifies the provenance of an IPC session. Origin fixes the
// profile ceiling and the namespaces the session may bind.
type SessionOrigin string

const (
	OriginLegacy     SessionOrigin = "legacy"
	OriginKagan      SessionOrigin = "kagan"
	OriginKaganAdmin SessionOrigin = "kagan_admin"
)

// Valid reports whether o names a known origin.
func (o SessionOrigin) Valid() bool {
	switch o {
	case OriginLegacy, OriginKagan, OriginKaganAdmin:
		return true
	}
	return false
}

// Ceiling returns the highest profile an origin may bind.
func (o SessionOrigin) Ceiling() CapabilityProfile {
	switch o {
	case OriginKagan:
		return ProfilePairWorker
	case OriginLegacy, OriginKaganAdmin:
		return ProfileMaintainer
	}
	return ProfileViewer
}

// AllowsNamespace reports whether the origin may bind sessions in ns.
func (o SessionOrigin) AllowsNamespace(ns SessionNamespace) bool {
	switch o {
	case OriginLegacy:
		return true
	case OriginKagan:
		return ns == NamespaceDefault || ns == NamespaceTask || ns == NamespacePlanner
	case OriginKaganAdmin:
		return ns == NamespaceExt
	}
	return false
}

// SessionNamespace is the scope lane parsed from a session ID.
type SessionNamespace string

const (
	NamespaceDefault SessionNamespace = "default"
	NamespaceTask    SessionNamespace = "task"
	NamespacePlanner SessionNamespace = "planner"
	NamespaceExt     SessionNamespace = "ext"
)

// legacySessionRe matches the legacy ABC-123 session form, which maps to the
// task namespace with the whole ID as scope.
var legacySessionRe = regexp.MustCompile(`^[A-Z]+-[0-9]+$`)

// ParseSessionID splits a session ID into namespace and scope.
// Prefixed forms: task:<id>, planner:<id>, ext:<id>. The legacy ABC-123 form
// is a task-namespace session. Anything else is namespace default.
func ParseSessionID(sessionID string) (SessionNamespace, string) {
	if ns, scope, ok := strings.Cut(sessionID, ":"); ok {
		switch SessionNamespace(ns) {
		case NamespaceTask:
			return NamespaceTask, scope
		case NamespacePlanner:
			return NamespacePlanner, scope
		case NamespaceExt:
			return NamespaceExt, scope
		}
		return NamespaceDefault, ""
	}
	if legacySessionRe.MatchString(sessionID) {
		return NamespaceTask, sessionID
	}
	return NamespaceDefault, ""
}

// SessionBinding is the frozen identity of an IPC session: set on first
// authenticated request, immutable afterwards.
type SessionBinding struct {
	Profile   CapabilityProfile `json:"profile"`
	Origin    SessionOrigin     `json:"origin"`
	Namespace SessionNamespace  `json:"namespace"`
	ScopeID   string            `json:"scope_id,omitempty"`
}
