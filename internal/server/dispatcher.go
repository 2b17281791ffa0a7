package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/ipc"
	"github.com/kagan-dev/kagan/internal/logging"
	"github.com/kagan-dev/kagan/internal/service"
)

// HandlerFunc executes one route against the bound session.
type HandlerFunc func(ctx context.Context, sess *SessionState, params map[string]any) (any, error)

// Dispatcher routes authenticated requests to handlers: static routes first,
// plugin operations second.
type Dispatcher struct {
	routes   map[routeKey]HandlerFunc
	plugins  *service.PluginRegistry
	bindings *Bindings
	idem     *IdempotencyCache
	jobs     *service.JobService
	audit    *service.AuditService
	log      *logging.Logger
}

// NewDispatcher creates a dispatcher over the service set.
func NewDispatcher(svcs *Services, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.NewNop()
	}
	d := &Dispatcher{
		routes:   make(map[routeKey]HandlerFunc),
		plugins:  svcs.Plugins,
		bindings: NewBindings(),
		idem:     NewIdempotencyCache(),
		jobs:     svcs.Jobs,
		audit:    svcs.Audit,
		log:      log.WithComponent("dispatch"),
	}
	registerRoutes(d, svcs)
	return d
}

// Bindings exposes the session binding cache (the server and tests use it).
func (d *Dispatcher) Bindings() *Bindings { return d.bindings }

// register installs one static route. Panics on duplicates: the route table
// is assembled once at startup.
func (d *Dispatcher) register(capability, method string, h HandlerFunc) {
	key := routeKey{capability, method}
	if _, dup := d.routes[key]; dup {
		panic("duplicate route: " + key.String())
	}
	d.routes[key] = h
}

// Dispatch handles one request end to end: binding, scope gate, authz,
// idempotent replay, handler, audit. The response always carries the
// request's request_id.
func (d *Dispatcher) Dispatch(ctx context.Context, req *ipc.Request) ipc.Response {
	sess, err := d.bindings.Resolve(req.SessionID, req.SessionProfile, req.SessionOrigin)
	if err != nil {
		return d.fail(req, err)
	}

	key := routeKey{req.Capability, req.Method}
	handler, static := d.routes[key]
	var pluginOp *service.PluginOperation
	if !static {
		op, ok := d.plugins.Lookup(req.Capability, req.Method)
		if !ok {
			return d.fail(req, core.ErrProtocol(core.CodeUnknownMethod,
				"unknown method: "+key.String()))
		}
		pluginOp = op
	}

	if err := d.enforceTaskScope(ctx, sess, key, req.Params, pluginOp); err != nil {
		return d.fail(req, err)
	}

	mutating := mutatingRoutes[key]
	if pluginOp != nil {
		mutating = pluginOp.Mutating
		if !sess.Binding.Profile.AtLeast(pluginOp.MinimumProfile) {
			return d.fail(req, core.ErrAuth(core.CodeAuthorizationDenied,
				"profile "+string(sess.Binding.Profile)+" may not invoke "+key.String()))
		}
		if err := d.plugins.Authorize(ctx, pluginOp, sess.Binding, req.Params); err != nil {
			return d.fail(req, err)
		}
	} else {
		if err := authorize(sess.Binding, key); err != nil {
			return d.fail(req, err)
		}
	}

	if mutating {
		if cached, hit := d.idem.Get(req.SessionID, req.Capability, req.Method, req.IdempotencyKey); hit {
			return ipc.Response{RequestID: req.RequestID, OK: true, Result: cached}
		}
	}

	var result any
	if pluginOp != nil {
		result, err = pluginOp.Handler(ctx, req.Params)
	} else {
		result, err = d.invoke(ctx, handler, sess, req.Params)
	}
	d.recordAudit(ctx, sess, req, result, err)
	if err != nil {
		return d.fail(req, err)
	}

	payload, merr := json.Marshal(result)
	if merr != nil {
		d.log.Error("marshaling result failed", "method", key.String(), "error", merr)
		return d.fail(req, core.ErrInternal("internal error"))
	}
	if mutating {
		d.idem.Put(req.SessionID, req.Capability, req.Method, req.IdempotencyKey, payload)
	}
	return ipc.Response{RequestID: req.RequestID, OK: true, Result: payload}
}

// invoke runs a static handler, converting panics and unknown errors into
// INTERNAL_ERROR with the original logged.
func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, sess *SessionState, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", "panic", r)
			err = core.ErrInternal("internal error")
		}
	}()
	return h(ctx, sess, params)
}

// enforceTaskScope applies the task-lane gate: a task-namespace session may
// only touch its own task through the task-mutating methods.
func (d *Dispatcher) enforceTaskScope(ctx context.Context, sess *SessionState, key routeKey, params map[string]any, pluginOp *service.PluginOperation) error {
	if sess.Binding.Namespace != core.NamespaceTask {
		return nil
	}
	scoped := taskScopedRoutes[key]
	if pluginOp != nil {
		scoped = pluginOp.Mutating
	}
	if !scoped {
		return nil
	}

	taskID, err := stringParam(params, "task_id")
	if err != nil {
		return err
	}
	if taskID == "" {
		// Job handles are task-scoped transitively.
		jobID, err := stringParam(params, "job_id")
		if err != nil {
			return err
		}
		if jobID != "" {
			job, err := d.jobs.Get(ctx, jobID)
			if err != nil {
				return err
			}
			taskID = job.TaskID
		}
	}
	if taskID != sess.Binding.ScopeID {
		return core.ErrSession(core.CodeSessionScopeDenied,
			"session is scoped to task "+sess.Binding.ScopeID)
	}
	return nil
}

// recordAudit appends the request outcome to the audit trail. Audit is
// best-effort for reads and mutations alike; a failed append is logged, not
// surfaced.
func (d *Dispatcher) recordAudit(ctx context.Context, sess *SessionState, req *ipc.Request, result any, reqErr error) {
	if req.Capability == "audit" {
		return
	}
	actorType := core.ActorUser
	if sess.Binding.Namespace == core.NamespaceTask {
		actorType = core.ActorAgent
	}
	_, err := d.audit.Record(ctx, service.RecordParams{
		ActorType:   actorType,
		ActorID:     string(sess.Binding.Profile),
		SessionID:   sess.ID,
		Capability:  req.Capability,
		CommandName: req.Method,
		Payload:     req.Params,
		Result:      result,
		Success:     reqErr == nil,
	})
	if err != nil {
		d.log.Warn("audit append failed", "method", req.Capability+"."+req.Method, "error", err)
	}
}

// fail builds the error response. Domain errors pass through with their wire
// code and message; anything else is redacted to INTERNAL_ERROR and logged.
func (d *Dispatcher) fail(req *ipc.Request, err error) ipc.Response {
	code := core.CodeOf(err)
	message := "internal error"
	var domErr *core.DomainError
	if errors.As(err, &domErr) && domErr.Category != core.ErrCatInternal {
		message = domErr.Message
	}
	if code == core.CodeInternalError {
		d.log.Error("request failed", "capability", req.Capability, "method", req.Method, "error", err)
	}
	return ipc.ErrorResponse(req.RequestID, code, message)
}
