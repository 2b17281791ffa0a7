package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/logging"
	"github.com/kagan-dev/kagan/internal/state"
)

const auditDefaultLimit = 50

// AuditService records and lists the append-only audit trail.
type AuditService struct {
	store *state.Store
	log   *logging.Logger
}

// NewAuditService creates an audit service.
func NewAuditService(store *state.Store, log *logging.Logger) *AuditService {
	if log == nil {
		log = logging.NewNop()
	}
	return &AuditService{store: store, log: log.WithComponent("audit")}
}

// RecordParams are the inputs of Record.
type RecordParams struct {
	ActorType   core.ActorType
	ActorID     string
	SessionID   string
	Capability  string
	CommandName string
	Payload     any
	Result      any
	Success     bool
}

// Record appends one event and returns it with its generated id and
// occurred_at.
func (s *AuditService) Record(ctx context.Context, p RecordParams) (*core.AuditEvent, error) {
	ev := &core.AuditEvent{
		ID:          strings.ToLower(uuid.NewString()[:8]),
		OccurredAt:  time.Now().UTC(),
		ActorType:   p.ActorType,
		ActorID:     p.ActorID,
		SessionID:   p.SessionID,
		Capability:  p.Capability,
		CommandName: p.CommandName,
		Success:     p.Success,
	}
	if p.Payload != nil {
		data, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, core.ErrValidation(core.CodeInvalidParams,
				"audit payload is not serialisable: "+err.Error())
		}
		ev.PayloadJSON = string(data)
	}
	if p.Result != nil {
		data, err := json.Marshal(p.Result)
		if err != nil {
			return nil, core.ErrValidation(core.CodeInvalidParams,
				"audit result is not serialisable: "+err.Error())
		}
		ev.ResultJSON = string(data)
	}
	if err := s.store.AppendAudit(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// AuditPage is one page of audit events, newest first.
type AuditPage struct {
	Events     []*core.AuditEvent `json:"events"`
	NextCursor string             `json:"next_cursor,omitempty"`
	HasMore    bool               `json:"has_more"`
}

// List returns events newest first. cursor is the occurred_at of the last
// row seen; only strictly older rows follow.
func (s *AuditService) List(ctx context.Context, capability string, limit int, cursor string) (AuditPage, error) {
	if limit <= 0 {
		limit = auditDefaultLimit
	}
	events, err := s.store.ListAudit(ctx, capability, limit+1, cursor)
	if err != nil {
		return AuditPage{}, err
	}
	page := AuditPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
	}
	if n := len(page.Events); n > 0 {
		page.NextCursor = state.FormatCursor(page.Events[n-1].OccurredAt)
	}
	return page, nil
}
