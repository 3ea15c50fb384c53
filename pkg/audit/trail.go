package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/accounts/pkg/observability"
)

// Trail records and pages through audit entries
type Trail struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// TrailOption configures a Trail
type TrailOption func(*Trail)

// WithMetrics counts recorded entries on m
func WithMetrics(m *observability.Metrics) TrailOption {
	return func(t *Trail) { t.metrics = m }
}

// WithClock overrides the entry timestamp source
func WithClock(now func() time.Time) TrailOption {
	return func(t *Trail) { t.now = now }
}

// NewTrail creates a Trail over store
func NewTrail(store Store, logger *observability.Logger, opts ...TrailOption) *Trail {
	if logger == nil {
		logger = observability.NopLogger()
	}
	t := &Trail{
		store:   store,
		logger:  logger.WithComponent("audit"),
		metrics: observability.NewMetrics(nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordOption sets optional fields of an entry
type RecordOption func(*Entry)

// WithSubject records the user the action was performed on. Defaults to
// the actor.
func WithSubject(userID int64) RecordOption {
	return func(e *Entry) { e.SubjectUserID = &userID }
}

// WithActorRole records the actor's effective role label
func WithActorRole(role string) RecordOption {
	return func(e *Entry) { e.ActorRole = role }
}

// WithApplication records the client application the action came through
func WithApplication(app string) RecordOption {
	return func(e *Entry) { e.Application = app }
}

// Record appends an entry. actorUserID is nil for unauthenticated callers.
func (t *Trail) Record(ctx context.Context, actorUserID *int64, action string, payload map[string]interface{}, opts ...RecordOption) (*Entry, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}

	e := &Entry{
		Timestamp:   t.now().UTC(),
		Action:      action,
		ActorUserID: actorUserID,
	}
	if len(payload) > 0 {
		e.Payload = make(map[string]interface{}, len(payload))
		for k, v := range payload {
			e.Payload[k] = v
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.SubjectUserID == nil && actorUserID != nil {
		subject := *actorUserID
		e.SubjectUserID = &subject
	}

	if err := t.store.Append(ctx, e); err != nil {
		t.logger.WithError(err).WithField("action", action).Error("failed to record audit entry")
		return nil, err
	}
	t.metrics.AuditEntriesTotal.WithLabelValues(action).Inc()
	return e, nil
}

// Query pages through a subject's entries, newest first. The cursor is the
// NextCursor of the previous page, or empty for the first page.
func (t *Trail) Query(ctx context.Context, subjectUserID int64, pageSize int, cursor string) (*Page, error) {
	beforeID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit := ClampPageSize(pageSize)

	entries, err := t.store.ListBySubject(ctx, subjectUserID, beforeID, limit+1)
	if err != nil {
		return nil, err
	}

	page := &Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
		page.NextCursor = EncodeCursor(page.Entries[limit-1].ID)
	}
	if page.Entries == nil {
		page.Entries = []*Entry{}
	}
	return page, nil
}
