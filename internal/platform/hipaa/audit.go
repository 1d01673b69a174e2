package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/pkg/pagination"
)

// AuditEvent is one append-only row of the audit_log table.
type AuditEvent struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	Action       string          `json:"action"`
	Recorded     time.Time       `json:"recorded"`
	Details      json.RawMessage `json:"details"`
	ResourceType string          `json:"resource_type"`
	ResourceID   *string         `json:"resource_id,omitempty"`
}

// AuditTrail records the outcome of every sync attempt.
type AuditTrail interface {
	Record(ctx context.Context, userID, action string, details any, resourceType, resourceID string) error
}

// NewAuditEvent builds an event stamped with the current UTC time. An empty
// resourceID is stored as NULL.
func NewAuditEvent(userID, action string, details any, resourceType, resourceID string) (*AuditEvent, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: marshal details: %w", err)
	}
	ev := &AuditEvent{
		ID:           uuid.New(),
		UserID:       userID,
		Action:       action,
		Recorded:     time.Now().UTC(),
		Details:      raw,
		ResourceType: resourceType,
	}
	if resourceID != "" {
		ev.ResourceID = &resourceID
	}
	return ev, nil
}

// DefaultAcquireTimeout bounds the wait for an audit connection. Callers hold
// their own session connection while auditing, so an unbounded wait on a
// drained pool never returns.
const DefaultAcquireTimeout = 5 * time.Second

// auditPool is the part of *pgxpool.Pool the audit logger uses.
type auditPool interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AuditLogger writes audit events to the database.
type AuditLogger struct {
	pool           auditPool
	acquireTimeout time.Duration
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool, acquireTimeout: DefaultAcquireTimeout}
}

// Record acquires its own connection for every event, so audit rows are
// never part of the caller's session or transaction. The acquire and insert
// share a deadline even when ctx has none.
func (a *AuditLogger) Record(ctx context.Context, userID, action string, details any, resourceType, resourceID string) error {
	ev, err := NewAuditEvent(userID, action, details, resourceType, resourceID)
	if err != nil {
		return err
	}
	return a.LogEvent(ctx, ev)
}

func (a *AuditLogger) LogEvent(ctx context.Context, ev *AuditEvent) error {
	const query = `
		INSERT INTO audit_log (id, user_id, action, recorded, details, resource_type, resource_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	ctx, cancel := context.WithTimeout(ctx, a.acquireTimeout)
	defer cancel()

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("hipaa audit: acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, query,
		ev.ID, ev.UserID, ev.Action, ev.Recorded, ev.Details, ev.ResourceType, ev.ResourceID,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert %s: %w", ev.Action, err)
	}
	return nil
}

// ListByResource returns one page of the audit history of a resource,
// newest first, with the total number of events.
func (a *AuditLogger) ListByResource(ctx context.Context, resourceType, resourceID string, page pagination.Params) ([]*AuditEvent, int, error) {
	var total int
	err := a.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: count %s/%s: %w", resourceType, resourceID, err)
	}

	rows, err := a.pool.Query(ctx, `
		SELECT id, user_id, action, recorded, details, resource_type, resource_id
		FROM audit_log
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY recorded DESC
		LIMIT $3 OFFSET $4`, resourceType, resourceID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: list %s/%s: %w", resourceType, resourceID, err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Action, &ev.Recorded, &ev.Details, &ev.ResourceType, &ev.ResourceID); err != nil {
			return nil, 0, fmt.Errorf("hipaa audit: scan: %w", err)
		}
		events = append(events, &ev)
	}
	return events, total, rows.Err()
}
