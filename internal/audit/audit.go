// Package audit implements the Audit Log (C2): an append-only record of
// every mutation. Writes must never fail the caller's mutation — internal
// errors are logged, never returned (§4.2, §7 "Audit-log write failures
// are caught and logged but NEVER surfaced").
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaignstate.io/core/internal/codec"
	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/pkg/logger"
)

// Repository persists audit entries. Implemented by internal/repository
// against the `audit` table.
type Repository interface {
	Insert(ctx context.Context, entry *domain.AuditEntry) error
}

// Logger records auditable actions. Construct one per process; it is safe
// for concurrent use.
type Logger struct {
	repo Repository
}

// NewLogger creates a new audit Logger.
func NewLogger(repo Repository) *Logger {
	return &Logger{repo: repo}
}

// Log appends an audit entry. It always resolves — internal persistence
// failures are logged and swallowed rather than returned, so a correct
// mutation can never be undone by an audit-log outage.
//
// When both prevState and newState are non-nil, a diff is computed
// automatically via the Payload Codec (C1).
func (l *Logger) Log(
	ctx context.Context,
	entityType domain.EntityType,
	entityID string,
	op domain.AuditOperation,
	userID string,
	changes map[string]any,
	metadata map[string]any,
	prevState, newState map[string]any,
	reason string,
) {
	entry := &domain.AuditEntry{
		ID:            newAuditID(),
		EntityType:    entityType,
		EntityID:      entityID,
		Operation:     op,
		UserID:        userID,
		Changes:       changes,
		Metadata:      metadata,
		PreviousState: prevState,
		NewState:      newState,
		Reason:        reason,
	}

	if prevState != nil && newState != nil {
		d, err := codec.Diff(prevState, newState)
		if err != nil {
			logger.Warn("audit diff computation failed",
				zap.String("entity_type", string(entityType)),
				zap.String("entity_id", entityID),
				zap.Error(err),
			)
		} else {
			entry.Diff = d
		}
	}

	if l.repo == nil {
		return
	}
	if err := l.repo.Insert(ctx, entry); err != nil {
		logger.Error("failed to write audit log",
			zap.String("operation", string(op)),
			zap.String("entity_type", string(entityType)),
			zap.String("entity_id", entityID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func newAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("audit-%s", uuid.New().String())
	}
	return fmt.Sprintf("audit-%s", id.String())
}
