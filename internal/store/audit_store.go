package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AuditStore struct {
	db DB
}

type AuditEntry struct {
	ID         string          `db:"id" json:"id"`
	Actor      string          `db:"actor" json:"actor"`
	Action     string          `db:"action" json:"action"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Data       json.RawMessage `db:"data" json:"data"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log records an administrative action in the caller's transaction.
func (s *AuditStore) Log(ctx context.Context, tx Execer, actor, action, entityType, entityID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_audit_logs (id, actor, action, entity_type, entity_id, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), actor, action, entityType, entityID, string(payload))
	return err
}

func (s *AuditStore) ListByEntity(ctx context.Context, entityType, entityID string, page Page) ([]AuditEntry, error) {
	var conds conditions
	conds.add("entity_type = ?", entityType)
	conds.add("entity_id = ?", entityID)
	limit, args := conds.paginate(page)
	rows := []AuditEntry{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, actor, action, entity_type, entity_id, data, created_at
		FROM wallet_audit_logs`+conds.where()+`
		ORDER BY created_at DESC`+limit, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
