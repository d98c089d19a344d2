package repo

import (
	"context"
	"database/sql"

	"github.com/aq2208/gorder-payments/internal/usecase"
)

// MySQLQuarantineRepo parks notifications that could not be applied until an
// operator or a batch job reconciles them.
type MySQLQuarantineRepo struct{ db *sql.DB }

func NewMySQLQuarantineRepo(db *sql.DB) *MySQLQuarantineRepo { return &MySQLQuarantineRepo{db: db} }

func (r *MySQLQuarantineRepo) Quarantine(ctx context.Context, kind, refKey string, payload []byte) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO payment_quarantine (kind,ref_key,payload,status,created_at)
VALUES (?, ?, ?, 'PENDING', UTC_TIMESTAMP(6))
`, kind, refKey, payload)
	return err
}

var _ usecase.QuarantineStore = (*MySQLQuarantineRepo)(nil)
