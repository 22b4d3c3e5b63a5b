package events

import (
	"context"
	"database/sql"
	"time"

	"mediajob/internal/domain"
)

// Writer appends Activity rows inside a caller-owned transaction.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, a domain.Activity) (domain.Activity, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if a.TS == "" {
		a.TS = w.Now().UTC().Format(time.RFC3339)
	}
	if a.Status == "" {
		a.Status = domain.ActivityOK
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO activities(document_id,user_id,action,status,code,error_message,consumed_credit,ts) VALUES (?,?,?,?,?,?,?,?)`,
		a.DocumentID, a.UserID, a.Action, a.Status, a.Code, a.ErrorMessage, a.ConsumedCredit, a.TS)
	if err != nil {
		return a, err
	}
	a.ID, err = res.LastInsertId()
	return a, err
}

// List returns activities of a job in insertion order.
func List(ctx context.Context, db *sql.DB, documentID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.QueryContext(ctx, `SELECT id,document_id,user_id,action,status,code,error_message,consumed_credit,ts FROM activities WHERE document_id=? ORDER BY id ASC LIMIT ?`, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.UserID, &a.Action, &a.Status, &a.Code, &a.ErrorMessage, &a.ConsumedCredit, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
