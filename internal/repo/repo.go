package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"mediajob/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyAttached is returned when a Document already carries an external job id.
	ErrAlreadyAttached = errors.New("document already attached to an external job")
)

type rowScanner interface {
	Scan(dest ...any) error
}

const documentColumns = `id,title,document_id,is_online,created_at,updated_at`

func scanDocument(row rowScanner) (domain.Document, error) {
	var d domain.Document
	var docID sql.NullString
	var online int
	err := row.Scan(&d.ID, &d.Title, &docID, &online, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if docID.Valid {
		v := docID.String
		d.DocumentID = &v
	}
	d.IsOnline = online != 0
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?)`,
		d.ID, d.Title, nullableStringPtr(d.DocumentID), boolInt(d.IsOnline), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

type DocumentFilters struct {
	OnlineOnly bool
	Submitted  *bool
	Limit      int
	Offset     int
}

// DefaultDocumentLimit applies when DocumentFilters.Limit is not positive.
const DefaultDocumentLimit = 100

func (r Repo) ListDocuments(ctx context.Context, f DocumentFilters) ([]domain.Document, error) {
	var (
		clauses []string
		args    []any
	)
	if f.OnlineOnly {
		clauses = append(clauses, "is_online=1")
	}
	if f.Submitted != nil {
		if *f.Submitted {
			clauses = append(clauses, "document_id IS NOT NULL")
		} else {
			clauses = append(clauses, "document_id IS NULL")
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultDocumentLimit
	}
	args = append(args, limit, max(f.Offset, 0))
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM documents %s ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, documentColumns, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDocument patches title and/or online flag.
func (r Repo) UpdateDocument(ctx context.Context, tx *sql.Tx, id string, title *string, online *bool, now string) error {
	fields := []string{"updated_at=?"}
	args := []any{now}
	if title != nil {
		fields = append(fields, "title=?")
		args = append(args, *title)
	}
	if online != nil {
		fields = append(fields, "is_online=?")
		args = append(args, boolInt(*online))
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE documents SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes a Document together with its job and activity rows.
func (r Repo) DeleteDocument(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	d, err := r.GetDocumentTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if d.DocumentID != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM doc_jobs WHERE document_id=?`, *d.DocumentID); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullable(*v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
