package repo

import (
	"context"
	"database/sql"

	"mediajob/internal/domain"
)

const assetColumns = `id,name,key,mime_type,size,pooled,owner_id,created_at`

func scanAsset(row rowScanner) (domain.Asset, error) {
	var a domain.Asset
	var pooled int
	err := row.Scan(&a.ID, &a.Name, &a.Key, &a.MIMEType, &a.Size, &pooled, &a.OwnerID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Pooled = pooled != 0
	return a, err
}

func (r Repo) InsertAsset(ctx context.Context, a domain.Asset) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO assets(`+assetColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Key, a.MIMEType, a.Size, boolInt(a.Pooled), a.OwnerID, a.CreatedAt)
	return err
}

func (r Repo) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	return scanAsset(r.DB.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=?`, id))
}

func (r Repo) ListAssets(ctx context.Context, pooledOnly bool) ([]domain.Asset, error) {
	q := `SELECT ` + assetColumns + ` FROM assets`
	if pooledOnly {
		q += ` WHERE pooled=1`
	}
	q += ` ORDER BY created_at DESC, id ASC`
	rows, err := r.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAsset(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM assets WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
