package repository

import (
	"context"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ParentRepository keeps parent blocks in postgres.
type ParentRepository struct {
	db dbtx
}

func NewParentRepository(pool *pgxpool.Pool) *ParentRepository {
	return &ParentRepository{db: pool}
}

func (r *ParentRepository) Put(ctx context.Context, p domain.ParentChunk) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO parent_chunks (document_id, parent_index, section, text)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (document_id, parent_index) DO UPDATE SET section = EXCLUDED.section, text = EXCLUDED.text`,
		p.Ref.DocumentID, p.Ref.Index, p.Section, p.Text,
	)
	return err
}

func (r *ParentRepository) Get(ctx context.Context, ref domain.ParentRef) (*domain.ParentChunk, error) {
	p := domain.ParentChunk{Ref: ref}
	err := r.db.QueryRow(ctx,
		`SELECT section, text FROM parent_chunks WHERE document_id = $1 AND parent_index = $2`,
		ref.DocumentID, ref.Index,
	).Scan(&p.Section, &p.Text)
	if isMissing(err) {
		return nil, domain.ErrParentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ParentRepository) Delete(ctx context.Context, ref domain.ParentRef) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM parent_chunks WHERE document_id = $1 AND parent_index = $2`,
		ref.DocumentID, ref.Index,
	)
	return err
}

func (r *ParentRepository) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM parent_chunks WHERE document_id = $1`, documentID)
	return err
}

// DocumentIDs lists every document that still owns parent blocks.
func (r *ParentRepository) DocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT document_id FROM parent_chunks ORDER BY document_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
