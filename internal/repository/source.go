package repository

import (
	"context"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SourceRepository keeps the uploaded bytes next to the document row. It is
// used when no object storage is configured.
type SourceRepository struct {
	db dbtx
}

func NewSourceRepository(pool *pgxpool.Pool) *SourceRepository {
	return &SourceRepository{db: pool}
}

func (r *SourceRepository) Put(ctx context.Context, documentID string, data []byte) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO document_sources (document_id, data) VALUES ($1, $2)
		 ON CONFLICT (document_id) DO UPDATE SET data = EXCLUDED.data`,
		documentID, data,
	)
	if isForeignKeyViolation(err) {
		return domain.ErrDocumentNotFound
	}
	return err
}

func (r *SourceRepository) Get(ctx context.Context, documentID string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(ctx,
		`SELECT data FROM document_sources WHERE document_id = $1`, documentID,
	).Scan(&data)
	if isMissing(err) {
		return nil, domain.ErrSourceNotFound
	}
	return data, err
}

func (r *SourceRepository) Delete(ctx context.Context, documentID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM document_sources WHERE document_id = $1`, documentID)
	if isMissing(err) {
		return nil
	}
	return err
}
