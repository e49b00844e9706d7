package repository

import (
	"context"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const documentColumns = `id, filename, content_type, fingerprint, size_bytes, state, chunk_count, query_enabled, error, uploaded_at, updated_at`

type DocumentRepository struct {
	db dbtx
}

func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{db: pool}
}

func (r *DocumentRepository) Create(ctx context.Context, d *domain.Document) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Filename, d.ContentType, d.Fingerprint, d.SizeBytes, d.State, d.ChunkCount, d.QueryEnabled,
		nullableString(d.Error), d.UploadedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err, "documents_fingerprint_key") {
		return domain.ErrDuplicateDocument
	}
	return err
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	d, err := scanDocument(r.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id,
	))
	if isMissing(err) {
		return nil, domain.ErrDocumentNotFound
	}
	return d, err
}

func (r *DocumentRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.Document, error) {
	d, err := scanDocument(r.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE fingerprint = $1`, fingerprint,
	))
	if isMissing(err) {
		return nil, domain.ErrDocumentNotFound
	}
	return d, err
}

func (r *DocumentRepository) List(ctx context.Context) ([]*domain.Document, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY uploaded_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocumentRows(rows)
}

// ListByState returns matching documents, oldest upload first.
func (r *DocumentRepository) ListByState(ctx context.Context, states ...domain.DocumentState) ([]*domain.Document, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE state = ANY($1) ORDER BY uploaded_at ASC, id`,
		names,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocumentRows(rows)
}

// Transition is a compare-and-set on the state column, so two callers racing
// for the same document cannot both succeed.
func (r *DocumentRepository) Transition(ctx context.Context, id string, from []domain.DocumentState, to domain.DocumentState, update service.StateUpdate) (*domain.Document, error) {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}

	d, err := scanDocument(r.db.QueryRow(ctx,
		`UPDATE documents
		 SET state = $3,
		     chunk_count = COALESCE($4, chunk_count),
		     error = CASE WHEN $5::text IS NULL THEN error ELSE NULLIF($5::text, '') END,
		     updated_at = $6
		 WHERE id = $1 AND state = ANY($2)
		 RETURNING `+documentColumns,
		id, names, to, update.ChunkCount, update.Error, time.Now().UTC(),
	))
	if err == nil {
		return d, nil
	}
	if !isMissing(err) {
		return nil, err
	}

	// Distinguish a missing row from a failed guard.
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrInvalidState
}

// SetQueryEnabled only touches updated_at when the flag actually changes.
func (r *DocumentRepository) SetQueryEnabled(ctx context.Context, id string, enabled bool) (*domain.Document, error) {
	d, err := scanDocument(r.db.QueryRow(ctx,
		`UPDATE documents
		 SET query_enabled = $2,
		     updated_at = CASE WHEN query_enabled = $2 THEN updated_at ELSE $3 END
		 WHERE id = $1
		 RETURNING `+documentColumns,
		id, enabled, time.Now().UTC(),
	))
	if isMissing(err) {
		return nil, domain.ErrDocumentNotFound
	}
	return d, err
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if isMissing(err) {
		return domain.ErrDocumentNotFound
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var d domain.Document
	var errMsg *string
	err := row.Scan(&d.ID, &d.Filename, &d.ContentType, &d.Fingerprint, &d.SizeBytes, &d.State,
		&d.ChunkCount, &d.QueryEnabled, &errMsg, &d.UploadedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		d.Error = *errMsg
	}
	return &d, nil
}

func scanDocumentRows(rows pgx.Rows) ([]*domain.Document, error) {
	var docs []*domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
