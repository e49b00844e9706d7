package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// CollectionRepository is the pgvector collection store. Each document owns a
// row in vector_collections and its points live in chunk_points.
type CollectionRepository struct {
	db dbtx
}

func NewCollectionRepository(pool *pgxpool.Pool) *CollectionRepository {
	return &CollectionRepository{db: pool}
}

func (r *CollectionRepository) Create(ctx context.Context, collection string, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("invalid dimension %d", dimensions)
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO vector_collections (name, dimensions) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		collection, dimensions,
	)
	return err
}

func (r *CollectionRepository) Upsert(ctx context.Context, collection string, points []domain.ChunkPoint) error {
	if len(points) == 0 {
		return nil
	}

	var dims int
	err := r.db.QueryRow(ctx, `SELECT dimensions FROM vector_collections WHERE name = $1`, collection).Scan(&dims)
	if isMissing(err) {
		return domain.ErrCollectionNotFound
	}
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		if len(p.Vector) != dims {
			return fmt.Errorf("point %d has %d dimensions, collection %s expects %d", p.Chunk.Index, len(p.Vector), collection, dims)
		}
		batch.Queue(
			`INSERT INTO chunk_points (collection, chunk_index, document_id, parent_id, text, section, is_metadata, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (collection, chunk_index) DO UPDATE
			 SET document_id = EXCLUDED.document_id, parent_id = EXCLUDED.parent_id, text = EXCLUDED.text,
			     section = EXCLUDED.section, is_metadata = EXCLUDED.is_metadata, embedding = EXCLUDED.embedding`,
			collection, p.Chunk.Index, p.Chunk.DocumentID, p.Chunk.ParentID, p.Chunk.Text, p.Chunk.Section,
			p.Chunk.IsMetadata, pgvector.NewVector(p.Vector),
		)
	}

	return r.sendBatch(ctx, batch)
}

func (r *CollectionRepository) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := r.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			if isForeignKeyViolation(err) {
				return domain.ErrCollectionNotFound
			}
			return err
		}
	}
	return results.Close()
}

// Search ranks the collection's points by cosine similarity to vector.
func (r *CollectionRepository) Search(ctx context.Context, collection string, vector []float32, topK int) ([]domain.ChunkHit, error) {
	if topK <= 0 {
		topK = 5
	}
	exists, err := r.Exists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrCollectionNotFound
	}

	rows, err := r.db.Query(ctx,
		`SELECT document_id, parent_id, chunk_index, text, section, is_metadata, 1 - (embedding <=> $2) AS score
		 FROM chunk_points
		 WHERE collection = $1
		 ORDER BY embedding <=> $2, chunk_index
		 LIMIT $3`,
		collection, pgvector.NewVector(vector), topK,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows, collection)
}

func (r *CollectionRepository) MetadataChunks(ctx context.Context, collection string) ([]domain.ChunkHit, error) {
	rows, err := r.db.Query(ctx,
		`SELECT document_id, parent_id, chunk_index, text, section, is_metadata, 0::float8 AS score
		 FROM chunk_points
		 WHERE collection = $1 AND is_metadata
		 ORDER BY chunk_index
		 LIMIT 2`,
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows, collection)
}

func (r *CollectionRepository) Exists(ctx context.Context, collection string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM vector_collections WHERE name = $1)`, collection,
	).Scan(&exists)
	return exists, err
}

// Drop removes the collection and, by cascade, its points.
func (r *CollectionRepository) Drop(ctx context.Context, collection string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM vector_collections WHERE name = $1`, collection)
	return err
}

func (r *CollectionRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT name FROM vector_collections WHERE name LIKE $1 ORDER BY name`,
		strings.ReplaceAll(domain.CollectionPrefix, "_", `\_`)+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanHits(rows pgx.Rows, collection string) ([]domain.ChunkHit, error) {
	var hits []domain.ChunkHit
	for rows.Next() {
		h := domain.ChunkHit{Collection: collection}
		if err := rows.Scan(&h.DocumentID, &h.ParentID, &h.ChunkIndex, &h.Text, &h.Section, &h.IsMetadata, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
