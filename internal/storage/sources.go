package storage

import (
	"context"
	"errors"

	"github.com/cloo-solutions/docrag/internal/domain"
)

const sourcesPrefix = "sources/"

// SourceStore keeps original uploads so a document can be reprocessed.
type SourceStore struct {
	objects ObjectStore
}

func NewSourceStore(objects ObjectStore) *SourceStore {
	return &SourceStore{objects: objects}
}

func (s *SourceStore) Put(ctx context.Context, documentID string, data []byte) error {
	return s.objects.PutObject(ctx, sourcesPrefix+documentID, data, "application/octet-stream")
}

func (s *SourceStore) Get(ctx context.Context, documentID string) ([]byte, error) {
	data, err := s.objects.GetObject(ctx, sourcesPrefix+documentID)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, domain.ErrSourceNotFound
	}
	return data, err
}

func (s *SourceStore) Delete(ctx context.Context, documentID string) error {
	return s.objects.DeleteObject(ctx, sourcesPrefix+documentID)
}
