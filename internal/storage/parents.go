package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloo-solutions/docrag/internal/domain"
)

const parentsPrefix = "parents/"

// ObjectStore is the subset of S3Client used by the stores in this package.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)
}

type parentObject struct {
	Section string `json:"section"`
	Text    string `json:"text"`
}

// ParentStore keeps parent blocks as JSON objects under parents/<doc>/<index>.
type ParentStore struct {
	objects ObjectStore
}

func NewParentStore(objects ObjectStore) *ParentStore {
	return &ParentStore{objects: objects}
}

func parentKey(ref domain.ParentRef) string {
	return parentsPrefix + ref.Key()
}

func (s *ParentStore) Put(ctx context.Context, p domain.ParentChunk) error {
	data, err := json.Marshal(parentObject{Section: p.Section, Text: p.Text})
	if err != nil {
		return err
	}
	return s.objects.PutObject(ctx, parentKey(p.Ref), data, "application/json")
}

func (s *ParentStore) Get(ctx context.Context, ref domain.ParentRef) (*domain.ParentChunk, error) {
	data, err := s.objects.GetObject(ctx, parentKey(ref))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, domain.ErrParentNotFound
	}
	if err != nil {
		return nil, err
	}

	var obj parentObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode parent %s: %w", ref.Key(), err)
	}
	return &domain.ParentChunk{Ref: ref, Section: obj.Section, Text: obj.Text}, nil
}

func (s *ParentStore) Delete(ctx context.Context, ref domain.ParentRef) error {
	return s.objects.DeleteObject(ctx, parentKey(ref))
}

func (s *ParentStore) DeleteDocument(ctx context.Context, documentID string) error {
	return s.objects.DeletePrefix(ctx, parentsPrefix+documentID+"/")
}

func (s *ParentStore) DocumentIDs(ctx context.Context) ([]string, error) {
	return s.objects.ListPrefixes(ctx, parentsPrefix)
}
