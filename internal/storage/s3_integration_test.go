//go:build integration

package storage

import (
	"context"
	"testing"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3Client_Objects(t *testing.T) {
	ctx := context.Background()
	rc := testutil.NewRustFSContainer(ctx, t)
	defer rc.Terminate(ctx)

	client, err := NewS3Client(ctx, S3ClientConfig{
		Endpoint:        rc.Endpoint(),
		Region:          "us-east-1",
		AccessKeyID:     "rustfsadmin",
		SecretAccessKey: "rustfsadmin",
		Bucket:          "docrag-test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	require.NoError(t, client.EnsureBucket(ctx))

	_, err = client.GetObject(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	parents := NewParentStore(client)
	for i := 0; i < 3; i++ {
		require.NoError(t, parents.Put(ctx, domain.ParentChunk{
			Ref:  domain.ParentRef{DocumentID: "doc-a", Index: i},
			Text: "parent text",
		}))
	}
	require.NoError(t, parents.Put(ctx, domain.ParentChunk{Ref: domain.ParentRef{DocumentID: "doc-b", Index: 0}, Text: "x"}))

	ids, err := parents.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-a", "doc-b"}, ids)

	require.NoError(t, parents.DeleteDocument(ctx, "doc-a"))
	_, err = parents.Get(ctx, domain.ParentRef{DocumentID: "doc-a", Index: 1})
	assert.ErrorIs(t, err, domain.ErrParentNotFound)

	meta, err := client.HeadObject(ctx, "parents/doc-b/0")
	require.NoError(t, err)
	assert.Equal(t, "application/json", meta.ContentType)
}
