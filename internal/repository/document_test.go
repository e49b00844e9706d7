//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/service"
	"github.com/cloo-solutions/docrag/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDocument(fingerprint string) *domain.Document {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.NewDocument(uuid.NewString(), "report.pdf", "application/pdf", fingerprint, 1024, now)
}

func TestDocumentRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	repo := NewDocumentRepository(pool)
	d := newTestDocument("fp-1")
	require.NoError(t, repo.Create(ctx, d))

	got, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Filename, got.Filename)
	assert.Equal(t, domain.DocumentStateUnprocessed, got.State)
	assert.True(t, got.QueryEnabled)
	assert.Empty(t, got.Error)

	byFP, err := repo.GetByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, byFP.ID)

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	_, err = repo.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestDocumentRepository_DuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	repo := NewDocumentRepository(pool)
	require.NoError(t, repo.Create(ctx, newTestDocument("same")))

	err := repo.Create(ctx, newTestDocument("same"))
	assert.ErrorIs(t, err, domain.ErrDuplicateDocument)
}

func TestDocumentRepository_Transition(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	repo := NewDocumentRepository(pool)
	d := newTestDocument("fp-t")
	require.NoError(t, repo.Create(ctx, d))

	t.Run("guard holds", func(t *testing.T) {
		_, err := repo.Transition(ctx, d.ID, domain.AllowedSources(domain.DocumentStateProcessed), domain.DocumentStateProcessed, service.StateUpdate{})
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("processing then error", func(t *testing.T) {
		got, err := repo.Transition(ctx, d.ID, domain.AllowedSources(domain.DocumentStateProcessing), domain.DocumentStateProcessing, service.StateUpdate{})
		require.NoError(t, err)
		assert.Equal(t, domain.DocumentStateProcessing, got.State)

		reason := "extraction failed"
		got, err = repo.Transition(ctx, d.ID, domain.AllowedSources(domain.DocumentStateError), domain.DocumentStateError, service.StateUpdate{Error: &reason})
		require.NoError(t, err)
		assert.Equal(t, "extraction failed", got.Error)
	})

	t.Run("retry clears error and records count", func(t *testing.T) {
		empty := ""
		_, err := repo.Transition(ctx, d.ID, domain.AllowedSources(domain.DocumentStateProcessing), domain.DocumentStateProcessing, service.StateUpdate{Error: &empty})
		require.NoError(t, err)

		n := 12
		got, err := repo.Transition(ctx, d.ID, domain.AllowedSources(domain.DocumentStateProcessed), domain.DocumentStateProcessed, service.StateUpdate{ChunkCount: &n})
		require.NoError(t, err)
		assert.Equal(t, 12, got.ChunkCount)
		assert.Empty(t, got.Error)
	})

	t.Run("missing document", func(t *testing.T) {
		_, err := repo.Transition(ctx, uuid.NewString(), []domain.DocumentState{domain.DocumentStateQueued}, domain.DocumentStateProcessing, service.StateUpdate{})
		assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
	})
}

func TestDocumentRepository_ListByStateAndToggle(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	repo := NewDocumentRepository(pool)
	a, b := newTestDocument("a"), newTestDocument("b")
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))
	_, err := repo.Transition(ctx, b.ID, domain.AllowedSources(domain.DocumentStateQueued), domain.DocumentStateQueued, service.StateUpdate{})
	require.NoError(t, err)

	queued, err := repo.ListByState(ctx, domain.DocumentStateQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, b.ID, queued[0].ID)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := repo.SetQueryEnabled(ctx, a.ID, false)
	require.NoError(t, err)
	assert.False(t, got.QueryEnabled)

	require.NoError(t, repo.Delete(ctx, a.ID))
	assert.ErrorIs(t, repo.Delete(ctx, a.ID), domain.ErrDocumentNotFound)
}

func TestChatRepository_Messages(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	repo := NewChatRepository(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	c := domain.NewChat(uuid.NewString(), "thesis questions", now)
	require.NoError(t, repo.Create(ctx, c))

	for i := 0; i < 7; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		m := &domain.Message{
			ID:        uuid.NewString(),
			ChatID:    c.ID,
			Role:      role,
			Content:   string(rune('a' + i)),
			Sources:   []domain.Source{{Label: "report.pdf", DocumentID: "d1", Score: 0.7}},
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.AddMessage(ctx, m))
	}

	recent, err := repo.RecentMessages(ctx, c.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].Content)
	assert.Equal(t, "g", recent[2].Content)
	assert.Len(t, recent[0].Sources, 1)

	page, err := repo.ListMessages(ctx, c.ID, nil, 4)
	require.NoError(t, err)
	assert.Len(t, page.Items, 4)
	assert.True(t, page.HasMore)

	updated, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(c.UpdatedAt))

	require.NoError(t, repo.Delete(ctx, c.ID))
	_, err = repo.GetByID(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrChatNotFound)
}
