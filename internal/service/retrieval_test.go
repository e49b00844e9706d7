package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retrievalFixture struct {
	docs      *memDocuments
	colls     *memCollections
	parents   *memParents
	embedder  *fakeEmbedder
	reranker  *fakeReranker
	lifecycle *LifecycleService
	svc       *RetrievalService

	mu    sync.Mutex
	steps []domain.ThinkingStep
}

func newRetrievalFixture(policy *config.Policy, timeout time.Duration) *retrievalFixture {
	f := &retrievalFixture{
		docs:     newMemDocuments(),
		colls:    newMemCollections(),
		parents:  newMemParents(),
		embedder: &fakeEmbedder{},
		reranker: &fakeReranker{},
	}
	f.lifecycle = NewLifecycleService(f.docs, f.colls, f.parents, newMemSources(), nil, nil)
	f.svc = NewRetrievalService(f.lifecycle, f.embedder, f.colls, f.reranker, f.parents, NewQueryPlanner(nil), NewPolicyHolder(policy), timeout)
	return f
}

func (f *retrievalFixture) index(id, filename string, texts ...string) {
	indexDocument(f.docs, f.colls, f.parents, id, filename, texts...)
}

func (f *retrievalFixture) retrieve(ctx context.Context, query string) (*RetrievalResult, error) {
	return f.svc.Retrieve(ctx, query, func(step domain.ThinkingStep) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.steps = append(f.steps, step)
	})
}

func (f *retrievalFixture) stepsOf(kind string) []domain.ThinkingStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ThinkingStep
	for _, s := range f.steps {
		if s.Type == kind {
			out = append(out, s)
		}
	}
	return out
}

func (f *retrievalFixture) stepTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.steps))
	for _, s := range f.steps {
		out = append(out, s.Type)
	}
	return out
}

func documentIDs(passages []domain.Passage) []string {
	out := make([]string, 0, len(passages))
	for _, p := range passages {
		out = append(out, p.DocumentID)
	}
	return out
}

func TestRetrieve_NoActiveDocuments(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	disabled := indexDocument(f.docs, f.colls, f.parents, "doc-off", "off.txt", "hidden")
	_, err := f.lifecycle.SetQueryEnabled(context.Background(), disabled.ID, false)
	require.NoError(t, err)

	result, err := f.retrieve(context.Background(), "anything at all?")

	assert.Nil(t, result)
	assert.ErrorIs(t, err, domain.ErrNoActiveDocuments)
	assert.Zero(t, f.embedder.callCount())
	assert.Zero(t, f.reranker.callCount())
	assert.Zero(t, f.colls.searchCount())
	assert.Len(t, f.stepsOf(domain.StepNoDocuments), 1)
}

func TestRetrieve_SingleRoundAccepted(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	f.index("doc-b", "answers.txt", "the answer is forty two")
	f.reranker.fallback = 0.95

	result, err := f.retrieve(context.Background(), "What is the answer?")

	require.NoError(t, err)
	assert.Equal(t, 1, result.Rounds)
	require.Len(t, result.Passages, 1)
	p := result.Passages[0]
	assert.Equal(t, "doc-b", p.DocumentID)
	assert.Equal(t, "answers.txt", p.Filename)
	assert.Equal(t, "parent of the answer is forty two", p.Text)
	assert.InDelta(t, 0.95, p.Score, 1e-9)

	assert.Equal(t, 1, f.reranker.callCount())
	assert.Equal(t, []string{"What is the answer?"}, f.reranker.queries)
	assert.Equal(t, 1, f.parents.loadCount(domain.ParentRef{DocumentID: "doc-b", Index: 0}))
	assert.Len(t, f.stepsOf(domain.StepRoundStart), 1)

	types := f.stepTypes()
	assert.Equal(t, domain.StepStart, types[0])
	assert.Equal(t, domain.StepComplete, types[len(types)-1])
	assert.Subset(t, types, []string{
		domain.StepQueriesGenerated, domain.StepSearchComplete, domain.StepDedupComplete,
		domain.StepRerankComplete, domain.StepRoundAccepted, domain.StepLoadingParents, domain.StepParentsLoaded,
	})
}

func TestRetrieve_EscalatesWithDifferentStrategy(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	f.index("doc-a", "a.txt", "apples grow on trees", "pears are sweet")
	f.reranker.byCall = map[int]float64{1: 0.3}
	f.reranker.fallback = 0.9

	result, err := f.retrieve(context.Background(), "Where do apples grow?")

	require.NoError(t, err)
	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, 2, f.reranker.callCount())

	starts := f.stepsOf(domain.StepRoundStart)
	require.Len(t, starts, 2)
	assert.NotEqual(t, starts[0].Details["strategy"], starts[1].Details["strategy"])
	assert.NotEqual(t, starts[0].Details["top_k"], starts[1].Details["top_k"])
	assert.Len(t, f.stepsOf(domain.StepRoundRejected), 1)
	assert.Len(t, f.stepsOf(domain.StepRoundAccepted), 1)

	queries := f.stepsOf(domain.StepQueriesGenerated)
	require.Len(t, queries, 2)
	assert.Contains(t, queries[1].Details["queries"], "apples grow")
}

func TestRetrieve_DoesNotEscalateWhenAccepted(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	f.index("doc-a", "a.txt", "apples grow on trees")
	f.reranker.fallback = 0.51

	result, err := f.retrieve(context.Background(), "Where do apples grow?")

	require.NoError(t, err)
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, 1, f.reranker.callCount())
	assert.Empty(t, f.stepsOf(domain.StepRoundRejected))
}

func TestRetrieve_RoundCap(t *testing.T) {
	t.Run("no sufficient results after the last round", func(t *testing.T) {
		f := newRetrievalFixture(nil, 0)
		f.index("doc-a", "a.txt", "unrelated text")
		f.reranker.fallback = 0.1

		result, err := f.retrieve(context.Background(), "Who won the race?")

		assert.Nil(t, result)
		assert.ErrorIs(t, err, domain.ErrNoSufficientResults)
		assert.Equal(t, 3, f.reranker.callCount())
		assert.Len(t, f.stepsOf(domain.StepRoundStart), 3)
		assert.Len(t, f.stepsOf(domain.StepNoSufficientResults), 1)
	})

	t.Run("last round accepts results above the floor", func(t *testing.T) {
		f := newRetrievalFixture(nil, 0)
		f.index("doc-a", "a.txt", "somewhat related text")
		f.reranker.fallback = 0.45

		result, err := f.retrieve(context.Background(), "Who won the race?")

		require.NoError(t, err)
		assert.Equal(t, 3, result.Rounds)
		assert.NotEmpty(t, result.Passages)
	})

	t.Run("configured cap", func(t *testing.T) {
		policy := config.DefaultPolicy()
		policy.Retrieval.Rounds = policy.Retrieval.Rounds[:2]
		f := newRetrievalFixture(policy, 0)
		f.index("doc-a", "a.txt", "unrelated text")
		f.reranker.fallback = 0.1

		_, err := f.retrieve(context.Background(), "Who won the race?")

		assert.ErrorIs(t, err, domain.ErrNoSufficientResults)
		assert.Equal(t, 2, f.reranker.callCount())
	})
}

func TestRetrieve_KeepsCandidatesFromEarlierRounds(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	f.index("doc-a", "a.txt", "alpha partial answer", "beta unrelated text")
	f.reranker.rules = map[string]float64{"alpha": 0.45, "beta": 0.1}
	// Round 1 only reaches alpha, later rounds only beta.
	f.colls.visible = func(text string) bool {
		if f.reranker.callCount() == 0 {
			return strings.Contains(text, "alpha")
		}
		return strings.Contains(text, "beta")
	}

	result, err := f.retrieve(context.Background(), "What does alpha say?")

	require.NoError(t, err)
	assert.Equal(t, 3, f.reranker.callCount())
	assert.Equal(t, 3, result.Rounds)
	assert.InDelta(t, 0.45, result.BestScore, 1e-9)
	require.NotEmpty(t, result.Passages)
	assert.Equal(t, "parent of alpha partial answer", result.Passages[0].Text)

	dedup := f.stepsOf(domain.StepDedupComplete)
	require.Len(t, dedup, 3)
	assert.Equal(t, 1, dedup[0].Details["unique"])
	assert.Equal(t, 2, dedup[1].Details["unique"])
	assert.Equal(t, 0, dedup[2].Details["new"])
	assert.Empty(t, f.stepsOf(domain.StepNoSufficientResults))
}

func TestRetrieve_Deterministic(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	f.index("doc-b", "b.txt", "beta one", "beta two", "beta three")
	f.index("doc-a", "a.txt", "alpha one", "alpha two", "alpha three")
	f.reranker.rules = map[string]float64{"two": 0.8}
	f.reranker.fallback = 0.7

	first, err := f.retrieve(context.Background(), "Tell me about one and two")
	require.NoError(t, err)
	require.NotEmpty(t, first.Passages)
	assert.LessOrEqual(t, len(first.Passages), config.DefaultPolicy().Retrieval.TopKRerank)

	for i := 0; i < 5; i++ {
		again, err := f.retrieve(context.Background(), "Tell me about one and two")
		require.NoError(t, err)
		assert.Equal(t, first.Passages, again.Passages)
	}

	for i := 1; i < len(first.Passages); i++ {
		prev, cur := first.Passages[i-1], first.Passages[i]
		if prev.Score == cur.Score {
			if prev.DocumentID == cur.DocumentID {
				assert.Less(t, prev.ParentID, cur.ParentID)
			} else {
				assert.Less(t, prev.DocumentID, cur.DocumentID)
			}
			continue
		}
		assert.Greater(t, prev.Score, cur.Score)
	}
}

func TestRetrieve_DisabledDocumentNeverReturned(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	f.index("doc-a", "secret.txt", "the secret launch code")
	f.index("doc-b", "public.txt", "public information")
	f.reranker.rules = map[string]float64{"secret": 0.99}
	f.reranker.fallback = 0.8

	before, err := f.retrieve(context.Background(), "What is the launch code?")
	require.NoError(t, err)
	assert.Equal(t, "doc-a", before.Passages[0].DocumentID)

	_, err = f.lifecycle.SetQueryEnabled(context.Background(), "doc-a", false)
	require.NoError(t, err)

	var searched []string
	var mu sync.Mutex
	f.colls.onSearch = func(collection string) {
		mu.Lock()
		defer mu.Unlock()
		searched = append(searched, collection)
	}

	after, err := f.retrieve(context.Background(), "What is the launch code?")
	require.NoError(t, err)
	assert.NotContains(t, documentIDs(after.Passages), "doc-a")
	assert.NotContains(t, searched, domain.CollectionName("doc-a"))
	assert.True(t, f.colls.has(domain.CollectionName("doc-a")), "disabling keeps the index")
}

func TestRetrieve_DisabledMidQuery(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	f.index("doc-a", "secret.txt", "the secret launch code")
	f.index("doc-b", "public.txt", "public information")
	f.reranker.rules = map[string]float64{"secret": 0.99}
	f.reranker.fallback = 0.8

	var once sync.Once
	f.colls.onSearch = func(string) {
		once.Do(func() {
			_, err := f.lifecycle.SetQueryEnabled(context.Background(), "doc-a", false)
			assert.NoError(t, err)
		})
	}

	result, err := f.retrieve(context.Background(), "What is the launch code?")

	require.NoError(t, err)
	assert.NotEmpty(t, result.Passages)
	assert.NotContains(t, documentIDs(result.Passages), "doc-a")
	for _, src := range result.Sources() {
		assert.NotEqual(t, "doc-a", src.DocumentID)
	}
}

func TestRetrieve_DeletedMidQuery(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	f.index("doc-a", "doomed.txt", "the secret launch code")
	f.index("doc-b", "public.txt", "public information")
	f.reranker.rules = map[string]float64{"secret": 0.99}
	f.reranker.fallback = 0.8

	var once sync.Once
	f.colls.onSearch = func(string) {
		once.Do(func() {
			assert.NoError(t, f.lifecycle.Delete(context.Background(), "doc-a"))
		})
	}

	result, err := f.retrieve(context.Background(), "What is the launch code?")

	require.NoError(t, err)
	assert.NotContains(t, documentIDs(result.Passages), "doc-a")
	assert.Empty(t, f.docs.state("doc-a"))
	assert.False(t, f.colls.has(domain.CollectionName("doc-a")))
	assert.Zero(t, f.parents.count("doc-a"))
}

func TestRetrieve_BackendFailures(t *testing.T) {
	t.Run("embedding", func(t *testing.T) {
		f := newRetrievalFixture(nil, 0)
		f.index("doc-a", "a.txt", "text")
		f.embedder.err = errors.New("connection refused")

		_, err := f.retrieve(context.Background(), "question?")

		assert.ErrorIs(t, err, domain.ErrRetrievalBackend)
		assert.Equal(t, 1, f.embedder.callCount())
		assert.Zero(t, f.reranker.callCount())
		assert.Len(t, f.stepsOf(domain.StepRoundStart), 1)
	})

	t.Run("reranker", func(t *testing.T) {
		f := newRetrievalFixture(nil, 0)
		f.index("doc-a", "a.txt", "text")
		f.reranker.err = domain.ErrRerankerUnavailable

		_, err := f.retrieve(context.Background(), "question?")

		assert.ErrorIs(t, err, domain.ErrRetrievalBackend)
		assert.Equal(t, 1, f.reranker.callCount())
		assert.Len(t, f.stepsOf(domain.StepRoundStart), 1)
	})

	t.Run("collection store", func(t *testing.T) {
		f := newRetrievalFixture(nil, 0)
		f.index("doc-a", "a.txt", "text")
		f.colls.searchErr = errors.New("timeout")

		_, err := f.retrieve(context.Background(), "question?")

		assert.ErrorIs(t, err, domain.ErrRetrievalBackend)
		assert.Zero(t, f.reranker.callCount())
	})
}

func TestRetrieve_QueryTimeout(t *testing.T) {
	t.Run("uses completed round", func(t *testing.T) {
		f := newRetrievalFixture(nil, 100*time.Millisecond)
		f.index("doc-a", "a.txt", "partial match")
		f.reranker.byCall = map[int]float64{1: 0.45}
		f.reranker.hangAfter = 1

		result, err := f.retrieve(context.Background(), "question?")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Rounds)
		assert.InDelta(t, 0.45, result.BestScore, 1e-9)
		assert.NotEmpty(t, result.Passages)
	})

	t.Run("keeps the best round seen", func(t *testing.T) {
		f := newRetrievalFixture(nil, 100*time.Millisecond)
		f.index("doc-a", "a.txt", "partial match")
		f.reranker.byCall = map[int]float64{1: 0.45, 2: 0.1}
		f.reranker.hangAfter = 2

		result, err := f.retrieve(context.Background(), "question?")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Rounds)
		assert.InDelta(t, 0.45, result.BestScore, 1e-9)
		assert.Equal(t, 3, f.reranker.callCount())
	})

	t.Run("reports no sufficient results", func(t *testing.T) {
		f := newRetrievalFixture(nil, 100*time.Millisecond)
		f.index("doc-a", "a.txt", "poor match")
		f.reranker.byCall = map[int]float64{1: 0.2}
		f.reranker.hangAfter = 1

		_, err := f.retrieve(context.Background(), "question?")

		assert.ErrorIs(t, err, domain.ErrNoSufficientResults)
	})
}

// Retrieve normally runs under the request's span, so its deadline has to
// reach rounds that open spans of their own.
func TestRetrieve_DeadlineUnderParentSpan(t *testing.T) {
	ctx, span := telemetry.StartSpan(context.Background(), "ChatService.Ask", telemetry.SpanAttributes{})
	defer span.End()

	f := newRetrievalFixture(nil, 100*time.Millisecond)
	f.index("doc-a", "a.txt", "partial match")
	f.reranker.byCall = map[int]float64{1: 0.45}
	f.reranker.hangAfter = 1

	type outcome struct {
		result *RetrievalResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.retrieve(ctx, "question?")
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, 1, out.result.Rounds)
	case <-time.After(5 * time.Second):
		t.Fatal("query deadline did not reach the round")
	}
}

func TestRetrieve_CancelUnderParentSpan(t *testing.T) {
	ctx, span := telemetry.StartSpan(context.Background(), "ChatService.Ask", telemetry.SpanAttributes{})
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f := newRetrievalFixture(nil, 0)
	f.index("doc-a", "a.txt", "text")
	f.reranker.byCall = map[int]float64{1: 0.1}
	f.reranker.hangAfter = 1
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := f.retrieve(ctx, "question?")
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not reach the round")
	}
}

func TestRetrieve_Cancelled(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	f.index("doc-a", "a.txt", "text")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.retrieve(ctx, "question?")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.embedder.callCount())
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	_, err := f.retrieve(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyQuery)
}

func TestRetrieve_InjectsMetadata(t *testing.T) {
	f := newRetrievalFixture(nil, 0)
	doc := domain.NewDocument("doc-m", "paper.pdf", "application/pdf", "fp-m", 10, time.Now().UTC())
	doc.State = domain.DocumentStateProcessed
	require.NoError(t, f.docs.Create(context.Background(), doc))

	ctx := context.Background()
	coll := doc.CollectionName()
	require.NoError(t, f.colls.Create(ctx, coll, fakeDims))
	require.NoError(t, f.colls.Upsert(ctx, coll, []domain.ChunkPoint{
		{
			Chunk:  domain.ChildChunk{DocumentID: "doc-m", ParentID: 0, Index: 0, Text: "DOCUMENT METADATA Title: Rivers", Section: domain.SectionMetadata, IsMetadata: true},
			Vector: make([]float32, fakeDims),
		},
		{
			Chunk:  domain.ChildChunk{DocumentID: "doc-m", ParentID: 1, Index: 1, Text: "rivers flow downhill", Section: domain.SectionBody},
			Vector: []float32{1, 1, 1, 1},
		},
	}))
	require.NoError(t, f.parents.Put(ctx, domain.ParentChunk{Ref: domain.ParentRef{DocumentID: "doc-m", Index: 0}, Text: "DOCUMENT METADATA Title: Rivers", Section: domain.SectionMetadata}))
	require.NoError(t, f.parents.Put(ctx, domain.ParentChunk{Ref: domain.ParentRef{DocumentID: "doc-m", Index: 1}, Text: "rivers flow downhill to the sea", Section: domain.SectionBody}))

	policy := config.DefaultPolicy()
	for i := range policy.Retrieval.Rounds {
		policy.Retrieval.Rounds[i].TopK = 1
	}
	f.svc.policy.Store(policy)
	f.reranker.fallback = 0.9

	result, err := f.retrieve(ctx, "Who wrote the paper?")

	require.NoError(t, err)
	assert.Len(t, f.stepsOf(domain.StepMetadataInjection), 1)
	var sections []string
	for _, p := range result.Passages {
		sections = append(sections, p.Section)
	}
	assert.Contains(t, sections, domain.SectionMetadata)
}

func TestDedupeHits(t *testing.T) {
	hits := []domain.ChunkHit{
		{DocumentID: "b", ParentID: 1, ChunkIndex: 3, Score: 0.3},
		{DocumentID: "a", ParentID: 0, ChunkIndex: 0, Score: 0.2},
		{DocumentID: "b", ParentID: 1, ChunkIndex: 3, Score: 0.6},
	}

	out := dedupeHits(hits)

	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].DocumentID)
	assert.Equal(t, 0.6, out[1].Score)
}
