package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// DocumentCatalog lists the documents a query may search.
type DocumentCatalog interface {
	SearchableDocuments(ctx context.Context) ([]*domain.Document, error)
}

// StepFunc receives orchestrator progress notes. It must not block.
type StepFunc func(domain.ThinkingStep)

// RetrievalResult is the accepted context for one query.
type RetrievalResult struct {
	Passages  []domain.Passage
	Rounds    int
	BestScore float64
}

// Sources converts the passages to caller-facing sources.
func (r *RetrievalResult) Sources() []domain.Source {
	sources := make([]domain.Source, 0, len(r.Passages))
	for _, p := range r.Passages {
		sources = append(sources, p.Source())
	}
	return sources
}

// RetrievalService is the multi-round retrieval orchestrator. Each round
// searches every searchable document's collection, reranks against the
// original question and either accepts or escalates to the next strategy.
type RetrievalService struct {
	catalog     DocumentCatalog
	embedder    Embedder
	collections CollectionStore
	reranker    Reranker
	parents     ParentStore
	planner     *QueryPlanner
	policy      *PolicyHolder
	timeout     time.Duration
}

// NewRetrievalService creates a RetrievalService. A zero timeout disables the
// whole-query deadline.
func NewRetrievalService(
	catalog DocumentCatalog,
	embedder Embedder,
	collections CollectionStore,
	reranker Reranker,
	parents ParentStore,
	planner *QueryPlanner,
	policy *PolicyHolder,
	timeout time.Duration,
) *RetrievalService {
	if planner == nil {
		planner = NewQueryPlanner(nil)
	}
	if policy == nil {
		policy = NewPolicyHolder(nil)
	}
	return &RetrievalService{
		catalog:     catalog,
		embedder:    embedder,
		collections: collections,
		reranker:    reranker,
		parents:     parents,
		planner:     planner,
		policy:      policy,
		timeout:     timeout,
	}
}

// roundState is the request-scoped outcome of one round: the pooled candidates
// reranked against the original question and the best score among them.
type roundState struct {
	number int
	hits   []domain.ChunkHit
	best   float64
}

func (r *roundState) bestText() string {
	if r == nil || len(r.hits) == 0 {
		return ""
	}
	return r.hits[0].Text
}

// improves reports whether r should replace prev as the query's best round.
// Later rounds rerank a superset of earlier candidates, so ties go to r.
func (r *roundState) improves(prev *roundState) bool {
	if prev == nil || len(prev.hits) == 0 {
		return true
	}
	return len(r.hits) > 0 && r.best >= prev.best
}

// candidatePool holds the deduplicated candidates of every round of one query
// with their similarity scores. Rerank scores are never written back.
type candidatePool struct {
	hits  []domain.ChunkHit
	index map[string]int
}

func newCandidatePool() *candidatePool {
	return &candidatePool{index: make(map[string]int)}
}

// add merges hits into the pool, keeping the highest similarity per chunk, and
// returns how many chunks were not seen before.
func (p *candidatePool) add(hits []domain.ChunkHit) int {
	added := 0
	for _, h := range hits {
		if i, ok := p.index[h.Key()]; ok {
			if h.Score > p.hits[i].Score {
				p.hits[i] = h
			}
			continue
		}
		p.index[h.Key()] = len(p.hits)
		p.hits = append(p.hits, h)
		added++
	}
	return added
}

// retain drops candidates of documents that are no longer searchable.
func (p *candidatePool) retain(docs []*domain.Document) {
	live := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		live[d.ID] = struct{}{}
	}
	kept := p.hits[:0]
	for _, h := range p.hits {
		if _, ok := live[h.DocumentID]; ok {
			kept = append(kept, h)
		}
	}
	p.hits = kept
	clear(p.index)
	for i, h := range p.hits {
		p.index[h.Key()] = i
	}
}

// sorted returns a copy of the pool ordered by document, parent and chunk.
func (p *candidatePool) sorted() []domain.ChunkHit {
	out := slices.Clone(p.hits)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		return a.ChunkIndex < b.ChunkIndex
	})
	return out
}

// Retrieve runs the rounds for query and expands the accepted hits into
// passages. It returns domain.ErrNoActiveDocuments when nothing is searchable
// and domain.ErrNoSufficientResults when no round clears the floor score.
func (s *RetrievalService) Retrieve(ctx context.Context, query string, onStep StepFunc) (*RetrievalResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "RetrievalService.Retrieve", telemetry.SpanAttributes{
		Operation: "retrieve",
	})
	defer span.End()

	if onStep == nil {
		onStep = func(domain.ThinkingStep) {}
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.ErrEmptyQuery
	}

	// Later rounds see the policy the query started with.
	policy := s.policy.Load().Retrieval

	docs, err := s.catalog.SearchableDocuments(ctx)
	if err != nil {
		return nil, domain.ErrStoreUnavailable.Wrap(err)
	}
	if len(docs) == 0 {
		onStep(domain.ThinkingStep{Type: domain.StepNoDocuments, Message: "No documents are enabled for search"})
		return nil, domain.ErrNoActiveDocuments
	}
	onStep(domain.ThinkingStep{
		Type:    domain.StepStart,
		Message: fmt.Sprintf("Searching %d documents", len(docs)),
		Details: map[string]any{"documents": len(docs), "max_rounds": policy.MaxRounds()},
	})

	queryCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	pool := newCandidatePool()
	var best *roundState
	for i, strategy := range policy.Rounds {
		if i > 0 {
			docs, err = s.catalog.SearchableDocuments(queryCtx)
			if err != nil {
				if timedOut(ctx, queryCtx) {
					break
				}
				return nil, domain.ErrStoreUnavailable.Wrap(err)
			}
			if len(docs) == 0 {
				onStep(domain.ThinkingStep{Type: domain.StepNoDocuments, Message: "No documents are enabled for search"})
				return nil, domain.ErrNoActiveDocuments
			}
			pool.retain(docs)
		}

		round, err := s.round(queryCtx, i+1, strategy, policy, query, best.bestText(), docs, pool, onStep)
		if err != nil {
			if timedOut(ctx, queryCtx) {
				log.Printf("retrieval: query deadline reached in round %d", i+1)
				break
			}
			span.SetError(err)
			return nil, err
		}
		if round.improves(best) {
			best = round
		}

		span.SetRound(round.number, best.best)
		details := map[string]any{"round": round.number, "best_score": best.best, "threshold": policy.AcceptScore}
		final := i == len(policy.Rounds)-1
		if best.best >= policy.AcceptScore || (final && len(best.hits) > 0 && best.best >= policy.FloorScore) {
			onStep(domain.ThinkingStep{
				Type:    domain.StepRoundAccepted,
				Message: fmt.Sprintf("Round %d accepted with score %.2f", round.number, best.best),
				Details: details,
			})
			break
		}
		onStep(domain.ThinkingStep{
			Type:    domain.StepRoundRejected,
			Message: fmt.Sprintf("Round %d best score %.2f is below %.2f", round.number, best.best, policy.AcceptScore),
			Details: details,
		})
	}

	if best == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if queryCtx.Err() != nil {
			return nil, domain.ErrRetrievalBackend.Wrap(queryCtx.Err())
		}
	}
	if best == nil || len(best.hits) == 0 || best.best < policy.FloorScore {
		onStep(domain.ThinkingStep{Type: domain.StepNoSufficientResults, Message: "No sufficiently relevant results found"})
		return nil, domain.ErrNoSufficientResults
	}

	// Expansion reads stores, so it gets the caller context rather than the
	// possibly expired query deadline.
	passages, err := s.expand(ctx, best, docs, policy, onStep)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if len(passages) == 0 {
		onStep(domain.ThinkingStep{Type: domain.StepNoSufficientResults, Message: "No sufficiently relevant results found"})
		return nil, domain.ErrNoSufficientResults
	}

	onStep(domain.ThinkingStep{
		Type:    domain.StepComplete,
		Message: fmt.Sprintf("Found %d relevant passages", len(passages)),
		Details: map[string]any{"passages": len(passages), "rounds": best.number},
	})
	return &RetrievalResult{Passages: passages, Rounds: best.number, BestScore: best.best}, nil
}

func (s *RetrievalService) round(
	ctx context.Context,
	number int,
	strategy config.RoundStrategy,
	policy config.RetrievalPolicy,
	query, best string,
	docs []*domain.Document,
	pool *candidatePool,
	onStep StepFunc,
) (*roundState, error) {
	ctx, span := telemetry.StartSpan(ctx, "RetrievalService.round", telemetry.SpanAttributes{
		Round:     number,
		Operation: strategy.Name,
	})
	defer span.End()

	onStep(domain.ThinkingStep{
		Type:    domain.StepRoundStart,
		Message: fmt.Sprintf("Round %d: %s search", number, strategy.Name),
		Details: map[string]any{"round": number, "strategy": strategy.Name, "top_k": strategy.TopK},
	})

	variants := s.planner.Variants(ctx, strategy, query, best)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	onStep(domain.ThinkingStep{
		Type:    domain.StepQueriesGenerated,
		Message: fmt.Sprintf("Generated %d search queries", len(variants)),
		Details: map[string]any{"queries": variants},
	})

	vectors, err := s.embedder.EmbedBatch(ctx, variants)
	if err != nil {
		return nil, backendError(ctx, err)
	}
	if len(vectors) != len(variants) {
		return nil, domain.ErrRetrievalBackend.Wrap(fmt.Errorf("got %d vectors for %d queries", len(vectors), len(variants)))
	}

	hits, err := s.search(ctx, vectors, docs, strategy.TopK, policy.SearchConcurrency)
	if err != nil {
		return nil, err
	}
	onStep(domain.ThinkingStep{
		Type:    domain.StepSearchComplete,
		Message: fmt.Sprintf("Found %d candidate chunks", len(hits)),
		Details: map[string]any{"candidates": len(hits)},
	})

	added := pool.add(hits)
	if policy.MetadataInjection {
		injected, err := s.injectMetadata(ctx, pool.hits, docs)
		if err != nil {
			return nil, err
		}
		if len(injected) > 0 {
			added += pool.add(injected)
			onStep(domain.ThinkingStep{
				Type:    domain.StepMetadataInjection,
				Message: fmt.Sprintf("Added %d metadata chunks", len(injected)),
				Details: map[string]any{"injected": len(injected)},
			})
		}
	}

	// Every round reranks the whole pool, so a strong candidate from an
	// earlier round still competes with what later rounds find.
	hits = pool.sorted()
	onStep(domain.ThinkingStep{
		Type:    domain.StepDedupComplete,
		Message: fmt.Sprintf("%d unique chunks after deduplication", len(hits)),
		Details: map[string]any{"unique": len(hits), "new": added},
	})

	state := &roundState{number: number}
	if len(hits) == 0 {
		return state, nil
	}

	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}
	scores, err := s.reranker.Score(ctx, query, texts)
	if err != nil {
		return nil, backendError(ctx, err)
	}
	if len(scores) != len(hits) {
		return nil, domain.ErrRetrievalBackend.Wrap(fmt.Errorf("got %d scores for %d candidates", len(scores), len(hits)))
	}
	for i := range hits {
		hits[i].Score = scores[i]
	}
	sortHits(hits)
	if len(hits) > policy.TopKRerank {
		hits = hits[:policy.TopKRerank]
	}
	state.hits = hits
	state.best = hits[0].Score

	ranked := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		ranked = append(ranked, map[string]any{"document_id": h.DocumentID, "parent_id": h.ParentID, "score": h.Score})
	}
	onStep(domain.ThinkingStep{
		Type:    domain.StepRerankComplete,
		Message: fmt.Sprintf("Reranked candidates, best score %.2f", state.best),
		Details: map[string]any{"best_score": state.best, "candidates": ranked},
	})
	return state, nil
}

// search fans out one similarity search per (variant, document) pair. Results
// land in fixed slots so the merged order does not depend on scheduling.
func (s *RetrievalService) search(ctx context.Context, vectors [][]float32, docs []*domain.Document, topK, concurrency int) ([]domain.ChunkHit, error) {
	slots := make([][]domain.ChunkHit, len(vectors)*len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for vi, vector := range vectors {
		for di, doc := range docs {
			slot := vi*len(docs) + di
			g.Go(func() error {
				hits, err := s.collections.Search(gctx, doc.CollectionName(), vector, topK)
				if errors.Is(err, domain.ErrCollectionNotFound) {
					// Deleted or reprocessed since the round started.
					return nil
				}
				if err != nil {
					return backendError(gctx, err)
				}
				slots[slot] = hits
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	var hits []domain.ChunkHit
	for _, slot := range slots {
		hits = append(hits, slot...)
	}
	return hits, nil
}

// injectMetadata adds the metadata chunks of every document that produced
// candidates without one, so questions about title or authors can be answered.
func (s *RetrievalService) injectMetadata(ctx context.Context, hits []domain.ChunkHit, docs []*domain.Document) ([]domain.ChunkHit, error) {
	found := make(map[string]bool)
	for _, h := range hits {
		found[h.DocumentID] = found[h.DocumentID] || h.IsMetadata
	}

	injected := make([][]domain.ChunkHit, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		hasMeta, ok := found[doc.ID]
		if !ok || hasMeta {
			continue
		}
		g.Go(func() error {
			chunks, err := s.collections.MetadataChunks(gctx, doc.CollectionName())
			if err != nil {
				return backendError(gctx, err)
			}
			injected[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.ChunkHit
	for _, chunks := range injected {
		out = append(out, chunks...)
	}
	return out, nil
}

func (s *RetrievalService) expand(ctx context.Context, round *roundState, docs []*domain.Document, policy config.RetrievalPolicy, onStep StepFunc) ([]domain.Passage, error) {
	onStep(domain.ThinkingStep{
		Type:    domain.StepLoadingParents,
		Message: "Loading surrounding context",
		Details: map[string]any{"chunks": len(round.hits)},
	})

	filenames := make(map[string]string, len(docs))
	for _, d := range docs {
		filenames[d.ID] = d.Filename
	}

	passages, err := expandParents(ctx, newParentCache(s.parents), round.hits, filenames, expandOptions{
		limit:    policy.TopKRerank,
		window:   policy.NeighborWindow,
		neighbor: policy.NeighborExpansion,
	})
	if err != nil {
		return nil, backendError(ctx, err)
	}

	// A document may have been disabled or deleted while the rounds ran.
	current, err := s.catalog.SearchableDocuments(ctx)
	if err != nil {
		return nil, domain.ErrStoreUnavailable.Wrap(err)
	}
	if len(current) == 0 {
		return nil, domain.ErrNoActiveDocuments
	}
	live := make(map[string]struct{}, len(current))
	for _, d := range current {
		live[d.ID] = struct{}{}
	}
	kept := passages[:0]
	for _, p := range passages {
		if _, ok := live[p.DocumentID]; ok {
			kept = append(kept, p)
		}
	}

	sortPassages(kept)
	if len(kept) > policy.TopKRerank {
		kept = kept[:policy.TopKRerank]
	}

	onStep(domain.ThinkingStep{
		Type:    domain.StepParentsLoaded,
		Message: fmt.Sprintf("Loaded %d context passages", len(kept)),
		Details: map[string]any{"passages": len(kept)},
	})
	return kept, nil
}

// dedupeHits collapses hits of the same child chunk, keeping the highest
// similarity, and orders the survivors by document, parent and chunk.
func dedupeHits(hits []domain.ChunkHit) []domain.ChunkHit {
	pool := newCandidatePool()
	pool.add(hits)
	return pool.sorted()
}

// backendError maps a gateway or store failure to ErrRetrievalBackend, passing
// cancellation through untouched.
func backendError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, domain.ErrRetrievalBackend) {
		return err
	}
	return domain.ErrRetrievalBackend.Wrap(err)
}

// timedOut reports whether the query deadline fired while the caller is
// still waiting.
func timedOut(parent, query context.Context) bool {
	return parent.Err() == nil && errors.Is(query.Err(), context.DeadlineExceeded)
}
