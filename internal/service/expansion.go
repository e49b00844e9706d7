package service

import (
	"context"
	"errors"
	"sort"

	"github.com/cloo-solutions/docrag/internal/domain"
)

const (
	precedingDecay = 0.95
	followingDecay = 0.98
)

// parentCache loads each parent block at most once per request.
type parentCache struct {
	store  ParentStore
	blocks map[string]*domain.ParentChunk
}

func newParentCache(store ParentStore) *parentCache {
	return &parentCache{store: store, blocks: make(map[string]*domain.ParentChunk)}
}

// get returns nil without error for a block that does not exist.
func (c *parentCache) get(ctx context.Context, ref domain.ParentRef) (*domain.ParentChunk, error) {
	key := ref.Key()
	if block, ok := c.blocks[key]; ok {
		return block, nil
	}
	block, err := c.store.Get(ctx, ref)
	if errors.Is(err, domain.ErrParentNotFound) {
		c.blocks[key] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.blocks[key] = block
	return block, nil
}

type expandOptions struct {
	limit    int
	window   int
	neighbor bool
}

// expandParents turns ranked child hits into parent passages. Each parent is
// used once, scored by its best child. A hit whose parent block is missing
// falls back to the child text. When fewer than limit passages remain,
// adjacent parents of the same document are added with a decayed score.
func expandParents(ctx context.Context, cache *parentCache, hits []domain.ChunkHit, filenames map[string]string, opts expandOptions) ([]domain.Passage, error) {
	seen := make(map[string]struct{})
	var passages []domain.Passage

	for _, hit := range hits {
		ref := hit.Parent()
		if _, ok := seen[ref.Key()]; ok {
			continue
		}
		seen[ref.Key()] = struct{}{}

		block, err := cache.get(ctx, ref)
		if err != nil {
			return nil, err
		}
		p := domain.Passage{
			DocumentID: hit.DocumentID,
			Filename:   filenames[hit.DocumentID],
			ParentID:   hit.ParentID,
			Section:    hit.Section,
			Text:       hit.Text,
			Score:      hit.Score,
		}
		if block != nil {
			p.Text = block.Text
			p.Section = block.Section
		}
		passages = append(passages, p)
	}

	if !opts.neighbor || opts.window <= 0 {
		return passages, nil
	}

	anchors := append([]domain.Passage(nil), passages...)
	for _, anchor := range anchors {
		if len(passages) >= opts.limit {
			break
		}
		if anchor.Section == domain.SectionMetadata {
			continue
		}

		add := func(index int, score float64, pos domain.NeighborPosition) (bool, error) {
			ref := domain.ParentRef{DocumentID: anchor.DocumentID, Index: index}
			if _, ok := seen[ref.Key()]; ok {
				return true, nil
			}
			block, err := cache.get(ctx, ref)
			if err != nil || block == nil {
				return false, err
			}
			if block.Section == domain.SectionMetadata {
				return false, nil
			}
			seen[ref.Key()] = struct{}{}
			passages = append(passages, domain.Passage{
				DocumentID: anchor.DocumentID,
				Filename:   anchor.Filename,
				ParentID:   index,
				Section:    block.Section,
				Text:       block.Text,
				Score:      score,
				Neighbor:   pos,
			})
			return true, nil
		}

		if prev := anchor.ParentID - 1; prev >= 0 {
			if _, err := add(prev, anchor.Score*precedingDecay, domain.NeighborPreceding); err != nil {
				return nil, err
			}
		}
		for step := 1; step <= opts.window && len(passages) < opts.limit; step++ {
			ok, err := add(anchor.ParentID+step, anchor.Score*followingDecay, domain.NeighborFollowing)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
		}
	}
	return passages, nil
}

// sortPassages orders by score, then document and parent so equal inputs
// always give the same context.
func sortPassages(passages []domain.Passage) {
	sort.SliceStable(passages, func(i, j int) bool {
		a, b := passages[i], passages[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ParentID < b.ParentID
	})
}

func sortHits(hits []domain.ChunkHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		return a.ChunkIndex < b.ChunkIndex
	})
}
