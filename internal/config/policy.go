package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Query generation modes for a retrieval round.
const (
	PromptDirect      = "direct"
	PromptAlternative = "alternative"
	PromptRefined     = "refined"
)

// RoundStrategy configures one retrieval round.
type RoundStrategy struct {
	Name            string `yaml:"name"`
	Prompt          string `yaml:"prompt"`
	TopK            int    `yaml:"top_k"`
	Variants        int    `yaml:"variants"`
	IncludeOriginal bool   `yaml:"include_original"`
	IncludeKeywords bool   `yaml:"include_keywords"`
}

// RetrievalPolicy holds the tunables of the multi-round orchestrator.
type RetrievalPolicy struct {
	AcceptScore       float64         `yaml:"accept_score"`
	FloorScore        float64         `yaml:"floor_score"`
	TopKRerank        int             `yaml:"top_k_rerank"`
	Rounds            []RoundStrategy `yaml:"rounds"`
	NeighborExpansion bool            `yaml:"neighbor_expansion"`
	NeighborWindow    int             `yaml:"neighbor_window"`
	MetadataInjection bool            `yaml:"metadata_injection"`
	SearchConcurrency int             `yaml:"search_concurrency"`
	HistoryTurns      int             `yaml:"history_turns"`
}

// MaxRounds is the round cap.
func (p RetrievalPolicy) MaxRounds() int {
	return len(p.Rounds)
}

// ChunkingPolicy sizes parent and child windows in runes.
type ChunkingPolicy struct {
	ParentSize    int `yaml:"parent_size"`
	ParentOverlap int `yaml:"parent_overlap"`
	ChildSize     int `yaml:"child_size"`
	ChildOverlap  int `yaml:"child_overlap"`
}

// Policy is the hot-reloadable retrieval and chunking configuration.
type Policy struct {
	Retrieval RetrievalPolicy `yaml:"retrieval"`
	Chunking  ChunkingPolicy  `yaml:"chunking"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	return &Policy{
		Retrieval: RetrievalPolicy{
			AcceptScore: 0.5,
			FloorScore:  0.4,
			TopKRerank:  6,
			Rounds: []RoundStrategy{
				{Name: "direct", Prompt: PromptDirect, TopK: 20, Variants: 3, IncludeOriginal: true},
				{Name: "alternative", Prompt: PromptAlternative, TopK: 40, Variants: 3, IncludeOriginal: true, IncludeKeywords: true},
				{Name: "refined", Prompt: PromptRefined, TopK: 60, Variants: 3, IncludeOriginal: true},
			},
			NeighborExpansion: true,
			NeighborWindow:    4,
			MetadataInjection: true,
			SearchConcurrency: 8,
			HistoryTurns:      5,
		},
		Chunking: ChunkingPolicy{
			ParentSize:    2000,
			ParentOverlap: 400,
			ChildSize:     400,
			ChildOverlap:  80,
		},
	}
}

// Validate checks ranges and that consecutive rounds use different strategies.
func (p *Policy) Validate() error {
	r := p.Retrieval
	if r.AcceptScore < 0 || r.AcceptScore > 1 {
		return fmt.Errorf("accept_score must be within [0,1]")
	}
	if r.FloorScore < 0 || r.FloorScore > r.AcceptScore {
		return fmt.Errorf("floor_score must be within [0,accept_score]")
	}
	if r.TopKRerank < 1 {
		return fmt.Errorf("top_k_rerank must be positive")
	}
	if len(r.Rounds) == 0 {
		return fmt.Errorf("at least one retrieval round is required")
	}
	for i, round := range r.Rounds {
		switch round.Prompt {
		case PromptDirect, PromptAlternative, PromptRefined:
		default:
			return fmt.Errorf("round %d: unknown prompt %q", i+1, round.Prompt)
		}
		if round.TopK < 1 {
			return fmt.Errorf("round %d: top_k must be positive", i+1)
		}
		if round.Variants < 0 {
			return fmt.Errorf("round %d: variants cannot be negative", i+1)
		}
		if !round.IncludeOriginal && round.Variants == 0 && !round.IncludeKeywords {
			return fmt.Errorf("round %d: produces no queries", i+1)
		}
		if i > 0 && round.sameStrategy(r.Rounds[i-1]) {
			return fmt.Errorf("round %d repeats round %d verbatim", i+1, i)
		}
	}
	if r.NeighborWindow < 0 {
		return fmt.Errorf("neighbor_window cannot be negative")
	}
	if r.SearchConcurrency < 1 {
		return fmt.Errorf("search_concurrency must be positive")
	}

	c := p.Chunking
	if c.ParentSize < 1 || c.ChildSize < 1 {
		return fmt.Errorf("chunk sizes must be positive")
	}
	if c.ParentOverlap < 0 || c.ParentOverlap >= c.ParentSize {
		return fmt.Errorf("parent_overlap must be within [0,parent_size)")
	}
	if c.ChildOverlap < 0 || c.ChildOverlap >= c.ChildSize {
		return fmt.Errorf("child_overlap must be within [0,child_size)")
	}
	return nil
}

func (s RoundStrategy) sameStrategy(o RoundStrategy) bool {
	return s.Prompt == o.Prompt &&
		s.TopK == o.TopK &&
		s.Variants == o.Variants &&
		s.IncludeOriginal == o.IncludeOriginal &&
		s.IncludeKeywords == o.IncludeKeywords
}

// LoadPolicy reads a YAML policy file over the defaults. An empty path or a
// missing file yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

// WatchPolicy reloads the policy whenever the file changes and hands valid
// versions to onChange. Invalid edits are logged and ignored. It blocks until
// ctx is done.
func WatchPolicy(ctx context.Context, path string, onChange func(*Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			p, err := LoadPolicy(path)
			if err != nil {
				log.Printf("policy: reload rejected: %v", err)
				continue
			}
			log.Printf("policy: reloaded %s", path)
			onChange(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("policy: watcher error: %v", err)
		}
	}
}
