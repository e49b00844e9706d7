package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func rounds() []config.RoundStrategy {
	return config.DefaultPolicy().Retrieval.Rounds
}

func TestQueryPlanner_ParsesModelVariants(t *testing.T) {
	llm := &MockCompleter{}
	llm.On("Complete", mock.Anything, mock.Anything).Return("1. How tall is Everest?\n- Everest height in meters\n\n* \"Mount Everest elevation\"\n", nil)
	planner := NewQueryPlanner(llm)

	got := planner.Variants(context.Background(), rounds()[0], "What is the height of Everest?", "")

	assert.Equal(t, []string{
		"What is the height of Everest?",
		"How tall is Everest?",
		"Everest height in meters",
		"Mount Everest elevation",
	}, got)
}

func TestQueryPlanner_CachesDirectRound(t *testing.T) {
	llm := &MockCompleter{}
	llm.On("Complete", mock.Anything, mock.Anything).Return("a\nb\nc", nil)
	planner := NewQueryPlanner(llm)

	first := planner.Variants(context.Background(), rounds()[0], "Question?", "")
	second := planner.Variants(context.Background(), rounds()[0], "Question?", "")

	assert.Equal(t, first, second)
	llm.AssertNumberOfCalls(t, "Complete", 1)
}

func TestQueryPlanner_RoundPrompts(t *testing.T) {
	llm := &MockCompleter{}
	llm.On("Complete", mock.Anything, mock.MatchedBy(func(req domain.CompletionRequest) bool {
		return strings.HasPrefix(req.Turns[0].Content, "The previous search did not find good results")
	})).Return("x", nil).Once()
	llm.On("Complete", mock.Anything, mock.MatchedBy(func(req domain.CompletionRequest) bool {
		return strings.HasPrefix(req.Turns[0].Content, "Based on a partially relevant result") &&
			strings.Contains(req.Turns[1].Content, "Partially relevant content found:\nthe best chunk")
	})).Return("y", nil).Once()
	planner := NewQueryPlanner(llm)

	alt := planner.Variants(context.Background(), rounds()[1], "Where do the rivers flow?", "")
	refined := planner.Variants(context.Background(), rounds()[2], "Where do the rivers flow?", "the best chunk")

	assert.Contains(t, alt, "x")
	assert.Contains(t, alt, "rivers flow")
	assert.Contains(t, refined, "y")
	llm.AssertExpectations(t)
}

func TestQueryPlanner_FallsBackOnModelError(t *testing.T) {
	llm := &MockCompleter{}
	llm.On("Complete", mock.Anything, mock.Anything).Return("", errors.New("rate limited"))
	planner := NewQueryPlanner(llm)

	got := planner.Variants(context.Background(), rounds()[0], "pricing, limits and quotas", "")

	assert.Equal(t, "pricing, limits and quotas", got[0])
	assert.Contains(t, got, "pricing")
	assert.Contains(t, got, "limits")
	assert.LessOrEqual(t, len(got), 4)
}

func TestQueryPlanner_NeverEmpty(t *testing.T) {
	planner := NewQueryPlanner(nil)
	got := planner.Variants(context.Background(), config.RoundStrategy{Variants: 0}, "the", "")
	assert.Equal(t, []string{"the"}, got)
}

func TestParseVariantLines(t *testing.T) {
	got := parseVariantLines("1) 2024 revenue\n2. 3M customers\n• churn")
	assert.Equal(t, []string{"2024 revenue", "3M customers", "churn"}, got)
}

func TestKeywordQuery(t *testing.T) {
	assert.Equal(t, "rivers flow", keywordQuery("Where do the rivers flow?"))
	assert.Empty(t, keywordQuery("what is it"))
}
