package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/pagination"
	"github.com/stretchr/testify/mock"
)

// memDocuments is an in-memory DocumentRepositoryInterface with the same
// guarded transition semantics as the postgres repository.
type memDocuments struct {
	mu   sync.Mutex
	docs map[string]*domain.Document
}

func newMemDocuments(docs ...*domain.Document) *memDocuments {
	m := &memDocuments{docs: make(map[string]*domain.Document)}
	for _, d := range docs {
		m.docs[d.ID] = cloneDoc(d)
	}
	return m
}

func cloneDoc(d *domain.Document) *domain.Document {
	c := *d
	return &c
}

func (m *memDocuments) Create(_ context.Context, d *domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.docs {
		if existing.Fingerprint == d.Fingerprint {
			return domain.ErrDuplicateDocument
		}
	}
	m.docs[d.ID] = cloneDoc(d)
	return nil
}

func (m *memDocuments) GetByID(_ context.Context, id string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return cloneDoc(d), nil
}

func (m *memDocuments) GetByFingerprint(_ context.Context, fingerprint string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.Fingerprint == fingerprint {
			return cloneDoc(d), nil
		}
	}
	return nil, domain.ErrDocumentNotFound
}

func (m *memDocuments) List(_ context.Context) ([]*domain.Document, error) {
	return m.ListByState(context.Background())
}

func (m *memDocuments) ListByState(_ context.Context, states ...domain.DocumentState) ([]*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Document
	for _, d := range m.docs {
		if len(states) == 0 || slices.Contains(states, d.State) {
			out = append(out, cloneDoc(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDocuments) Transition(_ context.Context, id string, from []domain.DocumentState, to domain.DocumentState, update StateUpdate) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	if !slices.Contains(from, d.State) {
		return nil, domain.ErrInvalidState
	}
	d.State = to
	if update.ChunkCount != nil {
		d.ChunkCount = *update.ChunkCount
	}
	if update.Error != nil {
		d.Error = *update.Error
	}
	d.UpdatedAt = time.Now().UTC()
	return cloneDoc(d), nil
}

func (m *memDocuments) SetQueryEnabled(_ context.Context, id string, enabled bool) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	d.QueryEnabled = enabled
	return cloneDoc(d), nil
}

func (m *memDocuments) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return domain.ErrDocumentNotFound
	}
	delete(m.docs, id)
	return nil
}

func (m *memDocuments) state(id string) domain.DocumentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[id]; ok {
		return d.State
	}
	return ""
}

// memCollections is an in-memory CollectionStore. Search scores each point by
// the dot product with the query vector.
type memCollections struct {
	mu          sync.Mutex
	collections map[string][]domain.ChunkPoint
	searches    int
	searchErr   error
	// onSearch runs before every search, outside the lock.
	onSearch func(collection string)
	// visible hides points from Search when set and it returns false.
	visible func(text string) bool
}

func newMemCollections() *memCollections {
	return &memCollections{collections: make(map[string][]domain.ChunkPoint)}
}

func (m *memCollections) Create(_ context.Context, collection string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = nil
	}
	return nil
}

func (m *memCollections) Upsert(_ context.Context, collection string, points []domain.ChunkPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		return domain.ErrCollectionNotFound
	}
	m.collections[collection] = append(m.collections[collection], points...)
	return nil
}

func (m *memCollections) Search(_ context.Context, collection string, vector []float32, topK int) ([]domain.ChunkHit, error) {
	if m.onSearch != nil {
		m.onSearch(collection)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches++
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	points, ok := m.collections[collection]
	if !ok {
		return nil, domain.ErrCollectionNotFound
	}
	hits := make([]domain.ChunkHit, 0, len(points))
	for _, p := range points {
		if m.visible != nil && !m.visible(p.Chunk.Text) {
			continue
		}
		var score float64
		for i := range min(len(vector), len(p.Vector)) {
			score += float64(vector[i] * p.Vector[i])
		}
		hits = append(hits, hitFromPoint(collection, p, score))
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *memCollections) MetadataChunks(_ context.Context, collection string) ([]domain.ChunkHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []domain.ChunkHit
	for _, p := range m.collections[collection] {
		if p.Chunk.IsMetadata {
			hits = append(hits, hitFromPoint(collection, p, 0))
		}
	}
	return hits, nil
}

func (m *memCollections) Exists(_ context.Context, collection string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.collections[collection]
	return ok, nil
}

func (m *memCollections) Drop(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

func (m *memCollections) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memCollections) has(collection string) bool {
	ok, _ := m.Exists(context.Background(), collection)
	return ok
}

func (m *memCollections) searchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searches
}

func hitFromPoint(collection string, p domain.ChunkPoint, score float64) domain.ChunkHit {
	return domain.ChunkHit{
		Collection: collection,
		DocumentID: p.Chunk.DocumentID,
		ParentID:   p.Chunk.ParentID,
		ChunkIndex: p.Chunk.Index,
		Text:       p.Chunk.Text,
		Section:    p.Chunk.Section,
		IsMetadata: p.Chunk.IsMetadata,
		Score:      score,
	}
}

// memParents is an in-memory ParentStore that counts loads per key.
type memParents struct {
	mu     sync.Mutex
	blocks map[string]domain.ParentChunk
	loads  map[string]int
}

func newMemParents() *memParents {
	return &memParents{blocks: make(map[string]domain.ParentChunk), loads: make(map[string]int)}
}

func (m *memParents) Put(_ context.Context, parent domain.ParentChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[parent.Ref.Key()] = parent
	return nil
}

func (m *memParents) Get(_ context.Context, ref domain.ParentRef) (*domain.ParentChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads[ref.Key()]++
	p, ok := m.blocks[ref.Key()]
	if !ok {
		return nil, domain.ErrParentNotFound
	}
	return &p, nil
}

func (m *memParents) Delete(_ context.Context, ref domain.ParentRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, ref.Key())
	return nil
}

func (m *memParents) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, p := range m.blocks {
		if p.Ref.DocumentID == documentID {
			delete(m.blocks, key)
		}
	}
	return nil
}

func (m *memParents) DocumentIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, p := range m.blocks {
		seen[p.Ref.DocumentID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memParents) count(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.blocks {
		if p.Ref.DocumentID == documentID {
			n++
		}
	}
	return n
}

func (m *memParents) loadCount(ref domain.ParentRef) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[ref.Key()]
}

// memSources is an in-memory SourceStore.
type memSources struct {
	mu     sync.Mutex
	data   map[string][]byte
	putErr error
}

func newMemSources() *memSources {
	return &memSources{data: make(map[string][]byte)}
}

func (m *memSources) Put(_ context.Context, documentID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.data[documentID] = append([]byte(nil), data...)
	return nil
}

func (m *memSources) Get(_ context.Context, documentID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[documentID]
	if !ok {
		return nil, domain.ErrSourceNotFound
	}
	return d, nil
}

func (m *memSources) Delete(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, documentID)
	return nil
}

// fakeEmbedder hashes text into a fixed small vector so equal text always
// embeds the same way.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	// before runs at the start of every batch, outside the lock.
	before func()
}

const fakeDims = 4

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.before != nil {
		f.before()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = fakeVector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return fakeDims }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fakeVector(text string) []float32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum32()
	v := make([]float32, fakeDims)
	for i := range v {
		v[i] = float32((sum>>(8*i))&0xff) / 255
	}
	return v
}

// fakeReranker scores a text by the first matching substring rule, falling
// back to a default score.
type fakeReranker struct {
	mu       sync.Mutex
	rules    map[string]float64
	fallback float64
	calls    int
	queries  []string
	err      error
	// byCall overrides rules for the nth call (1-based) when set.
	byCall map[int]float64
	// Calls after hangAfter block until their context ends.
	hangAfter int
}

func (f *fakeReranker) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.queries = append(f.queries, query)
	hang := f.hangAfter > 0 && call > f.hangAfter
	err := f.err
	scores := make([]float64, len(texts))
	for i, t := range texts {
		scores[i] = f.score(call, t)
	}
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return scores, nil
}

func (f *fakeReranker) score(call int, text string) float64 {
	if s, ok := f.byCall[call]; ok {
		return s
	}
	keys := make([]string, 0, len(f.rules))
	for k := range f.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(text, k) {
			return f.rules[k]
		}
	}
	return f.fallback
}

func (f *fakeReranker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// MockCompleter is a mock implementation of Completer
type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// fakeStream replays tokens and records whether it was closed.
type fakeStream struct {
	mu     sync.Mutex
	tokens []string
	err    error
	pos    int
	closed bool
	// block makes Recv wait until the stream is closed once tokens run out.
	block chan struct{}
}

func (s *fakeStream) Recv() (string, error) {
	s.mu.Lock()
	if s.pos < len(s.tokens) {
		tok := s.tokens[s.pos]
		s.pos++
		s.mu.Unlock()
		return tok, nil
	}
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
		return "", errors.New("stream closed")
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.block != nil {
		close(s.block)
	}
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeGenerator struct {
	stream *fakeStream
	err    error
	turns  []domain.Turn
	calls  int
}

func (g *fakeGenerator) Stream(_ context.Context, turns []domain.Turn) (domain.TokenStream, error) {
	g.calls++
	g.turns = turns
	if g.err != nil {
		return nil, g.err
	}
	return g.stream, nil
}

// memChats is an in-memory ChatRepositoryInterface.
type memChats struct {
	mu       sync.Mutex
	chats    map[string]*domain.Chat
	messages []*domain.Message
	addErr   error
}

func newMemChats() *memChats {
	return &memChats{chats: make(map[string]*domain.Chat)}
}

func (m *memChats) Create(_ context.Context, c *domain.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[c.ID] = c
	return nil
}

func (m *memChats) GetByID(_ context.Context, id string) (*domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, domain.ErrChatNotFound
	}
	return c, nil
}

func (m *memChats) List(_ context.Context) ([]*domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Chat
	for _, c := range m.chats {
		out = append(out, c)
	}
	return out, nil
}

func (m *memChats) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[id]; !ok {
		return domain.ErrChatNotFound
	}
	delete(m.chats, id)
	return nil
}

func (m *memChats) AddMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memChats) RecentMessages(_ context.Context, chatID string, limit int) ([]*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Message
	for _, msg := range m.messages {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memChats) ListMessages(ctx context.Context, chatID string, _ *pagination.Cursor, limit int) (*pagination.PageResult[*domain.Message], error) {
	msgs, _ := m.RecentMessages(ctx, chatID, 1<<30)
	page := pagination.Paginate(msgs, limit,
		func(m *domain.Message) string { return m.ID },
		func(m *domain.Message) time.Time { return m.CreatedAt },
	)
	return &page, nil
}

func (m *memChats) stored() []*domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Message(nil), m.messages...)
}

type testTxRepos struct {
	chats ChatRepositoryInterface
}

func (t *testTxRepos) Chats() ChatRepositoryInterface { return t.chats }

type testTxRunner struct {
	repos  TxRepositories
	called bool
}

func (t *testTxRunner) WithTx(_ context.Context, fn func(repos TxRepositories) error) error {
	t.called = true
	return fn(t.repos)
}

// indexDocument writes a processed document with one metadata-free parent per
// text straight into the stores.
func indexDocument(docs *memDocuments, colls *memCollections, parents *memParents, id, filename string, texts ...string) *domain.Document {
	doc := domain.NewDocument(id, filename, "text/plain", "fp-"+id, 10, time.Now().UTC())
	doc.State = domain.DocumentStateProcessed
	doc.ChunkCount = len(texts)
	_ = docs.Create(context.Background(), doc)

	coll := domain.CollectionName(id)
	_ = colls.Create(context.Background(), coll, fakeDims)
	points := make([]domain.ChunkPoint, 0, len(texts))
	for i, text := range texts {
		chunk := domain.ChildChunk{DocumentID: id, ParentID: i, Index: i, Text: text, Section: domain.SectionBody}
		points = append(points, domain.ChunkPoint{Chunk: chunk, Vector: fakeVector(text)})
		_ = parents.Put(context.Background(), domain.ParentChunk{
			Ref:     domain.ParentRef{DocumentID: id, Index: i},
			Text:    fmt.Sprintf("parent of %s", text),
			Section: domain.SectionBody,
		})
	}
	_ = colls.Upsert(context.Background(), coll, points)
	return doc
}
