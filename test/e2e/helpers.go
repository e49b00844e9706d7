//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloo-solutions/docrag/internal/api/handlers"
	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/ingest"
	"github.com/cloo-solutions/docrag/internal/jobs"
	"github.com/cloo-solutions/docrag/internal/repository"
	"github.com/cloo-solutions/docrag/internal/server"
	"github.com/cloo-solutions/docrag/internal/service"
	"github.com/cloo-solutions/docrag/internal/storage"
	"github.com/cloo-solutions/docrag/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

const embeddingDims = 64

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T            *testing.T
	Ctx          context.Context
	PostgresC    *testutil.PostgresContainer
	RustFSC      *testutil.RustFSContainer
	Pool         *pgxpool.Pool
	ServerURL    string
	ServerCloser func()
	S3Client     *storage.S3Client
	BinaryDir    string
	HTTPClient   *http.Client
}

// SetupE2EEnv starts Postgres and RustFS, then serves the full stack with
// deterministic in-process model gateways.
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()

	pgC := testutil.NewPostgresContainer(ctx, t)
	s3C := testutil.NewRustFSContainer(ctx, t)
	pool := testutil.NewTestPool(ctx, t, pgC, "../../migrations")

	s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        s3C.Endpoint(),
		Region:          "us-east-1",
		AccessKeyID:     "rustfsadmin",
		SecretAccessKey: "rustfsadmin",
		Bucket:          "test-documents",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	if err := s3Client.EnsureBucket(ctx); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	port, err := getFreePort()
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}

	serverURL, serverCloser := startServer(t, pool, s3Client, port)

	return &E2ETestEnv{
		T:            t,
		Ctx:          ctx,
		PostgresC:    pgC,
		RustFSC:      s3C,
		Pool:         pool,
		ServerURL:    serverURL,
		ServerCloser: serverCloser,
		S3Client:     s3Client,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.ServerCloser != nil {
		e.ServerCloser()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
	if e.BinaryDir != "" {
		os.RemoveAll(e.BinaryDir)
	}
}

// BuildBinaries builds the docrag client binary
func (e *E2ETestEnv) BuildBinaries() {
	tmpDir, err := os.MkdirTemp("", "docrag-e2e-*")
	if err != nil {
		e.T.Fatalf("failed to create temp dir: %v", err)
	}
	e.BinaryDir = tmpDir

	cmd := exec.Command("go", "build", "-o", filepath.Join(tmpDir, "docrag"), "./cmd/docrag")
	cmd.Dir = "../.."
	if out, err := cmd.CombinedOutput(); err != nil {
		e.T.Fatalf("failed to build docrag: %v\n%s", err, out)
	}
}

// RunDocrag runs the docrag CLI against the test server
func (e *E2ETestEnv) RunDocrag(workDir string, args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "docrag"), args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("DOCRAG_API_URL=%s", e.ServerURL),
		fmt.Sprintf("XDG_CONFIG_HOME=%s", workDir),
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// APIResponse represents a standard API response
type APIResponse struct {
	StatusCode int             `json:"-"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
}

// Get performs a GET request
func (e *E2ETestEnv) Get(path string) (*APIResponse, error) {
	return e.doRequest(http.MethodGet, path, nil)
}

// Post performs a POST request
func (e *E2ETestEnv) Post(path string, body interface{}) (*APIResponse, error) {
	return e.doRequest(http.MethodPost, path, body)
}

// Patch performs a PATCH request
func (e *E2ETestEnv) Patch(path string, body interface{}) (*APIResponse, error) {
	return e.doRequest(http.MethodPatch, path, body)
}

// Delete performs a DELETE request
func (e *E2ETestEnv) Delete(path string) (*APIResponse, error) {
	return e.doRequest(http.MethodDelete, path, nil)
}

func (e *E2ETestEnv) doRequest(method, path string, body interface{}) (*APIResponse, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, e.ServerURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return e.send(req)
}

func (e *E2ETestEnv) send(req *http.Request) (*APIResponse, error) {
	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	apiResp := APIResponse{StatusCode: resp.StatusCode}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
		}
	}
	if resp.StatusCode >= 400 {
		return &apiResp, fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiResp.Error)
	}
	return &apiResp, nil
}

// Upload posts content as a multipart document upload
func (e *E2ETestEnv) Upload(filename string, content []byte) (*APIResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, e.ServerURL+"/documents", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.send(req)
}

// SSEEvent is one parsed server-sent event
type SSEEvent struct {
	Name string
	Data json.RawMessage
}

// Stream collects server-sent events until stop returns true or the server
// closes the stream.
func (e *E2ETestEnv) Stream(method, path string, body interface{}, stop func(SSEEvent) bool) ([]SSEEvent, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(e.Ctx, time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, e.ServerURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, b)
	}

	var events []SSEEvent
	var current SSEEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		case line == "" && current.Data != nil:
			events = append(events, current)
			if stop(current) {
				return events, nil
			}
			current = SSEEvent{}
		}
	}
	return events, scanner.Err()
}

// WaitProcessed follows a document's event stream until it reaches a terminal
// stage and returns the final event.
func (e *E2ETestEnv) WaitProcessed(documentID string) domain.ProgressEvent {
	var last domain.ProgressEvent
	_, err := e.Stream(http.MethodGet, "/documents/"+documentID+"/events", nil, func(ev SSEEvent) bool {
		if err := json.Unmarshal(ev.Data, &last); err != nil {
			e.T.Fatalf("bad progress event %s: %v", ev.Data, err)
		}
		return last.Stage.Terminal()
	})
	if err != nil {
		e.T.Fatalf("failed to follow document %s: %v", documentID, err)
	}
	return last
}

// Ask posts a query and returns the decoded stream.
func (e *E2ETestEnv) Ask(chatID, query string) ([]domain.QueryEvent, error) {
	body := map[string]string{"query": query}
	if chatID != "" {
		body["chat_id"] = chatID
	}

	var out []domain.QueryEvent
	_, err := e.Stream(http.MethodPost, "/query/stream", body, func(ev SSEEvent) bool {
		var qe domain.QueryEvent
		if err := json.Unmarshal(ev.Data, &qe); err != nil {
			e.T.Fatalf("bad query event %s: %v", ev.Data, err)
		}
		out = append(out, qe)
		return qe.Terminal()
	})
	return out, err
}

// startServer wires the stack the way docragd does, with in-process model
// gateways in place of the OpenAI and reranker services.
func startServer(t *testing.T, pool *pgxpool.Pool, s3Client *storage.S3Client, port int) (string, func()) {
	policy := service.NewPolicyHolder(config.DefaultPolicy())
	documents := repository.NewDocumentRepository(pool)
	collections := repository.NewCollectionRepository(pool)
	parents := repository.NewParentRepository(pool)
	sources := storage.NewSourceStore(s3Client)
	llm := &scriptedLLM{}
	embedder := &hashEmbedder{}

	lifecycle := service.NewLifecycleService(documents, collections, parents, sources, service.NewProgressHub(), service.ContentFingerprint)
	ingestion := service.NewIngestionService(
		lifecycle, sources, ingest.NewExtractor(), ingest.NewMetadataExtractor(llm),
		embedder, collections, parents, policy,
	)
	retrieval := service.NewRetrievalService(
		lifecycle, embedder, collections, overlapReranker{}, parents,
		service.NewQueryPlanner(llm), policy, 30*time.Second,
	)
	generation := service.NewGenerationService(retrieval, llm, service.NewPromptBuilder(service.NewTokenCounter(), 6000))
	chats := service.NewChatService(repository.NewChatRepository(pool), repository.NewTxRunner(pool), generation, policy)

	worker := jobs.NewWorker(jobs.NewIngestionWorker(documents, ingestion, 2), 200*time.Millisecond)
	lifecycle.OnQueued(worker.Trigger)
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go worker.Start(workerCtx)

	router := server.NewRouter(server.RouterConfig{
		DocumentHandler: handlers.NewDocumentHandler(lifecycle, 10<<20),
		ChatHandler:     handlers.NewChatHandler(chats),
		QueryHandler:    handlers.NewQueryHandler(chats),
		AdminHandler:    handlers.NewAdminHandler(lifecycle),
		MaxUploadBytes:  10 << 20,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("server error: %v", err)
		}
	}()

	serverURL := fmt.Sprintf("http://localhost:%d", port)
	waitForServer(t, serverURL, 10*time.Second)

	return serverURL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		cancelWorker()
		worker.Stop()
	}
}

func waitForServer(t *testing.T, url string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not start within %v", timeout)
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 3 {
			out = append(out, f)
		}
	}
	return out
}

// hashEmbedder embeds text as a normalised bag of hashed terms.
type hashEmbedder struct{}

func (hashEmbedder) Dimensions() int { return embeddingDims }

func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, embeddingDims)
	for _, term := range terms(text) {
		f := fnv.New32a()
		f.Write([]byte(term))
		v[f.Sum32()%embeddingDims]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v, nil
}

func (h hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = h.Embed(ctx, t)
	}
	return out, nil
}

// overlapReranker scores a passage by the share of query terms it contains.
type overlapReranker struct{}

func (overlapReranker) Score(_ context.Context, query string, texts []string) ([]float64, error) {
	q := terms(query)
	scores := make([]float64, len(texts))
	if len(q) == 0 {
		return scores, nil
	}
	for i, text := range texts {
		lower := strings.ToLower(text)
		var hit int
		for _, term := range q {
			if strings.Contains(lower, term) {
				hit++
			}
		}
		scores[i] = float64(hit) / float64(len(q))
	}
	return scores, nil
}

// scriptedLLM returns no query variants or metadata and answers by quoting
// the first "Answer:" line found in the prompt context.
type scriptedLLM struct{}

func (scriptedLLM) Complete(context.Context, domain.CompletionRequest) (string, error) {
	return "", nil
}

func (scriptedLLM) Stream(_ context.Context, turns []domain.Turn) (domain.TokenStream, error) {
	answer := "I could not find that in the documents."
	for _, turn := range turns {
		if i := strings.Index(turn.Content, "Answer:"); i >= 0 {
			line := turn.Content[i+len("Answer:"):]
			if j := strings.IndexByte(line, '\n'); j >= 0 {
				line = line[:j]
			}
			answer = strings.TrimSpace(line) + " [1]"
			break
		}
	}
	return &wordStream{words: strings.SplitAfter(answer, " ")}, nil
}

type wordStream struct {
	words []string
}

func (s *wordStream) Recv() (string, error) {
	if len(s.words) == 0 {
		return "", io.EOF
	}
	w := s.words[0]
	s.words = s.words[1:]
	return w, nil
}

func (s *wordStream) Close() error { return nil }
