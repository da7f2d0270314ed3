package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wstore "docqa/internal/adapter/weaviate"
	"docqa/internal/answer"
	"docqa/internal/app"
	"docqa/internal/blob"
	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/ingest"
	"docqa/internal/middleware"
	"docqa/internal/testutils"
)

// e2eEmbedder maps every text to the same unit vector so any stored chunk is
// a perfect match for any question.
type e2eEmbedder struct {
	calls atomic.Int32
}

func (e *e2eEmbedder) Embed(ctx context.Context, texts []string, mode embedding.Mode) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type e2eChat struct{}

func (e2eChat) Generate(ctx context.Context, req answer.Request) (*answer.Completion, error) {
	return &answer.Completion{Text: "The tenant pays rent on the first of the month."}, nil
}

func (e2eChat) Stream(ctx context.Context, req answer.Request, onText func(string) error) (answer.Usage, error) {
	return answer.Usage{}, onText("The tenant pays rent on the first of the month.")
}

func TestApp_EndToEnd_IngestAndAsk(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E integration test")
	}

	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	cfg := s.GetAppConfig()
	cfg.IngestDispatch = config.DispatchNSQ

	vecStore := wstore.NewStore(s.Weaviate, wstore.Config{ClassName: cfg.WeaviateClass, Dimension: cfg.EmbeddingDimension})
	require.NoError(t, vecStore.EnsureSchema(ctx))
	blobs, err := blob.NewDiskStore(cfg.UploadDir)
	require.NoError(t, err)

	embedder := &e2eEmbedder{}
	application, err := app.New(cfg, &app.Dependencies{
		DB:          s.DB,
		VectorStore: vecStore,
		Blobs:       blobs,
		Embeddings:  embedder,
		ChatModel:   e2eChat{},
		Publisher:   s.NSQ,
	})
	require.NoError(t, err)

	// Upload
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "lease.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte(strings.Repeat("The tenant pays rent on the first of the month. ", 20)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(middleware.OwnerHeader, "owner-e2e")
	w := httptest.NewRecorder()
	application.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// The task arrives on the ingest topic; run it the way a worker would.
	msg := s.ConsumeOne(config.TopicIngestDocument)
	require.NotNil(t, msg, "should receive ingest task")

	var task ingest.Task
	require.NoError(t, json.Unmarshal(msg.Body, &task))
	assert.Equal(t, "owner-e2e", task.OwnerID)
	require.NoError(t, application.Orchestrator.Run(ctx, task))
	assert.Positive(t, embedder.calls.Load())

	// Document is completed
	req = httptest.NewRequest("GET", "/documents/"+task.DocumentID, nil)
	req.Header.Set(middleware.OwnerHeader, "owner-e2e")
	w = httptest.NewRecorder()
	application.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var detail struct {
		Data struct {
			Document struct {
				Status      string `json:"status"`
				TotalChunks int    `json:"total_chunks"`
			} `json:"document"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, ingest.StatusCompleted, detail.Data.Document.Status)
	assert.Positive(t, detail.Data.Document.TotalChunks)

	// Ask
	req = httptest.NewRequest("POST", "/chat", strings.NewReader(`{"query":"When is rent due?"}`))
	req.Header.Set(middleware.OwnerHeader, "owner-e2e")
	w = httptest.NewRecorder()
	application.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var reply struct {
		Data struct {
			Answer   string `json:"answer"`
			Failed   bool   `json:"failed"`
			Sources  []any  `json:"sources"`
			Analysis struct {
				CanAnswer bool `json:"canAnswer"`
			} `json:"analysis"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.False(t, reply.Data.Failed)
	assert.True(t, reply.Data.Analysis.CanAnswer)
	assert.NotEmpty(t, reply.Data.Sources)
	assert.Contains(t, reply.Data.Answer, "first of the month")

	// Another owner sees nothing
	req = httptest.NewRequest("GET", "/documents/"+task.DocumentID, nil)
	req.Header.Set(middleware.OwnerHeader, "someone-else")
	w = httptest.NewRecorder()
	application.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
