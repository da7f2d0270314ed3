package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"

	"docqa/internal/apperr"
	"docqa/internal/embedding"
)

const DefaultEmbeddingModel = "gemini-embedding-001"

type Embedder struct {
	client *genai.Client
	model  string
}

func NewEmbedder(client *genai.Client, model string) *Embedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &Embedder{client: client, model: model}
}

// Embed sends one batchEmbedContents request for all texts.
func (e *Embedder) Embed(ctx context.Context, texts []string, mode embedding.Mode) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding content", "model", e.model, "count", len(texts), "mode", mode.String())

	em := e.client.EmbeddingModel(e.model)
	em.TaskType = taskType(mode)

	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "model", e.model, "error", err)
		return nil, classifyEmbedError(err)
	}

	out := make([][]float32, 0, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at position %d", apperr.ErrEmbeddingCountMismatch, i)
		}
		out = append(out, emb.Values)
	}
	return out, nil
}

func taskType(mode embedding.Mode) genai.TaskType {
	if mode == embedding.ModeQuery {
		return genai.TaskTypeRetrievalQuery
	}
	return genai.TaskTypeRetrievalDocument
}
