package weaviate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	adapter "docqa/internal/adapter/weaviate"
	"docqa/internal/apperr"
	"docqa/internal/vector"
)

var allProperties = []map[string]interface{}{
	{"name": "content", "dataType": []string{"text"}},
	{"name": "ownerId", "dataType": []string{"text"}},
	{"name": "documentId", "dataType": []string{"text"}},
	{"name": "chunkIndex", "dataType": []string{"int"}},
	{"name": "filename", "dataType": []string{"text"}},
	{"name": "mediaType", "dataType": []string{"text"}},
	{"name": "createdAt", "dataType": []string{"date"}},
}

// mockWeaviate answers the meta, readiness and schema endpoints and passes
// every other request to handler.
func mockWeaviate(t *testing.T, handler http.HandlerFunc) *weaviate.Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/meta":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"version": "1.19.0"}`))
		case r.URL.Path == "/v1/.well-known/ready":
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/v1/schema/"):
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{"class": vector.DefaultClassName, "properties": allProperties})
		default:
			handler(w, r)
		}
	}))
	t.Cleanup(ts.Close)

	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	require.NoError(t, err)
	return client
}

func testConfig() adapter.Config {
	return adapter.Config{Dimension: 3, MaxRetries: 2, RetryInterval: time.Millisecond, ReadyTimeout: time.Second}
}

func records(n int) []vector.Record {
	out := make([]vector.Record, n)
	for i := range out {
		out[i] = vector.Record{
			Vector:     []float32{0.1, 0.2, 0.3},
			Content:    "chunk",
			OwnerID:    "owner-1",
			DocumentID: "doc-1",
			ChunkIndex: i,
			Filename:   "lease.txt",
			MediaType:  "text/plain",
		}
	}
	return out
}

func batchOK(w http.ResponseWriter, r *http.Request) int {
	var body struct {
		Objects []map[string]interface{} `json:"objects"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	resp := make([]map[string]interface{}, len(body.Objects))
	for i, o := range body.Objects {
		resp[i] = map[string]interface{}{"id": o["id"], "class": o["class"], "result": map[string]interface{}{}}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
	return len(body.Objects)
}

func TestStore_Upsert_Batches(t *testing.T) {
	var calls, objects int32
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, "POST", r.Method)
		atomic.AddInt32(&calls, 1)
		atomic.AddInt32(&objects, int32(batchOK(w, r)))
	})

	store := adapter.NewStore(client, testConfig())
	ids, err := store.Upsert(context.Background(), records(150))
	require.NoError(t, err)

	assert.Len(t, ids, 150)
	assert.Equal(t, int32(2), calls, "150 records need two batches of at most 100")
	assert.Equal(t, int32(150), objects)

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestStore_Upsert_SendsMetadata(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Objects []map[string]interface{} `json:"objects"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Objects, 1)

		props := body.Objects[0]["properties"].(map[string]interface{})
		assert.Equal(t, "owner-1", props["ownerId"])
		assert.Equal(t, "doc-1", props["documentId"])
		assert.Equal(t, "lease.txt", props["filename"])
		assert.Equal(t, vector.DefaultClassName, body.Objects[0]["class"])
		assert.Len(t, body.Objects[0]["vector"], 3)

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode([]map[string]interface{}{{"id": body.Objects[0]["id"], "result": map[string]interface{}{}}})
	})

	store := adapter.NewStore(client, testConfig())
	ids, err := store.Upsert(context.Background(), records(1))
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestStore_Upsert_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		batchOK(w, r)
	})

	store := adapter.NewStore(client, testConfig())
	_, err := store.Upsert(context.Background(), records(3))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)
}

func TestStore_Upsert_ObjectErrorsExhaustRetries(t *testing.T) {
	var calls int32
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode([]map[string]interface{}{{
			"id":     "00000000-0000-0000-0000-000000000001",
			"result": map[string]interface{}{"errors": map[string]interface{}{"error": []map[string]interface{}{{"message": "disk full"}}}},
		}})
	})

	store := adapter.NewStore(client, testConfig())
	_, err := store.Upsert(context.Background(), records(1))
	assert.ErrorIs(t, err, apperr.ErrVectorStoreFailure)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int32(3), calls, "one attempt plus two retries")
}

func TestStore_Upsert_DimensionMismatch(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})

	recs := records(2)
	recs[1].Vector = []float32{0.1}

	store := adapter.NewStore(client, testConfig())
	_, err := store.Upsert(context.Background(), recs)
	assert.ErrorIs(t, err, apperr.ErrVectorStoreFailure)
}

func graphQLGet(objects ...map[string]interface{}) map[string]interface{} {
	items := make([]interface{}, len(objects))
	for i, o := range objects {
		items[i] = o
	}
	return map[string]interface{}{"data": map[string]interface{}{"Get": map[string]interface{}{vector.DefaultClassName: items}}}
}

func hit(id, owner, doc string, distance float64) map[string]interface{} {
	return map[string]interface{}{
		"content":     "content of " + id,
		"ownerId":     owner,
		"documentId":  doc,
		"chunkIndex":  1.0,
		"filename":    doc + ".pdf",
		"_additional": map[string]interface{}{"id": id, "distance": distance},
	}
}

func TestStore_Query(t *testing.T) {
	var query string
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		query = body["query"].(string)

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(graphQLGet(
			hit("b", "owner-1", "doc-1", 0.1),
			hit("x", "owner-2", "doc-9", 0.01),
			hit("a", "owner-1", "doc-2", 0.1),
			hit("c", "owner-1", "doc-1", 0.05),
			hit("d", "owner-1", "doc-1", 0.5),
		))
	})

	store := adapter.NewStore(client, testConfig())
	matches, err := store.Query(context.Background(), vector.Query{
		Vector:   []float32{0.1, 0.2, 0.3},
		OwnerID:  "owner-1",
		TopK:     5,
		MinScore: 0.7,
	})
	require.NoError(t, err)

	assert.Contains(t, query, "nearVector")
	assert.Contains(t, query, "ownerId")
	assert.Contains(t, query, "limit: 5")

	require.Len(t, matches, 3)
	var ids []string
	for _, m := range matches {
		ids = append(ids, m.ID)
		assert.Equal(t, "owner-1", m.OwnerID)
		assert.GreaterOrEqual(t, m.Score, 0.7)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids, "score desc, then id asc")
	assert.InDelta(t, 0.95, matches[0].Score, 1e-9)
	assert.Equal(t, "doc-1.pdf", matches[0].Filename)
	assert.Equal(t, 1, matches[0].ChunkIndex)
}

func TestStore_Query_DocumentScope(t *testing.T) {
	var query string
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		query = body["query"].(string)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(graphQLGet())
	})

	store := adapter.NewStore(client, testConfig())
	matches, err := store.Query(context.Background(), vector.Query{
		Vector:      []float32{0.1, 0.2, 0.3},
		OwnerID:     "owner-1",
		TopK:        5,
		MinScore:    0.7,
		DocumentIDs: []string{"doc-1", "doc-2"},
	})
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Contains(t, query, "ContainsAny")
	assert.Contains(t, query, "documentId")
	assert.Contains(t, query, "ownerId")
}

func TestStore_Query_RequiresOwner(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})

	store := adapter.NewStore(client, testConfig())
	_, err := store.Query(context.Background(), vector.Query{Vector: []float32{1, 0, 0}, TopK: 5})
	assert.ErrorIs(t, err, apperr.ErrVectorStoreFailure)
}

func TestStore_Query_GraphQLError(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{"errors": []map[string]interface{}{{"message": "class not found"}}})
	})

	store := adapter.NewStore(client, testConfig())
	_, err := store.Query(context.Background(), vector.Query{Vector: []float32{1, 0, 0}, OwnerID: "o", TopK: 5})
	assert.ErrorIs(t, err, apperr.ErrVectorStoreFailure)
	assert.Contains(t, err.Error(), "class not found")
}

func TestStore_DeleteByDocument(t *testing.T) {
	var body map[string]interface{}
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, "DELETE", r.Method)
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{"results": map[string]interface{}{"matches": 3, "limit": 10000, "successful": 3}})
	})

	store := adapter.NewStore(client, testConfig())
	require.NoError(t, store.DeleteByDocument(context.Background(), "doc-1", "owner-1"))

	raw, _ := json.Marshal(body)
	assert.Contains(t, string(raw), "doc-1")
	assert.Contains(t, string(raw), "owner-1")
}

func TestStore_DeleteByOwner_LoopsUntilDrained(t *testing.T) {
	var calls int32
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		matches := 2
		if n == 3 {
			matches = 0
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{"results": map[string]interface{}{"matches": matches, "limit": 2, "successful": matches}})
	})

	store := adapter.NewStore(client, testConfig())
	require.NoError(t, store.DeleteByOwner(context.Background(), "owner-1"))
	assert.Equal(t, int32(3), calls)
}

func TestStore_DeleteByOwner_ReportsFailures(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{"results": map[string]interface{}{"matches": 2, "limit": 100, "failed": 1}})
	})

	store := adapter.NewStore(client, testConfig())
	assert.ErrorIs(t, store.DeleteByOwner(context.Background(), "owner-1"), apperr.ErrVectorStoreFailure)
}

func TestStore_CountChunks(t *testing.T) {
	var query string
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		query = body["query"].(string)

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					vector.DefaultClassName: []interface{}{
						map[string]interface{}{"meta": map[string]interface{}{"count": 42.0}},
					},
				},
			},
		})
	})

	store := adapter.NewStore(client, testConfig())
	count, err := store.CountChunks(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 42, count)
	assert.Contains(t, query, "Aggregate")
	assert.Contains(t, query, "owner-1")
}

func TestStore_EnsureSchema_CreatesMissingClass(t *testing.T) {
	var created int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/meta":
			w.Write([]byte(`{"version": "1.19.0"}`))
		case r.URL.Path == "/v1/.well-known/ready":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/v1/schema/LeaseChunk" && r.Method == "GET":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/v1/schema" && r.Method == "POST":
			var class map[string]interface{}
			json.NewDecoder(r.Body).Decode(&class)
			assert.Equal(t, "LeaseChunk", class["class"])
			atomic.AddInt32(&created, 1)
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(class)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ClassName = "LeaseChunk"
	store := adapter.NewStore(client, cfg)

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.Equal(t, int32(1), created, "schema is ensured once per store")
}
