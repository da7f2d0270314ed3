// Package apperr holds the error taxonomy shared by ingestion, retrieval and the HTTP layer.
package apperr

import "errors"

var (
	ErrUnsupportedMediaType      = errors.New("unsupported media type")
	ErrExtractionFailed          = errors.New("extraction failed")
	ErrEmptyDocument             = errors.New("document contains no extractable text")
	ErrEmbeddingRequestRejected  = errors.New("embedding request rejected")
	ErrEmbeddingTransientFailure = errors.New("embedding transient failure")
	ErrEmbeddingCountMismatch    = errors.New("embedding count mismatch")
	ErrVectorStoreFailure        = errors.New("vector store failure")
	ErrPersistenceFailure        = errors.New("persistence failure")
	ErrUnauthorized              = errors.New("unauthorized")
	ErrNetworkTimeout            = errors.New("network timeout")
)

var reasons = []struct {
	err  error
	name string
}{
	{ErrUnsupportedMediaType, "UnsupportedMediaType"},
	{ErrExtractionFailed, "ExtractionFailed"},
	{ErrEmptyDocument, "EmptyDocument"},
	{ErrEmbeddingRequestRejected, "EmbeddingRequestRejected"},
	{ErrEmbeddingCountMismatch, "EmbeddingCountMismatch"},
	{ErrVectorStoreFailure, "VectorStoreFailure"},
	{ErrPersistenceFailure, "PersistenceFailure"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrNetworkTimeout, "NetworkTimeout"},
	{ErrEmbeddingTransientFailure, "EmbeddingTransientFailure"},
}

// Reason returns the taxonomy name of err, or "Internal" when err matches none of them.
// Stage errors (vector store, persistence) are checked before their causes so the
// recorded reason names the step that failed.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "Internal"
}
