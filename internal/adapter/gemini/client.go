package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"docqa/internal/apperr"
)

// NewClient opens a Gemini client for the given API key. Extra options are
// appended, tests use them to point the client at a local server.
func NewClient(ctx context.Context, apiKey string, opts ...option.ClientOption) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

// httpStatus extracts the HTTP status of a failed API call, or 0.
func httpStatus(err error) int {
	if ae, ok := apierror.FromError(err); ok && ae.HTTPCode() > 0 {
		return ae.HTTPCode()
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// classifyEmbedError maps provider failures onto the embedding error taxonomy.
// 429 and 5xx are transient, every other 4xx is a rejected request.
func classifyEmbedError(err error) error {
	status := httpStatus(err)
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: gemini status %d: %w", apperr.ErrEmbeddingTransientFailure, status, err)
	case status >= http.StatusBadRequest:
		return fmt.Errorf("%w: gemini status %d: %w", apperr.ErrEmbeddingRequestRejected, status, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", apperr.ErrNetworkTimeout, err)
	}
	return fmt.Errorf("%w: %w", apperr.ErrEmbeddingTransientFailure, err)
}
