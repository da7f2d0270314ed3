package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sony/gobreaker"

	"docqa/internal/answer"
	"docqa/internal/apperr"
	"docqa/internal/grounding"
	"docqa/internal/retrieval"
	"docqa/internal/settings"
)

type Retriever interface {
	Retrieve(ctx context.Context, query, ownerID string, opts *retrieval.Options) ([]retrieval.Source, error)
}

type Composer interface {
	Compose(ctx context.Context, query string, sources []retrieval.Source, history []answer.Turn) (*answer.Answer, error)
	ComposeStream(ctx context.Context, query string, sources []retrieval.Source, history []answer.Turn) (<-chan answer.Fragment, error)
}

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Request struct {
	Query          string   `json:"query"`
	ConversationID string   `json:"conversationId,omitempty"`
	Stream         bool     `json:"stream"`
	DocumentIDs    []string `json:"documentIds,omitempty"`
}

func (r *Request) Validate() error {
	r.Query = strings.TrimSpace(r.Query)
	switch {
	case r.Query == "":
		return ErrEmptyQuery
	case utf8.RuneCountInString(r.Query) > maxQueryRunes:
		return fmt.Errorf("%w: at most %d characters", ErrQueryTooLong, maxQueryRunes)
	case len(r.DocumentIDs) > maxDocumentIDs:
		return fmt.Errorf("%w: at most %d", ErrTooManyFilter, maxDocumentIDs)
	}
	return nil
}

// Reply is the outcome of one chat turn. Failed replies carry a user-facing
// explanation in Error. Answer holds the same explanation unless part of the
// answer was already streamed, in which case it keeps that partial text.
type Reply struct {
	ConversationID string              `json:"conversationId"`
	MessageID      string              `json:"messageId"`
	Answer         string              `json:"answer"`
	Sources        []retrieval.Source  `json:"sources"`
	Analysis       *grounding.Analysis `json:"analysis,omitempty"`
	Failed         bool                `json:"failed"`
	Error          string              `json:"error,omitempty"`
}

type Service struct {
	repo      Repository
	retriever Retriever
	composer  Composer
	settings  SettingsProvider
	defaults  grounding.Policy
}

// NewService wires a chat turn. defaults is the gate policy used when the
// settings provider is nil or fails.
func NewService(repo Repository, r Retriever, c Composer, set SettingsProvider, defaults grounding.Policy) *Service {
	return &Service{repo: repo, retriever: r, composer: c, settings: set, defaults: defaults}
}

// Ask runs one non-streamed turn. Retrieval and model failures are returned as
// a failed reply recorded in the conversation, not as an error.
func (s *Service) Ask(ctx context.Context, ownerID string, req Request) (*Reply, error) {
	conv, history, err := s.begin(ctx, ownerID, &req)
	if err != nil {
		return nil, err
	}
	reply := &Reply{ConversationID: conv.ID, Sources: []retrieval.Source{}}

	sources, ok := s.evidence(ctx, ownerID, req, reply)
	if !ok {
		return s.finish(ctx, reply, sources)
	}

	ans, err := s.composer.Compose(ctx, req.Query, sources, history)
	if err != nil {
		s.fail(ctx, reply, "compose", err)
		return s.finish(ctx, reply, sources)
	}
	reply.Answer = ans.Text
	return s.finish(ctx, reply, sources)
}

// AskStream runs one streamed turn, passing answer text to onChunk as it is
// produced. An error from onChunk stops the model; the partial turn is still
// recorded.
func (s *Service) AskStream(ctx context.Context, ownerID string, req Request, onChunk func(string) error) (*Reply, error) {
	conv, history, err := s.begin(ctx, ownerID, &req)
	if err != nil {
		return nil, err
	}
	reply := &Reply{ConversationID: conv.ID, Sources: []retrieval.Source{}}

	sources, ok := s.evidence(ctx, ownerID, req, reply)
	if !ok {
		if !reply.Failed {
			if err := onChunk(reply.Answer); err != nil {
				slog.WarnContext(ctx, "client went away during refusal", "error", err)
			}
		}
		return s.finish(ctx, reply, sources)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fragments, err := s.composer.ComposeStream(sctx, req.Query, sources, history)
	if err != nil {
		s.fail(ctx, reply, "compose", err)
		return s.finish(ctx, reply, sources)
	}

	var text strings.Builder
	var streamErr, writeErr error
	for f := range fragments {
		if f.Err != nil {
			streamErr = f.Err
			continue
		}
		text.WriteString(f.Text)
		if writeErr == nil {
			if writeErr = onChunk(f.Text); writeErr != nil {
				cancel()
			}
		}
	}

	switch {
	case writeErr != nil:
		slog.WarnContext(ctx, "chat stream interrupted by client", "error", writeErr)
		reply.Answer = text.String()
		reply.Failed = true
	case streamErr != nil:
		s.fail(ctx, reply, "compose", streamErr)
		if text.Len() > 0 {
			reply.Answer = text.String()
		}
	default:
		reply.Answer = text.String()
	}
	return s.finish(ctx, reply, sources)
}

func (s *Service) ListConversations(ctx context.Context, ownerID string) ([]Conversation, error) {
	return s.repo.ListConversations(ctx, ownerID)
}

// Messages returns the conversation log. sql.ErrNoRows is returned when the
// owner has no such conversation.
func (s *Service) Messages(ctx context.Context, ownerID, conversationID string) ([]Message, error) {
	if _, err := s.repo.GetConversation(ctx, ownerID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID)
}

// begin validates the request, resolves the conversation, loads prior turns
// and records the user's message.
func (s *Service) begin(ctx context.Context, ownerID string, req *Request) (*Conversation, []answer.Turn, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	var conv *Conversation
	var history []answer.Turn
	if req.ConversationID != "" {
		c, err := s.repo.GetConversation(ctx, ownerID, req.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		recent, err := s.repo.RecentMessages(ctx, c.ID, historyTurns)
		if err != nil {
			return nil, nil, fmt.Errorf("load history: %w", err)
		}
		history = priorTurns(recent)
		conv = c
	} else {
		conv = &Conversation{OwnerID: ownerID, Title: title(req.Query)}
		if err := s.repo.CreateConversation(ctx, conv); err != nil {
			return nil, nil, fmt.Errorf("create conversation: %w", err)
		}
	}

	msg := &Message{ConversationID: conv.ID, Role: answer.RoleUser, Content: req.Query}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("append user message: %w", err)
	}
	return conv, history, nil
}

// evidence retrieves and gates. It reports false when the model must not be
// called, with reply already holding the refusal or failure.
func (s *Service) evidence(ctx context.Context, ownerID string, req Request, reply *Reply) ([]retrieval.Source, bool) {
	sources, err := s.retriever.Retrieve(ctx, req.Query, ownerID, &retrieval.Options{DocumentIDs: req.DocumentIDs})
	if err != nil {
		s.fail(ctx, reply, "retrieve", err)
		return nil, false
	}

	analysis := s.policy(ctx).Analyze(req.Query, sources)
	reply.Analysis = &analysis
	for _, src := range sources {
		reply.Sources = append(reply.Sources, src.Preview(sourcePreviewLen))
	}

	if !analysis.CanAnswer {
		slog.InfoContext(ctx, "question refused", "sources", analysis.SourceCount, "mean_score", analysis.MeanScore)
		reply.Answer = answer.RefusalMessage
		return sources, false
	}
	return sources, true
}

func (s *Service) policy(ctx context.Context) grounding.Policy {
	p := s.defaults
	if s.settings == nil {
		return p
	}
	set, err := s.settings.Get(ctx)
	if err != nil {
		slog.WarnContext(ctx, "falling back to default gate policy", "error", err)
		return p
	}
	p.MinSources = set.GateMinSources
	p.MinMeanScore = set.GateMinMeanScore
	return p
}

func (s *Service) fail(ctx context.Context, reply *Reply, stage string, err error) {
	slog.ErrorContext(ctx, "chat turn failed", "stage", stage, "reason", apperr.Reason(err), "error", err)
	reply.Failed = true
	reply.Error = failureMessage(stage, err)
	reply.Answer = reply.Error
}

// finish records the assistant message. It uses a detached context so a turn
// is logged even when the client has gone.
func (s *Service) finish(ctx context.Context, reply *Reply, sources []retrieval.Source) (*Reply, error) {
	refs := make([]SourceRef, len(sources))
	for i, src := range sources {
		refs[i] = SourceRef{DocumentID: src.DocumentID, Filename: src.Filename, Score: src.Score, ChunkIndex: src.ChunkIndex}
	}
	msg := &Message{
		ConversationID: reply.ConversationID,
		Role:           answer.RoleAssistant,
		Content:        reply.Answer,
		Sources:        refs,
		Analysis:       reply.Analysis,
		Failed:         reply.Failed,
	}
	if err := s.repo.AppendMessage(context.WithoutCancel(ctx), msg); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}
	reply.MessageID = msg.ID
	return reply, nil
}

// priorTurns keeps only answered exchanges so roles strictly alternate. A
// failed reply is dropped together with the question that led to it.
func priorTurns(msgs []Message) []answer.Turn {
	var turns []answer.Turn
	for i := 0; i+1 < len(msgs); i++ {
		q, a := msgs[i], msgs[i+1]
		if q.Role != answer.RoleUser || a.Role != answer.RoleAssistant {
			continue
		}
		i++
		if a.Failed {
			continue
		}
		turns = append(turns,
			answer.Turn{Role: answer.RoleUser, Content: q.Content},
			answer.Turn{Role: answer.RoleAssistant, Content: a.Content},
		)
	}
	return turns
}

func failureMessage(stage string, err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "The answering service is temporarily unavailable. Please try again in a moment."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, apperr.ErrNetworkTimeout):
		return "Answering took too long. Please try again."
	case stage == "retrieve":
		return "I couldn't search your documents right now. Please try again."
	default:
		return "Something went wrong while generating the answer. Please try again."
	}
}

func title(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if utf8.RuneCountInString(query) <= maxTitleRunes {
		return query
	}
	return string([]rune(query)[:maxTitleRunes]) + "..."
}
