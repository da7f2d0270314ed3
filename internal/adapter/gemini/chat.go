package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"

	"docqa/internal/answer"
)

const DefaultChatModel = "gemini-2.0-flash"

// ChatModel runs answer.Request prompts against a Gemini generative model.
type ChatModel struct {
	client *genai.Client
	model  string
}

func NewChatModel(client *genai.Client, model string) *ChatModel {
	if model == "" {
		model = DefaultChatModel
	}
	return &ChatModel{client: client, model: model}
}

func (m *ChatModel) session(req answer.Request) *genai.ChatSession {
	gm := m.client.GenerativeModel(m.model)
	if req.System != "" {
		gm.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}
	gm.SetTemperature(req.Temperature)
	if req.MaxOutputTokens > 0 {
		gm.SetMaxOutputTokens(req.MaxOutputTokens)
	}

	cs := gm.StartChat()
	for _, turn := range req.History {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		role := "user"
		if turn.Role == answer.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(turn.Content)}})
	}
	return cs
}

func (m *ChatModel) Generate(ctx context.Context, req answer.Request) (*answer.Completion, error) {
	resp, err := m.session(req).SendMessage(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return nil, errors.New("gemini generate: empty response")
	}
	return &answer.Completion{Text: text, Usage: usage(resp)}, nil
}

// Stream forwards each non-empty text delta to onText. An error from onText
// stops the stream and is returned as is.
func (m *ChatModel) Stream(ctx context.Context, req answer.Request, onText func(string) error) (answer.Usage, error) {
	iter := m.session(req).SendMessageStream(ctx, genai.Text(req.Prompt))

	var u answer.Usage
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return u, nil
		}
		if err != nil {
			return u, fmt.Errorf("gemini stream: %w", err)
		}

		if resp.UsageMetadata != nil {
			u = usage(resp)
		}
		if text := responseText(resp); text != "" {
			if err := onText(text); err != nil {
				return u, err
			}
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func usage(resp *genai.GenerateContentResponse) answer.Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return answer.Usage{}
	}
	md := resp.UsageMetadata
	return answer.Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
}
