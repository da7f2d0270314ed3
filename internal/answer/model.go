package answer

import "context"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message of the conversation.
type Turn struct {
	Role    string
	Content string
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Request is a fully rendered prompt ready for a chat model.
type Request struct {
	System          string
	History         []Turn
	Prompt          string
	Temperature     float32
	MaxOutputTokens int32
}

type Completion struct {
	Text  string
	Usage Usage
}

// ChatModel is a language model that can answer a Request in one piece or
// as a stream of text deltas.
type ChatModel interface {
	Generate(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request, onText func(string) error) (Usage, error)
}
