package gateway

import (
	"time"

	"github.com/ollamax/ollamax/store"
)

// OllamaErrorResponse is the standard error format of the Ollama API.
type OllamaErrorResponse struct {
	Error string `json:"error"`
}

// OllamaListTagsResponse is the aggregated /api/tags response.
type OllamaListTagsResponse struct {
	Models []store.ModelInfo `json:"models"`
}

// OllamaProcessResponse is the aggregated /api/ps response.
type OllamaProcessResponse struct {
	Models []store.RunningModel `json:"models"`
}

// OllamaShowRequest is the request for /api/show. Ollama used 'name' in older
// clients and 'model' in newer ones.
type OllamaShowRequest struct {
	Model   string `json:"model,omitempty"`
	Name    string `json:"name,omitempty"`
	Verbose bool   `json:"verbose,omitempty"`
}

func (r OllamaShowRequest) ModelName() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Name
}

// ollamaChunk is the subset of an Ollama chat/generate response frame the
// gateway inspects. Everything else passes through untouched.
type ollamaChunk struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
}

func (c *ollamaChunk) createdTime() time.Time {
	if c.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, c.CreatedAt); err == nil {
			return t
		}
	}
	return time.Now()
}

// OpenAIMessage is a chat message in OpenAI shape.
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIChoice is one completion choice. FinishReason and Logprobs are
// emitted even when null; exactly one of Message/Delta is set depending on
// whether the frame is a chunk.
type OpenAIChoice struct {
	Index        int            `json:"index"`
	FinishReason *string        `json:"finish_reason"`
	Logprobs     any            `json:"logprobs"`
	Message      *OpenAIMessage `json:"message,omitempty"`
	Delta        *OpenAIMessage `json:"delta,omitempty"`
}

// OpenAIUsage is the token accounting block, present on terminal frames.
type OpenAIUsage struct {
	CompletionTokens int `json:"completion_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

const (
	objectChatCompletion      = "chat.completion"
	objectChatCompletionChunk = "chat.completion.chunk"
)

// OpenAICompletion is a Chat Completion or Chat Completion Chunk frame.
type OpenAICompletion struct {
	ID                string         `json:"id"`
	SystemFingerprint string         `json:"system_fingerprint"`
	Object            string         `json:"object"`
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	Choices           []OpenAIChoice `json:"choices"`
	Usage             *OpenAIUsage   `json:"usage,omitempty"`
}
