package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// modelNameRE splits a model reference into base name and optional version.
// Ollama writes "name:version", OpenAI-style clients write "name/version".
var modelNameRE = regexp.MustCompile(`^(?P<model>[\w.\-]*)([:/](?P<version>[\w.\-]*))?$`)

func convertModelName(name, sep string) (string, error) {
	m := modelNameRE.FindStringSubmatch(name)
	if m == nil || m[modelNameRE.SubexpIndex("model")] == "" {
		return "", validationError(fmt.Sprintf("invalid model name: %q", name))
	}

	base := m[modelNameRE.SubexpIndex("model")]
	version := m[modelNameRE.SubexpIndex("version")]
	if version == "" {
		return base, nil
	}
	return base + sep + version, nil
}

// OllamaModelName normalizes a model reference to Ollama's "name:version".
func OllamaModelName(name string) (string, error) {
	return convertModelName(name, ":")
}

// OpenAIModelName normalizes a model reference to OpenAI's "name/version".
func OpenAIModelName(name string) (string, error) {
	return convertModelName(name, "/")
}

// ollamaChatFromOpenAI rewrites an OpenAI /v1/chat/completions body into an
// Ollama /api/chat body. Returns the rewritten body, the Ollama-flavored
// model name and the stream flag.
func ollamaChatFromOpenAI(body []byte) ([]byte, string, bool, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", false, validationError("invalid JSON body")
	}

	model, _ := req["model"].(string)
	model, err := OllamaModelName(model)
	if err != nil {
		return nil, "", false, err
	}

	stream, _ := req["stream"].(bool)

	out := map[string]any{
		"model":    model,
		"messages": req["messages"],
		"stream":   stream,
	}
	if tools, ok := req["tools"]; ok {
		out["tools"] = tools
	}
	options := map[string]any{}
	if opts, ok := req["options"].(map[string]any); ok {
		options = opts
	}
	if maxTokens, ok := req["max_tokens"]; ok {
		options["num_predict"] = maxTokens
	}
	if len(options) > 0 {
		out["options"] = options
	}

	raw, err := json.Marshal(out)
	return raw, model, stream, err
}

// ollamaGenerateFromOpenAI rewrites an OpenAI /v1/completions body into an
// Ollama /api/generate body.
func ollamaGenerateFromOpenAI(body []byte) ([]byte, string, bool, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", false, validationError("invalid JSON body")
	}

	model, _ := req["model"].(string)
	model, err := OllamaModelName(model)
	if err != nil {
		return nil, "", false, err
	}

	stream, _ := req["stream"].(bool)

	out := map[string]any{
		"model":  model,
		"prompt": req["prompt"],
		"stream": stream,
	}
	if maxTokens, ok := req["max_tokens"]; ok {
		out["options"] = map[string]any{"num_predict": maxTokens}
	}

	raw, err := json.Marshal(out)
	return raw, model, stream, err
}

// newCompletionID mints the stable id shared by every frame of one response.
func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// openAICompletionFromOllama converts one Ollama response frame into OpenAI
// Chat Completion shape. id is the per-response id; created, when nonzero,
// pins the timestamp so every chunk of a stream shares it. chunk selects the
// delta (chunk) vs message (final) shape.
func openAICompletionFromOllama(raw []byte, id string, created int64, chunk bool) (*OpenAICompletion, error) {
	var frame ollamaChunk
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}

	model, err := OpenAIModelName(frame.Model)
	if err != nil {
		model = frame.Model
	}
	if created == 0 {
		created = frame.createdTime().Unix()
	}

	content := frame.Response
	role := "assistant"
	if frame.Message != nil {
		content = frame.Message.Content
		if frame.Message.Role != "" {
			role = frame.Message.Role
		}
	}
	msg := &OpenAIMessage{Role: role, Content: content}

	choice := OpenAIChoice{Index: 0}
	if chunk {
		choice.Delta = msg
	} else {
		choice.Message = msg
	}
	// finish_reason mirrors the backend's done_reason and stays null when
	// the backend omitted it, even on the terminal frame
	if frame.Done && frame.DoneReason != "" {
		reason := frame.DoneReason
		choice.FinishReason = &reason
	}

	object := objectChatCompletion
	if chunk {
		object = objectChatCompletionChunk
	}

	out := &OpenAICompletion{
		ID:                id,
		SystemFingerprint: "not_supported",
		Object:            object,
		Created:           created,
		Model:             model,
		Choices:           []OpenAIChoice{choice},
	}
	if frame.Done {
		out.Usage = &OpenAIUsage{
			CompletionTokens: frame.EvalCount,
			PromptTokens:     frame.PromptEvalCount,
			TotalTokens:      frame.EvalCount + frame.PromptEvalCount,
		}
	}
	return out, nil
}

// streamTranslator converts a stream of NDJSON Ollama frames into OpenAI
// chunk frames, optionally wrapped as server-sent events. Backend error
// frames pass through verbatim so clients see the upstream message.
// Event ids count up from the stream-start epoch seconds.
type streamTranslator struct {
	id      string
	created int64
	sse     bool
	eventID int64
}

func newStreamTranslator(sse bool, now int64) *streamTranslator {
	return &streamTranslator{id: newCompletionID(), created: now, sse: sse, eventID: now}
}

// Translate maps one Ollama frame to one output frame.
func (t *streamTranslator) Translate(line []byte) ([]byte, error) {
	var payload []byte

	if gjson.GetBytes(line, "error").Exists() {
		payload = line
	} else {
		completion, err := openAICompletionFromOllama(line, t.id, t.created, true)
		if err != nil {
			return nil, err
		}
		payload, err = json.Marshal(completion)
		if err != nil {
			return nil, err
		}
	}

	if !t.sse {
		return append(payload, '\n'), nil
	}

	frame := append([]byte("data: "), payload...)
	frame = append(frame, []byte("\nid: "+strconv.FormatInt(t.nextEventID(), 10)+"\n\n")...)
	return frame, nil
}

// Done emits the SSE stream terminator. NDJSON streams have none.
func (t *streamTranslator) Done() []byte {
	if !t.sse {
		return nil
	}
	return []byte("data: [DONE]\nid: " + strconv.FormatInt(t.nextEventID(), 10) + "\n\n")
}

func (t *streamTranslator) nextEventID() int64 {
	id := t.eventID
	t.eventID++
	return id
}
