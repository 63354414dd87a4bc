package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ollamax/ollamax/store"
)

// maxObservedChunks bounds how much of a streamed response an observation
// keeps. When the stream is longer, the oldest chunks are dropped so memory
// stays bounded while the terminal frame is always retained.
const maxObservedChunks = 4096

const (
	ActionChat     = "chat"
	ActionGenerate = "generate"
)

// Observation records one generation as it streams through the proxy. It is
// handed to the usage monitor after the terminal frame arrives.
type Observation struct {
	ID          string
	Action      string
	User        *store.User
	RequestBody json.RawMessage
	Headers     map[string]string
	Start       time.Time

	// ModelMeta resolves cached model metadata on demand, so observations
	// for unknown models never block the hot path.
	ModelMeta func() *store.Model

	mu              sync.Mutex
	chunks          [][]byte
	dropped         int
	cancelled       bool
	completionStart time.Time
	completionStop  time.Time

	done chan struct{}
}

func newObservation(action string, user *store.User, body []byte, headers http.Header) *Observation {
	return &Observation{
		ID:          uuid.NewString(),
		Action:      action,
		User:        user,
		RequestBody: json.RawMessage(body),
		Headers:     filterHeaders(headers),
		Start:       time.Now(),
		done:        make(chan struct{}),
	}
}

// filterHeaders copies the request headers minus credentials and framing.
func filterHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		switch strings.ToLower(name) {
		case "authorization", "content-length":
			continue
		}
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}

// AddChunk records one backend response frame. The first chunk marks the
// completion start time.
func (o *Observation) AddChunk(raw []byte) {
	chunk := make([]byte, len(raw))
	copy(chunk, raw)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.completionStart.IsZero() {
		o.completionStart = time.Now()
	}
	o.chunks = append(o.chunks, chunk)
	if len(o.chunks) > maxObservedChunks {
		o.chunks = o.chunks[1:]
		o.dropped++
	}
}

// Cancel marks the generation as abandoned by the client. The observation is
// still finished and accounted for afterwards.
func (o *Observation) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	o.mu.Unlock()
}

func (o *Observation) Cancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// Finish marks the observation complete and releases waiters.
func (o *Observation) Finish() {
	o.mu.Lock()
	if o.completionStop.IsZero() {
		o.completionStop = time.Now()
		if o.completionStart.IsZero() {
			o.completionStart = o.completionStop
		}
	}
	o.mu.Unlock()

	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

// Done is closed once the response finished streaming.
func (o *Observation) Done() <-chan struct{} {
	return o.done
}

func (o *Observation) CompletionStart() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completionStart
}

func (o *Observation) CompletionStop() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completionStop
}

// Model reads the model name the client asked for.
func (o *Observation) Model() string {
	return gjson.GetBytes(o.RequestBody, "model").String()
}

// InputText flattens the request into the prompt text: joined message
// contents for chat, the prompt for generate.
func (o *Observation) InputText() string {
	if o.Action == ActionGenerate {
		return gjson.GetBytes(o.RequestBody, "prompt").String()
	}

	var parts []string
	for _, msg := range gjson.GetBytes(o.RequestBody, "messages").Array() {
		if content := msg.Get("content").String(); content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n")
}

// ResponseContent concatenates the generated text from the recorded chunks.
func (o *Observation) ResponseContent() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var b strings.Builder
	for _, chunk := range o.chunks {
		if o.Action == ActionGenerate {
			b.WriteString(gjson.GetBytes(chunk, "response").String())
		} else {
			b.WriteString(gjson.GetBytes(chunk, "message.content").String())
		}
	}
	return b.String()
}

// ResponseMetadata returns the terminal frame's fields minus the bulky
// content, or nil when the stream never completed.
func (o *Observation) ResponseMetadata() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := len(o.chunks) - 1; i >= 0; i-- {
		if !gjson.GetBytes(o.chunks[i], "done").Bool() {
			continue
		}
		var meta map[string]any
		if err := json.Unmarshal(o.chunks[i], &meta); err != nil {
			return nil
		}
		delete(meta, "message")
		delete(meta, "response")
		delete(meta, "context")
		if o.dropped > 0 {
			meta["dropped_chunks"] = o.dropped
		}
		return meta
	}
	return nil
}

// TokenUsage reads the prompt and completion token counts from the terminal
// frame.
func (o *Observation) TokenUsage() (prompt, completion int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := len(o.chunks) - 1; i >= 0; i-- {
		if gjson.GetBytes(o.chunks[i], "done").Bool() {
			return int(gjson.GetBytes(o.chunks[i], "prompt_eval_count").Int()),
				int(gjson.GetBytes(o.chunks[i], "eval_count").Int())
		}
	}
	return 0, 0
}
