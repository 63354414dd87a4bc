package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamax/ollamax/store"
)

func testUser() *store.User {
	return &store.User{ID: "u1", Username: "alice", IsActive: true}
}

func TestObservationHeadersFiltered(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer secret")
	headers.Set("Content-Length", "42")
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", "test-client")

	o := newObservation(ActionChat, testUser(), []byte(`{}`), headers)

	assert.NotContains(t, o.Headers, "authorization")
	assert.NotContains(t, o.Headers, "content-length")
	assert.Equal(t, "application/json", o.Headers["content-type"])
	assert.Equal(t, "test-client", o.Headers["user-agent"])
}

func TestObservationChatContent(t *testing.T) {
	body := []byte(`{"model":"llama3","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`)
	o := newObservation(ActionChat, testUser(), body, nil)

	o.AddChunk([]byte(`{"message":{"content":"he"},"done":false}`))
	o.AddChunk([]byte(`{"message":{"content":"llo"},"done":true,"eval_count":5,"prompt_eval_count":9,"total_duration":123}`))
	o.Finish()

	assert.Equal(t, "llama3", o.Model())
	assert.Equal(t, "be brief\nhi", o.InputText())
	assert.Equal(t, "hello", o.ResponseContent())

	prompt, completion := o.TokenUsage()
	assert.Equal(t, 9, prompt)
	assert.Equal(t, 5, completion)

	meta := o.ResponseMetadata()
	require.NotNil(t, meta)
	assert.NotContains(t, meta, "message")
	assert.Equal(t, float64(123), meta["total_duration"])
}

func TestObservationGenerateContent(t *testing.T) {
	body := []byte(`{"model":"llama3","prompt":"once upon"}`)
	o := newObservation(ActionGenerate, testUser(), body, nil)

	o.AddChunk([]byte(`{"response":"a time","done":true,"context":[1,2,3]}`))
	o.Finish()

	assert.Equal(t, "once upon", o.InputText())
	assert.Equal(t, "a time", o.ResponseContent())

	meta := o.ResponseMetadata()
	require.NotNil(t, meta)
	assert.NotContains(t, meta, "response")
	assert.NotContains(t, meta, "context")
}

func TestObservationChunkBufferBounded(t *testing.T) {
	o := newObservation(ActionChat, testUser(), []byte(`{}`), nil)

	for i := 0; i < maxObservedChunks+10; i++ {
		o.AddChunk([]byte(fmt.Sprintf(`{"message":{"content":"c%d"},"done":false}`, i)))
	}
	o.AddChunk([]byte(`{"message":{"content":""},"done":true,"eval_count":1}`))
	o.Finish()

	// oldest chunks dropped, terminal frame kept
	meta := o.ResponseMetadata()
	require.NotNil(t, meta)
	assert.Equal(t, 11, meta["dropped_chunks"])

	_, completion := o.TokenUsage()
	assert.Equal(t, 1, completion)
}

func TestObservationDone(t *testing.T) {
	o := newObservation(ActionChat, testUser(), []byte(`{}`), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-o.Done()
	}()

	o.Finish()
	o.Finish() // idempotent
	wg.Wait()

	assert.False(t, o.CompletionStop().IsZero())
}

func TestUsageMonitorObserve(t *testing.T) {
	monitor := NewUsageMonitor(10, NewLogMonitor(LevelError))
	defer monitor.Close()

	received := make(chan UsageRecordEvent, 1)
	cancel := monitor.Subscribe(func(ev UsageRecordEvent) { received <- ev })
	defer cancel()

	o := newObservation(ActionChat, testUser(), []byte(`{"model":"llama3"}`), nil)
	o.AddChunk([]byte(`{"message":{"content":"ok"},"done":true,"eval_count":4,"prompt_eval_count":6}`))
	o.Finish()

	record := monitor.Observe(o)
	assert.Equal(t, "alice", record.Username)
	assert.Equal(t, "llama3", record.Model)
	assert.Equal(t, "success", record.Status)
	assert.Equal(t, 6, record.PromptTokens)
	assert.Equal(t, 4, record.CompletionTokens)

	select {
	case ev := <-received:
		assert.Equal(t, record, ev.Record)
	case <-time.After(time.Second):
		t.Fatal("usage event not published")
	}

	records := monitor.Records()
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)
}

func TestUsageMonitorObserveCancelled(t *testing.T) {
	monitor := NewUsageMonitor(10, NewLogMonitor(LevelError))
	defer monitor.Close()

	o := newObservation(ActionChat, testUser(), []byte(`{"model":"llama3"}`), nil)
	o.Cancel()
	o.Finish()

	record := monitor.Observe(o)
	assert.Equal(t, "cancelled", record.Status)
	assert.Zero(t, record.CompletionTokens)
}

func TestUsageMonitorWindow(t *testing.T) {
	monitor := NewUsageMonitor(3, NewLogMonitor(LevelError))
	defer monitor.Close()

	for i := 0; i < 5; i++ {
		o := newObservation(ActionGenerate, testUser(), []byte(`{"model":"m"}`), nil)
		o.Finish()
		monitor.Observe(o)
	}

	records := monitor.Records()
	require.Len(t, records, 3)
	// ids keep counting even as old records fall out of the window
	assert.Equal(t, 2, records[0].ID)
	assert.Equal(t, 4, records[2].ID)
}
