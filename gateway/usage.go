package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ollamax/ollamax/event"
)

const usageRecordEventID uint32 = 0x7a01

// UsageRecord is one finished generation, as kept in memory and exposed on
// the admin usage endpoints.
type UsageRecord struct {
	ID               int       `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Username         string    `json:"username"`
	Action           string    `json:"action"`
	Model            string    `json:"model"`
	Status           string    `json:"status"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	DurationMs       int       `json:"duration_ms"`
	TokensPerSecond  float64   `json:"tokens_per_second"`
}

// UsageRecordEvent is published for every finished generation.
type UsageRecordEvent struct {
	Record UsageRecord
}

func (e UsageRecordEvent) Type() uint32 {
	return usageRecordEventID
}

// UsageMonitor keeps a bounded in-memory window of usage records and fans
// them out to subscribers.
type UsageMonitor struct {
	mu         sync.RWMutex
	records    []UsageRecord
	maxRecords int
	nextID     int
	logger     *LogMonitor
	eventbus   *event.Dispatcher
}

func NewUsageMonitor(maxRecords int, logger *LogMonitor) *UsageMonitor {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &UsageMonitor{
		maxRecords: maxRecords,
		logger:     logger,
		eventbus:   event.NewDispatcherConfig(maxRecords),
	}
}

// Observe derives a usage record from a finished observation and stores it.
func (u *UsageMonitor) Observe(o *Observation) UsageRecord {
	prompt, completion := o.TokenUsage()

	record := UsageRecord{
		Timestamp:        o.Start,
		Action:           o.Action,
		Model:            o.Model(),
		Status:           "success",
		PromptTokens:     prompt,
		CompletionTokens: completion,
	}
	if o.Cancelled() {
		record.Status = "cancelled"
	}
	if o.User != nil {
		record.Username = o.User.Username
	}
	if stop, start := o.CompletionStop(), o.Start; !stop.IsZero() {
		duration := stop.Sub(start)
		record.DurationMs = int(duration.Milliseconds())
		if duration > 0 && completion > 0 {
			record.TokensPerSecond = float64(completion) / duration.Seconds()
		}
	}

	u.add(&record)
	u.logger.Debugf("usage: user=%s action=%s model=%s status=%s tokens=%d/%d",
		record.Username, record.Action, record.Model, record.Status, prompt, completion)
	return record
}

func (u *UsageMonitor) add(record *UsageRecord) {
	u.mu.Lock()
	record.ID = u.nextID
	u.nextID++
	u.records = append(u.records, *record)
	if len(u.records) > u.maxRecords {
		u.records = u.records[len(u.records)-u.maxRecords:]
	}
	u.mu.Unlock()

	event.Publish(u.eventbus, UsageRecordEvent{Record: *record})
}

// Records returns a copy of the current window.
func (u *UsageMonitor) Records() []UsageRecord {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]UsageRecord, len(u.records))
	copy(out, u.records)
	return out
}

// RecordsJSON returns the window as a JSON array.
func (u *UsageMonitor) RecordsJSON() ([]byte, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return json.Marshal(u.records)
}

// Subscribe registers a callback for new usage records.
func (u *UsageMonitor) Subscribe(callback func(UsageRecordEvent)) context.CancelFunc {
	return event.Subscribe(u.eventbus, callback)
}

func (u *UsageMonitor) Close() error {
	return u.eventbus.Close()
}
