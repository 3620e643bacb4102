package gateway

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tradesim/internal/metrics"
)

const recentLimit = 200

// ring keeps the newest limit items.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

type eventRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Value     interface{}            `json:"value"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// recent collects emitted metric events and warning/error logs for the
// /api/events and /api/logs endpoints.
type recent struct {
	events  ring[eventRecord]
	logs    ring[logRecord]
	sinkID  metrics.SinkID
	enabled atomic.Bool
}

func newRecent() *recent {
	r := &recent{
		events: ring[eventRecord]{limit: recentLimit},
		logs:   ring[logRecord]{limit: recentLimit},
	}
	r.enabled.Store(true)
	r.sinkID = metrics.AddSink(r.handleEvent)
	return r
}

func (r *recent) handleEvent(e metrics.Event) {
	r.events.push(eventRecord{
		Timestamp: e.Timestamp,
		Component: e.Component,
		Name:      e.Name,
		Type:      e.Type,
		Value:     e.Value,
		Fields:    e.Fields,
	})
}

func (r *recent) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (r *recent) Fire(entry *logrus.Entry) error {
	if !r.enabled.Load() {
		return nil
	}
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			rec.Component, _ = v.(string)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}
	r.logs.push(rec)
	return nil
}

// close detaches from the metric sinks. logrus has no hook removal, so the
// log hook is only disabled.
func (r *recent) close() {
	r.enabled.Store(false)
	metrics.RemoveSink(r.sinkID)
}
