package metrics

import (
	"sync"
	"time"

	"tradesim/logger"
)

// Event is a metric as emitted through EmitMetric.
type Event struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Sink receives every emitted Event. Sinks run on the emitting goroutine and
// must not block.
type Sink func(Event)

// SinkID identifies a registered sink; zero is never issued.
type SinkID uint64

var (
	sinksMu    sync.RWMutex
	sinks      = make(map[SinkID]Sink)
	nextSinkID SinkID
)

// AddSink registers s and returns its id, or zero when s is nil.
func AddSink(s Sink) SinkID {
	if s == nil {
		return 0
	}
	sinksMu.Lock()
	defer sinksMu.Unlock()
	nextSinkID++
	sinks[nextSinkID] = s
	return nextSinkID
}

func RemoveSink(id SinkID) {
	sinksMu.Lock()
	delete(sinks, id)
	sinksMu.Unlock()
}

// record logs the event and fans it out to sinks. Unnamed metrics are
// dropped.
func record(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Event, bool) {
	if name == "" {
		return Event{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	own := make(logger.Fields, len(fields))
	for k, v := range fields {
		own[k] = v
	}

	logFields := make(logger.Fields, len(own)+3)
	for k, v := range own {
		logFields[k] = v
	}
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Debug("metric")

	ev := Event{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    own,
	}

	sinksMu.RLock()
	targets := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		targets = append(targets, s)
	}
	sinksMu.RUnlock()

	for _, s := range targets {
		s(ev)
	}
	return ev, true
}
